package lode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/lode/lode"
)

// ErrNoRecords is returned when no analytics records match the filter.
var ErrNoRecords = errors.New("no analytics records found")

// StatsFilter narrows a stats query. Empty fields match everything.
type StatsFilter struct {
	Source string
	Plugin string
	// Day filters to one partition day (YYYY-MM-DD UTC).
	Day string
}

// Stats aggregates analytics records matching a filter.
type Stats struct {
	Records  int64
	ByEvent  map[string]int64
	ByPlugin map[string]int64
	BySource map[string]int64
	FirstTs  time.Time
	LastTs   time.Time
}

// QueryStats scans the dataset and aggregates every analytics record
// matching the filter. Manifest path filtering is a coarse pre-filter;
// record fields are authoritative (one snapshot may span partitions).
func QueryStats(ctx context.Context, ds lode.Dataset, filter StatsFilter) (*Stats, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "kilnbox/snapshots")
	}

	stats := &Stats{
		ByEvent:  make(map[string]int64),
		ByPlugin: make(map[string]int64),
		BySource: make(map[string]int64),
	}

	for _, snap := range snapshots {
		if !snapshotMatchesFilter(snap, "source", filter.Source) {
			continue
		}
		if !snapshotMatchesFilter(snap, "plugin", filter.Plugin) {
			continue
		}
		if !snapshotMatchesFilter(snap, "day", filter.Day) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("kilnbox/snapshot/%s", snap.ID))
		}

		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if record["record_kind"] != RecordKindAnalytics {
				continue
			}
			if filter.Source != "" && toString(record["source"]) != filter.Source {
				continue
			}
			if filter.Plugin != "" && toString(record["plugin"]) != filter.Plugin {
				continue
			}
			if filter.Day != "" && toString(record["day"]) != filter.Day {
				continue
			}
			stats.add(record)
		}
	}

	if stats.Records == 0 {
		return nil, ErrNoRecords
	}
	return stats, nil
}

func (s *Stats) add(record map[string]any) {
	s.Records++
	if event := toString(record["event"]); event != "" {
		s.ByEvent[event]++
	}
	if plugin := toString(record["plugin"]); plugin != "" {
		s.ByPlugin[plugin]++
	}
	if source := toString(record["source"]); source != "" {
		s.BySource[source]++
	}
	if ts, err := time.Parse(time.RFC3339Nano, toString(record["ts"])); err == nil {
		if s.FirstTs.IsZero() || ts.Before(s.FirstTs) {
			s.FirstTs = ts
		}
		if ts.After(s.LastTs) {
			s.LastTs = ts
		}
	}
}

// toString converts a value to string, returning "" for nil or
// non-string values.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
