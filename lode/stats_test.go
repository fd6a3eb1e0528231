package lode

import (
	"errors"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/kilnbox/platform"
)

func seedStatsDataset(t *testing.T) lode.Dataset {
	t.Helper()

	factory := sharedFactory(lode.NewMemory())
	sink, err := NewSink(Config{Source: "cli"}, factory)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	batches := [][]*platform.Record{
		{
			{Event: "execution.started", Kind: platform.RecordTrack, PluginID: "alpha", Timestamp: day1},
			{Event: "execution.finished", Kind: platform.RecordTrack, PluginID: "alpha", Timestamp: day1.Add(time.Second)},
		},
		{
			{Event: "execution.started", Kind: platform.RecordTrack, PluginID: "beta", Source: "rest", Timestamp: day1.Add(time.Minute)},
			{Event: "execution.failed", Kind: platform.RecordTrack, PluginID: "beta", Source: "rest", Timestamp: day1.Add(2 * time.Minute)},
		},
		{
			{Event: "job.submitted", Kind: platform.RecordTrack, Timestamp: day2},
		},
	}
	for _, batch := range batches {
		if err := sink.WriteRecords(t.Context(), batch); err != nil {
			t.Fatalf("WriteRecords failed: %v", err)
		}
	}

	ds, err := NewDataset("", factory)
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	return ds
}

func TestQueryStats_AggregatesEverything(t *testing.T) {
	ds := seedStatsDataset(t)

	stats, err := QueryStats(t.Context(), ds, StatsFilter{})
	if err != nil {
		t.Fatalf("QueryStats failed: %v", err)
	}

	if stats.Records != 5 {
		t.Errorf("Records = %d, want 5", stats.Records)
	}
	if stats.ByEvent["execution.started"] != 2 {
		t.Errorf("ByEvent[execution.started] = %d, want 2", stats.ByEvent["execution.started"])
	}
	if stats.ByPlugin["alpha"] != 2 {
		t.Errorf("ByPlugin[alpha] = %d, want 2", stats.ByPlugin["alpha"])
	}
	if stats.ByPlugin["none"] != 1 {
		t.Errorf("ByPlugin[none] = %d, want 1", stats.ByPlugin["none"])
	}
	if stats.BySource["cli"] != 3 {
		t.Errorf("BySource[cli] = %d, want 3", stats.BySource["cli"])
	}
	if stats.BySource["rest"] != 2 {
		t.Errorf("BySource[rest] = %d, want 2", stats.BySource["rest"])
	}

	wantFirst := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	wantLast := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !stats.FirstTs.Equal(wantFirst) {
		t.Errorf("FirstTs = %v, want %v", stats.FirstTs, wantFirst)
	}
	if !stats.LastTs.Equal(wantLast) {
		t.Errorf("LastTs = %v, want %v", stats.LastTs, wantLast)
	}
}

func TestQueryStats_FilterByPlugin(t *testing.T) {
	ds := seedStatsDataset(t)

	stats, err := QueryStats(t.Context(), ds, StatsFilter{Plugin: "beta"})
	if err != nil {
		t.Fatalf("QueryStats failed: %v", err)
	}
	if stats.Records != 2 {
		t.Errorf("Records = %d, want 2", stats.Records)
	}
	if len(stats.ByPlugin) != 1 || stats.ByPlugin["beta"] != 2 {
		t.Errorf("ByPlugin = %v, want beta:2 only", stats.ByPlugin)
	}
	if stats.ByEvent["execution.failed"] != 1 {
		t.Errorf("ByEvent[execution.failed] = %d, want 1", stats.ByEvent["execution.failed"])
	}
}

func TestQueryStats_FilterByDay(t *testing.T) {
	ds := seedStatsDataset(t)

	stats, err := QueryStats(t.Context(), ds, StatsFilter{Day: "2026-03-02"})
	if err != nil {
		t.Fatalf("QueryStats failed: %v", err)
	}
	if stats.Records != 1 {
		t.Errorf("Records = %d, want 1", stats.Records)
	}
	if stats.ByEvent["job.submitted"] != 1 {
		t.Errorf("ByEvent = %v, want job.submitted:1", stats.ByEvent)
	}
}

func TestQueryStats_FilterBySource(t *testing.T) {
	ds := seedStatsDataset(t)

	stats, err := QueryStats(t.Context(), ds, StatsFilter{Source: "rest"})
	if err != nil {
		t.Fatalf("QueryStats failed: %v", err)
	}
	if stats.Records != 2 {
		t.Errorf("Records = %d, want 2", stats.Records)
	}
	if len(stats.BySource) != 1 || stats.BySource["rest"] != 2 {
		t.Errorf("BySource = %v, want rest:2 only", stats.BySource)
	}
}

func TestQueryStats_NoMatches(t *testing.T) {
	ds := seedStatsDataset(t)

	_, err := QueryStats(t.Context(), ds, StatsFilter{Plugin: "missing"})
	if !errors.Is(err, ErrNoRecords) {
		t.Errorf("expected ErrNoRecords, got: %v", err)
	}
}

func TestQueryStats_EmptyDataset(t *testing.T) {
	ds, err := NewDataset("", sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}

	_, err = QueryStats(t.Context(), ds, StatsFilter{})
	if !errors.Is(err, ErrNoRecords) {
		t.Errorf("expected ErrNoRecords, got: %v", err)
	}
}

func TestQueryStats_PartitionPrefilterExactMatch(t *testing.T) {
	factory := sharedFactory(lode.NewMemory())
	sink, err := NewSink(Config{Source: "cli"}, factory)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []*platform.Record{
		{Event: "execution.finished", Kind: platform.RecordTrack, PluginID: "p1", Timestamp: ts},
		{Event: "execution.finished", Kind: platform.RecordTrack, PluginID: "p10", Timestamp: ts},
	}
	if err := sink.WriteRecords(t.Context(), records); err != nil {
		t.Fatalf("WriteRecords failed: %v", err)
	}

	ds, err := NewDataset("", factory)
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}

	// plugin=p1 must not match the plugin=p10 partition.
	stats, err := QueryStats(t.Context(), ds, StatsFilter{Plugin: "p1"})
	if err != nil {
		t.Fatalf("QueryStats failed: %v", err)
	}
	if stats.Records != 1 {
		t.Errorf("Records = %d, want 1", stats.Records)
	}
	if _, got := stats.ByPlugin["p10"]; got {
		t.Error("p10 records leaked into the p1 filter")
	}
}
