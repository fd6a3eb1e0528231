package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pithecene-io/kilnbox/lode"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/runtime"
	"github.com/pithecene-io/kilnbox/types"
)

// Plugins lists registry contents, sorted by plugin id.
func Plugins(reg *plugin.Registry) []PluginItem {
	if reg == nil {
		return nil
	}
	ids := reg.IDs()
	sort.Strings(ids)
	items := make([]PluginItem, 0, len(ids))
	for _, id := range ids {
		m, ok := reg.Manifest(id)
		if !ok {
			continue
		}
		warm := 0
		for i := range m.Handlers {
			if m.Handlers[i].Warmup {
				warm++
			}
		}
		items = append(items, PluginItem{
			ID:           m.ID,
			Version:      m.Version,
			Trusted:      m.Trusted,
			Handlers:     len(m.Handlers),
			Warmup:       warm,
			Capabilities: strings.Join(m.Capabilities, ","),
		})
	}
	return items
}

// Handlers lists every declared handler across the registry.
func Handlers(reg *plugin.Registry) []HandlerItem {
	if reg == nil {
		return nil
	}
	ids := reg.IDs()
	sort.Strings(ids)
	var items []HandlerItem
	for _, id := range ids {
		m, ok := reg.Manifest(id)
		if !ok {
			continue
		}
		for i := range m.Handlers {
			h := &m.Handlers[i]
			items = append(items, HandlerItem{
				PluginID: m.ID,
				Handler:  h.ID,
				File:     h.File,
				Route:    h.Route,
				Command:  h.Command,
				Warmup:   h.Warmup,
			})
		}
	}
	return items
}

// Snapshots lists failure snapshots under a workspace, newest first.
// Unreadable files become rows with an error message rather than
// aborting the listing.
func Snapshots(workspace string) ([]SnapshotItem, error) {
	paths, err := runtime.ListSnapshots(workspace)
	if err != nil {
		return nil, err
	}
	items := make([]SnapshotItem, 0, len(paths))
	for _, p := range paths {
		item := SnapshotItem{File: filepath.Base(p)}
		snap, err := runtime.LoadSnapshot(p)
		if err != nil {
			item.Message = fmt.Sprintf("unreadable: %v", err)
			items = append(items, item)
			continue
		}
		item.CapturedAt = snap.CapturedAt
		item.PluginID = snap.PluginID
		item.Handler = snap.Handler
		item.RequestID = snap.RequestID
		if snap.Error != nil {
			item.Code = string(snap.Error.Code)
			item.Message = snap.Error.Message
		}
		items = append(items, item)
	}
	return items, nil
}

// Snapshot loads one snapshot file into the detail view. The path may
// be absolute or a bare file name resolved against the workspace.
func Snapshot(workspace, path string) (*SnapshotDetail, error) {
	if !strings.ContainsRune(path, os.PathSeparator) {
		path = filepath.Join(runtime.SnapshotDir(workspace), path)
	}
	snap, err := runtime.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return &SnapshotDetail{
		Path:        path,
		CapturedAt:  snap.CapturedAt,
		Host:        string(snap.Host),
		PluginID:    snap.PluginID,
		Version:     snap.PluginVersion,
		Handler:     snap.Handler,
		RequestID:   snap.RequestID,
		ExecutionID: snap.ExecutionID,
		Input:       string(snap.Input),
		Error:       snap.Error,
		Env:         len(snap.Env),
		Logs:        snap.Logs,
	}, nil
}

// PruneSnapshots removes all but the newest keep snapshots of a
// workspace. Returns the number of files removed.
func PruneSnapshots(workspace string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	paths, err := runtime.ListSnapshots(workspace)
	if err != nil {
		return 0, err
	}
	if len(paths) <= keep {
		return 0, nil
	}
	removed := 0
	for _, p := range paths[keep:] {
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Traces lists persisted invoke chains in a directory, newest chain
// first by root start time.
func Traces(dir string) ([]TraceItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var items []TraceItem
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), runtime.TraceFileExt) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		spans, err := runtime.LoadTrace(path)
		if err != nil || len(spans) == 0 {
			continue
		}
		items = append(items, traceItem(e.Name(), spans))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].StartedAt.After(items[j].StartedAt)
	})
	return items, nil
}

// Trace loads one chain file into the detail view, spans ordered root
// first, then by start time.
func Trace(path string) (*TraceDetail, error) {
	spans, err := runtime.LoadTrace(path)
	if err != nil {
		return nil, err
	}
	ordered := append([]types.TraceSpan(nil), spans...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Depth != ordered[j].Depth {
			return ordered[i].Depth < ordered[j].Depth
		}
		return ordered[i].StartedAt.Before(ordered[j].StartedAt)
	})

	detail := &TraceDetail{Path: path}
	for _, s := range ordered {
		if detail.TraceID == "" {
			detail.TraceID = s.TraceID
		}
		detail.Spans = append(detail.Spans, SpanItem{
			SpanID:     s.SpanID,
			Parent:     s.ParentSpanID,
			PluginID:   s.PluginID,
			Handler:    s.Handler,
			Depth:      s.Depth,
			Hops:       s.Hops,
			StartedAt:  s.StartedAt,
			DurationMs: s.DurationMs,
			OK:         s.OK,
			ErrorCode:  s.ErrorCode,
		})
	}
	return detail, nil
}

// Summarize flattens a lode stats aggregation into the CLI view.
func Summarize(stats *lode.Stats) *StatsSummary {
	if stats == nil {
		return &StatsSummary{}
	}
	return &StatsSummary{
		Records:  stats.Records,
		ByEvent:  stats.ByEvent,
		ByPlugin: stats.ByPlugin,
		BySource: stats.BySource,
		First:    stats.FirstTs,
		Last:     stats.LastTs,
	}
}

func traceItem(file string, spans []types.TraceSpan) TraceItem {
	item := TraceItem{File: file, Spans: len(spans)}
	for _, s := range spans {
		if item.TraceID == "" {
			item.TraceID = s.TraceID
		}
		if !s.OK {
			item.Failed++
		}
		// The root span carries the chain's start and full duration.
		if s.ParentSpanID == "" || item.StartedAt.IsZero() {
			item.Root = s.PluginID + "/" + s.Handler
			item.StartedAt = s.StartedAt
			item.DurationMs = s.DurationMs
		}
	}
	return item
}
