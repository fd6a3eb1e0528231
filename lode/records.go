package lode

import (
	"time"

	"github.com/pithecene-io/kilnbox/platform"
)

// RecordKindAnalytics discriminates analytics rows from other record
// kinds sharing the dataset.
const RecordKindAnalytics = "analytics"

// DeriveDay computes the day partition value from a record timestamp.
// Format is YYYY-MM-DD in UTC.
func DeriveDay(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// pluginPartition returns the plugin partition value. Records with no
// plugin attached (job lifecycle, degradation transitions) land under
// "none" so the layout stays total.
func pluginPartition(pluginID string) string {
	if pluginID == "" {
		return "none"
	}
	return pluginID
}

// toRecordMap flattens a platform record into the storage shape. The
// HiveLayout reads partition keys (source, day, plugin) straight off
// the map; everything else is payload.
func toRecordMap(r *platform.Record, fallbackSource string) map[string]any {
	source := r.Source
	if source == "" {
		source = fallbackSource
	}
	m := map[string]any{
		"record_kind": RecordKindAnalytics,
		"event":       r.Event,
		"kind":        r.Kind,
		"ts":          r.Timestamp.UTC().Format(time.RFC3339Nano),

		// Partition keys.
		"source": source,
		"day":    DeriveDay(r.Timestamp),
		"plugin": pluginPartition(r.PluginID),
	}
	if r.RequestID != "" {
		m["request_id"] = r.RequestID
	}
	if r.TenantID != "" {
		m["tenant_id"] = r.TenantID
	}
	if len(r.Properties) > 0 {
		m["properties"] = r.Properties
	}
	return m
}
