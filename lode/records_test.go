package lode

import (
	"testing"
	"time"

	"github.com/pithecene-io/kilnbox/platform"
)

func TestDeriveDay_UTCConversion(t *testing.T) {
	// 23:30 in UTC-5 is 04:30 the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*60*60)
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, loc)

	if day := DeriveDay(ts); day != "2026-03-02" {
		t.Errorf("DeriveDay = %q, want 2026-03-02", day)
	}
}

func TestToRecordMap_AllFields(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	r := &platform.Record{
		Event:     "execution.finished",
		Kind:      platform.RecordTrack,
		Source:    "rest",
		PluginID:  "alpha",
		RequestID: "req-7",
		TenantID:  "tenant-1",
		Timestamp: ts,
		Properties: map[string]any{
			"durationMs": 42,
		},
	}

	m := toRecordMap(r, "cli")

	if m["record_kind"] != RecordKindAnalytics {
		t.Errorf("record_kind = %v, want %q", m["record_kind"], RecordKindAnalytics)
	}
	if m["event"] != "execution.finished" {
		t.Errorf("event = %v", m["event"])
	}
	if m["kind"] != platform.RecordTrack {
		t.Errorf("kind = %v", m["kind"])
	}
	if m["source"] != "rest" {
		t.Errorf("source = %v, want rest (record source wins over fallback)", m["source"])
	}
	if m["day"] != "2026-03-01" {
		t.Errorf("day = %v, want 2026-03-01", m["day"])
	}
	if m["plugin"] != "alpha" {
		t.Errorf("plugin = %v, want alpha", m["plugin"])
	}
	if m["request_id"] != "req-7" {
		t.Errorf("request_id = %v", m["request_id"])
	}
	if m["tenant_id"] != "tenant-1" {
		t.Errorf("tenant_id = %v", m["tenant_id"])
	}
	if m["ts"] != ts.Format(time.RFC3339Nano) {
		t.Errorf("ts = %v, want %v", m["ts"], ts.Format(time.RFC3339Nano))
	}
	props, ok := m["properties"].(map[string]any)
	if !ok || props["durationMs"] != 42 {
		t.Errorf("properties = %v", m["properties"])
	}
}

func TestToRecordMap_FallbacksAndOmissions(t *testing.T) {
	r := &platform.Record{
		Event:     "job.submitted",
		Kind:      platform.RecordTrack,
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	m := toRecordMap(r, "worker")

	if m["source"] != "worker" {
		t.Errorf("source = %v, want fallback worker", m["source"])
	}
	if m["plugin"] != "none" {
		t.Errorf("plugin = %v, want none", m["plugin"])
	}
	for _, key := range []string{"request_id", "tenant_id", "properties"} {
		if _, present := m[key]; present {
			t.Errorf("%s present in map for empty field", key)
		}
	}
}
