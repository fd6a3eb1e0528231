package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/kilnbox/platform"
)

func testBatch() []*platform.Record {
	return []*platform.Record{
		{Event: "execution.finished", Kind: platform.RecordTrack, PluginID: "p1", RequestID: "r1"},
		{Event: "execution.failed", Kind: platform.RecordTrack, PluginID: "p1", RequestID: "r2"},
	}
}

func TestWriteRecords_Success(t *testing.T) {
	var received batchPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s, err := New(Config{URL: ts.URL, Retries: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.WriteRecords(t.Context(), testBatch()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(received.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(received.Records))
	}
	if received.Records[0].Event != "execution.finished" {
		t.Errorf("first event = %q, want execution.finished", received.Records[0].Event)
	}
}

func TestWriteRecords_EmptyBatchSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.WriteRecords(t.Context(), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("empty batch sent %d requests", hits.Load())
	}
}

func TestWriteRecords_CustomHeaders(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s, err := New(Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
		Retries: 0,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := s.WriteRecords(t.Context(), testBatch()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if authHeader != "Bearer test-token" {
		t.Errorf("expected Bearer test-token, got %s", authHeader)
	}
}

func TestWriteRecords_RetriesOn5xx(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s, err := New(Config{URL: ts.URL, Retries: 3, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := s.WriteRecords(t.Context(), testBatch()); err != nil {
		t.Fatalf("write should succeed after retries: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestWriteRecords_4xxNotRetried(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	s, err := New(Config{URL: ts.URL, Retries: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = s.WriteRecords(t.Context(), testBatch())
	if err == nil {
		t.Fatal("expected error on 400")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Errorf("error = %v, want StatusError 400", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is non-retriable)", attempts.Load())
	}
}

func TestWriteRecords_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	s, err := New(Config{
		URL:             ts.URL,
		Retries:         0,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.WriteRecords(t.Context(), testBatch()); err == nil {
			t.Fatalf("write %d succeeded against a failing endpoint", i)
		}
	}
	hitsBeforeOpen := hits.Load()

	// Breaker is now open: the endpoint must not see further requests.
	err = s.WriteRecords(t.Context(), testBatch())
	if err == nil {
		t.Fatal("write succeeded with an open breaker")
	}
	if hits.Load() != hitsBeforeOpen {
		t.Errorf("open breaker still hit the endpoint (%d -> %d)", hitsBeforeOpen, hits.Load())
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://x", Retries: -1}); err == nil {
		t.Fatal("expected error for negative retries")
	}
}
