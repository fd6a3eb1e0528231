package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/platform"
)

// NewPlatform builds a platform façade whose every service forwards
// over the client. The fallback logger takes local diagnostics when
// log forwarding itself fails; it never sees handler log entries.
func NewPlatform(c *Client, fallback *log.Logger) *platform.Platform {
	if fallback == nil {
		fallback = log.Nop()
	}
	return platform.New(platform.Options{
		Logger:     remoteLogger{c: c, fallback: fallback},
		LLM:        remoteLLM{c},
		Embeddings: remoteEmbeddings{c},
		Vectors:    remoteVectors{c},
		Cache:      remoteCache{c},
		Docs:       remoteDocs{c},
		SQL:        remoteSQL{c},
		Storage:    remoteStorage{c},
		Analytics:  remoteAnalytics{c},
		Events:     remoteEvents{c: c, fallback: fallback},
		State:      remoteState{c},
		Remote:     true,
	})
}

// callInto performs a call and unmarshals the result into out. A nil
// out discards the result.
func callInto(ctx context.Context, c *Client, adapter, method string, out any, args ...any) error {
	raw, err := c.Call(ctx, adapter, method, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("bad %s.%s result: %w", adapter, method, err)
	}
	return nil
}

// callFound performs a lookup call and unpacks the foundResult wire
// shape. out is only touched when the entry was found.
func callFound(ctx context.Context, c *Client, adapter, method string, out any, args ...any) (bool, error) {
	var res foundResult
	if err := callInto(ctx, c, adapter, method, &res, args...); err != nil {
		return false, err
	}
	if !res.Found {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(res.Value, out); err != nil {
			return false, fmt.Errorf("bad %s.%s result: %w", adapter, method, err)
		}
	}
	return true, nil
}

type remoteLogger struct {
	c        *Client
	fallback *log.Logger
	bindings map[string]any
}

func (r remoteLogger) send(level, msg string, fields map[string]any) {
	merged := mergeFields(r.bindings, fields)
	if _, err := r.c.Call(context.Background(), "logger", level, msg, merged); err != nil {
		r.fallback.Warn("failed to forward log entry", map[string]any{
			"level": level,
			"msg":   msg,
			"error": err.Error(),
		})
	}
}

func (r remoteLogger) Debug(msg string, fields map[string]any) { r.send("debug", msg, fields) }
func (r remoteLogger) Info(msg string, fields map[string]any)  { r.send("info", msg, fields) }
func (r remoteLogger) Warn(msg string, fields map[string]any)  { r.send("warn", msg, fields) }
func (r remoteLogger) Error(msg string, fields map[string]any) { r.send("error", msg, fields) }

func (r remoteLogger) Child(bindings map[string]any) platform.Logger {
	return remoteLogger{c: r.c, fallback: r.fallback, bindings: mergeFields(r.bindings, bindings)}
}

func mergeFields(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

type remoteLLM struct {
	c *Client
}

func (r remoteLLM) Complete(ctx context.Context, req platform.CompletionRequest) (*platform.Completion, error) {
	var comp platform.Completion
	if err := callInto(ctx, r.c, "llm", "complete", &comp, req); err != nil {
		return nil, err
	}
	return &comp, nil
}

// Stream degrades over the bridge: the full completion arrives first,
// then fn sees it as a single final chunk.
func (r remoteLLM) Stream(ctx context.Context, req platform.CompletionRequest, fn func(platform.CompletionChunk)) (*platform.Completion, error) {
	comp, err := r.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		fn(platform.CompletionChunk{Text: comp.Text, Done: true})
	}
	return comp, nil
}

type remoteEmbeddings struct {
	c *Client
}

func (r remoteEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	if err := callInto(ctx, r.c, "embeddings", "embed", &out, text); err != nil {
		return nil, err
	}
	return out, nil
}

func (r remoteEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	if err := callInto(ctx, r.c, "embeddings", "embedBatch", &out, texts); err != nil {
		return nil, err
	}
	return out, nil
}

type remoteVectors struct {
	c *Client
}

func (r remoteVectors) Upsert(ctx context.Context, items []platform.VectorItem) error {
	return callInto(ctx, r.c, "vectors", "upsert", nil, items)
}

func (r remoteVectors) Search(ctx context.Context, query []float32, topK int, filter map[string]any) ([]platform.VectorMatch, error) {
	var out []platform.VectorMatch
	if err := callInto(ctx, r.c, "vectors", "search", &out, query, topK, filter); err != nil {
		return nil, err
	}
	return out, nil
}

func (r remoteVectors) Delete(ctx context.Context, ids []string) error {
	return callInto(ctx, r.c, "vectors", "delete", nil, ids)
}

func (r remoteVectors) Get(ctx context.Context, id string) (*platform.VectorItem, bool, error) {
	var item platform.VectorItem
	found, err := callFound(ctx, r.c, "vectors", "get", &item, id)
	if err != nil || !found {
		return nil, false, err
	}
	return &item, true, nil
}

func (r remoteVectors) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := callInto(ctx, r.c, "vectors", "count", &n); err != nil {
		return 0, err
	}
	return n, nil
}

type remoteCache struct {
	c *Client
}

func (r remoteCache) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	found, err := callFound(ctx, r.c, "cache", "get", &value, key)
	if err != nil || !found {
		return "", false, err
	}
	return value, true, nil
}

func (r remoteCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return callInto(ctx, r.c, "cache", "set", nil, key, value, ttl.Milliseconds())
}

func (r remoteCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var stored bool
	if err := callInto(ctx, r.c, "cache", "setNX", &stored, key, value, ttl.Milliseconds()); err != nil {
		return false, err
	}
	return stored, nil
}

func (r remoteCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	if err := callInto(ctx, r.c, "cache", "incr", &n, key, delta); err != nil {
		return 0, err
	}
	return n, nil
}

func (r remoteCache) Delete(ctx context.Context, key string) error {
	return callInto(ctx, r.c, "cache", "delete", nil, key)
}

func (r remoteCache) Clear(ctx context.Context, prefix string) error {
	return callInto(ctx, r.c, "cache", "clear", nil, prefix)
}

func (r remoteCache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return callInto(ctx, r.c, "cache", "zAdd", nil, key, score, member)
}

func (r remoteCache) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	var members []string
	if err := callInto(ctx, r.c, "cache", "zRangeByScore", &members, key, min, max); err != nil {
		return nil, err
	}
	return members, nil
}

func (r remoteCache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	var removed int64
	if err := callInto(ctx, r.c, "cache", "zRemRangeByScore", &removed, key, min, max); err != nil {
		return 0, err
	}
	return removed, nil
}

func (r remoteCache) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := callInto(ctx, r.c, "cache", "zCard", &n, key); err != nil {
		return 0, err
	}
	return n, nil
}

type remoteDocs struct {
	c *Client
}

func (r remoteDocs) Get(ctx context.Context, collection, id string) (json.RawMessage, bool, error) {
	var doc json.RawMessage
	found, err := callFound(ctx, r.c, "docs", "get", &doc, collection, id)
	if err != nil || !found {
		return nil, false, err
	}
	return doc, true, nil
}

func (r remoteDocs) Put(ctx context.Context, collection, id string, doc json.RawMessage) error {
	return callInto(ctx, r.c, "docs", "put", nil, collection, id, doc)
}

func (r remoteDocs) Delete(ctx context.Context, collection, id string) error {
	return callInto(ctx, r.c, "docs", "delete", nil, collection, id)
}

func (r remoteDocs) Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]platform.Document, error) {
	var docs []platform.Document
	if err := callInto(ctx, r.c, "docs", "query", &docs, collection, filter, limit); err != nil {
		return nil, err
	}
	return docs, nil
}

type remoteSQL struct {
	c *Client
}

func (r remoteSQL) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var rows []map[string]any
	if err := callInto(ctx, r.c, "sql", "query", &rows, query, args); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r remoteSQL) Exec(ctx context.Context, query string, args ...any) (platform.SQLResult, error) {
	var res platform.SQLResult
	if err := callInto(ctx, r.c, "sql", "exec", &res, query, args); err != nil {
		return platform.SQLResult{}, err
	}
	return res, nil
}

type remoteStorage struct {
	c *Client
}

func (r remoteStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return callInto(ctx, r.c, "storage", "put", nil, key, data, contentType)
}

func (r remoteStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	found, err := callFound(ctx, r.c, "storage", "get", &data, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, platform.ErrBlobNotFound
	}
	return data, nil
}

func (r remoteStorage) Delete(ctx context.Context, key string) error {
	return callInto(ctx, r.c, "storage", "delete", nil, key)
}

func (r remoteStorage) List(ctx context.Context, prefix string) ([]platform.BlobInfo, error) {
	var blobs []platform.BlobInfo
	if err := callInto(ctx, r.c, "storage", "list", &blobs, prefix); err != nil {
		return nil, err
	}
	return blobs, nil
}

type remoteAnalytics struct {
	c *Client
}

func (r remoteAnalytics) Track(ctx context.Context, event string, properties map[string]any) error {
	return callInto(ctx, r.c, "analytics", "track", nil, event, properties)
}

func (r remoteAnalytics) Identify(ctx context.Context, id string, traits map[string]any) error {
	return callInto(ctx, r.c, "analytics", "identify", nil, id, traits)
}

func (r remoteAnalytics) Flush(ctx context.Context) error {
	return callInto(ctx, r.c, "analytics", "flush", nil)
}

func (r remoteAnalytics) Source() string {
	var source string
	if err := callInto(context.Background(), r.c, "analytics", "source", &source); err != nil {
		return ""
	}
	return source
}

func (r remoteAnalytics) SetSource(source string) {
	_ = callInto(context.Background(), r.c, "analytics", "setSource", nil, source)
}

type remoteEvents struct {
	c        *Client
	fallback *log.Logger
}

func (r remoteEvents) Publish(ctx context.Context, channel string, payload json.RawMessage) error {
	return callInto(ctx, r.c, "events", "publish", nil, channel, payload)
}

// Subscribe is host-only. The bridge has no server push, so worker-side
// subscriptions warn and never fire.
func (r remoteEvents) Subscribe(channel string, _ func(json.RawMessage)) (func(), error) {
	r.fallback.Warn("event subscriptions are unavailable in worker processes", map[string]any{
		"channel": channel,
	})
	return func() {}, nil
}

type remoteState struct {
	c *Client
}

func (r remoteState) Get(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	var value json.RawMessage
	found, err := callFound(ctx, r.c, "state", "get", &value, namespace, key)
	if err != nil || !found {
		return nil, false, err
	}
	return value, true, nil
}

func (r remoteState) Set(ctx context.Context, namespace, key string, value json.RawMessage) error {
	return callInto(ctx, r.c, "state", "set", nil, namespace, key, value)
}

func (r remoteState) Delete(ctx context.Context, namespace, key string) error {
	return callInto(ctx, r.c, "state", "delete", nil, namespace, key)
}

func (r remoteState) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	var keys []string
	if err := callInto(ctx, r.c, "state", "list", &keys, namespace, prefix); err != nil {
		return nil, err
	}
	return keys, nil
}

var (
	_ platform.Logger     = remoteLogger{}
	_ platform.LLM        = remoteLLM{}
	_ platform.Embeddings = remoteEmbeddings{}
	_ platform.Vectors    = remoteVectors{}
	_ platform.Cache      = remoteCache{}
	_ platform.Docs       = remoteDocs{}
	_ platform.SQL        = remoteSQL{}
	_ platform.Storage    = remoteStorage{}
	_ platform.Analytics  = remoteAnalytics{}
	_ platform.Events     = remoteEvents{}
	_ platform.State      = remoteState{}
)
