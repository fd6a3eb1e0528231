package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/platform"
)

// foundResult is the wire shape for lookups that distinguish a missing
// entry from an empty one. Value holds the service-specific payload.
type foundResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Found bool            `json:"found"`
}

func foundOf(v any, found bool) (foundResult, error) {
	if !found {
		return foundResult{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return foundResult{}, fault.Wrap(fault.KindUnknown, "failed to encode lookup result", err)
	}
	return foundResult{Value: raw, Found: true}, nil
}

// RegisterPlatform installs adapter handlers for every platform
// service. The invoke adapter is not part of the platform façade; the
// execution layer registers it separately.
func RegisterPlatform(srv *Server, p *platform.Platform) {
	srv.Register("logger", loggerAdapter(p.Logger))
	srv.Register("llm", llmAdapter(p.LLM))
	srv.Register("embeddings", embeddingsAdapter(p.Embeddings))
	srv.Register("vectors", vectorsAdapter(p.Vectors))
	srv.Register("cache", cacheAdapter(p.Cache))
	srv.Register("docs", docsAdapter(p.Docs))
	srv.Register("sql", sqlAdapter(p.SQL))
	srv.Register("storage", storageAdapter(p.Storage))
	srv.Register("analytics", analyticsAdapter(p.Analytics))
	srv.Register("events", eventsAdapter(p.Events))
	srv.Register("state", stateAdapter(p.State))
}

// decodeArgs unmarshals positional arguments into dst pointers. Extra
// arguments are ignored; missing ones are a validation fault.
func decodeArgs(args []json.RawMessage, dst ...any) error {
	if len(args) < len(dst) {
		return fault.Errorf(fault.KindValidation, "expected %d arguments, got %d", len(dst), len(args))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return fault.Errorf(fault.KindValidation, "bad argument %d: %v", i, err)
		}
	}
	return nil
}

func errUnknownMethod(adapter, method string) error {
	return fault.Errorf(fault.KindValidation, "unknown method %s.%s", adapter, method)
}

func loggerAdapter(l platform.Logger) Handler {
	return func(_ context.Context, method string, args []json.RawMessage) (any, error) {
		var (
			msg    string
			fields map[string]any
		)
		if err := decodeArgs(args, &msg, &fields); err != nil {
			return nil, err
		}
		switch method {
		case "debug":
			l.Debug(msg, fields)
		case "info":
			l.Info(msg, fields)
		case "warn":
			l.Warn(msg, fields)
		case "error":
			l.Error(msg, fields)
		default:
			return nil, errUnknownMethod("logger", method)
		}
		return nil, nil
	}
}

func llmAdapter(llm platform.LLM) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "complete":
			var req platform.CompletionRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return llm.Complete(ctx, req)
		default:
			return nil, errUnknownMethod("llm", method)
		}
	}
}

func embeddingsAdapter(emb platform.Embeddings) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "embed":
			var text string
			if err := decodeArgs(args, &text); err != nil {
				return nil, err
			}
			return emb.Embed(ctx, text)
		case "embedBatch":
			var texts []string
			if err := decodeArgs(args, &texts); err != nil {
				return nil, err
			}
			return emb.EmbedBatch(ctx, texts)
		default:
			return nil, errUnknownMethod("embeddings", method)
		}
	}
}

func vectorsAdapter(v platform.Vectors) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "upsert":
			var items []platform.VectorItem
			if err := decodeArgs(args, &items); err != nil {
				return nil, err
			}
			return nil, v.Upsert(ctx, items)
		case "search":
			var (
				query  []float32
				topK   int
				filter map[string]any
			)
			if err := decodeArgs(args, &query, &topK, &filter); err != nil {
				return nil, err
			}
			return v.Search(ctx, query, topK, filter)
		case "delete":
			var ids []string
			if err := decodeArgs(args, &ids); err != nil {
				return nil, err
			}
			return nil, v.Delete(ctx, ids)
		case "get":
			var id string
			if err := decodeArgs(args, &id); err != nil {
				return nil, err
			}
			item, found, err := v.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return foundOf(item, found)
		case "count":
			return v.Count(ctx)
		default:
			return nil, errUnknownMethod("vectors", method)
		}
	}
}

func cacheAdapter(c platform.Cache) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "get":
			var key string
			if err := decodeArgs(args, &key); err != nil {
				return nil, err
			}
			value, found, err := c.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			return foundOf(value, found)
		case "set":
			var (
				key, value string
				ttlMs      int64
			)
			if err := decodeArgs(args, &key, &value, &ttlMs); err != nil {
				return nil, err
			}
			return nil, c.Set(ctx, key, value, time.Duration(ttlMs)*time.Millisecond)
		case "setNX":
			var (
				key, value string
				ttlMs      int64
			)
			if err := decodeArgs(args, &key, &value, &ttlMs); err != nil {
				return nil, err
			}
			return c.SetNX(ctx, key, value, time.Duration(ttlMs)*time.Millisecond)
		case "incr":
			var (
				key   string
				delta int64
			)
			if err := decodeArgs(args, &key, &delta); err != nil {
				return nil, err
			}
			return c.Incr(ctx, key, delta)
		case "delete":
			var key string
			if err := decodeArgs(args, &key); err != nil {
				return nil, err
			}
			return nil, c.Delete(ctx, key)
		case "clear":
			var prefix string
			if err := decodeArgs(args, &prefix); err != nil {
				return nil, err
			}
			return nil, c.Clear(ctx, prefix)
		case "zAdd":
			var (
				key    string
				score  float64
				member string
			)
			if err := decodeArgs(args, &key, &score, &member); err != nil {
				return nil, err
			}
			return nil, c.ZAdd(ctx, key, score, member)
		case "zRangeByScore":
			var (
				key      string
				min, max float64
			)
			if err := decodeArgs(args, &key, &min, &max); err != nil {
				return nil, err
			}
			return c.ZRangeByScore(ctx, key, min, max)
		case "zRemRangeByScore":
			var (
				key      string
				min, max float64
			)
			if err := decodeArgs(args, &key, &min, &max); err != nil {
				return nil, err
			}
			return c.ZRemRangeByScore(ctx, key, min, max)
		case "zCard":
			var key string
			if err := decodeArgs(args, &key); err != nil {
				return nil, err
			}
			return c.ZCard(ctx, key)
		default:
			return nil, errUnknownMethod("cache", method)
		}
	}
}

func docsAdapter(d platform.Docs) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "get":
			var collection, id string
			if err := decodeArgs(args, &collection, &id); err != nil {
				return nil, err
			}
			doc, found, err := d.Get(ctx, collection, id)
			if err != nil {
				return nil, err
			}
			return foundOf(doc, found)
		case "put":
			var (
				collection, id string
				doc            json.RawMessage
			)
			if err := decodeArgs(args, &collection, &id, &doc); err != nil {
				return nil, err
			}
			return nil, d.Put(ctx, collection, id, doc)
		case "delete":
			var collection, id string
			if err := decodeArgs(args, &collection, &id); err != nil {
				return nil, err
			}
			return nil, d.Delete(ctx, collection, id)
		case "query":
			var (
				collection string
				filter     map[string]any
				limit      int
			)
			if err := decodeArgs(args, &collection, &filter, &limit); err != nil {
				return nil, err
			}
			return d.Query(ctx, collection, filter, limit)
		default:
			return nil, errUnknownMethod("docs", method)
		}
	}
}

func sqlAdapter(s platform.SQL) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		var (
			query string
			qargs []any
		)
		if err := decodeArgs(args, &query, &qargs); err != nil {
			return nil, err
		}
		switch method {
		case "query":
			return s.Query(ctx, query, qargs...)
		case "exec":
			return s.Exec(ctx, query, qargs...)
		default:
			return nil, errUnknownMethod("sql", method)
		}
	}
}

func storageAdapter(st platform.Storage) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "put":
			var (
				key         string
				data        []byte
				contentType string
			)
			if err := decodeArgs(args, &key, &data, &contentType); err != nil {
				return nil, err
			}
			return nil, st.Put(ctx, key, data, contentType)
		case "get":
			var key string
			if err := decodeArgs(args, &key); err != nil {
				return nil, err
			}
			data, err := st.Get(ctx, key)
			// Missing blobs travel as found=false so the client can
			// restore the sentinel.
			if errors.Is(err, platform.ErrBlobNotFound) {
				return foundResult{}, nil
			}
			if err != nil {
				return nil, err
			}
			return foundOf(data, true)
		case "delete":
			var key string
			if err := decodeArgs(args, &key); err != nil {
				return nil, err
			}
			return nil, st.Delete(ctx, key)
		case "list":
			var prefix string
			if err := decodeArgs(args, &prefix); err != nil {
				return nil, err
			}
			return st.List(ctx, prefix)
		default:
			return nil, errUnknownMethod("storage", method)
		}
	}
}

func analyticsAdapter(a platform.Analytics) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "track":
			var (
				event string
				props map[string]any
			)
			if err := decodeArgs(args, &event, &props); err != nil {
				return nil, err
			}
			return nil, a.Track(ctx, event, props)
		case "identify":
			var (
				id     string
				traits map[string]any
			)
			if err := decodeArgs(args, &id, &traits); err != nil {
				return nil, err
			}
			return nil, a.Identify(ctx, id, traits)
		case "flush":
			return nil, a.Flush(ctx)
		case "source":
			return a.Source(), nil
		case "setSource":
			var source string
			if err := decodeArgs(args, &source); err != nil {
				return nil, err
			}
			a.SetSource(source)
			return nil, nil
		default:
			return nil, errUnknownMethod("analytics", method)
		}
	}
}

func eventsAdapter(e platform.Events) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "publish":
			var (
				channel string
				payload json.RawMessage
			)
			if err := decodeArgs(args, &channel, &payload); err != nil {
				return nil, err
			}
			return nil, e.Publish(ctx, channel, payload)
		default:
			return nil, errUnknownMethod("events", method)
		}
	}
}

func stateAdapter(s platform.State) Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "get":
			var namespace, key string
			if err := decodeArgs(args, &namespace, &key); err != nil {
				return nil, err
			}
			value, found, err := s.Get(ctx, namespace, key)
			if err != nil {
				return nil, err
			}
			return foundOf(value, found)
		case "set":
			var (
				namespace, key string
				value          json.RawMessage
			)
			if err := decodeArgs(args, &namespace, &key, &value); err != nil {
				return nil, err
			}
			return nil, s.Set(ctx, namespace, key, value)
		case "delete":
			var namespace, key string
			if err := decodeArgs(args, &namespace, &key); err != nil {
				return nil, err
			}
			return nil, s.Delete(ctx, namespace, key)
		case "list":
			var namespace, prefix string
			if err := decodeArgs(args, &namespace, &prefix); err != nil {
				return nil, err
			}
			return s.List(ctx, namespace, prefix)
		default:
			return nil, errUnknownMethod("state", method)
		}
	}
}
