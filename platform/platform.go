// Package platform bundles the host services handed to plugin handlers.
//
// A Platform is the capability set a handler sees: logger, LLM,
// embeddings, vector store, cache, documents, SQL, blob storage,
// analytics, event bus, and namespaced state. Handlers receive the same
// façade whether they run in-process or behind the IPC bridge; only the
// implementations differ.
//
// In-memory implementations back every service by default so a zero
// config platform is fully usable. Production adapters live in the
// subpackages (redis, s3, boltstate, sqlite, webhook).
package platform

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/kilnbox/log"
)

// ErrNotConfigured is returned by service slots that have no backing
// implementation (e.g. LLM calls on a platform without a provider).
var ErrNotConfigured = errors.New("platform: service not configured")

// Logger is the handler-facing logging surface. The host implementation
// wraps *log.Logger; the bridge client forwards calls over IPC.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	// Child returns a logger with extra bindings attached to every entry.
	Child(bindings map[string]any) Logger
}

type hostLogger struct {
	l *log.Logger
}

// WrapLogger adapts the host logger to the handler-facing interface.
func WrapLogger(l *log.Logger) Logger {
	if l == nil {
		l = log.Nop()
	}
	return hostLogger{l: l}
}

func (h hostLogger) Debug(msg string, fields map[string]any) { h.l.Debug(msg, fields) }
func (h hostLogger) Info(msg string, fields map[string]any)  { h.l.Info(msg, fields) }
func (h hostLogger) Warn(msg string, fields map[string]any)  { h.l.Warn(msg, fields) }
func (h hostLogger) Error(msg string, fields map[string]any) { h.l.Error(msg, fields) }

func (h hostLogger) Child(bindings map[string]any) Logger {
	return hostLogger{l: h.l.Child(bindings)}
}

// Platform is the assembled service set. Fields are never nil after
// New; absent services are filled with in-memory or unavailable stubs.
type Platform struct {
	Logger     Logger
	LLM        LLM
	Embeddings Embeddings
	Vectors    Vectors
	Cache      Cache
	Docs       Docs
	SQL        SQL
	Storage    Storage
	Analytics  Analytics
	Events     Events
	State      State

	// local reports whether every service runs in this process. Remote
	// platforms (bridge clients) and platforms with out-of-process
	// adapters clear it.
	local bool
}

// Options selects service implementations. Nil slots get defaults:
// memory cache/state/docs/vectors/events/storage, no-op analytics,
// unavailable LLM/embeddings/SQL.
type Options struct {
	Logger     Logger
	LLM        LLM
	Embeddings Embeddings
	Vectors    Vectors
	Cache      Cache
	Docs       Docs
	SQL        SQL
	Storage    Storage
	Analytics  Analytics
	Events     Events
	State      State

	// Remote marks the platform as backed by out-of-process services.
	Remote bool
}

// New assembles a platform, filling empty slots with defaults.
func New(opts Options) *Platform {
	logger := opts.Logger
	if logger == nil {
		logger = WrapLogger(nil)
	}

	p := &Platform{
		Logger:     logger,
		LLM:        opts.LLM,
		Embeddings: opts.Embeddings,
		Vectors:    opts.Vectors,
		Cache:      opts.Cache,
		Docs:       opts.Docs,
		SQL:        opts.SQL,
		Storage:    opts.Storage,
		Analytics:  opts.Analytics,
		Events:     opts.Events,
		State:      opts.State,
		local:      !opts.Remote,
	}

	if p.LLM == nil {
		p.LLM = UnavailableLLM{}
	}
	if p.Embeddings == nil {
		p.Embeddings = UnavailableEmbeddings{}
	}
	if p.Vectors == nil {
		p.Vectors = NewMemoryVectors()
	}
	if p.Cache == nil {
		p.Cache = NewMemoryCache()
	}
	if p.Docs == nil {
		p.Docs = NewMemoryDocs()
	}
	if p.SQL == nil {
		p.SQL = UnavailableSQL{}
	}
	if p.Storage == nil {
		p.Storage = NewMemoryStorage()
	}
	if p.Analytics == nil {
		p.Analytics = NopAnalytics{}
	}
	if p.Events == nil {
		p.Events = NewMemoryEvents(logger)
	}
	if p.State == nil {
		p.State = NewMemoryState()
	}

	return p
}

// Local reports whether all services run inside this process.
func (p *Platform) Local() bool { return p.local }

// WithLogger returns a shallow copy bound to a child logger. The runner
// calls this once per execution with {plugin, request_id, trace_id}.
func (p *Platform) WithLogger(l Logger) *Platform {
	cp := *p
	if l != nil {
		cp.Logger = l
	}
	return &cp
}

func errNotConfigured(service string) error {
	return fmt.Errorf("%w: %s", ErrNotConfigured, service)
}
