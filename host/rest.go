package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/jobs"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/runtime"
	"github.com/pithecene-io/kilnbox/types"
)

// DefaultMaxBodyBytes caps request bodies on the execute routes.
const DefaultMaxBodyBytes = 4 << 20

// Response headers set on execute routes.
const (
	HeaderPluginID      = "X-Plugin-Id"
	HeaderPluginVersion = "X-Plugin-Version"
	HeaderRequestID     = "X-Request-Id"
	HeaderDurationMs    = "X-Duration-Ms"
	HeaderHandlerID     = "X-Handler-Id"
	HeaderTenantID      = "X-Tenant-Id"
)

// RESTOptions assembles a REST host.
type RESTOptions struct {
	// Backend executes requests. Required.
	Backend runtime.Backend
	// Registry resolves plugins and handlers. Required.
	Registry *plugin.Registry
	// Jobs enables the /v1/jobs and /v1/schedules routes. Optional.
	Jobs *jobs.Broker
	// Health contributes the degradation state to /healthz. Optional.
	Health *jobs.Controller
	// Metrics enables the /metrics route. Optional.
	Metrics *metrics.Collector
	// MaxBodyBytes caps request bodies (default 4 MiB).
	MaxBodyBytes int64
	Logger       *log.Logger
}

// REST serves handler executions and job control over HTTP.
type REST struct {
	backend  runtime.Backend
	registry *plugin.Registry
	jobs     *jobs.Broker
	health   *jobs.Controller
	coll     *metrics.Collector
	maxBody  int64
	logger   *log.Logger
	router   chi.Router
}

// NewREST builds a REST host and mounts its routes.
func NewREST(opts RESTOptions) (*REST, error) {
	if opts.Backend == nil {
		return nil, fault.New(fault.KindValidation, "rest host requires a backend")
	}
	if opts.Registry == nil {
		return nil, fault.New(fault.KindValidation, "rest host requires a registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	s := &REST{
		backend:  opts.Backend,
		registry: opts.Registry,
		jobs:     opts.Jobs,
		health:   opts.Health,
		coll:     opts.Metrics,
		maxBody:  maxBody,
		logger:   logger,
	}
	s.router = s.routes()
	return s, nil
}

// Router returns the mounted handler.
func (s *REST) Router() http.Handler { return s.router }

func (s *REST) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/plugins/{plugin}/handlers/{handler}", s.handleExecute)
		r.Post("/webhooks/{plugin}/{handler}", s.handleWebhook)

		if s.jobs != nil {
			r.Post("/jobs", s.handleSubmitJob)
			r.Get("/jobs/{id}", s.handleJobStatus)
			r.Get("/jobs/{id}/await", s.handleAwaitJob)
			r.Delete("/jobs/{id}", s.handleCancelJob)
			r.Post("/schedules", s.handleSchedule)
			r.Delete("/schedules/{id}", s.handleCancelSchedule)
		}
	})

	r.Get("/healthz", s.handleHealthz)
	if s.coll != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.coll))
	}
	return r
}

// handleExecute runs one handler: the body is the input, the URL names
// the target, and the query and headers ride in the host context.
func (s *REST) handleExecute(w http.ResponseWriter, r *http.Request) {
	input, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hostCtx := types.RestHostContext{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   flattenQuery(r),
		Headers: pickForwardHeaders(r),
	}
	s.execute(w, r, chi.URLParam(r, "plugin"), chi.URLParam(r, "handler"),
		types.HostRest, input, hostCtx.AsMap())
}

// webhookDelivery is the body shape accepted by the webhook route.
type webhookDelivery struct {
	Event   string          `json:"event"`
	Source  string          `json:"source,omitempty"`
	Payload map[string]any  `json:"payload,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// handleWebhook runs one handler for an external event delivery. The
// handler input is the delivery's input field, or the whole payload.
func (s *REST) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var delivery webhookDelivery
	if len(body) > 0 {
		if err := json.Unmarshal(body, &delivery); err != nil {
			s.writeError(w, fault.Wrap(fault.KindValidation, "webhook delivery is not valid JSON", err))
			return
		}
	}
	if delivery.Event == "" {
		s.writeError(w, fault.New(fault.KindValidation, "webhook delivery requires an event name"))
		return
	}
	input := delivery.Input
	if input == nil && delivery.Payload != nil {
		input, _ = json.Marshal(delivery.Payload)
	}
	hostCtx := types.WebhookHostContext{
		Event:   delivery.Event,
		Source:  delivery.Source,
		Payload: delivery.Payload,
	}
	s.execute(w, r, chi.URLParam(r, "plugin"), chi.URLParam(r, "handler"),
		types.HostWebhook, input, hostCtx.AsMap())
}

// execute dispatches one request and writes the settled response with
// the execute-route headers.
func (s *REST) execute(w http.ResponseWriter, r *http.Request, pluginID, handlerID string, kind types.HostKind, input json.RawMessage, hostCtx map[string]any) {
	req, err := BuildRequest(s.registry, RequestSpec{
		Host:        kind,
		PluginID:    pluginID,
		Handler:     handlerID,
		Input:       input,
		RequestID:   r.Header.Get(HeaderRequestID),
		TenantID:    r.Header.Get(HeaderTenantID),
		HostContext: hostCtx,
		TimeoutMs:   timeoutFromQuery(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.backend.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	h := w.Header()
	h.Set(HeaderPluginID, req.Descriptor.PluginID)
	h.Set(HeaderPluginVersion, req.Descriptor.PluginVersion)
	h.Set(HeaderRequestID, req.Descriptor.RequestID)
	h.Set(HeaderDurationMs, strconv.FormatInt(resp.ExecutionTimeMs, 10))
	if meta := resp.Metadata.Meta; meta != nil && meta.HandlerID != "" {
		h.Set(HeaderHandlerID, meta.HandlerID)
	}
	if req.Descriptor.TenantID != "" {
		h.Set(HeaderTenantID, req.Descriptor.TenantID)
	}

	if !resp.OK {
		status := http.StatusInternalServerError
		if resp.Error != nil {
			status = resp.Error.HTTP
		}
		s.writeJSON(w, status, map[string]any{"error": resp.Error})
		return
	}
	payload := resp.Data
	if oc, ok := payload.(*plugin.Outcome); ok {
		payload = oc.Result
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// jobSubmission is the body shape accepted by POST /v1/jobs.
type jobSubmission struct {
	PluginID  string          `json:"pluginId"`
	Handler   string          `json:"handler"`
	Input     json.RawMessage `json:"input,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Retries   int             `json:"retries,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

func (s *REST) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var sub jobSubmission
	if err := s.decodeBody(w, r, &sub); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := s.jobCaller(r, sub.PluginID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	handle, err := s.jobs.Submit(r.Context(), caller, plugin.JobRequest{
		Handler:   sub.Handler,
		Input:     sub.Input,
		Priority:  sub.Priority,
		TimeoutMs: sub.TimeoutMs,
		Retries:   sub.Retries,
		Tags:      sub.Tags,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": handle.ID()})
}

func (s *REST) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.jobs.JobStatus(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

func (s *REST) handleAwaitJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	waitMs := int64(30_000)
	if v := r.URL.Query().Get("waitMs"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, fault.Errorf(fault.KindValidation, "waitMs must be an integer, got %q", v))
			return
		}
		waitMs = parsed
	}
	done, resp, err := s.jobs.AwaitJob(r.Context(), id, waitMs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := map[string]any{"id": id, "done": done}
	if done {
		out["response"] = resp
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *REST) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.CancelJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// scheduleSubmission is the body shape accepted by POST /v1/schedules.
type scheduleSubmission struct {
	PluginID string               `json:"pluginId"`
	Handler  string               `json:"handler"`
	Cron     string               `json:"cron,omitempty"`
	Every    string               `json:"every,omitempty"`
	Input    json.RawMessage      `json:"input,omitempty"`
	Policy   types.SchedulePolicy `json:"policy,omitempty"`
}

func (s *REST) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var sub scheduleSubmission
	if err := s.decodeBody(w, r, &sub); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := s.jobCaller(r, sub.PluginID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	handle, err := s.jobs.Schedule(r.Context(), caller, plugin.ScheduleRequest{
		Handler: sub.Handler,
		Cron:    sub.Cron,
		Every:   sub.Every,
		Input:   sub.Input,
		Policy:  sub.Policy,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": handle.ID()})
}

func (s *REST) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.CancelSchedule(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// healthzBody is the /healthz response shape.
type healthzBody struct {
	Healthy     bool   `json:"healthy"`
	Backend     string `json:"backend"`
	Detail      string `json:"detail,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	Degradation string `json:"degradation,omitempty"`
}

// handleHealthz reports backend liveness and the degradation level.
// Unhealthy and critical both read 503 so balancers stop routing here.
func (s *REST) handleHealthz(w http.ResponseWriter, r *http.Request) {
	hs := s.backend.Health(r.Context())
	body := healthzBody{
		Healthy: hs.Healthy,
		Backend: s.backend.Stats().Backend,
		Detail:  hs.Detail,
		Workers: hs.Workers,
	}
	status := http.StatusOK
	if s.health != nil {
		level := s.health.HealthCheck().State
		body.Degradation = level.String()
		if level == jobs.LevelCritical {
			status = http.StatusServiceUnavailable
		}
	}
	if !hs.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, body)
}

// jobCaller synthesizes the descriptor the broker checks grants
// against: the target plugin acting on its own declared permissions.
func (s *REST) jobCaller(r *http.Request, pluginID string) (types.Descriptor, error) {
	if pluginID == "" {
		return types.Descriptor{}, fault.New(fault.KindValidation, "pluginId must be non-empty")
	}
	manifest, ok := s.registry.Manifest(pluginID)
	if !ok {
		return types.Descriptor{}, fault.Errorf(fault.KindHandlerNotFound, "plugin %q is not registered", pluginID)
	}
	return types.Descriptor{
		Host:          types.HostRest,
		PluginID:      manifest.ID,
		PluginVersion: manifest.Version,
		RequestID:     uuid.NewString(),
		TenantID:      r.Header.Get(HeaderTenantID),
		Permissions:   manifest.Permissions.Normalize(),
	}, nil
}

// readBody drains the request body under the size cap.
func (s *REST) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fault.Errorf(fault.KindValidation, "request body exceeds %d bytes", s.maxBody)
		}
		return nil, fault.Wrap(fault.KindValidation, "request body is unreadable", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// decodeBody reads and unmarshals a JSON body into dst.
func (s *REST) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fault.New(fault.KindValidation, "request body must be a JSON object")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fault.Wrap(fault.KindValidation, "request body is not valid JSON", err)
	}
	return nil
}

// writeError maps a fault to its HTTP status and writes the envelope.
func (s *REST) writeError(w http.ResponseWriter, err error) {
	env := fault.EnvelopeOf(err)
	s.writeJSON(w, env.HTTP, map[string]any{"error": env})
}

func (s *REST) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response write failed", map[string]any{"error": err.Error()})
	}
}

// flattenQuery keeps the first value per query key.
func flattenQuery(r *http.Request) map[string]string {
	values := r.URL.Query()
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// forwardedHeaders are the request headers surfaced to handlers.
var forwardedHeaders = []string{"Content-Type", "User-Agent", "X-Forwarded-For", HeaderTenantID, HeaderRequestID}

// pickForwardHeaders copies the forwarded subset of request headers.
// Authorization and cookies never reach handler context.
func pickForwardHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// timeoutFromQuery reads an optional per-request timeout override.
func timeoutFromQuery(r *http.Request) int64 {
	v := r.URL.Query().Get("timeoutMs")
	if v == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

// Serve runs the REST host on addr until ctx is canceled, then drains
// with the given grace period.
func Serve(ctx context.Context, addr string, h http.Handler, grace time.Duration, logger *log.Logger) error {
	if logger == nil {
		logger = log.Nop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rest host listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
