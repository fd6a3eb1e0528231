package fault

// ProtocolVersion versions the envelope shape and the bridge/worker
// message sets. Bump on any incompatible wire change.
const ProtocolVersion = "1"

// Trace identifies the span on which the error occurred.
type Trace struct {
	// TraceID is the chain-wide correlation identifier.
	TraceID string `json:"traceId"`
	// SpanID is the failing execution's span.
	SpanID string `json:"spanId"`
	// ParentSpanID is the caller's span, empty at chain roots.
	ParentSpanID string `json:"parentSpanId,omitempty"`
}

// Envelope is the serialized form of an Error. It is the only error
// shape that crosses component and process boundaries.
type Envelope struct {
	// Code is the failure kind.
	Code Kind `json:"code"`
	// HTTP is the canonical status for HTTP hosts.
	HTTP int `json:"http"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Details holds kind-specific payload (e.g. validation issues).
	Details any `json:"details,omitempty"`
	// Trace locates the failure within an invoke chain.
	Trace *Trace `json:"trace,omitempty"`
	// Context carries correlation fields (pluginId, requestId, ...).
	Context map[string]any `json:"context"`
	// Protocol is the envelope protocol version.
	Protocol string `json:"protocol"`
}

// Envelope serializes the error. Unknown kinds are coerced to
// UNKNOWN_ERROR so the wire set stays closed.
func (e *Error) Envelope() *Envelope {
	kind := e.Kind
	if !kind.Valid() {
		kind = KindUnknown
	}
	return &Envelope{
		Code:     kind,
		HTTP:     kind.HTTPStatus(),
		Message:  e.Message,
		Details:  e.Details,
		Context:  e.Context,
		Protocol: ProtocolVersion,
	}
}

// EnvelopeOf normalizes err and serializes it in one step.
// Returns nil for a nil error.
func EnvelopeOf(err error) *Envelope {
	if err == nil {
		return nil
	}
	return Normalize(err).Envelope()
}

// Err reconstructs an Error from a received envelope. The cause chain
// does not survive the wire; kind, message, details, and context do.
func (env *Envelope) Err() *Error {
	kind := env.Code
	if !kind.Valid() {
		kind = KindUnknown
	}
	return &Error{
		Kind:    kind,
		Message: env.Message,
		Details: env.Details,
		Context: env.Context,
	}
}
