package polos

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Tracer creates spans for executions, agent steps, tool dispatches, and
// durable steps. The observer package provides an OTEL-backed implementation
// via NewTracer(); NewPlatformTracer ships spans to the orchestrator. When
// no Tracer is configured, span creation is skipped (nil check).
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation. Callers must call End() when the
// operation completes to flush the span to the configured exporter.
type Span interface {
	// SetAttr adds attributes to the span after creation.
	SetAttr(attrs ...SpanAttr)
	// Event records a named event (annotation) on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records an error on the span and marks it as failed.
	Error(err error)
	// End completes the span. Must be called exactly once.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// BoolAttr creates a bool-typed span attribute.
func BoolAttr(k string, v bool) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// Float64Attr creates a float64-typed span attribute.
func Float64Attr(k string, v float64) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// --- trace identity ---

// TraceParent is a W3C traceparent's useful half: the trace id (32 hex) and
// the parent span id (16 hex).
type TraceParent struct {
	TraceID string
	SpanID  string
}

// ParseTraceParent decodes "00-{traceId}-{spanId}-{flags}". Malformed values
// are rejected rather than guessed at.
func ParseTraceParent(s string) (TraceParent, bool) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return TraceParent{}, false
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return TraceParent{}, false
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return TraceParent{}, false
	}
	return TraceParent{TraceID: parts[1], SpanID: parts[2]}, true
}

// String renders the traceparent with sampled flags.
func (tp TraceParent) String() string {
	return "00-" + tp.TraceID + "-" + tp.SpanID + "-01"
}

// TraceIDFromExecution derives the deterministic trace id for a root
// execution: the execution UUID with hyphens removed. Every attempt of the
// same execution lands in the same trace.
func TraceIDFromExecution(executionID string) string {
	return strings.ReplaceAll(executionID, "-", "")
}

type traceParentKey struct{}

// ContextWithTraceParent seeds ctx with an inbound (or derived) trace
// identity. Tracers treat it as the remote parent for the next span.
func ContextWithTraceParent(ctx context.Context, tp TraceParent) context.Context {
	return context.WithValue(ctx, traceParentKey{}, tp)
}

// TraceParentFromContext returns the trace identity seeded by
// ContextWithTraceParent or recorded by the platform tracer.
func TraceParentFromContext(ctx context.Context) (TraceParent, bool) {
	tp, ok := ctx.Value(traceParentKey{}).(TraceParent)
	return tp, ok
}

// spanKindFor infers the platform span kind from the name prefix.
func spanKindFor(name string) string {
	switch {
	case strings.HasPrefix(name, "workflow."):
		return "workflow"
	case strings.HasPrefix(name, "agent."):
		return "agent"
	case strings.HasPrefix(name, "tool."):
		return "tool"
	case strings.HasPrefix(name, "step."):
		return "step"
	default:
		return "internal"
	}
}

func newSpanID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}

func newTraceID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strings.Repeat("0", 32)
	}
	return hex.EncodeToString(b[:])
}

// --- platform tracer ---

// SpanRecord is the wire shape of one finished span.
type SpanRecord struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      time.Time      `json:"endTime"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Events       []SpanEvent    `json:"events,omitempty"`
}

// SpanEvent is an annotation on a span's timeline.
type SpanEvent struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PlatformTracer batches finished spans and ships them to the orchestrator's
// span endpoint. Trace ids follow the deterministic scheme: the executor
// seeds each execution with its UUID-derived trace id, children inherit it
// through the context.
type PlatformTracer struct {
	client   *Client
	logger   *Logger
	interval time.Duration
	maxBatch int

	mu  sync.Mutex
	buf []SpanRecord

	done     chan struct{}
	stopOnce sync.Once
}

// PlatformTracerOption configures a PlatformTracer.
type PlatformTracerOption func(*PlatformTracer)

// WithSpanFlushInterval sets how often buffered spans are exported
// (default: 5s).
func WithSpanFlushInterval(d time.Duration) PlatformTracerOption {
	return func(t *PlatformTracer) { t.interval = d }
}

// WithSpanBatchSize sets the buffer size that forces an immediate export
// (default: 64).
func WithSpanBatchSize(n int) PlatformTracerOption {
	return func(t *PlatformTracer) { t.maxBatch = n }
}

// WithSpanLogger sets the logger for export failures.
func WithSpanLogger(l *Logger) PlatformTracerOption {
	return func(t *PlatformTracer) { t.logger = l }
}

// NewPlatformTracer creates a tracer exporting through client. Close it to
// flush the tail.
func NewPlatformTracer(client *Client, opts ...PlatformTracerOption) *PlatformTracer {
	t := &PlatformTracer{
		client:   client,
		interval: 5 * time.Second,
		maxBatch: 64,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = NopLogger()
	}
	go t.loop()
	return t
}

// Start implements Tracer.
func (t *PlatformTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	parent, hasParent := TraceParentFromContext(ctx)
	traceID := parent.TraceID
	if !hasParent || traceID == "" {
		traceID = newTraceID()
	}
	s := &platformSpan{
		tracer: t,
		rec: SpanRecord{
			TraceID:      traceID,
			SpanID:       newSpanID(),
			ParentSpanID: parent.SpanID,
			Name:         name,
			Kind:         spanKindFor(name),
			StartTime:    time.Now().UTC(),
			Status:       "ok",
			Attributes:   attrMap(attrs),
		},
	}
	ctx = ContextWithTraceParent(ctx, TraceParent{TraceID: traceID, SpanID: s.rec.SpanID})
	return ctx, s
}

// Flush exports everything buffered so far.
func (t *PlatformTracer) Flush(ctx context.Context) error {
	t.mu.Lock()
	batch := t.buf
	t.buf = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return t.client.ExportSpans(ctx, batch)
}

// Close stops the export loop and flushes the tail.
func (t *PlatformTracer) Close(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.done) })
	return t.Flush(ctx)
}

func (t *PlatformTracer) loop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.Flush(context.Background()); err != nil {
				t.logger.Warn("span export failed", "error", err)
			}
		}
	}
}

func (t *PlatformTracer) enqueue(rec SpanRecord) {
	t.mu.Lock()
	t.buf = append(t.buf, rec)
	full := len(t.buf) >= t.maxBatch
	t.mu.Unlock()
	if full {
		if err := t.Flush(context.Background()); err != nil {
			t.logger.Warn("span export failed", "error", err)
		}
	}
}

type platformSpan struct {
	tracer *PlatformTracer
	mu     sync.Mutex
	rec    SpanRecord
	ended  bool
}

func (s *platformSpan) SetAttr(attrs ...SpanAttr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Attributes == nil {
		s.rec.Attributes = make(map[string]any, len(attrs))
	}
	for _, a := range attrs {
		s.rec.Attributes[a.Key] = a.Value
	}
}

func (s *platformSpan) Event(name string, attrs ...SpanAttr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Events = append(s.rec.Events, SpanEvent{
		Name:       name,
		Time:       time.Now().UTC(),
		Attributes: attrMap(attrs),
	})
}

func (s *platformSpan) Error(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Status = "error"
	s.rec.Error = err.Error()
}

func (s *platformSpan) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.rec.EndTime = time.Now().UTC()
	rec := s.rec
	s.mu.Unlock()
	s.tracer.enqueue(rec)
}

func attrMap(attrs []SpanAttr) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

// --- nop tracer ---

// nopTracer drops all spans. Used wherever a Tracer is optional.
type nopTracer struct{}

type nopSpan struct{}

// NopTracer returns a Tracer that records nothing.
func NopTracer() Tracer { return nopTracer{} }

func (nopTracer) Start(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}

// compile-time checks
var (
	_ Tracer = (*PlatformTracer)(nil)
	_ Span   = (*platformSpan)(nil)
	_ Tracer = nopTracer{}
)
