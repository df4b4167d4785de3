// Package tracing records timed spans for silentauth operations.
//
// Spans nest through context.Context: a span started from a context that
// already carries one shares its trace ID and records it as the parent.
// Finished spans go to an Exporter as JSON lines. A nil *Tracer starts
// spans that record nothing, so callers never need to check for one.
//
// Attributes must never carry challenge messages, responses or key
// material.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// TraceID identifies a tree of spans.
type TraceID [16]byte

func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// IsValid reports whether t is non-zero.
func (t TraceID) IsValid() bool {
	return t != TraceID{}
}

// SpanID identifies one span within a trace.
type SpanID [8]byte

func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// IsValid reports whether s is non-zero.
func (s SpanID) IsValid() bool {
	return s != SpanID{}
}

// SpanKind tells a request handled by this process apart from one it makes.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	default:
		return "internal"
	}
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Attribute is a key-value pair attached to a span or event.
type Attribute struct {
	Key   string
	Value any
}

// String returns a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int returns an integer attribute.
func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: value}
}

// Event is a point in time within a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []Attribute
}

// SpanContext identifies a span and whether it is exported.
type SpanContext struct {
	TraceID TraceID
	SpanID  SpanID
	Sampled bool
}

// IsValid reports whether both IDs are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// Span is one timed operation.
type Span struct {
	mu         sync.Mutex
	tracer     *Tracer
	name       string
	context    SpanContext
	parent     SpanContext
	kind       SpanKind
	startTime  time.Time
	endTime    time.Time
	attributes []Attribute
	events     []Event
	status     StatusCode
	statusMsg  string
	ended      atomic.Bool
}

// Context returns the span's identifiers.
func (s *Span) Context() SpanContext {
	return s.context
}

// Name returns the span name.
func (s *Span) Name() string {
	return s.name
}

// SetAttribute records a key-value pair on the span.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes = append(s.attributes, Attribute{Key: key, Value: value})
}

// AddEvent records a named point in time.
func (s *Span) AddEvent(name string, attrs ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

// SetStatus sets the span outcome.
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.statusMsg = message
}

// RecordError adds an error event and marks the span failed. A nil err is
// ignored.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.AddEvent("error",
		String("error.type", fmt.Sprintf("%T", err)),
		String("error.message", err.Error()),
	)
	s.SetStatus(StatusError, err.Error())
}

// Finish records err, or marks the span OK when it has no status yet, and
// ends it.
func (s *Span) Finish(err error) {
	if err != nil {
		s.RecordError(err)
	} else {
		s.mu.Lock()
		if s.status == StatusUnset {
			s.status = StatusOK
		}
		s.mu.Unlock()
	}
	s.End()
}

// End stops the clock and exports a sampled span. Later calls do nothing.
func (s *Span) End() {
	if s.ended.Swap(true) {
		return
	}

	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()

	if s.tracer != nil && s.context.Sampled {
		s.tracer.exporter.ExportSpan(s)
	}
}

// Duration is the time from start to End, or to now for a running span.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime.IsZero() {
		return time.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

// SpanData is the exported form of a span.
type SpanData struct {
	Name       string         `json:"name"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Kind       string         `json:"kind"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Duration   time.Duration  `json:"duration_ns"`
	Status     string         `json:"status"`
	StatusMsg  string         `json:"status_message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []EventData    `json:"events,omitempty"`
}

// EventData is the exported form of an event.
type EventData struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func attrMap(attrs []Attribute) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

// Data returns a snapshot of the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]EventData, len(s.events))
	for i, e := range s.events {
		events[i] = EventData{Name: e.Name, Timestamp: e.Timestamp, Attributes: attrMap(e.Attributes)}
	}

	d := SpanData{
		Name:       s.name,
		TraceID:    s.context.TraceID.String(),
		SpanID:     s.context.SpanID.String(),
		Kind:       s.kind.String(),
		StartTime:  s.startTime,
		EndTime:    s.endTime,
		Duration:   s.endTime.Sub(s.startTime),
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: attrMap(s.attributes),
		Events:     events,
	}
	if s.tracer != nil {
		d.Service = s.tracer.service
	}
	if s.parent.SpanID.IsValid() {
		d.ParentID = s.parent.SpanID.String()
	}
	return d
}

// Exporter receives ended, sampled spans.
type Exporter interface {
	ExportSpan(span *Span)
	Shutdown() error
}

// JSONExporter writes one JSON object per span.
type JSONExporter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewJSONExporter writes spans to w. Shutdown closes w when it is an
// io.Closer.
func NewJSONExporter(w io.Writer) *JSONExporter {
	return &JSONExporter{w: w, enc: json.NewEncoder(w)}
}

// NewFileExporter appends spans to the file at path, creating it 0600.
func NewFileExporter(path string) (*JSONExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return NewJSONExporter(f), nil
}

func (e *JSONExporter) ExportSpan(span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enc.Encode(span.Data())
}

func (e *JSONExporter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Recorder keeps exported spans in memory.
type Recorder struct {
	mu    sync.Mutex
	spans []SpanData
}

func (r *Recorder) ExportSpan(span *Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span.Data())
}

func (r *Recorder) Shutdown() error { return nil }

// Spans returns the recorded spans in export order.
func (r *Recorder) Spans() []SpanData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SpanData(nil), r.spans...)
}

// Named returns the recorded spans called name.
func (r *Recorder) Named(name string) []SpanData {
	var out []SpanData
	for _, s := range r.Spans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Sampler decides whether a new trace is exported.
type Sampler interface {
	ShouldSample(traceID TraceID, name string) bool
}

// RatioSampler exports a fixed fraction of traces, chosen by trace ID so
// every span of a trace gets the same answer.
type RatioSampler struct {
	threshold uint64
	all       bool
}

// NewRatioSampler clamps ratio to [0, 1].
func NewRatioSampler(ratio float64) *RatioSampler {
	switch {
	case ratio >= 1:
		return &RatioSampler{all: true}
	case ratio <= 0:
		return &RatioSampler{}
	}
	return &RatioSampler{threshold: uint64(ratio * float64(^uint64(0)))}
}

func (s *RatioSampler) ShouldSample(traceID TraceID, _ string) bool {
	if s.all {
		return true
	}
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(traceID[i])
	}
	return h < s.threshold
}

// TracerConfig configures a Tracer.
type TracerConfig struct {
	ServiceName string
	Exporter    Exporter // required
	Sampler     Sampler  // every trace when nil
}

// Tracer starts spans.
type Tracer struct {
	service  string
	exporter Exporter
	sampler  Sampler
}

// NewTracer creates a Tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = NewRatioSampler(1)
	}
	return &Tracer{
		service:  cfg.ServiceName,
		exporter: cfg.Exporter,
		sampler:  sampler,
	}
}

// NewFileTracer returns a Tracer appending to path, or nil when path is
// empty.
func NewFileTracer(service, path string, ratio float64) (*Tracer, error) {
	if path == "" {
		return nil, nil
	}
	exp, err := NewFileExporter(path)
	if err != nil {
		return nil, err
	}
	return NewTracer(TracerConfig{
		ServiceName: service,
		Exporter:    exp,
		Sampler:     NewRatioSampler(ratio),
	}), nil
}

// SpanOption configures a span at start.
type SpanOption func(*Span)

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(s *Span) {
		s.kind = kind
	}
}

// WithAttributes sets initial attributes.
func WithAttributes(attrs ...Attribute) SpanOption {
	return func(s *Span) {
		s.attributes = append(s.attributes, attrs...)
	}
}

// Start begins a span named name as a child of any span in ctx.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if t == nil {
		return ctx, &Span{name: name, startTime: time.Now()}
	}

	var parent SpanContext
	if p := SpanFromContext(ctx); p != nil {
		parent = p.Context()
	}

	sc := SpanContext{TraceID: parent.TraceID, Sampled: parent.Sampled}
	if !sc.TraceID.IsValid() {
		rand.Read(sc.TraceID[:])
		sc.Sampled = t.sampler.ShouldSample(sc.TraceID, name)
	}
	rand.Read(sc.SpanID[:])

	span := &Span{
		tracer:    t,
		name:      name,
		context:   sc,
		parent:    parent,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(span)
	}
	return ContextWithSpan(ctx, span), span
}

// Shutdown flushes and closes the exporter.
func (t *Tracer) Shutdown() error {
	if t == nil || t.exporter == nil {
		return nil
	}
	return t.exporter.Shutdown()
}

// Trace runs fn inside a span named name.
func (t *Tracer) Trace(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...SpanOption) error {
	ctx, span := t.Start(ctx, name, opts...)
	err := fn(ctx)
	span.Finish(err)
	return err
}

type spanContextKey struct{}

// ContextWithSpan returns a copy of ctx carrying span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the span in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	span, _ := ctx.Value(spanContextKey{}).(*Span)
	return span
}
