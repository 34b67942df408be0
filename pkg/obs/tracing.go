package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sendvault/sendvault/pkg/config"
)

// Span is the flattened form kept in the ring and shipped to the
// export endpoint.
type Span struct {
	TraceID    string            `json:"traceId"`
	SpanID     string            `json:"spanId"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	StartMs    int64             `json:"startMs"`
	EndMs      int64             `json:"endMs"`
	DurationMs int64             `json:"durationMs"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// SpanRing is a bounded span buffer implementing the otel exporter
// contract. When full, the oldest spans are overwritten.
type SpanRing struct {
	mu   sync.Mutex
	buf  []Span
	next int
	full bool
}

func NewSpanRing(max int) *SpanRing {
	if max <= 0 {
		max = 1
	}
	return &SpanRing{buf: make([]Span, max)}
}

func (r *SpanRing) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range spans {
		span := Span{
			TraceID:    s.SpanContext().TraceID().String(),
			SpanID:     s.SpanContext().SpanID().String(),
			Name:       s.Name(),
			Status:     statusString(s.Status().Code),
			StartMs:    s.StartTime().UnixMilli(),
			EndMs:      s.EndTime().UnixMilli(),
			DurationMs: s.EndTime().Sub(s.StartTime()).Milliseconds(),
		}
		if attrs := s.Attributes(); len(attrs) > 0 {
			span.Tags = make(map[string]string, len(attrs))
			for _, kv := range attrs {
				span.Tags[string(kv.Key)] = kv.Value.Emit()
			}
		}
		r.buf[r.next] = span
		r.next++
		if r.next == len(r.buf) {
			r.next = 0
			r.full = true
		}
	}
	return nil
}

func (r *SpanRing) Shutdown(context.Context) error { return nil }

func statusString(c codes.Code) string {
	switch c {
	case codes.Error:
		return "error"
	case codes.Ok:
		return "ok"
	default:
		return "unset"
	}
}

// Snapshot returns the buffered spans oldest-first.
func (r *SpanRing) Snapshot() []Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Span, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Span, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Drain returns and clears the buffered spans.
func (r *SpanRing) Drain() []Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Span
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	r.next = 0
	r.full = false
	return out
}

// Tracing owns the tracer provider and the ring.
type Tracing struct {
	Ring     *SpanRing
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *slog.Logger
	client   *http.Client
	url      string
}

// NewTracing builds the in-process tracer. When disabled, the returned
// value still hands out no-op spans so call sites stay unconditional.
func NewTracing(cfg *config.Config) *Tracing {
	ring := NewSpanRing(cfg.MaxSpans)
	t := &Tracing{
		Ring:   ring,
		logger: slog.Default().With("component", "tracing"),
		client: &http.Client{Timeout: 5 * time.Second},
		url:    cfg.SpanExportURL,
	}
	if cfg.TracingEnabled {
		t.provider = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(ring)),
		)
		t.tracer = t.provider.Tracer("sendvault")
	} else {
		t.tracer = noop.NewTracerProvider().Tracer("sendvault")
	}
	return t
}

// Start opens a span.
func (t *Tracing) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// Shutdown flushes the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RunExporter periodically POSTs drained spans to the configured
// endpoint. Export failures are logged and never propagate.
func (t *Tracing) RunExporter(ctx context.Context, interval time.Duration) {
	if t.url == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.exportOnce(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			t.exportOnce(ctx)
		}
	}
}

func (t *Tracing) exportOnce(ctx context.Context) {
	spans := t.Ring.Drain()
	if len(spans) == 0 {
		return
	}
	body, err := json.Marshal(map[string]any{"spans": spans})
	if err != nil {
		t.logger.Warn("span export marshal failed", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		t.logger.Warn("span export request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("span export failed", "err", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		t.logger.Warn("span export rejected", "status", fmt.Sprint(resp.StatusCode))
	}
}
