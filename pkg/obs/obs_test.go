package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/store"
)

func TestMetricsRenderText(t *testing.T) {
	m := NewMetrics()
	m.Inc("message_send_total", map[string]string{"status": "ok"})
	m.Inc("message_send_total", map[string]string{"status": "ok"})
	m.Inc("message_send_total", map[string]string{"status": "abuse_blocked"})
	m.SetGauge("delivery_jobs_pending", 7, nil)
	m.Observe("send_duration_ms", 12.5, nil)
	m.Observe("send_duration_ms", 7.5, nil)

	text, err := m.RenderText()
	require.NoError(t, err)
	assert.Contains(t, text, `message_send_total{status="ok"} 2`)
	assert.Contains(t, text, `message_send_total{status="abuse_blocked"} 1`)
	assert.Contains(t, text, `delivery_jobs_pending 7`)
	assert.Contains(t, text, `send_duration_ms_count 2`)
	assert.Contains(t, text, `send_duration_ms_sum 20`)
}

func TestMetricsSnapshotJSON(t *testing.T) {
	m := NewMetrics()
	m.Add("audit_dropped_total", 3, map[string]string{"reason": "db", "event_type": "message_sent"})
	m.SetGauge("delivery_jobs_failed", 1, nil)

	raw, err := m.SnapshotJSON()
	require.NoError(t, err)

	var snap map[string][]MetricPoint
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap["audit_dropped_total"], 1)
	assert.Equal(t, float64(3), snap["audit_dropped_total"][0].Value)
	assert.Equal(t, "db", snap["audit_dropped_total"][0].Labels["reason"])
	assert.Equal(t, float64(1), snap["delivery_jobs_failed"][0].Value)
}

func TestMetricsLabelProjection(t *testing.T) {
	m := NewMetrics()
	m.Inc("x_total", map[string]string{"a": "1"})
	// A later record with extra keys must not panic; extras are dropped.
	m.Inc("x_total", map[string]string{"a": "1", "b": "2"})
	m.Inc("x_total", nil)

	text, err := m.RenderText()
	require.NoError(t, err)
	assert.Contains(t, text, `x_total{a="1"} 2`)
	assert.Contains(t, text, `x_total{a=""} 1`)
}

func TestSpanRingBounded(t *testing.T) {
	cfg := &config.Config{TracingEnabled: true, MaxSpans: 3}
	tr := NewTracing(cfg)

	ctx := context.Background()
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		_, span := tr.Start(ctx, name)
		span.End()
	}
	require.NoError(t, tr.Shutdown(ctx))

	spans := tr.Ring.Snapshot()
	require.Len(t, spans, 3)
	// Oldest first, earliest two overwritten.
	assert.Equal(t, "s3", spans[0].Name)
	assert.Equal(t, "s5", spans[2].Name)
	assert.NotEmpty(t, spans[0].TraceID)

	drained := tr.Ring.Drain()
	assert.Len(t, drained, 3)
	assert.Empty(t, tr.Ring.Snapshot())
}

func TestTracingDisabledIsNoop(t *testing.T) {
	tr := NewTracing(&config.Config{TracingEnabled: false, MaxSpans: 8})
	_, span := tr.Start(context.Background(), "ignored")
	span.End()
	assert.Empty(t, tr.Ring.Snapshot())
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestSpanExporterPosts(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Spans []Span `json:"spans"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.NotEmpty(t, payload.Spans)
		posts.Add(1)
	}))
	defer srv.Close()

	tr := NewTracing(&config.Config{TracingEnabled: true, MaxSpans: 8, SpanExportURL: srv.URL})
	_, span := tr.Start(context.Background(), "exported")
	span.End()

	tr.exportOnce(context.Background())
	assert.Equal(t, int32(1), posts.Load())

	// Nothing buffered: no POST.
	tr.exportOnce(context.Background())
	assert.Equal(t, int32(1), posts.Load())
}

func newHealthStore(t *testing.T) store.Store {
	t.Helper()
	fs, err := store.OpenFileStore(filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)
	return fs
}

func TestHealthSnapshotThresholds(t *testing.T) {
	ctx := context.Background()
	st := newHealthStore(t)
	for _, id := range []string{"j1", "j2"} {
		require.NoError(t, st.CreateMessageDeliveryJob(ctx, &store.DeliveryJob{
			ID: id, MessageID: "m-" + id, UserID: "u", Channel: "email", Destination: id, MaxAttempts: 3,
		}))
	}

	lag := func() map[string]int64 { return map[string]int64{"8453:0xv": 250} }
	h := NewHealth(st, lag, &config.Config{Alerts: config.AlertThresholds{
		PendingDeliveryJobs: 2,
		FailedDeliveryJobs:  1,
		IndexerLagBlocks:    100,
	}})

	snap, err := h.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Jobs.Pending)
	require.Len(t, snap.Alerts, 2)

	keys := []string{snap.Alerts[0].Key, snap.Alerts[1].Key}
	assert.Contains(t, keys, "pending_delivery_jobs")
	assert.Contains(t, keys, "indexer_lag:8453:0xv")
}

func TestHealthAlertWebhook(t *testing.T) {
	ctx := context.Background()
	st := newHealthStore(t)
	require.NoError(t, st.CreateMessageDeliveryJob(ctx, &store.DeliveryJob{
		ID: "j1", MessageID: "m1", UserID: "u", Channel: "email", Destination: "d", MaxAttempts: 3,
	}))

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var snap HealthSnapshot
		require.NoError(t, json.NewDecoder(r.Body).Decode(&snap))
		assert.NotEmpty(t, snap.Alerts)
	}))
	defer srv.Close()

	h := NewHealth(st, nil, &config.Config{
		AlertWebhookURL:   srv.URL,
		AlertWebhookToken: "sekrit",
		Alerts:            config.AlertThresholds{PendingDeliveryJobs: 1},
	})

	snap, err := h.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Alerts)
	require.NoError(t, h.postAlerts(ctx, snap))
	assert.Equal(t, "Bearer sekrit", gotAuth)
}

func TestHealthNoAlertsBelowThreshold(t *testing.T) {
	st := newHealthStore(t)
	h := NewHealth(st, nil, &config.Config{Alerts: config.AlertThresholds{
		PendingDeliveryJobs: 10, FailedDeliveryJobs: 10, IndexerLagBlocks: 10,
	}})
	snap, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Alerts)
	assert.Equal(t, string(store.ModeFile), snap.Mode)
	assert.InDelta(t, time.Now().UnixMilli(), snap.At, 5000)
}

func TestRenderTextEmptyRegistry(t *testing.T) {
	m := NewMetrics()
	text, err := m.RenderText()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(text))
}
