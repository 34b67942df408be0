package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendvault/sendvault/pkg/abuse"
	"github.com/sendvault/sendvault/pkg/audit"
	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/launchgate"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/send"
	"github.com/sendvault/sendvault/pkg/store"
)

type harness struct {
	fs      *store.FileStore
	srv     *httptest.Server
	metrics *obs.Metrics
	cfg     *config.Config
	ready   bool
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	fs, err := store.OpenFileStore(filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)

	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 1000
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.DeliveryMaxAttempts == 0 {
		cfg.DeliveryMaxAttempts = 6
	}

	backend, err := locker.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	metrics := obs.NewMetrics()
	ledger := audit.NewLedger(fs, metrics)
	engine := abuse.NewEngine(fs, cfg.Abuse, metrics, ledger)
	tracing := obs.NewTracing(cfg)
	health := obs.NewHealth(fs, nil, cfg)
	orch := send.NewOrchestrator(fs, backend.Limiter, engine, metrics, ledger, tracing, cfg)

	h := &harness{fs: fs, metrics: metrics, cfg: cfg, ready: true}
	readiness := func(context.Context) *launchgate.Report {
		return &launchgate.Report{LaunchReady: h.ready}
	}
	server := NewServer(fs, orch, backend.Limiter, metrics, tracing, health, readiness, cfg)
	h.srv = httptest.NewServer(server.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) seedPair(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.fs.CreateUser(ctx, &store.User{ID: "alice", WalletAddress: "0xalice", Handle: "alice", Balance: 1000}))
	require.NoError(t, h.fs.CreateUser(ctx, &store.User{ID: "bob", WalletAddress: "0xbob", Handle: "bob", Balance: 0}))
	require.NoError(t, h.fs.SetPricingProfile(ctx, &store.PricingProfile{
		UserID: "bob", DefaultPrice: 200, FirstContactPrice: 500, AcceptsAll: true,
	}))
}

func (h *harness) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	req.Header.Set("User-Agent", "test-agent")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSendEndpoint(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.seedPair(t)

	resp := h.do(t, http.MethodPost, "/v1/messages", "alice", map[string]any{
		"recipientHandle": "bob",
		"ciphertext":      []byte("hello"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[send.Result](t, resp)
	assert.Equal(t, int64(500), res.Paid)
	assert.Equal(t, "delivered", res.Status)
	assert.NotEmpty(t, res.MessageID)
}

func TestSendRequiresAuth(t *testing.T) {
	h := newHarness(t, &config.Config{})

	resp := h.do(t, http.MethodPost, "/v1/messages", "", map[string]any{"recipientHandle": "bob"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "auth_required", body["error"])
}

func TestSendSenderMismatch(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.seedPair(t)

	resp := h.do(t, http.MethodPost, "/v1/messages", "alice", map[string]any{
		"senderId":        "mallory",
		"recipientHandle": "bob",
		"ciphertext":      []byte("hello"),
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "auth_mismatch", body["error"])
}

func TestSendErrorMapping(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.seedPair(t)

	// Self-send surfaces the stable code and 409.
	resp := h.do(t, http.MethodPost, "/v1/messages", "alice", map[string]any{
		"recipientHandle": "alice",
		"ciphertext":      []byte("hi me"),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "self_send_not_allowed", body["error"])

	// Unknown recipient is 404.
	resp = h.do(t, http.MethodPost, "/v1/messages", "alice", map[string]any{
		"recipientHandle": "nobody",
		"ciphertext":      []byte("hi"),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitedSendSetsRetryAfter(t *testing.T) {
	h := newHarness(t, &config.Config{RateLimitMax: 1, RateLimitWindow: time.Minute})
	h.seedPair(t)

	payload := map[string]any{"recipientHandle": "bob", "ciphertext": []byte("hi")}
	resp := h.do(t, http.MethodPost, "/v1/messages", "alice", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/v1/messages", "alice", payload)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "rate_limited", body["error"])
}

func TestInboxEndpoint(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.seedPair(t)

	resp := h.do(t, http.MethodPost, "/v1/messages", "alice", map[string]any{
		"recipientHandle": "bob",
		"ciphertext":      []byte("hello bob"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/v1/inbox", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Messages []inboxEntry `json:"messages"`
	}](t, resp)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "0xalice", body.Messages[0].SenderWallet)
	assert.Equal(t, []byte("hello bob"), body.Messages[0].Ciphertext)
	assert.Equal(t, int64(500), body.Messages[0].Price)

	resp = h.do(t, http.MethodGet, "/v1/inbox?limit=bogus", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPricingRoundTrip(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.seedPair(t)

	resp := h.do(t, http.MethodPut, "/v1/pricing", "bob", pricingBody{
		DefaultPrice: 300, FirstContactPrice: 700, ReturnDiscountBps: 2500, AcceptsAll: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/v1/pricing", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[pricingBody](t, resp)
	assert.Equal(t, int64(300), got.DefaultPrice)
	assert.Equal(t, int64(700), got.FirstContactPrice)
	assert.Equal(t, int64(2500), got.ReturnDiscountBps)

	resp = h.do(t, http.MethodPut, "/v1/pricing", "bob", pricingBody{ReturnDiscountBps: 10_001})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChannelLifecycle(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.seedPair(t)

	resp := h.do(t, http.MethodPost, "/v1/channels", "bob", channelBody{
		Channel: "telegram", ExternalHandle: "chat1", SecretRef: "vault:tg-bob",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/v1/channels/telegram", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[channelStatus](t, resp)
	assert.Equal(t, "connected", got.Status)
	assert.Equal(t, "chat1", got.ExternalHandle)

	resp = h.do(t, http.MethodGet, "/v1/channels", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Channels []channelStatus `json:"channels"`
	}](t, resp)
	require.Len(t, list.Channels, 1)

	resp = h.do(t, http.MethodDelete, "/v1/channels/telegram", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/v1/channels", "bob", nil)
	list = decode[struct {
		Channels []channelStatus `json:"channels"`
	}](t, resp)
	assert.Empty(t, list.Channels)
}

func TestChannelConnectRejectsBadSecretRef(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.seedPair(t)

	resp := h.do(t, http.MethodPost, "/v1/channels", "bob", channelBody{
		Channel: "telegram", ExternalHandle: "chat1", SecretRef: "raw-token-value",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "invalid_secret_format", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.metrics.Inc("message_send_total", map[string]string{"status": "ok"})

	resp := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `message_send_total{status="ok"} 1`)
}

func TestMetricsBearerToken(t *testing.T) {
	h := newHarness(t, &config.Config{MetricsToken: "s3cret"})

	resp := h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("Accept", "application/json")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = ok.Body.Close() }()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Equal(t, "application/json", ok.Header.Get("Content-Type"))
}

func TestAlertsEndpoint(t *testing.T) {
	cfg := &config.Config{Alerts: config.AlertThresholds{PendingDeliveryJobs: 1}}
	h := newHarness(t, cfg)
	require.NoError(t, h.fs.CreateMessageDeliveryJob(context.Background(), &store.DeliveryJob{
		ID: "j1", MessageID: "m1", UserID: "bob", Channel: "telegram", Destination: "c", MaxAttempts: 3,
	}))

	resp := h.do(t, http.MethodGet, "/alerts", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[obs.HealthSnapshot](t, resp)
	require.Len(t, snap.Alerts, 1)
	assert.Equal(t, "pending_delivery_jobs", snap.Alerts[0].Key)
}

func TestAlertHookEndpoint(t *testing.T) {
	h := newHarness(t, &config.Config{})

	resp := h.do(t, http.MethodPost, "/alert-hook", "", obs.HealthSnapshot{
		Alerts: []obs.Alert{{Key: "pending_delivery_jobs", Message: "backlog", Value: 900, Threshold: 500}},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	text, err := h.metrics.RenderText()
	require.NoError(t, err)
	assert.Contains(t, text, "alerts_received_total 1")
}

func TestReadinessEndpoint(t *testing.T) {
	h := newHarness(t, &config.Config{})

	resp := h.do(t, http.MethodGet, "/readiness", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.ready = false
	resp = h.do(t, http.MethodGet, "/readiness", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestComplianceEndpoint(t *testing.T) {
	h := newHarness(t, &config.Config{LegalTOSVersion: "3", LegalTOSApprovedAt: 42, RequireSocialTOSAccepted: true})

	resp := h.do(t, http.MethodGet, "/compliance", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "3", body["termsVersion"])
	assert.Equal(t, float64(42), body["termsApprovedAt"])
	assert.Equal(t, true, body["socialTermsRequired"])
}

func TestReadRouteRateLimit(t *testing.T) {
	h := newHarness(t, &config.Config{RateLimitMax: 2, RateLimitWindow: time.Minute})
	h.seedPair(t)

	for i := 0; i < 2; i++ {
		resp := h.do(t, http.MethodGet, "/v1/inbox", "bob", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("request %d", i))
	}
	resp := h.do(t, http.MethodGet, "/v1/inbox", "bob", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
