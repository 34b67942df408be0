package send

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendvault/sendvault/pkg/abuse"
	"github.com/sendvault/sendvault/pkg/apperr"
	"github.com/sendvault/sendvault/pkg/audit"
	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/store"
)

type harness struct {
	fs      *store.FileStore
	orch    *Orchestrator
	metrics *obs.Metrics
	now     *int64
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

	now := int64(1_000_000)
	clock := func() time.Time { return time.UnixMilli(now) }

	metrics := obs.NewMetrics()
	ledger := audit.NewLedger(fs, metrics)
	engine := abuse.NewEngine(fs, cfg.Abuse, metrics, ledger).WithClock(clock)
	tracing := obs.NewTracing(cfg)

	h := &harness{fs: fs, metrics: metrics, now: &now}
	h.orch = NewOrchestrator(fs, backend.Limiter, engine, metrics, ledger, tracing, cfg).
		WithClock(func() time.Time { return time.UnixMilli(now) })
	return h
}

func (h *harness) addUser(t *testing.T, id, handle string, balance int64) {
	t.Helper()
	require.NoError(t, h.fs.CreateUser(context.Background(), &store.User{
		ID: id, WalletAddress: "0x" + id, Handle: handle, Balance: balance,
	}))
}

func (h *harness) setPricing(t *testing.T, p *store.PricingProfile) {
	t.Helper()
	require.NoError(t, h.fs.SetPricingProfile(context.Background(), p))
}

func baseRequest(sender, handle, body string) *Request {
	return &Request{
		SenderID:        sender,
		RecipientHandle: handle,
		Plaintext:       []byte(body),
		ClientIP:        "1.2.3.4",
		DeviceID:        "d1",
	}
}

func TestFirstContactPricing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 0)
	h.setPricing(t, &store.PricingProfile{
		UserID: "bob", DefaultPrice: 200, FirstContactPrice: 500, ReturnDiscountBps: 500, AcceptsAll: true,
	})

	res, err := h.orch.Send(ctx, baseRequest("alice", "bob", "hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Paid)
	assert.Equal(t, "delivered", res.Status)
	assert.NotEmpty(t, res.MessageID)

	alice, err := h.fs.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), alice.Balance)
}

func TestReturnDiscount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 1000)
	h.setPricing(t, &store.PricingProfile{
		UserID: "bob", DefaultPrice: 200, FirstContactPrice: 500, ReturnDiscountBps: 5000, AcceptsAll: true,
	})

	_, err := h.orch.Send(ctx, baseRequest("alice", "bob", "hi"))
	require.NoError(t, err)

	// Bob replies, making Alice eligible for the return discount.
	_, err = h.orch.Send(ctx, baseRequest("bob", "alice", "hello back"))
	require.NoError(t, err)

	res, err := h.orch.Send(ctx, baseRequest("alice", "bob", "again"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Paid)
}

func TestRepeatSenderWithoutReplyPaysDefault(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 0)
	h.setPricing(t, &store.PricingProfile{
		UserID: "bob", DefaultPrice: 200, FirstContactPrice: 500, ReturnDiscountBps: 5000, AcceptsAll: true,
	})

	_, err := h.orch.Send(ctx, baseRequest("alice", "bob", "one"))
	require.NoError(t, err)

	res, err := h.orch.Send(ctx, baseRequest("alice", "bob", "two"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Paid)
}

func TestReturnDiscountBoundaries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 1000)

	// bps=10000 yields zero, bps=0 yields the full default price.
	p := &store.PricingProfile{UserID: "bob", DefaultPrice: 200, FirstContactPrice: 500, ReturnDiscountBps: 10_000, AcceptsAll: true}
	h.setPricing(t, p)
	_, err := h.orch.Send(ctx, baseRequest("bob", "alice", "ping"))
	require.NoError(t, err)

	res, err := h.orch.Send(ctx, baseRequest("alice", "bob", "free ride"))
	require.NoError(t, err)
	assert.Zero(t, res.Paid)

	p.ReturnDiscountBps = 0
	h.setPricing(t, p)
	res, err = h.orch.Send(ctx, baseRequest("alice", "bob", "full price"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Paid)
}

func TestSelfSendRejected(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)

	_, err := h.orch.Send(context.Background(), baseRequest("alice", "alice", "note to self"))
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeSelfSendNotAllowed, ae.Code)
	assert.Equal(t, 409, ae.HTTPStatus)
}

func TestIdempotencyReuseAndConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 0)
	h.addUser(t, "carol", "carol", 0)
	h.setPricing(t, &store.PricingProfile{UserID: "bob", FirstContactPrice: 100, AcceptsAll: true})

	req := baseRequest("alice", "bob", "hello")
	req.IdempotencyKey = "k1"

	first, err := h.orch.Send(ctx, req)
	require.NoError(t, err)
	second, err := h.orch.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.Paid, second.Paid)

	// Only one debit happened.
	alice, err := h.fs.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(900), alice.Balance)

	conflicting := baseRequest("alice", "carol", "hello")
	conflicting.IdempotencyKey = "k1"
	_, err = h.orch.Send(ctx, conflicting)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeIdempotencyConflict, ae.Code)
	assert.Equal(t, 409, ae.HTTPStatus)
}

func TestInsufficientBalanceBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 99)
	h.addUser(t, "bob", "bob", 0)
	h.setPricing(t, &store.PricingProfile{UserID: "bob", FirstContactPrice: 100, AcceptsAll: true})

	_, err := h.orch.Send(ctx, baseRequest("alice", "bob", "hi"))
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeInsufficientBalance, ae.Code)

	// balance == price succeeds.
	require.NoError(t, h.fs.CreditBalance(ctx, "alice", 1, *h.now))
	res, err := h.orch.Send(ctx, baseRequest("alice", "bob", "hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Paid)

	alice, err := h.fs.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, alice.Balance)
}

func TestClosedInboxRejectsStrangers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 1000)
	h.setPricing(t, &store.PricingProfile{UserID: "bob", DefaultPrice: 10, FirstContactPrice: 10, AcceptsAll: false})

	_, err := h.orch.Send(ctx, baseRequest("alice", "bob", "hi"))
	assert.Equal(t, apperr.CodeNotAccepted, apperr.From(err).Code)

	// Once Bob writes first, Alice is pre-allowed.
	_, err = h.orch.Send(ctx, baseRequest("bob", "alice", "you first"))
	require.NoError(t, err)
	_, err = h.orch.Send(ctx, baseRequest("alice", "bob", "hi"))
	require.NoError(t, err)
}

func TestRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{RateLimitMax: 1, RateLimitWindow: time.Minute})
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 0)
	h.setPricing(t, &store.PricingProfile{UserID: "bob", FirstContactPrice: 1, AcceptsAll: true})

	_, err := h.orch.Send(ctx, baseRequest("alice", "bob", "one"))
	require.NoError(t, err)

	_, err = h.orch.Send(ctx, baseRequest("alice", "bob", "two"))
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeRateLimited, ae.Code)
	assert.Equal(t, 429, ae.HTTPStatus)
	assert.Equal(t, 0, ae.Details["remaining"])
}

func TestAbuseBlockEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Abuse: config.AbuseConfig{
			Enabled:         true,
			WindowMs:        1000,
			BlockDurationMs: 600_000,
			ScoreLimit:      10,
			Sender:          config.AbuseDimension{Weight: 10, Max: 1},
			Recipient:       config.AbuseDimension{Max: 1000},
			IP:              config.AbuseDimension{Max: 1000},
			Device:          config.AbuseDimension{Max: 1000},
		},
	}
	h := newHarness(t, cfg)
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 0)
	h.setPricing(t, &store.PricingProfile{UserID: "bob", FirstContactPrice: 1, DefaultPrice: 1, AcceptsAll: true})

	_, err := h.orch.Send(ctx, baseRequest("alice", "bob", "one"))
	require.NoError(t, err)

	_, err = h.orch.Send(ctx, baseRequest("alice", "bob", "two"))
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeAbuseBlocked, ae.Code)
	assert.Equal(t, 429, ae.HTTPStatus)
	assert.InDelta(t, cfg.Abuse.BlockDurationMs, ae.RetryAfterMs, 1000)

	// Past the block and into a new window the sender recovers.
	*h.now += cfg.Abuse.BlockDurationMs + cfg.Abuse.WindowMs
	_, err = h.orch.Send(ctx, baseRequest("alice", "bob", "three"))
	require.NoError(t, err)
}

func TestFanOutSkipsStaleConsent(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		LegalTOSVersion:          "2025-01",
		RequireSocialTOSAccepted: true,
	}
	h := newHarness(t, cfg)
	h.addUser(t, "alice", "alice", 1000)
	h.addUser(t, "bob", "bob", 0)
	h.setPricing(t, &store.PricingProfile{UserID: "bob", FirstContactPrice: 1, AcceptsAll: true})

	require.NoError(t, h.fs.UpsertChannelConnection(ctx, &store.ChannelConnection{
		UserID: "bob", Channel: "telegram", ExternalHandle: "chat1",
	}))
	require.NoError(t, h.fs.UpsertChannelConnection(ctx, &store.ChannelConnection{
		UserID: "bob", Channel: "whatsapp", ExternalHandle: "+1555", ConsentVersion: "2024-06", ConsentAcceptedAt: 1,
	}))

	res, err := h.orch.Send(ctx, baseRequest("alice", "bob", "hi"))
	require.NoError(t, err)

	jobs, err := h.fs.ClaimDueDeliveryJobs(ctx, "w1", 10, 1000, *h.now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "telegram", jobs[0].Channel)
	assert.Equal(t, res.MessageID, jobs[0].MessageID)

	text, err := h.metrics.RenderText()
	require.NoError(t, err)
	assert.Contains(t, text, `delivery_job_skip_total{reason="stale_channel_consent"} 1`)
}

func TestFanOutPayloadShape(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DeliveryMaxAttempts: 6}
	h := newHarness(t, cfg)
	h.addUser(t, "bob", "bob", 0)
	require.NoError(t, h.fs.UpsertChannelConnection(ctx, &store.ChannelConnection{
		UserID: "bob", Channel: "telegram", ExternalHandle: "chat1",
	}))

	// App-side sends have no tx hash yet; the key stays out of the
	// notification entirely.
	FanOut(ctx, h.fs, h.metrics, cfg, &store.Message{ID: "m1", Price: 50}, "bob", nil)
	// Chain-observed payments carry one.
	FanOut(ctx, h.fs, h.metrics, cfg, &store.Message{ID: "m2", Price: 60, TxHash: "0xT1"}, "bob", nil)

	jobs, err := h.fs.ClaimDueDeliveryJobs(ctx, "w1", 10, 1000, *h.now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byMessage := map[string]map[string]any{}
	for i := range jobs {
		var fields map[string]any
		require.NoError(t, json.Unmarshal(jobs[i].Payload, &fields))
		byMessage[jobs[i].MessageID] = fields
	}

	assert.Equal(t, "new_paid_message", byMessage["m1"]["subject"])
	assert.Equal(t, float64(50), byMessage["m1"]["amount"])
	assert.NotContains(t, byMessage["m1"], "txHash")
	assert.Equal(t, "0xT1", byMessage["m2"]["txHash"])
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &config.Config{})
	h.addUser(t, "alice", "alice", 1000)

	_, err := h.orch.Send(ctx, &Request{SenderID: "alice", RecipientHandle: "bob", ClientIP: "1.1.1.1"})
	assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)

	_, err = h.orch.Send(ctx, &Request{SenderID: "alice", Plaintext: []byte("x"), ClientIP: "1.1.1.1"})
	assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)

	_, err = h.orch.Send(ctx, baseRequest("alice", "ghost", "hi"))
	assert.Equal(t, apperr.CodeNotFound, apperr.From(err).Code)
}
