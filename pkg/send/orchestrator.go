// Package send is the pricing and send orchestrator: rate limit, abuse
// check, recipient resolution, pricing, idempotency, the atomic debit
// plus insert, and the consent-gated delivery fan-out.
package send

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sendvault/sendvault/pkg/abuse"
	"github.com/sendvault/sendvault/pkg/apperr"
	"github.com/sendvault/sendvault/pkg/audit"
	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/consent"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/store"
)

// MaxPlaintextBytes bounds the opaque message body.
const MaxPlaintextBytes = 64 * 1024

const rateRoute = "/v1/messages"

// Request is one send attempt. Exactly one recipient selector must be
// set. The sender id is the authenticated user; the HTTP layer enforces
// the match before calling Send.
type Request struct {
	SenderID string

	RecipientHandle    string
	RecipientPhoneHash string
	RecipientWallet    string

	Plaintext      []byte
	IdempotencyKey string
	Channels       []string // optional fan-out restriction

	ClientIP string
	DeviceID string
	UAHints  []string
}

// Result is the send outcome.
type Result struct {
	MessageID string `json:"messageId"`
	Paid      int64  `json:"paid"`
	Status    string `json:"status"`
}

// Orchestrator wires the send pipeline.
type Orchestrator struct {
	store   store.Store
	limiter locker.Limiter
	abuse   *abuse.Engine
	metrics *obs.Metrics
	ledger  *audit.Ledger
	tracing *obs.Tracing
	cfg     *config.Config
	logger  *slog.Logger
	clock   func() time.Time
}

func NewOrchestrator(st store.Store, limiter locker.Limiter, engine *abuse.Engine,
	metrics *obs.Metrics, ledger *audit.Ledger, tracing *obs.Tracing, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:   st,
		limiter: limiter,
		abuse:   engine,
		metrics: metrics,
		ledger:  ledger,
		tracing: tracing,
		cfg:     cfg,
		logger:  slog.Default().With("component", "send"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

func contentHash(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// Send runs the pipeline. All failures are typed; any success has the
// debit and the message committed atomically.
func (o *Orchestrator) Send(ctx context.Context, req *Request) (*Result, error) {
	started := o.clock()
	ctx, span := o.tracing.Start(ctx, "send")
	defer span.End()

	res, err := o.send(ctx, req)
	status := "ok"
	if err != nil {
		status = apperr.From(err).Code
	}
	span.SetAttributes(attribute.String("status", status))
	o.metrics.Inc("message_send_total", map[string]string{"status": status})
	o.metrics.Observe("send_duration_ms", float64(o.clock().Sub(started).Milliseconds()), nil)
	return res, err
}

func (o *Orchestrator) send(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Plaintext) == 0 {
		return nil, apperr.Validation("message body is required")
	}
	if len(req.Plaintext) > MaxPlaintextBytes {
		return nil, apperr.Validation("message body exceeds the size limit")
	}

	decision, err := o.limiter.Allow(ctx, req.ClientIP+":"+rateRoute, o.cfg.RateLimitMax, o.cfg.RateLimitWindow)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !decision.OK {
		return nil, apperr.RateLimited(decision.RetryAfterMs)
	}

	sender, err := o.store.GetUser(ctx, req.SenderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("sender")
		}
		return nil, apperr.Internal(err)
	}

	recipient, err := o.resolveRecipient(ctx, req)
	if err != nil {
		return nil, err
	}

	verdict, err := o.abuse.Check(ctx, &abuse.Request{
		SenderID:    sender.ID,
		RecipientID: recipient.ID,
		ClientIP:    req.ClientIP,
		DeviceID:    req.DeviceID,
		UAHints:     req.UAHints,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !verdict.Allowed {
		return nil, apperr.AbuseBlocked(verdict.RetryAfterMs, verdict.Reason)
	}

	if sender.ID == recipient.ID {
		return nil, apperr.SelfSendNotAllowed()
	}

	profile, err := o.store.GetPricingProfile(ctx, recipient.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	quote, err := ComputeQuote(ctx, o.store, sender.ID, recipient.ID, profile)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !profile.AcceptsAll && !quote.PreAllowed {
		return nil, apperr.NotAccepted()
	}

	hash := contentHash(req.Plaintext)
	if req.IdempotencyKey != "" {
		prior, err := o.priorResult(ctx, req, recipient.ID, hash)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	now := o.clock().UnixMilli()
	params := store.DebitInsertParams{
		MessageID:      uuid.NewString(),
		SenderID:       sender.ID,
		RecipientID:    recipient.ID,
		Ciphertext:     req.Plaintext,
		ContentHash:    hash,
		Price:          quote.Price,
		IdempotencyKey: req.IdempotencyKey,
		Now:            now,
	}
	msg, err := o.store.DebitAndInsertMessage(ctx, params)
	if errors.Is(err, store.ErrDuplicateMessageID) {
		// Freak id collision; one retry with a fresh id.
		params.MessageID = uuid.NewString()
		msg, err = o.store.DebitAndInsertMessage(ctx, params)
	}
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInsufficientBalance):
		return nil, apperr.InsufficientBalance(sender.Balance, quote.Price)
	case errors.Is(err, store.ErrIdempotencyConflict):
		// A concurrent caller with the same key won; return its result.
		prior, perr := o.priorResult(ctx, req, recipient.ID, hash)
		if perr != nil {
			return nil, perr
		}
		if prior != nil {
			return prior, nil
		}
		return nil, apperr.IdempotencyConflict()
	default:
		return nil, apperr.Internal(err)
	}

	FanOut(ctx, o.store, o.metrics, o.cfg, msg, recipient.ID, req.Channels)

	o.ledger.Record(ctx, sender.ID, "message_sent", map[string]any{
		"messageId":   msg.ID,
		"recipientId": recipient.ID,
		"price":       quote.Price,
	})
	return &Result{MessageID: msg.ID, Paid: quote.Price, Status: store.MessageStatusDelivered}, nil
}

func (o *Orchestrator) resolveRecipient(ctx context.Context, req *Request) (*store.User, error) {
	var (
		u   *store.User
		err error
	)
	switch {
	case req.RecipientHandle != "":
		u, err = o.store.GetUserByHandle(ctx, req.RecipientHandle)
	case req.RecipientPhoneHash != "":
		u, err = o.store.GetUserByPhoneHash(ctx, req.RecipientPhoneHash)
	case req.RecipientWallet != "":
		u, err = o.store.GetUserByWallet(ctx, req.RecipientWallet)
	default:
		return nil, apperr.Validation("a recipient handle, phone hash or wallet is required")
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("recipient")
		}
		return nil, apperr.Internal(err)
	}
	return u, nil
}

// priorResult returns the result of a previous send with the same
// idempotency key, nil when the key is unused, or a conflict error when
// the key maps to a different request.
func (o *Orchestrator) priorResult(ctx context.Context, req *Request, recipientID, hash string) (*Result, error) {
	messageID, err := o.store.GetMessageIdempotency(ctx, req.SenderID, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if msg.RecipientID != recipientID || msg.ContentHash != hash {
		return nil, apperr.IdempotencyConflict()
	}
	return &Result{MessageID: msg.ID, Paid: msg.Price, Status: store.MessageStatusDelivered}, nil
}

// FanOut enqueues one delivery job per consent-current connected
// channel of the recipient, restricted to `only` when non-empty. The
// enqueue is idempotent on (messageId, channel, destination), so the
// orchestrator and the chain indexer share this path safely. Callers
// run it after the paid state is committed; failures are logged only.
func FanOut(ctx context.Context, st store.Store, metrics *obs.Metrics, cfg *config.Config,
	msg *store.Message, recipientID string, only []string) {
	logger := slog.Default().With("component", "send")

	conns, err := st.ListConnectedChannels(ctx, recipientID)
	if err != nil {
		logger.Warn("list channels failed", "recipient", recipientID, "err", err)
		return
	}

	var allowed map[string]bool
	if len(only) > 0 {
		allowed = make(map[string]bool, len(only))
		for _, ch := range only {
			allowed[ch] = true
		}
	}

	for i := range conns {
		conn := &conns[i]
		if allowed != nil && !allowed[conn.Channel] {
			continue
		}
		if !consent.Current(conn, cfg) {
			metrics.Inc("delivery_job_skip_total", map[string]string{"reason": "stale_channel_consent"})
			continue
		}
		fields := map[string]any{
			"subject":   "new_paid_message",
			"messageId": msg.ID,
			"amount":    msg.Price,
		}
		if msg.TxHash != "" {
			fields["txHash"] = msg.TxHash
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			continue
		}
		job := &store.DeliveryJob{
			ID:          uuid.NewString(),
			MessageID:   msg.ID,
			UserID:      recipientID,
			Channel:     conn.Channel,
			Destination: conn.ExternalHandle,
			Payload:     payload,
			MaxAttempts: cfg.DeliveryMaxAttempts,
		}
		if err := st.CreateMessageDeliveryJob(ctx, job); err != nil {
			logger.Warn("delivery enqueue failed", "message", msg.ID, "channel", conn.Channel, "err", err)
			continue
		}
		metrics.Inc("delivery_job_enqueued_total", map[string]string{"channel": conn.Channel})
	}
}
