// Package abuse is the multi-dimensional velocity engine. Each send is
// scored across sender, recipient, ip and device counters in a fixed
// window; crossing the score limit blocks the offending identifiers.
package abuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sendvault/sendvault/pkg/audit"
	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/store"
)

// Block reasons, in priority order.
const (
	ReasonSenderVelocity    = "sender_velocity"
	ReasonRecipientVelocity = "recipient_velocity"
	ReasonIPVelocity        = "ip_velocity"
	ReasonDeviceVelocity    = "device_velocity"
	ReasonMissingUserAgent  = "missing_user_agent"
	ReasonScoreLimit        = "abuse_score_limit"
)

// Request carries the identifiers of one send attempt. DeviceID is the
// explicit client identifier; UAHints are the user-agent hints used to
// derive a device key when no explicit id exists.
type Request struct {
	SenderID    string
	RecipientID string
	ClientIP    string
	DeviceID    string
	UAHints     []string
}

// Verdict is the engine's decision.
type Verdict struct {
	Allowed      bool
	Reason       string
	Score        int64
	RetryAfterMs int64
}

// Engine evaluates sends against the configured velocity budget.
type Engine struct {
	store   store.Store
	cfg     config.AbuseConfig
	metrics *obs.Metrics
	ledger  *audit.Ledger
	logger  *slog.Logger
	clock   func() time.Time
}

func NewEngine(st store.Store, cfg config.AbuseConfig, metrics *obs.Metrics, ledger *audit.Ledger) *Engine {
	return &Engine{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		ledger:  ledger,
		logger:  slog.Default().With("component", "abuse"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func hashKey(prefix, value string) string {
	sum := sha256.Sum256([]byte(prefix + value))
	return hex.EncodeToString(sum[:])
}

// deviceKey derives the device identifier: explicit id when present,
// otherwise hashed UA hints, otherwise none.
func deviceKey(req *Request) (string, bool) {
	if req.DeviceID != "" {
		return hashKey("device:", req.DeviceID), true
	}
	if len(req.UAHints) > 0 {
		return hashKey("ua:", strings.Join(req.UAHints, "|")), true
	}
	return "", false
}

type dimension struct {
	key    store.AbuseKey
	weight int64
	max    int64
	reason string
	count  int64
	excess int64
}

// Check runs the full pipeline. When the engine is disabled it allows
// without touching the store.
func (e *Engine) Check(ctx context.Context, req *Request) (*Verdict, error) {
	if !e.cfg.Enabled {
		return &Verdict{Allowed: true}, nil
	}

	now := e.clock().UnixMilli()
	windowStart := now / e.cfg.WindowMs * e.cfg.WindowMs

	dims := []*dimension{
		{key: store.AbuseKey{Type: store.AbuseKeySender, Value: req.SenderID},
			weight: e.cfg.Sender.Weight, max: e.cfg.Sender.Max, reason: ReasonSenderVelocity},
		{key: store.AbuseKey{Type: store.AbuseKeyRecipient, Value: req.RecipientID},
			weight: e.cfg.Recipient.Weight, max: e.cfg.Recipient.Max, reason: ReasonRecipientVelocity},
		{key: store.AbuseKey{Type: store.AbuseKeyIP, Value: hashKey("ip:", req.ClientIP)},
			weight: e.cfg.IP.Weight, max: e.cfg.IP.Max, reason: ReasonIPVelocity},
	}
	if device, ok := deviceKey(req); ok {
		dims = append(dims, &dimension{
			key:    store.AbuseKey{Type: store.AbuseKeyDevice, Value: device},
			weight: e.cfg.Device.Weight, max: e.cfg.Device.Max, reason: ReasonDeviceVelocity,
		})
	}

	keys := make([]store.AbuseKey, len(dims))
	for i, d := range dims {
		keys[i] = d.key
	}

	// Block-gate first: an actively blocked identifier denies the send
	// without incrementing any counter.
	if block, err := e.store.GetActiveAbuseBlock(ctx, keys, now); err != nil {
		return nil, err
	} else if block != nil {
		e.metrics.Inc("abuse_blocked_total", map[string]string{"reason": block.Reason})
		return &Verdict{Reason: block.Reason, RetryAfterMs: block.BlockedUntil - now}, nil
	}

	var score int64
	for _, d := range dims {
		count, err := e.store.IncrementAbuseCounter(ctx, d.key, windowStart)
		if err != nil {
			return nil, err
		}
		d.count = count
		if d.count > d.max {
			d.excess = d.count - d.max
		}
		score += d.excess * d.weight
	}

	uaMissing := req.DeviceID == "" && len(req.UAHints) == 0
	if uaMissing {
		score += e.cfg.MissingUserAgentPenalty
	}

	if score < e.cfg.ScoreLimit {
		return &Verdict{Allowed: true, Score: score}, nil
	}

	// Block the dimensions that overflowed; a penalty-only breach pins
	// the sender and ip.
	var selected []*dimension
	for _, d := range dims {
		if d.excess > 0 {
			selected = append(selected, d)
		}
	}
	reason := ReasonScoreLimit
	if len(selected) > 0 {
		reason = selected[0].reason
	} else {
		selected = []*dimension{dims[0], dims[2]}
		if uaMissing {
			reason = ReasonMissingUserAgent
		}
	}

	blockedUntil := now + e.cfg.BlockDurationMs
	blockedKeys := make([]store.AbuseKey, 0, len(selected))
	for _, d := range selected {
		if err := e.store.UpsertAbuseBlock(ctx, &store.AbuseBlock{
			Key:          d.key,
			BlockedUntil: blockedUntil,
			Reason:       reason,
			Metadata:     map[string]any{"score": score, "count": d.count},
		}); err != nil {
			return nil, err
		}
		blockedKeys = append(blockedKeys, d.key)
	}

	// Best-effort event and audit trail; hashed identifiers only.
	if err := e.store.InsertAbuseEvent(ctx, &store.AbuseEvent{
		ID:     uuid.NewString(),
		Keys:   blockedKeys,
		Reason: reason,
		Score:  score,
		At:     now,
	}); err != nil {
		e.logger.Warn("abuse event insert failed", "err", err)
	}
	e.ledger.Record(ctx, req.SenderID, "abuse_blocked", map[string]any{
		"reason": reason,
		"score":  score,
		"keys":   blockedKeys,
	})
	e.metrics.Inc("abuse_blocked_total", map[string]string{"reason": reason})

	return &Verdict{Reason: reason, Score: score, RetryAfterMs: e.cfg.BlockDurationMs}, nil
}
