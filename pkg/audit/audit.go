// Package audit is the append-only audit ledger. Recording never
// fails: entries that cannot be persisted land in a small in-memory
// ring for diagnostics and bump a drop counter.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/store"
)

const dropRingSize = 50

// Dropped describes one audit entry that failed to persist.
type Dropped struct {
	Ts        int64  `json:"ts"`
	UserID    string `json:"userId"`
	EventType string `json:"eventType"`
	Reason    string `json:"reason"`
}

// Ledger records audit events.
type Ledger struct {
	store   store.Store
	metrics *obs.Metrics
	logger  *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	dropped []Dropped
	next    int
	full    bool
}

func NewLedger(st store.Store, metrics *obs.Metrics) *Ledger {
	return &Ledger{
		store:   st,
		metrics: metrics,
		logger:  slog.Default().With("component", "audit"),
		clock:   time.Now,
		dropped: make([]Dropped, dropRingSize),
	}
}

// Record persists one audit entry. Failures are swallowed after being
// pushed onto the drop ring and counted.
func (l *Ledger) Record(ctx context.Context, userID, eventType string, metadata map[string]any) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		l.drop(userID, eventType, "marshal")
		return
	}
	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		Metadata:  meta,
		At:        l.clock().UnixMilli(),
	}
	if err := l.store.InsertAuditLog(ctx, entry); err != nil {
		l.logger.Warn("audit insert failed", "event_type", eventType, "err", err)
		l.drop(userID, eventType, "insert_failed")
	}
}

func (l *Ledger) drop(userID, eventType, reason string) {
	l.metrics.Inc("audit_dropped_total", map[string]string{
		"reason":     reason,
		"event_type": eventType,
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropped[l.next] = Dropped{
		Ts:        l.clock().UnixMilli(),
		UserID:    userID,
		EventType: eventType,
		Reason:    reason,
	}
	l.next++
	if l.next == len(l.dropped) {
		l.next = 0
		l.full = true
	}
}

// DroppedEntries returns the drop ring oldest-first.
func (l *Ledger) DroppedEntries() []Dropped {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]Dropped, l.next)
		copy(out, l.dropped[:l.next])
		return out
	}
	out := make([]Dropped, 0, len(l.dropped))
	out = append(out, l.dropped[l.next:]...)
	out = append(out, l.dropped[:l.next]...)
	return out
}
