package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// IncrementAbuseCounter atomically inserts-or-increments the counter for
// one (key, window) and returns the resulting count.
func (s *sqlStore) IncrementAbuseCounter(ctx context.Context, key AbuseKey, windowStart int64) (int64, error) {
	var count int64
	err := s.queryRow(ctx, `
		INSERT INTO abuse_counters (key_type, key_value, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (key_type, key_value, window_start) DO UPDATE SET
			count = abuse_counters.count + 1
		RETURNING count`,
		key.Type, key.Value, windowStart,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment abuse counter: %w", err)
	}
	return count, nil
}

// GetActiveAbuseBlock returns the first active block among the given keys,
// or nil when none is active. No counters are touched.
func (s *sqlStore) GetActiveAbuseBlock(ctx context.Context, keys []AbuseKey, now int64) (*AbuseBlock, error) {
	for _, key := range keys {
		var b AbuseBlock
		var meta string
		err := s.queryRow(ctx, `
			SELECT key_type, key_value, blocked_until, reason, metadata
			FROM abuse_blocks WHERE key_type = $1 AND key_value = $2 AND blocked_until > $3`,
			key.Type, key.Value, now,
		).Scan(&b.Key.Type, &b.Key.Value, &b.BlockedUntil, &b.Reason, &meta)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("get abuse block: %w", err)
		}
		_ = json.Unmarshal([]byte(meta), &b.Metadata)
		return &b, nil
	}
	return nil, nil
}

// UpsertAbuseBlock records a block; on conflict blocked_until only ever
// extends (GREATEST of existing and incoming).
func (s *sqlStore) UpsertAbuseBlock(ctx context.Context, b *AbuseBlock) error {
	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = s.exec(ctx, `
		INSERT INTO abuse_blocks (key_type, key_value, blocked_until, reason, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_type, key_value) DO UPDATE SET
			blocked_until = `+s.dialect.Greatest("abuse_blocks.blocked_until", "$6")+`,
			reason = $7,
			metadata = $8`,
		b.Key.Type, b.Key.Value, b.BlockedUntil, b.Reason, string(meta),
		b.BlockedUntil, b.Reason, string(meta))
	if err != nil {
		return fmt.Errorf("upsert abuse block: %w", err)
	}
	return nil
}

func (s *sqlStore) InsertAbuseEvent(ctx context.Context, ev *AbuseEvent) error {
	keys, err := json.Marshal(ev.Keys)
	if err != nil {
		keys = []byte("[]")
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = s.exec(ctx, `
		INSERT INTO abuse_events (id, keys, reason, score, metadata, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, string(keys), ev.Reason, ev.Score, string(meta), ev.At)
	if err != nil {
		return fmt.Errorf("insert abuse event: %w", err)
	}
	return nil
}

// SaveIdentityBinding upserts on (method, provider, subject). A wallet
// address already bound to a different non-revoked row is a collision.
func (s *sqlStore) SaveIdentityBinding(ctx context.Context, b *IdentityBinding) error {
	wallet := strings.ToLower(b.WalletAddress)

	var method, provider, subject string
	err := s.queryRow(ctx, `
		SELECT method, provider, subject FROM identity_bindings
		WHERE wallet_address = $1 AND revoked = FALSE`, wallet,
	).Scan(&method, &provider, &subject)
	switch {
	case err == nil:
		if method != b.Method || provider != b.Provider || subject != b.Subject {
			return ErrIdentityWalletCollision
		}
	case errors.Is(err, sql.ErrNoRows):
		// wallet unclaimed
	default:
		return fmt.Errorf("check wallet binding: %w", err)
	}

	now := s.nowMs()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	_, err = s.exec(ctx, `
		INSERT INTO identity_bindings (method, provider, subject, wallet_address, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (method, provider, subject) DO UPDATE SET
			wallet_address = $7,
			revoked = $8`,
		b.Method, b.Provider, b.Subject, wallet, b.Revoked, b.CreatedAt, wallet, b.Revoked)
	if err != nil {
		return fmt.Errorf("save identity binding: %w", err)
	}
	return nil
}
