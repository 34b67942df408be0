package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertChainEvent persists a decoded event. Returns false when the
// (chain_key, tx_hash, log_index) triple was already recorded. Rows are
// immutable once inserted.
func (s *sqlStore) InsertChainEvent(ctx context.Context, ev *ChainEvent) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO chain_events (chain_key, tx_hash, log_index, payer, recipient, amount, fee,
			content_hash, nonce, channel, block_number, block_hash, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chain_key, tx_hash, log_index) DO NOTHING`,
		ev.ChainKey, ev.TxHash, ev.LogIndex, strings.ToLower(ev.Payer), strings.ToLower(ev.Recipient),
		ev.Amount, ev.Fee, ev.ContentHash, ev.Nonce, ev.Channel, ev.BlockNumber, ev.BlockHash, ev.ObservedAt)
	if err != nil {
		return false, fmt.Errorf("insert chain event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) GetCheckpoint(ctx context.Context, chainKey string) (uint64, bool, error) {
	var block uint64
	err := s.queryRow(ctx,
		`SELECT last_processed_block FROM chain_event_checkpoints WHERE chain_key = $1`, chainKey,
	).Scan(&block)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return block, true, nil
}

// SaveCheckpoint advances the per-chainKey cursor. The guard keeps it
// monotonically non-decreasing even under a racing second indexer.
func (s *sqlStore) SaveCheckpoint(ctx context.Context, chainKey string, block uint64) error {
	_, err := s.exec(ctx, `
		INSERT INTO chain_event_checkpoints (chain_key, last_processed_block)
		VALUES ($1, $2)
		ON CONFLICT (chain_key) DO UPDATE SET
			last_processed_block = `+s.dialect.Greatest("chain_event_checkpoints.last_processed_block", "$3"),
		chainKey, block, block)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
