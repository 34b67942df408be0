package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `id, sender_id, recipient_id, ciphertext, content_hash, price, status, tx_hash, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.ContentHash,
		&m.Price, &m.Status, &m.TxHash, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return scanMessage(s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *sqlStore) HasNonFailedMessageBetween(ctx context.Context, senderID, recipientID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(1) FROM messages
		WHERE sender_id = $1 AND recipient_id = $2 AND status <> $3`,
		senderID, recipientID, MessageStatusFailed,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check prior messages: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) ListInbox(ctx context.Context, userID string, limit int) ([]InboxMessage, error) {
	rows, err := s.query(ctx, `
		SELECT m.id, m.sender_id, m.recipient_id, m.ciphertext, m.content_hash, m.price,
			m.status, m.tx_hash, m.created_at, u.wallet_address
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.recipient_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []InboxMessage
	for rows.Next() {
		var im InboxMessage
		if err := rows.Scan(&im.ID, &im.SenderID, &im.RecipientID, &im.Ciphertext, &im.ContentHash,
			&im.Price, &im.Status, &im.TxHash, &im.CreatedAt, &im.SenderWallet); err != nil {
			return nil, err
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetMessageIdempotency(ctx context.Context, senderID, key string) (string, error) {
	var messageID string
	err := s.queryRow(ctx, `
		SELECT message_id FROM message_idempotency WHERE sender_id = $1 AND idempotency_key = $2`,
		senderID, key,
	).Scan(&messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return messageID, nil
}

// DebitAndInsertMessage performs the atomic debit + message insert. The
// sender balance is re-read inside the transaction; on shortfall nothing
// commits. A duplicate message id surfaces as ErrDuplicateMessageID
// (retryable with a fresh id); losing an idempotency-key race surfaces as
// ErrIdempotencyConflict so the caller re-reads the winner's result.
func (s *sqlStore) DebitAndInsertMessage(ctx context.Context, p DebitInsertParams) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT balance FROM users WHERE id = $1`), p.SenderID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read sender balance: %w", err)
	}
	if balance < p.Price {
		return nil, ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE users SET balance = balance - $1, updated_at = $2 WHERE id = $3`),
		p.Price, p.Now, p.SenderID); err != nil {
		return nil, fmt.Errorf("debit sender: %w", err)
	}

	m := &Message{
		ID:          p.MessageID,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Ciphertext:  p.Ciphertext,
		ContentHash: p.ContentHash,
		Price:       p.Price,
		Status:      MessageStatusPaid,
		CreatedAt:   p.Now,
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO messages (id, sender_id, recipient_id, ciphertext, content_hash, price, status, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		m.ID, m.SenderID, m.RecipientID, m.Ciphertext, m.ContentHash, m.Price, m.Status, m.TxHash, m.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateMessageID
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if p.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO message_idempotency (sender_id, idempotency_key, message_id, created_at)
			VALUES ($1, $2, $3, $4)`),
			p.SenderID, p.IdempotencyKey, m.ID, p.Now,
		); err != nil {
			if isUniqueViolation(err) {
				// A concurrent caller with the same key committed first.
				return nil, ErrIdempotencyConflict
			}
			return nil, fmt.Errorf("insert idempotency row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit tx: %w", err)
	}
	return m, nil
}

// InsertMessage inserts a message with its status as given, reporting
// whether the row was new. Imports go through here; the chain indexer
// uses UpsertChainMessage, which owns the delivered transition.
func (s *sqlStore) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, ciphertext, content_hash, price, status, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SenderID, m.RecipientID, m.Ciphertext, m.ContentHash, m.Price, m.Status, m.TxHash, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertChainMessage materializes an externally observed payment: inserts
// a delivered message if the id is new, otherwise transitions the existing
// row to delivered and records the tx hash.
func (s *sqlStore) UpsertChainMessage(ctx context.Context, m *Message) error {
	res, err := s.exec(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, ciphertext, content_hash, price, status, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SenderID, m.RecipientID, m.Ciphertext, m.ContentHash, m.Price, MessageStatusDelivered, m.TxHash, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert chain message: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.MarkMessageDelivered(ctx, m.ID, m.TxHash)
}

// MarkMessageDelivered transitions a message toward delivered. Status is
// monotonic: a failed message never becomes delivered.
func (s *sqlStore) MarkMessageDelivered(ctx context.Context, id, txHash string) error {
	_, err := s.exec(ctx, `
		UPDATE messages SET status = $1, tx_hash = $2
		WHERE id = $3 AND status <> $4`,
		MessageStatusDelivered, txHash, id, MessageStatusFailed)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}
