package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *sqlStore) InsertAuditLog(ctx context.Context, e *AuditEntry) error {
	_, err := s.exec(ctx, `
		INSERT INTO audit_log (id, user_id, event_type, metadata, at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.UserID, e.EventType, string(e.Metadata), e.At)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *sqlStore) UpsertChannelConnection(ctx context.Context, c *ChannelConnection) error {
	now := s.nowMs()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.Status == "" {
		c.Status = ChannelStatusConnected
	}
	_, err := s.exec(ctx, `
		INSERT INTO channel_connections (user_id, channel, external_handle, secret_ref,
			consent_version, consent_accepted_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, channel) DO UPDATE SET
			external_handle = $10,
			secret_ref = $11,
			consent_version = $12,
			consent_accepted_at = $13,
			status = $14,
			updated_at = $15`,
		c.UserID, c.Channel, c.ExternalHandle, c.SecretRef, c.ConsentVersion,
		c.ConsentAcceptedAt, c.Status, c.CreatedAt, now,
		c.ExternalHandle, c.SecretRef, c.ConsentVersion, c.ConsentAcceptedAt, c.Status, now)
	if err != nil {
		return fmt.Errorf("upsert channel connection: %w", err)
	}
	return nil
}

const channelColumns = `user_id, channel, external_handle, secret_ref, consent_version,
	consent_accepted_at, status, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*ChannelConnection, error) {
	var c ChannelConnection
	err := row.Scan(&c.UserID, &c.Channel, &c.ExternalHandle, &c.SecretRef, &c.ConsentVersion,
		&c.ConsentAcceptedAt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) GetChannelConnection(ctx context.Context, userID, channel string) (*ChannelConnection, error) {
	return scanChannel(s.queryRow(ctx,
		`SELECT `+channelColumns+` FROM channel_connections WHERE user_id = $1 AND channel = $2`,
		userID, channel))
}

func (s *sqlStore) ListConnectedChannels(ctx context.Context, userID string) ([]ChannelConnection, error) {
	rows, err := s.query(ctx,
		`SELECT `+channelColumns+` FROM channel_connections WHERE user_id = $1 AND status = $2`,
		userID, ChannelStatusConnected)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChannelConnection
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqlStore) DisconnectChannel(ctx context.Context, userID, channel string, now int64) error {
	res, err := s.exec(ctx, `
		UPDATE channel_connections SET status = $1, updated_at = $2
		WHERE user_id = $3 AND channel = $4`,
		ChannelStatusDisconnected, now, userID, channel)
	if err != nil {
		return fmt.Errorf("disconnect channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) PutVaultBlob(ctx context.Context, b *VaultBlob) error {
	_, err := s.exec(ctx, `
		INSERT INTO vault_blobs (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $4, updated_at = $5`,
		b.Key, b.Value, b.UpdatedAt, b.Value, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put vault blob: %w", err)
	}
	return nil
}

func (s *sqlStore) GetVaultBlob(ctx context.Context, key string) (*VaultBlob, error) {
	var b VaultBlob
	err := s.queryRow(ctx, `SELECT key, value, updated_at FROM vault_blobs WHERE key = $1`, key,
	).Scan(&b.Key, &b.Value, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *sqlStore) SaveCustodialWallet(ctx context.Context, w *CustodialWallet) error {
	_, err := s.exec(ctx, `
		INSERT INTO custodial_wallets (user_id, wallet_address, key_ref, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.WalletAddress, w.KeyRef, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("save custodial wallet: %w", err)
	}
	return nil
}

func (s *sqlStore) SavePasskeyCredential(ctx context.Context, c *PasskeyCredential) error {
	_, err := s.exec(ctx, `
		INSERT INTO passkey_credentials (user_id, credential_id, public_key, sign_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, credential_id) DO UPDATE SET sign_count = $6`,
		c.UserID, c.CredentialID, c.PublicKey, c.SignCount, c.CreatedAt, c.SignCount)
	if err != nil {
		return fmt.Errorf("save passkey credential: %w", err)
	}
	return nil
}
