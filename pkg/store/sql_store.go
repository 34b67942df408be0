package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqlStore is the single SQL implementation; the dialect adapter carries
// the Postgres/SQLite divergence so each operation is defined once.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mode    Mode
	clock   func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, mode Mode) *sqlStore {
	return &sqlStore{db: db, dialect: d, mode: mode, clock: time.Now}
}

func (s *sqlStore) Mode() Mode { return s.mode }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) nowMs() int64 { return s.clock().UnixMilli() }

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// isUniqueViolation matches duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || // lib/pq
		strings.Contains(msg, "UNIQUE constraint failed") || // modernc sqlite
		strings.Contains(msg, "constraint failed: UNIQUE")
}

const userColumns = `id, wallet_address, email_hash, email_masked, phone_hash, phone_masked,
	handle, discoverable, balance, handle_changed_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var emailHash, phoneHash, handle sql.NullString
	err := row.Scan(&u.ID, &u.WalletAddress, &emailHash, &u.EmailMasked, &phoneHash, &u.PhoneMasked,
		&handle, &u.Discoverable, &u.Balance, &u.HandleChangedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.EmailHash = emailHash.String
	u.PhoneHash = phoneHash.String
	u.Handle = handle.String
	return &u, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	now := s.nowMs()
	if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.exec(ctx, `
		INSERT INTO users (id, wallet_address, email_hash, email_masked, phone_hash, phone_masked,
			handle, discoverable, balance, handle_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, strings.ToLower(u.WalletAddress), nullable(u.EmailHash), u.EmailMasked,
		nullable(u.PhoneHash), u.PhoneMasked, nullable(strings.ToLower(u.Handle)),
		u.Discoverable, u.Balance, u.HandleChangedAt, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *sqlStore) GetUserByWallet(ctx context.Context, wallet string) (*User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE wallet_address = $1`, strings.ToLower(wallet)))
}

func (s *sqlStore) GetUserByHandle(ctx context.Context, handle string) (*User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE handle = $1`, strings.ToLower(handle)))
}

func (s *sqlStore) GetUserByPhoneHash(ctx context.Context, phoneHash string) (*User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone_hash = $1`, phoneHash))
}

func (s *sqlStore) CreditBalance(ctx context.Context, userID string, amount int64, now int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative")
	}
	res, err := s.exec(ctx,
		`UPDATE users SET balance = balance + $1, updated_at = $2 WHERE id = $3`,
		amount, now, userID)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHandle changes the handle if the cooldown has elapsed.
func (s *sqlStore) UpdateHandle(ctx context.Context, userID, handle string, cooldownMs int64, now int64) error {
	res, err := s.exec(ctx, `
		UPDATE users SET handle = $1, handle_changed_at = $2, updated_at = $3
		WHERE id = $4 AND handle_changed_at <= $5`,
		strings.ToLower(handle), now, now, userID, now-cooldownMs)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("handle taken: %w", err)
		}
		return fmt.Errorf("update handle: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, gerr := s.GetUser(ctx, userID); gerr != nil {
			return gerr
		}
		return ErrHandleCooldown
	}
	return nil
}

func (s *sqlStore) GetPricingProfile(ctx context.Context, userID string) (*PricingProfile, error) {
	var p PricingProfile
	err := s.queryRow(ctx, `
		SELECT user_id, default_price, first_contact_price, return_discount_bps, accepts_all
		FROM pricing_profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.DefaultPrice, &p.FirstContactPrice, &p.ReturnDiscountBps, &p.AcceptsAll)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No explicit profile: free, accepts everyone.
			return &PricingProfile{UserID: userID, AcceptsAll: true}, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *sqlStore) SetPricingProfile(ctx context.Context, p *PricingProfile) error {
	if p.ReturnDiscountBps < 0 || p.ReturnDiscountBps > 10000 {
		return fmt.Errorf("return_discount_bps out of range: %d", p.ReturnDiscountBps)
	}
	_, err := s.exec(ctx, `
		INSERT INTO pricing_profiles (user_id, default_price, first_contact_price, return_discount_bps, accepts_all)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			default_price = $6,
			first_contact_price = $7,
			return_discount_bps = $8,
			accepts_all = $9`,
		p.UserID, p.DefaultPrice, p.FirstContactPrice, p.ReturnDiscountBps, p.AcceptsAll,
		p.DefaultPrice, p.FirstContactPrice, p.ReturnDiscountBps, p.AcceptsAll)
	if err != nil {
		return fmt.Errorf("upsert pricing profile: %w", err)
	}
	return nil
}
