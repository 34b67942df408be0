// Package store owns every persisted row. It is the only package that
// knows which backend is in use; everything above it works with the typed
// structs in types.go and the Store interface below.
//
// Three modes exist: strict (Postgres, multi-instance safe), embedded
// (single-file SQLite for development) and a JSON file fallback used only
// when the embedded backend cannot be opened. Mode selection happens once
// at boot in Open.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sendvault/sendvault/pkg/config"

	_ "github.com/lib/pq"   // postgres driver
	_ "modernc.org/sqlite" // embedded sqlite driver
)

// Mode identifies the active persistence mode.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeEmbedded Mode = "embedded"
	ModeFile     Mode = "file"
)

// Sentinel errors surfaced by store operations. Callers translate them to
// the typed application errors at the boundary.
var (
	ErrNotFound                = errors.New("store: not found")
	ErrInsufficientBalance     = errors.New("store: insufficient balance")
	ErrIdempotencyConflict     = errors.New("store: idempotency key maps to a different message")
	ErrIdentityWalletCollision = errors.New("store: wallet bound to another identity")
	ErrHandleCooldown          = errors.New("store: handle changed too recently")
	ErrDuplicateMessageID      = errors.New("store: message id already exists")
)

// DebitInsertParams describes the atomic debit + message insert.
type DebitInsertParams struct {
	MessageID      string
	SenderID       string
	RecipientID    string
	Ciphertext     []byte
	ContentHash    string
	Price          int64
	IdempotencyKey string // optional
	Now            int64
}

// Store is the persistence contract. Every operation is atomic at the
// backend level; no operation hands out live row references.
type Store interface {
	Mode() Mode
	Ping(ctx context.Context) error
	Close() error

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*User, error)
	GetUserByHandle(ctx context.Context, handle string) (*User, error)
	GetUserByPhoneHash(ctx context.Context, phoneHash string) (*User, error)
	CreditBalance(ctx context.Context, userID string, amount int64, now int64) error
	UpdateHandle(ctx context.Context, userID, handle string, cooldownMs int64, now int64) error

	// Pricing
	GetPricingProfile(ctx context.Context, userID string) (*PricingProfile, error)
	SetPricingProfile(ctx context.Context, p *PricingProfile) error

	// Messages
	GetMessage(ctx context.Context, id string) (*Message, error)
	HasNonFailedMessageBetween(ctx context.Context, senderID, recipientID string) (bool, error)
	ListInbox(ctx context.Context, userID string, limit int) ([]InboxMessage, error)
	DebitAndInsertMessage(ctx context.Context, p DebitInsertParams) (*Message, error)
	GetMessageIdempotency(ctx context.Context, senderID, key string) (string, error)
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	UpsertChainMessage(ctx context.Context, m *Message) error
	MarkMessageDelivered(ctx context.Context, id, txHash string) error

	// Delivery jobs
	CreateMessageDeliveryJob(ctx context.Context, job *DeliveryJob) error
	ClaimDueDeliveryJobs(ctx context.Context, workerID string, limit int, lockTTLMs int64, now int64) ([]DeliveryJob, error)
	CompleteDeliveryJob(ctx context.Context, id string, now int64) error
	RetryDeliveryJob(ctx context.Context, id, reason string, nextAttemptAt int64, now int64) error
	DeadLetterDeliveryJob(ctx context.Context, id, reason string, now int64) error
	GetDeliveryJobStats(ctx context.Context) (*DeliveryJobStats, error)

	// Chain
	InsertChainEvent(ctx context.Context, ev *ChainEvent) (bool, error)
	GetCheckpoint(ctx context.Context, chainKey string) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, chainKey string, block uint64) error

	// Channels
	UpsertChannelConnection(ctx context.Context, c *ChannelConnection) error
	GetChannelConnection(ctx context.Context, userID, channel string) (*ChannelConnection, error)
	ListConnectedChannels(ctx context.Context, userID string) ([]ChannelConnection, error)
	DisconnectChannel(ctx context.Context, userID, channel string, now int64) error

	// Identity
	SaveIdentityBinding(ctx context.Context, b *IdentityBinding) error

	// Abuse
	IncrementAbuseCounter(ctx context.Context, key AbuseKey, windowStart int64) (int64, error)
	GetActiveAbuseBlock(ctx context.Context, keys []AbuseKey, now int64) (*AbuseBlock, error)
	UpsertAbuseBlock(ctx context.Context, b *AbuseBlock) error
	InsertAbuseEvent(ctx context.Context, ev *AbuseEvent) error

	// Audit
	InsertAuditLog(ctx context.Context, e *AuditEntry) error

	// Storage-only entities
	PutVaultBlob(ctx context.Context, b *VaultBlob) error
	GetVaultBlob(ctx context.Context, key string) (*VaultBlob, error)
	SaveCustodialWallet(ctx context.Context, w *CustodialWallet) error
	SavePasskeyCredential(ctx context.Context, c *PasskeyCredential) error
}

// ValidateStrict returns the enumerated list of strict-mode violations.
// An empty list means the configuration is acceptable for strict mode.
func ValidateStrict(cfg *config.Config) []string {
	var violations []string
	if cfg.Backend != config.BackendPostgres {
		violations = append(violations, fmt.Sprintf("strict mode requires the postgres backend, got %q", cfg.Backend))
	}
	if cfg.DistributedWorkers && cfg.RedisAddr == "" {
		violations = append(violations, "distributed workers require a lock backend (REDIS_ADDR)")
	}
	if cfg.Env == "production" && cfg.RedisAddr == "" {
		violations = append(violations, "production requires a lock backend (REDIS_ADDR)")
	}
	return violations
}

// Open selects and opens the backend for the given configuration,
// applying migrations before returning.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	logger := slog.Default().With("component", "store")

	if cfg.StrictMode {
		if violations := ValidateStrict(cfg); len(violations) > 0 {
			return nil, fmt.Errorf("strict persistence violations: %v", violations)
		}
	}

	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := newSQLStore(db, postgresDialect{}, ModeStrict)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres backend ready")
		return s, nil

	case config.BackendSQLite:
		path := filepath.Join(cfg.DataDir, "sendvault.db")
		if err := os.MkdirAll(cfg.DataDir, 0o755); err == nil {
			db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
			if err == nil {
				if perr := db.PingContext(ctx); perr == nil {
					s := newSQLStore(db, sqliteDialect{}, ModeEmbedded)
					if merr := s.Migrate(ctx); merr == nil {
						logger.Info("embedded sqlite backend ready", "path", path)
						return s, nil
					}
					logger.Warn("sqlite migration failed, falling back to file store", "path", path)
					_ = db.Close()
				} else {
					_ = db.Close()
				}
			}
		}
		// Embedded backend unavailable: degrade to the JSON file store.
		fs, err := OpenFileStore(filepath.Join(cfg.DataDir, "sendvault.json"))
		if err != nil {
			return nil, fmt.Errorf("open file fallback: %w", err)
		}
		logger.Warn("using file fallback store; no cross-process concurrency")
		return fs, nil

	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
