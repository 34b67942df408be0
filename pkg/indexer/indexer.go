// Package indexer ingests MessagePaid events from the vault contract,
// materializes paid messages exactly once, and advances a per-chain
// checkpoint. RPC mechanics live behind the ChainClient interface.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/send"
	"github.com/sendvault/sendvault/pkg/store"
)

// Event is one decoded MessagePaid log. MessageID is the caller-chosen
// nonce, which doubles as the in-app message id.
type Event struct {
	MessageID   string
	Payer       string
	Recipient   string
	Amount      *big.Int // raw token base units
	Fee         *big.Int
	ContentHash string
	Channel     string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	BlockHash   string
}

// ChainClient is the minimal RPC surface the indexer needs.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	MessagePaidEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error)
}

// ChainKey identifies one (chain, vault) ingestion stream.
func ChainKey(chainID, vaultAddress string) string {
	return chainID + ":" + strings.ToLower(vaultAddress)
}

// Indexer runs ingestion cycles for a single chain key.
type Indexer struct {
	store    store.Store
	client   ChainClient
	mutex    locker.Mutex
	metrics  *obs.Metrics
	cfg      *config.Config
	chainKey string
	logger   *slog.Logger
	clock    func() time.Time

	mu         sync.Mutex
	lastLatest uint64
	lastCkpt   uint64
}

func New(st store.Store, client ChainClient, mutex locker.Mutex, metrics *obs.Metrics, cfg *config.Config) *Indexer {
	key := ChainKey(cfg.ChainID, cfg.VaultAddress)
	return &Indexer{
		store:    st,
		client:   client,
		mutex:    mutex,
		metrics:  metrics,
		cfg:      cfg,
		chainKey: key,
		logger:   slog.Default().With("component", "indexer", "chain", key),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (ix *Indexer) WithClock(clock func() time.Time) *Indexer {
	ix.clock = clock
	return ix
}

// Lag reports blocks between the chain head and the checkpoint, for
// the health snapshot.
func (ix *Indexer) Lag() map[string]int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.lastLatest == 0 {
		return nil
	}
	return map[string]int64{ix.chainKey: int64(ix.lastLatest) - int64(ix.lastCkpt)}
}

// normalizeAmount converts raw token base units to application integer
// units by stripping the token's decimals.
func normalizeAmount(raw *big.Int, decimals int) int64 {
	if raw == nil {
		return 0
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Quo(raw, div).Int64()
}

// RunCycle executes one ingestion pass. Any failure aborts the cycle
// before the checkpoint advances; replay is safe because every
// per-event write is idempotent.
func (ix *Indexer) RunCycle(ctx context.Context) error {
	if ix.cfg.DistributedWorkers {
		token, err := ix.mutex.TryAcquire(ctx, "indexer:"+ix.chainKey, ix.cfg.IndexerLockTTL)
		if err != nil {
			return fmt.Errorf("indexer mutex: %w", err)
		}
		if token == "" {
			ix.metrics.Inc("indexer_cycle_skipped_total", map[string]string{"reason": "mutex_held"})
			return nil
		}
		defer func() {
			if _, err := ix.mutex.Release(ctx, "indexer:"+ix.chainKey, token); err != nil {
				ix.logger.Warn("indexer mutex release failed", "err", err)
			}
		}()
	}

	latest, err := ix.client.BlockNumber(ctx)
	if err != nil {
		ix.metrics.Inc("indexer_rpc_error_total", map[string]string{"op": "block_number"})
		ix.logger.Warn("chain head unavailable", "err", err)
		return nil
	}

	ckpt, _, err := ix.store.GetCheckpoint(ctx, ix.chainKey)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	from := ckpt + 1
	if ix.cfg.IndexerStartBlock > from {
		from = ix.cfg.IndexerStartBlock
	}
	ix.updateGauges(latest, ckpt)
	if from > latest {
		return nil
	}

	events, err := ix.client.MessagePaidEvents(ctx, from, latest)
	if err != nil {
		ix.metrics.Inc("indexer_rpc_error_total", map[string]string{"op": "get_events"})
		ix.logger.Warn("event fetch failed", "from", from, "to", latest, "err", err)
		return nil
	}

	now := ix.clock().UnixMilli()
	for i := range events {
		if err := ix.applyEvent(ctx, &events[i], now); err != nil {
			return fmt.Errorf("apply event %s/%d: %w", events[i].TxHash, events[i].LogIndex, err)
		}
	}

	if err := ix.store.SaveCheckpoint(ctx, ix.chainKey, latest); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	ix.updateGauges(latest, latest)
	ix.metrics.Add("indexer_events_total", float64(len(events)), nil)
	return nil
}

func (ix *Indexer) updateGauges(latest, ckpt uint64) {
	ix.mu.Lock()
	ix.lastLatest = latest
	ix.lastCkpt = ckpt
	ix.mu.Unlock()
	labels := map[string]string{"chain": ix.chainKey}
	ix.metrics.SetGauge("indexer_latest_block", float64(latest), labels)
	ix.metrics.SetGauge("indexer_checkpoint_block", float64(ckpt), labels)
}

func (ix *Indexer) applyEvent(ctx context.Context, ev *Event, now int64) error {
	amountStr := "0"
	feeStr := "0"
	if ev.Amount != nil {
		amountStr = ev.Amount.String()
	}
	if ev.Fee != nil {
		feeStr = ev.Fee.String()
	}
	if _, err := ix.store.InsertChainEvent(ctx, &store.ChainEvent{
		ChainKey:    ix.chainKey,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		Payer:       ev.Payer,
		Recipient:   ev.Recipient,
		Amount:      amountStr,
		Fee:         feeStr,
		ContentHash: ev.ContentHash,
		Nonce:       ev.MessageID,
		Channel:     ev.Channel,
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash,
		ObservedAt:  now,
	}); err != nil {
		return err
	}

	// The receipt above is kept either way; an unmatched wallet ends
	// processing for this event, but a backend fault must abort the
	// cycle so the event is replayed before the checkpoint moves.
	payer, err := ix.store.GetUserByWallet(ctx, ev.Payer)
	if errors.Is(err, store.ErrNotFound) {
		ix.metrics.Inc("indexer_event_unmatched_total", map[string]string{"side": "payer"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve payer: %w", err)
	}
	recipient, err := ix.store.GetUserByWallet(ctx, ev.Recipient)
	if errors.Is(err, store.ErrNotFound) {
		ix.metrics.Inc("indexer_event_unmatched_total", map[string]string{"side": "recipient"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	msg := &store.Message{
		ID:          ev.MessageID,
		SenderID:    payer.ID,
		RecipientID: recipient.ID,
		Ciphertext:  []byte{}, // plaintext never crosses the chain
		ContentHash: ev.ContentHash,
		Price:       normalizeAmount(ev.Amount, ix.cfg.TokenDecimals),
		TxHash:      ev.TxHash,
		CreatedAt:   now,
	}
	if err := ix.store.UpsertChainMessage(ctx, msg); err != nil {
		return err
	}

	send.FanOut(ctx, ix.store, ix.metrics, ix.cfg, msg, recipient.ID, nil)
	return nil
}

// Run polls on the configured interval until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	ix.logger.Info("indexer started", "interval", ix.cfg.IndexerPollInterval.String())
	ticker := time.NewTicker(ix.cfg.IndexerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopped")
			return
		case <-ticker.C:
			if err := ix.RunCycle(ctx); err != nil {
				ix.logger.Error("cycle failed", "err", err)
			}
		}
	}
}
