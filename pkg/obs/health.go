package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/store"
)

// Alert is one breached threshold.
type Alert struct {
	Key       string `json:"key"`
	Message   string `json:"message"`
	Value     int64  `json:"value"`
	Threshold int64  `json:"threshold"`
}

// HealthSnapshot aggregates delivery-job stats, per-chain indexer lag
// and any breached thresholds.
type HealthSnapshot struct {
	At         int64                   `json:"at"`
	Mode       string                  `json:"mode"`
	Jobs       *store.DeliveryJobStats `json:"jobs"`
	IndexerLag map[string]int64        `json:"indexerLag,omitempty"`
	Alerts     []Alert                 `json:"alerts,omitempty"`
}

// LagSource reports current indexer lag in blocks per chainKey.
type LagSource func() map[string]int64

// Health computes snapshots and drives the alert webhook.
type Health struct {
	store      store.Store
	lag        LagSource
	thresholds config.AlertThresholds
	webhookURL string
	token      string
	logger     *slog.Logger
	client     *http.Client
	clock      func() time.Time
}

func NewHealth(st store.Store, lag LagSource, cfg *config.Config) *Health {
	return &Health{
		store:      st,
		lag:        lag,
		thresholds: cfg.Alerts,
		webhookURL: cfg.AlertWebhookURL,
		token:      cfg.AlertWebhookToken,
		logger:     slog.Default().With("component", "health"),
		client:     &http.Client{Timeout: 5 * time.Second},
		clock:      time.Now,
	}
}

// Snapshot gathers the current state and evaluates thresholds.
func (h *Health) Snapshot(ctx context.Context) (*HealthSnapshot, error) {
	stats, err := h.store.GetDeliveryJobStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	snap := &HealthSnapshot{
		At:   h.clock().UnixMilli(),
		Mode: string(h.store.Mode()),
		Jobs: stats,
	}
	if h.lag != nil {
		snap.IndexerLag = h.lag()
	}

	if t := h.thresholds.PendingDeliveryJobs; t > 0 && stats.Pending >= t {
		snap.Alerts = append(snap.Alerts, Alert{
			Key:       "pending_delivery_jobs",
			Message:   fmt.Sprintf("%d delivery jobs pending (threshold %d)", stats.Pending, t),
			Value:     stats.Pending,
			Threshold: t,
		})
	}
	if t := h.thresholds.FailedDeliveryJobs; t > 0 && stats.Failed >= t {
		snap.Alerts = append(snap.Alerts, Alert{
			Key:       "failed_delivery_jobs",
			Message:   fmt.Sprintf("%d delivery jobs failed (threshold %d)", stats.Failed, t),
			Value:     stats.Failed,
			Threshold: t,
		})
	}
	if t := h.thresholds.IndexerLagBlocks; t > 0 {
		for chainKey, lag := range snap.IndexerLag {
			if lag >= t {
				snap.Alerts = append(snap.Alerts, Alert{
					Key:       "indexer_lag:" + chainKey,
					Message:   fmt.Sprintf("indexer %s lagging %d blocks (threshold %d)", chainKey, lag, t),
					Value:     lag,
					Threshold: t,
				})
			}
		}
	}
	return snap, nil
}

// RunAlertLoop posts breached thresholds to the webhook on a fixed
// cadence. Ticks with no pending alerts send nothing.
func (h *Health) RunAlertLoop(ctx context.Context, cadence time.Duration) {
	if h.webhookURL == "" {
		return
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := h.Snapshot(ctx)
			if err != nil {
				h.logger.Warn("health snapshot failed", "err", err)
				continue
			}
			if len(snap.Alerts) == 0 {
				continue
			}
			if err := h.postAlerts(ctx, snap); err != nil {
				h.logger.Warn("alert webhook failed", "err", err)
			}
		}
	}
}

func (h *Health) postAlerts(ctx context.Context, snap *HealthSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal alerts: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook status %d", resp.StatusCode)
	}
	return nil
}
