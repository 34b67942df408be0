// Package delivery drains the delivery job queue: claim a batch under
// the cluster mutex, invoke the notification sink, and settle each job
// as done, retried with backoff, or dead-lettered.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/store"
)

// Sink is the notification provider contract. A nil return is a
// successful delivery; any error is the retry reason.
type Sink interface {
	Send(ctx context.Context, channel, destination string, payload []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, channel, destination string, payload []byte) error

func (f SinkFunc) Send(ctx context.Context, channel, destination string, payload []byte) error {
	return f(ctx, channel, destination, payload)
}

// backoff is the fixed retry ladder; attempts past its end reuse the
// last rung.
var backoff = []time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const claimMutexKey = "delivery-claim"

// Worker processes delivery jobs. Multiple workers may run against the
// same store; in distributed mode the claim mutex keeps ticks from
// overlapping across processes.
type Worker struct {
	store   store.Store
	mutex   locker.Mutex
	sink    Sink
	metrics *obs.Metrics
	cfg     *config.Config
	id      string
	logger  *slog.Logger
	clock   func() time.Time
}

func NewWorker(st store.Store, mutex locker.Mutex, sink Sink, metrics *obs.Metrics, cfg *config.Config, workerID string) *Worker {
	return &Worker{
		store:   st,
		mutex:   mutex,
		sink:    sink,
		metrics: metrics,
		cfg:     cfg,
		id:      workerID,
		logger:  slog.Default().With("component", "delivery", "worker", workerID),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Tick runs one claim/deliver/settle pass. Job-level failures never
// abort the tick; only store-level faults surface, and the runner just
// logs them.
func (w *Worker) Tick(ctx context.Context) error {
	stats, err := w.store.GetDeliveryJobStats(ctx)
	if err != nil {
		return fmt.Errorf("job stats: %w", err)
	}
	w.metrics.SetGauge("delivery_jobs_pending", float64(stats.Pending), nil)
	w.metrics.SetGauge("delivery_jobs_processing", float64(stats.Processing), nil)
	w.metrics.SetGauge("delivery_jobs_done", float64(stats.Done), nil)
	w.metrics.SetGauge("delivery_jobs_failed", float64(stats.Failed), nil)
	w.metrics.SetGauge("delivery_jobs_dead_letter", float64(stats.DeadLetter), nil)

	if w.cfg.DistributedWorkers {
		token, err := w.mutex.TryAcquire(ctx, claimMutexKey, w.cfg.DeliveryLockTTL)
		if err != nil {
			return fmt.Errorf("claim mutex: %w", err)
		}
		if token == "" {
			w.metrics.Inc("delivery_tick_skipped_total", map[string]string{"reason": "mutex_held"})
			return nil
		}
		defer func() {
			if _, err := w.mutex.Release(ctx, claimMutexKey, token); err != nil {
				w.logger.Warn("claim mutex release failed", "err", err)
			}
		}()
	}

	now := w.clock().UnixMilli()
	jobs, err := w.store.ClaimDueDeliveryJobs(ctx, w.id, w.cfg.DeliveryBatchSize, w.cfg.DeliveryLockTTL.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("claim jobs: %w", err)
	}

	for i := range jobs {
		w.deliver(ctx, &jobs[i])
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, job *store.DeliveryJob) {
	err := w.sink.Send(ctx, job.Channel, job.Destination, job.Payload)
	now := w.clock().UnixMilli()

	if err == nil {
		if err := w.store.CompleteDeliveryJob(ctx, job.ID, now); err != nil {
			w.logger.Warn("complete failed", "job", job.ID, "err", err)
			return
		}
		w.metrics.Inc("delivery_job_done_total", map[string]string{"channel": job.Channel})
		return
	}

	reason := err.Error()
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.DeliveryMaxAttempts
	}

	if job.Attempts >= maxAttempts {
		if err := w.store.DeadLetterDeliveryJob(ctx, job.ID, reason, now); err != nil {
			w.logger.Warn("dead-letter failed", "job", job.ID, "err", err)
			return
		}
		w.logger.Warn("job dead-lettered", "job", job.ID, "channel", job.Channel, "attempts", job.Attempts, "reason", reason)
		w.metrics.Inc("delivery_job_dead_letter_total", map[string]string{"channel": job.Channel})
		return
	}

	rung := job.Attempts - 1
	if rung >= len(backoff) {
		rung = len(backoff) - 1
	}
	if rung < 0 {
		rung = 0
	}
	next := now + backoff[rung].Milliseconds()
	if err := w.store.RetryDeliveryJob(ctx, job.ID, reason, next, now); err != nil {
		w.logger.Warn("retry scheduling failed", "job", job.ID, "err", err)
		return
	}
	w.metrics.Inc("delivery_job_retry_total", map[string]string{"channel": job.Channel})
}

// Run ticks on a fixed interval until ctx is cancelled. Ticks are
// single-flight per worker; the in-flight tick finishes before Run
// returns.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("delivery worker started", "interval", w.cfg.DeliveryPollInterval.String())
	ticker := time.NewTicker(w.cfg.DeliveryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopped")
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error("tick failed", "err", err)
			}
		}
	}
}
