package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invoiceq/internal/metrics"
	"invoiceq/internal/models"
	"invoiceq/internal/retry"
	"invoiceq/internal/tracing"
	"invoiceq/pkg/circuitbreaker"
	"invoiceq/pkg/invoiceapi"
	"invoiceq/pkg/invoiceapi/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// QueueStore is the slice of the queue database the drainer mutates. The
// drainer is the only consumer-side mutator of queue entries.
type QueueStore interface {
	PendingSnapshot(ctx context.Context) ([]models.QueuedInvoiceRequest, error)
	MarkSubmitting(ctx context.Context, id string) (bool, error)
	MarkPending(ctx context.Context, id, lastError string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	RemoveRequest(ctx context.Context, id string) error
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Submitter is the slice of the upstream client the drainer uses.
type Submitter interface {
	SubmitInvoice(ctx context.Context, idempotencyKey string, req *types.InvoiceRequest) (*types.InvoiceResource, error)
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Submitted int
	Failed    int
	Requeued  int
}

// Drainer replays queued invoice requests against the upstream API whenever
// connectivity is restored. It works off a snapshot taken at drain start, so
// entries enqueued mid-drain wait for the next cycle, and it processes the
// snapshot strictly oldest-first.
type Drainer struct {
	store        QueueStore
	client       Submitter
	breaker      *circuitbreaker.CircuitBreaker
	backoff      *retry.Backoff
	monitor      *NetworkMonitor
	hub          *StatusHub
	drainTimeout time.Duration
	logger       *logrus.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type DrainerConfig struct {
	RetryConfig  models.RetryConfig
	DrainTimeout time.Duration
}

func NewDrainer(store QueueStore, client Submitter, breaker *circuitbreaker.CircuitBreaker, monitor *NetworkMonitor, hub *StatusHub, cfg DrainerConfig, logger *logrus.Logger) *Drainer {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.RetryConfig.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.RetryConfig.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.RetryConfig.MaxAttempts,
		Jitter:       true,
	})

	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 2 * time.Minute
	}

	return &Drainer{
		store:        store,
		client:       client,
		breaker:      breaker,
		backoff:      backoff,
		monitor:      monitor,
		hub:          hub,
		drainTimeout: drainTimeout,
		logger:       logger,
	}
}

// Start subscribes to connectivity transitions and drains on every
// reconnect. If the upstream is already reachable, any queue persisted from a
// previous run is drained immediately.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("drainer is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.mu.Unlock()

	events := d.monitor.Subscribe()

	d.wg.Add(1)
	go d.loop(events)

	d.logger.Info("Queue drainer started")
	return nil
}

// Stop cancels any in-flight drain and waits for the loop to exit.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.logger.Info("Queue drainer stopped")
}

func (d *Drainer) loop(events <-chan NetworkEvent) {
	defer d.wg.Done()

	// Resume after restart: persisted entries from a previous run are
	// eligible as soon as connectivity is up.
	if d.monitor.IsOnline() {
		d.drainWithTimeout()
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Online {
				d.drainWithTimeout()
			}
		}
	}
}

func (d *Drainer) drainWithTimeout() {
	ctx, cancel := context.WithTimeout(d.ctx, d.drainTimeout)
	defer cancel()

	result, err := d.DrainOnce(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("Drain cycle aborted")
		return
	}
	if result.Submitted+result.Failed+result.Requeued > 0 {
		d.logger.WithFields(logrus.Fields{
			"submitted": result.Submitted,
			"failed":    result.Failed,
			"requeued":  result.Requeued,
		}).Info("Drain cycle completed")
	}
}

// DrainOnce replays the pending snapshot once, in FIFO order. An empty queue
// produces no network calls. The error return is reserved for cycle-level
// aborts (snapshot failure, context cancellation); per-entry failures are
// folded into the result.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	snapshot, err := d.store.PendingSnapshot(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to snapshot queue: %w", err)
	}
	if len(snapshot) == 0 {
		return result, nil
	}

	ctx, span := tracing.StartSpan(ctx, "queue_drain",
		attribute.Int("queue.snapshot_size", len(snapshot)),
	)
	defer span.End()

	started := time.Now()
	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		d.processEntry(ctx, &snapshot[i], &result)
	}

	metrics.RecordTimer("queue_drain_duration", time.Since(started), nil, "Drain cycle duration")
	d.publishStats(ctx)

	return result, nil
}

// processEntry moves one queue entry through a single drain attempt:
// submitting -> removed on success, -> failed on a terminal error,
// -> back to pending on a retryable one (picked up by the next cycle).
func (d *Drainer) processEntry(ctx context.Context, entry *models.QueuedInvoiceRequest, result *DrainResult) {
	logger := d.logger.WithFields(logrus.Fields{
		"request_id":      entry.ID,
		"idempotency_key": entry.IdempotencyKey,
	})

	eligible, err := d.store.MarkSubmitting(ctx, entry.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to mark request submitting")
		return
	}
	if !eligible {
		// Removed or already claimed since the snapshot was taken.
		return
	}

	submitErr := d.backoff.RetryWithPredicate(ctx, func() error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			_, err := d.client.SubmitInvoice(ctx, entry.IdempotencyKey, &entry.Payload)
			return err
		})
	}, isRetryableSubmitError)

	// The outcome write must land even when the cycle context expired or was
	// cancelled mid-submission; otherwise the entry is stuck in 'submitting'
	// until the next restart.
	stateCtx := context.WithoutCancel(ctx)

	switch {
	case submitErr == nil:
		if err := d.store.RemoveRequest(stateCtx, entry.ID); err != nil {
			logger.WithError(err).Error("Failed to remove request after successful submission")
			return
		}
		result.Submitted++
		metrics.IncrementCounter("queue_drain_submitted_total", nil, "Invoices submitted by drain")
		logger.Info("Queued invoice submitted")

	case isRetryableSubmitError(submitErr):
		if err := d.store.MarkPending(stateCtx, entry.ID, submitErr.Error()); err != nil {
			logger.WithError(err).Error("Failed to return request to pending")
			return
		}
		result.Requeued++
		metrics.IncrementCounter("queue_drain_requeued_total", nil, "Invoices requeued after retryable failure")
		logger.WithError(submitErr).Warn("Submission failed, request stays queued")

	default:
		if err := d.store.MarkFailed(stateCtx, entry.ID, submitErr.Error()); err != nil {
			logger.WithError(err).Error("Failed to mark request failed")
			return
		}
		result.Failed++
		metrics.IncrementCounter("queue_drain_failed_total", nil, "Invoices terminally failed during drain")
		tracing.RecordError(ctx, submitErr)
		logger.WithError(submitErr).Error("Submission rejected, request marked failed")
	}
}

func (d *Drainer) publishStats(ctx context.Context) {
	if d.hub == nil {
		return
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.WithError(err).Debug("Failed to read queue stats")
		return
	}
	stats.Online = d.monitor.IsOnline()
	d.hub.Publish(stats)
}

// isRetryableSubmitError keeps an entry pending when the failure is worth
// another drain cycle: transport errors, 5xx/throttling responses, an open
// circuit breaker, or a timed-out cycle.
func isRetryableSubmitError(err error) bool {
	if err == nil {
		return false
	}
	if invoiceapi.IsRetryable(err) {
		return true
	}
	if circuitbreaker.IsOpenError(err) {
		return true
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return true
	}
	return false
}
