package service

import (
	"context"
	"time"

	"invoiceq/internal/constants"
	apperrors "invoiceq/internal/errors"
	"invoiceq/internal/metrics"
	"invoiceq/internal/models"
	"invoiceq/pkg/invoiceapi"
	"invoiceq/pkg/invoiceapi/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FullStore is the producer-side view of the queue database.
type FullStore interface {
	QueueStore
	EnqueueInvoice(ctx context.Context, req *models.QueuedInvoiceRequest) error
	SnapshotQueue(ctx context.Context) ([]models.QueuedInvoiceRequest, error)
	GetRequest(ctx context.Context, id string) (*models.QueuedInvoiceRequest, error)
	ClearQueue(ctx context.Context) error
}

// SubmitOutcome reports what happened to a submission: either the upstream
// accepted it directly, or it was parked in the offline queue.
type SubmitOutcome struct {
	Submitted bool                         `json:"submitted"`
	Invoice   *types.InvoiceResource       `json:"invoice,omitempty"`
	Queued    *models.QueuedInvoiceRequest `json:"queued,omitempty"`
}

// QueueService is the front door for invoice submissions. The
// queue-versus-direct policy lives here, not in the store: when the upstream
// is reachable the invoice goes straight out, otherwise (or on a retryable
// direct failure) it is enqueued for the drainer.
type QueueService struct {
	store   FullStore
	client  invoiceapi.Client
	monitor *NetworkMonitor
	hub     *StatusHub
	logger  *logrus.Logger
}

func NewQueueService(store FullStore, client invoiceapi.Client, monitor *NetworkMonitor, hub *StatusHub, logger *logrus.Logger) *QueueService {
	return &QueueService{
		store:   store,
		client:  client,
		monitor: monitor,
		hub:     hub,
		logger:  logger,
	}
}

// SubmitInvoice validates the payload and either submits it upstream or
// enqueues it. The idempotency key is generated once, before the first
// attempt, so a direct attempt whose response was lost is still deduplicated
// when the drainer later replays the queued copy.
func (s *QueueService) SubmitInvoice(ctx context.Context, payload *types.InvoiceRequest) (*SubmitOutcome, error) {
	if err := payload.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err)
	}

	id := uuid.NewString()
	idempotencyKey := uuid.NewString()

	if s.monitor.IsOnline() {
		// A hung direct attempt should not hold the HTTP handler hostage;
		// after the deadline the invoice falls back to the queue.
		submitCtx, cancel := context.WithTimeout(ctx, constants.DefaultSubmitTimeoutSec*time.Second)
		resource, err := s.client.SubmitInvoice(submitCtx, idempotencyKey, payload)
		cancel()
		if err == nil {
			metrics.IncrementCounter("invoices_submitted_direct_total", nil, "Invoices submitted while online")
			return &SubmitOutcome{Submitted: true, Invoice: resource}, nil
		}
		if !invoiceapi.IsRetryable(err) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvoiceAPI, "upstream rejected invoice").
				WithUserMessage("The invoicing service rejected this invoice")
		}
		s.logger.WithError(err).Warn("Direct submission failed, falling back to offline queue")
	}

	req := &models.QueuedInvoiceRequest{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		Payload:        *payload,
		State:          models.RequestStatePending,
		EnqueuedAt:     time.Now().UTC(),
	}

	if err := s.store.EnqueueInvoice(ctx, req); err != nil {
		return nil, err
	}

	metrics.IncrementCounter("invoices_enqueued_total", nil, "Invoices parked in the offline queue")
	s.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"client_ref": payload.ClientRef,
	}).Info("Invoice saved to offline queue")

	s.publishStats(ctx)
	return &SubmitOutcome{Queued: req}, nil
}

// Snapshot returns the full queue in enqueue order.
func (s *QueueService) Snapshot(ctx context.Context) ([]models.QueuedInvoiceRequest, error) {
	return s.store.SnapshotQueue(ctx)
}

// Get returns one queue entry, or a NOT_FOUND error.
func (s *QueueService) Get(ctx context.Context, id string) (*models.QueuedInvoiceRequest, error) {
	entry, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "queued request not found").
			WithContext("id", id)
	}
	return entry, nil
}

// Remove deletes a queue entry; removing an absent id is a no-op.
func (s *QueueService) Remove(ctx context.Context, id string) error {
	if err := s.store.RemoveRequest(ctx, id); err != nil {
		return err
	}
	s.publishStats(ctx)
	return nil
}

// Clear empties the queue unconditionally (manual reset).
func (s *QueueService) Clear(ctx context.Context) error {
	if err := s.store.ClearQueue(ctx); err != nil {
		return err
	}
	s.logger.Warn("Offline queue cleared")
	s.publishStats(ctx)
	return nil
}

// Stats returns per-state counts plus current connectivity.
func (s *QueueService) Stats(ctx context.Context) (models.QueueStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return stats, err
	}
	stats.Online = s.monitor.IsOnline()
	return stats, nil
}

func (s *QueueService) publishStats(ctx context.Context) {
	if s.hub == nil {
		return
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("Failed to read queue stats")
		return
	}
	s.hub.Publish(stats)
}
