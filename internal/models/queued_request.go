package models

import (
	"time"

	"invoiceq/pkg/invoiceapi/types"
)

// RequestState tracks a queued invoice request through its lifecycle.
// pending -> submitting -> removed on success; submitting -> pending on a
// retryable failure; submitting -> failed on a terminal one.
type RequestState string

const (
	RequestStatePending    RequestState = "pending"
	RequestStateSubmitting RequestState = "submitting"
	RequestStateFailed     RequestState = "failed"
)

// QueuedInvoiceRequest is one entry in the offline submission queue. The ID is
// client-generated at enqueue time and stable for the life of the request; the
// idempotency key is what the upstream server deduplicates on.
type QueuedInvoiceRequest struct {
	ID             string               `json:"id" db:"id"`
	IdempotencyKey string               `json:"idempotencyKey" db:"idempotency_key"`
	Payload        types.InvoiceRequest `json:"payload" db:"payload"`
	State          RequestState         `json:"state" db:"state"`
	Attempts       int                  `json:"attempts" db:"attempts"`
	LastError      *string              `json:"lastError,omitempty" db:"last_error"`
	EnqueuedAt     time.Time            `json:"enqueuedAt" db:"enqueued_at"`
	UpdatedAt      time.Time            `json:"updatedAt" db:"updated_at"`
}

// QueueStats is the queue summary pushed to UI clients.
type QueueStats struct {
	Pending    int       `json:"pending"`
	Submitting int       `json:"submitting"`
	Failed     int       `json:"failed"`
	Online     bool      `json:"online"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
