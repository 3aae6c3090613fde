package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invoiceq/internal/models"
	"invoiceq/pkg/invoiceapi/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testInvoice(clientRef string) types.InvoiceRequest {
	return types.InvoiceRequest{
		ClientRef: clientRef,
		IssueDate: "2026-08-01",
		DueDate:   "2026-08-31",
		Currency:  "USD",
		Lines: []types.LineItem{
			{
				LineNumber:  1,
				Description: "Consulting",
				Quantity:    decimal.NewFromInt(1),
				Rate:        decimal.NewFromInt(100),
			},
		},
	}
}

// mockStore is an in-memory queue store preserving enqueue order.
type mockStore struct {
	mu      sync.Mutex
	entries []*models.QueuedInvoiceRequest

	enqueueErr  error
	snapshotErr error
}

func newMockStore() *mockStore {
	return &mockStore{}
}

func (m *mockStore) add(id, idempotencyKey string, payload types.InvoiceRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &models.QueuedInvoiceRequest{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
		State:          models.RequestStatePending,
		EnqueuedAt:     time.Now().UTC(),
	})
}

func (m *mockStore) find(id string) *models.QueuedInvoiceRequest {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *mockStore) EnqueueInvoice(ctx context.Context, req *models.QueuedInvoiceRequest) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *req
	m.entries = append(m.entries, &copied)
	return nil
}

func (m *mockStore) SnapshotQueue(ctx context.Context) ([]models.QueuedInvoiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueuedInvoiceRequest, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (m *mockStore) PendingSnapshot(ctx context.Context) ([]models.QueuedInvoiceRequest, error) {
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.QueuedInvoiceRequest
	for _, e := range m.entries {
		if e.State == models.RequestStatePending {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockStore) GetRequest(ctx context.Context, id string) (*models.QueuedInvoiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(id); e != nil {
		copied := *e
		return &copied, nil
	}
	return nil, nil
}

func (m *mockStore) MarkSubmitting(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return false, nil
	}
	if e.State != models.RequestStatePending && e.State != models.RequestStateFailed {
		return false, nil
	}
	e.State = models.RequestStateSubmitting
	e.Attempts++
	return true, nil
}

func (m *mockStore) MarkPending(ctx context.Context, id, lastError string) error {
	// Matches the real store: writes on a done context fail.
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.setState(id, models.RequestStatePending, lastError)
}

func (m *mockStore) MarkFailed(ctx context.Context, id, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.setState(id, models.RequestStateFailed, lastError)
}

func (m *mockStore) setState(id string, state models.RequestState, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return fmt.Errorf("no such entry: %s", id)
	}
	e.State = state
	e.LastError = &lastError
	return nil
}

func (m *mockStore) RemoveRequest(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockStore) ClearQueue(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

func (m *mockStore) Stats(ctx context.Context) (models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.QueueStats{UpdatedAt: time.Now().UTC()}
	for _, e := range m.entries {
		switch e.State {
		case models.RequestStatePending:
			stats.Pending++
		case models.RequestStateSubmitting:
			stats.Submitting++
		case models.RequestStateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// states returns the per-id state map for assertions.
func (m *mockStore) states() map[string]models.RequestState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.RequestState, len(m.entries))
	for _, e := range m.entries {
		out[e.ID] = e.State
	}
	return out
}

// mockClient implements the upstream client with scriptable behavior. The
// submit function is keyed so tests can fail specific entries.
type mockClient struct {
	mu         sync.Mutex
	submitFn   func(idempotencyKey string, req *types.InvoiceRequest) (*types.InvoiceResource, error)
	healthErr  error
	submitted  []string
	healthCnt  int
}

func newMockClient() *mockClient {
	return &mockClient{
		submitFn: func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
			return &types.InvoiceResource{ID: "inv-" + key, Status: "issued"}, nil
		},
	}
}

func (m *mockClient) SubmitInvoice(ctx context.Context, idempotencyKey string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, idempotencyKey)
	fn := m.submitFn
	m.mu.Unlock()
	return fn(idempotencyKey, req)
}

func (m *mockClient) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthCnt++
	return m.healthErr
}

func (m *mockClient) setHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

func (m *mockClient) submitCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.submitted))
	copy(out, m.submitted)
	return out
}
