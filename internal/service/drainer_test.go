package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"invoiceq/internal/models"
	"invoiceq/pkg/circuitbreaker"
	"invoiceq/pkg/invoiceapi"
	"invoiceq/pkg/invoiceapi/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDrainer(store QueueStore, client Submitter, monitor *NetworkMonitor) *Drainer {
	breaker := circuitbreaker.NewWithLogger("test", 100, time.Minute, testLogger())
	return NewDrainer(store, client, breaker, monitor, nil, DrainerConfig{
		RetryConfig: models.RetryConfig{
			InitialBackoffMs: 1,
			MaxBackoffMs:     5,
			MaxAttempts:      1,
		},
		DrainTimeout: time.Second,
	}, testLogger())
}

func idleMonitor() *NetworkMonitor {
	return NewNetworkMonitor(newMockClient(), time.Minute, time.Second, testLogger())
}

func TestDrainOnceEmptyQueue(t *testing.T) {
	store := newMockStore()
	client := newMockClient()
	drainer := newTestDrainer(store, client, idleMonitor())

	result, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DrainResult{}, result)
	// An empty queue must produce zero network traffic
	assert.Empty(t, client.submitCalls())
}

func TestDrainOnceSubmitsInEnqueueOrder(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))
	store.add("b", "key-b", testInvoice("client-b"))
	store.add("c", "key-c", testInvoice("client-c"))

	client := newMockClient()
	drainer := newTestDrainer(store, client, idleMonitor())

	result, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Submitted)
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, client.submitCalls())

	snapshot, err := store.SnapshotQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestDrainOnceRetryableFailureKeepsEntryQueued(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))
	store.add("b", "key-b", testInvoice("client-b"))
	store.add("c", "key-c", testInvoice("client-c"))

	client := newMockClient()
	client.submitFn = func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
		if key == "key-b" {
			return nil, &invoiceapi.APIError{Op: "submit", Err: errors.New("timeout"), Retryable: true}
		}
		return &types.InvoiceResource{ID: "inv-" + key, Status: "issued"}, nil
	}

	drainer := newTestDrainer(store, client, idleMonitor())
	result, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Submitted)
	assert.Equal(t, 1, result.Requeued)
	assert.Equal(t, 0, result.Failed)

	// A and C are gone, B survives for the next cycle with its key intact
	snapshot, err := store.SnapshotQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "b", snapshot[0].ID)
	assert.Equal(t, "key-b", snapshot[0].IdempotencyKey)
	assert.Equal(t, models.RequestStatePending, snapshot[0].State)
	require.NotNil(t, snapshot[0].LastError)

	// The later entry C was still attempted after B failed
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, client.submitCalls())
}

func TestDrainOnceTerminalFailureParksEntry(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))

	client := newMockClient()
	client.submitFn = func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
		return nil, &invoiceapi.APIError{Op: "submit", StatusCode: http.StatusUnprocessableEntity, Retryable: false}
	}

	drainer := newTestDrainer(store, client, idleMonitor())
	result, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, models.RequestStateFailed, store.states()["a"])

	// Failed entries are excluded from subsequent drains
	result, err = drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
	assert.Len(t, client.submitCalls(), 1)
}

func TestDrainOnceReplaysIdempotencyKey(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))

	client := newMockClient()
	failures := 0
	client.submitFn = func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
		failures++
		if failures == 1 {
			return nil, &invoiceapi.APIError{Op: "submit", Err: errors.New("connection reset"), Retryable: true}
		}
		return &types.InvoiceResource{ID: "inv-1", Status: "issued"}, nil
	}

	drainer := newTestDrainer(store, client, idleMonitor())

	_, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	_, err = drainer.DrainOnce(context.Background())
	require.NoError(t, err)

	// Both attempts must carry the same key so the upstream can deduplicate
	assert.Equal(t, []string{"key-a", "key-a"}, client.submitCalls())

	snapshot, err := store.SnapshotQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestDrainOnceSkipsEntriesClaimedSinceSnapshot(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))

	// Simulate another actor claiming the entry after the snapshot
	eligible, err := store.MarkSubmitting(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, eligible)

	client := newMockClient()
	drainer := newTestDrainer(store, client, idleMonitor())

	result, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
	assert.Empty(t, client.submitCalls())
}

func TestDrainOnceDefersMidDrainEnqueues(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))

	client := newMockClient()
	client.submitFn = func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
		// A producer enqueues while the drain is in flight
		store.add("late", "key-late", testInvoice("client-late"))
		return &types.InvoiceResource{ID: "inv-" + key, Status: "issued"}, nil
	}

	drainer := newTestDrainer(store, client, idleMonitor())
	result, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)

	// The cycle works off its start-of-drain snapshot; the late entry waits
	assert.Equal(t, 1, result.Submitted)
	assert.Equal(t, []string{"key-a"}, client.submitCalls())

	snapshot, err := store.SnapshotQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "late", snapshot[0].ID)
	assert.Equal(t, models.RequestStatePending, snapshot[0].State)
}

func TestDrainOnceAbortsOnSnapshotError(t *testing.T) {
	store := newMockStore()
	store.snapshotErr = errors.New("disk gone")

	drainer := newTestDrainer(store, newMockClient(), idleMonitor())
	_, err := drainer.DrainOnce(context.Background())
	assert.Error(t, err)
}

func TestDrainOnceStopsOnContextCancellation(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))
	store.add("b", "key-b", testInvoice("client-b"))

	ctx, cancel := context.WithCancel(context.Background())

	client := newMockClient()
	client.submitFn = func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
		cancel()
		return &types.InvoiceResource{ID: "inv-" + key, Status: "issued"}, nil
	}

	drainer := newTestDrainer(store, client, idleMonitor())
	_, err := drainer.DrainOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Only the first entry was attempted before the cancellation was observed
	assert.Equal(t, []string{"key-a"}, client.submitCalls())
}

func TestDrainOnceRevertsEntryWhenCycleExpiresMidSubmit(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The cycle deadline fires while the submission is in flight; the revert
	// write must still land or the entry stays claimed forever.
	client := newMockClient()
	client.submitFn = func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
		cancel()
		return nil, &invoiceapi.APIError{Op: "submit", Err: errors.New("timeout"), Retryable: true}
	}

	drainer := newTestDrainer(store, client, idleMonitor())
	_, err := drainer.DrainOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.RequestStatePending, store.states()["a"])

	// The entry is still drainable on the next cycle
	client.submitFn = func(key string, req *types.InvoiceRequest) (*types.InvoiceResource, error) {
		return &types.InvoiceResource{ID: "inv-" + key, Status: "issued"}, nil
	}
	result, err := drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Submitted)
}

func TestDrainerDrainsOnReconnect(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))

	prober := newMockClient()
	prober.setHealthErr(errors.New("offline"))

	monitor := NewNetworkMonitor(prober, 10*time.Millisecond, 5*time.Millisecond, testLogger())
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	client := newMockClient()
	drainer := newTestDrainer(store, client, monitor)
	require.NoError(t, drainer.Start(context.Background()))
	defer drainer.Stop()

	// Nothing is drained while offline
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, client.submitCalls())

	// Connectivity comes back; the queue drains without intervention
	prober.setHealthErr(nil)
	require.Eventually(t, func() bool {
		snapshot, err := store.SnapshotQueue(context.Background())
		return err == nil && len(snapshot) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"key-a"}, client.submitCalls())
}

func TestDrainerResumesPersistedQueueOnStartup(t *testing.T) {
	store := newMockStore()
	store.add("a", "key-a", testInvoice("client-a"))

	prober := newMockClient()
	monitor := NewNetworkMonitor(prober, time.Minute, time.Second, testLogger())
	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()
	require.True(t, monitor.IsOnline())

	client := newMockClient()
	drainer := newTestDrainer(store, client, monitor)
	require.NoError(t, drainer.Start(context.Background()))
	defer drainer.Stop()

	// The startup drain fires without any connectivity transition
	require.Eventually(t, func() bool {
		snapshot, err := store.SnapshotQueue(context.Background())
		return err == nil && len(snapshot) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrainerStartTwiceFails(t *testing.T) {
	drainer := newTestDrainer(newMockStore(), newMockClient(), idleMonitor())

	require.NoError(t, drainer.Start(context.Background()))
	defer drainer.Stop()

	assert.Error(t, drainer.Start(context.Background()))
}
