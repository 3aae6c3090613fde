package invoiceapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"invoiceq/pkg/invoiceapi/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInvoice() *types.InvoiceRequest {
	return &types.InvoiceRequest{
		ClientRef: "acme-corp",
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

func newTestClient(serverURL string) Client {
	return NewClient(ClientConfig{
		BaseURL: serverURL,
		APIKey:  "test-api-key",
		Tenant:  "acme",
		Timeout: 5 * time.Second,
	}, nil)
}

func TestSubmitInvoiceSuccess(t *testing.T) {
	var gotIdempotencyKey, gotAPIKey, gotTenant string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/invoices", r.URL.Path)
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("X-API-Key")
		gotTenant = r.Header.Get("X-Tenant-ID")

		var payload types.InvoiceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "acme-corp", payload.ClientRef)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(types.InvoiceResource{
			ID:         "inv-123",
			Number:     "INV-2026-001",
			Status:     "issued",
			GrandTotal: decimal.NewFromInt(100),
			CreatedAt:  time.Now(),
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resource, err := client.SubmitInvoice(context.Background(), "idem-key-1", testInvoice())
	require.NoError(t, err)

	assert.Equal(t, "inv-123", resource.ID)
	assert.Equal(t, "issued", resource.Status)
	assert.Equal(t, "idem-key-1", gotIdempotencyKey)
	assert.Equal(t, "test-api-key", gotAPIKey)
	assert.Equal(t, "acme", gotTenant)
}

func TestSubmitInvoiceValidationRejectionIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"duplicate invoice number"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.SubmitInvoice(context.Background(), "idem-key-1", testInvoice())
	require.Error(t, err)

	assert.False(t, IsRetryable(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "duplicate invoice number")
}

func TestSubmitInvoiceServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.SubmitInvoice(context.Background(), "idem-key-1", testInvoice())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestSubmitInvoiceThrottlingIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.SubmitInvoice(context.Background(), "idem-key-1", testInvoice())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestSubmitInvoiceTransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // Connection refused from here on

	client := newTestClient(server.URL)
	_, err := client.SubmitInvoice(context.Background(), "idem-key-1", testInvoice())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestCheckHealth(t *testing.T) {
	t.Run("healthy upstream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/v1/health", r.URL.Path)
			_ = json.NewEncoder(w).Encode(types.HealthResponse{Status: "ok"})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		assert.NoError(t, client.CheckHealth(context.Background()))
	})

	t.Run("unhealthy upstream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		assert.Error(t, client.CheckHealth(context.Background()))
	})

	t.Run("unreachable upstream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		client := newTestClient(server.URL)
		assert.Error(t, client.CheckHealth(context.Background()))
	})
}

func TestIsRetryableUnknownErrors(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("not an API error")))
}

func TestIsRetryableStatus(t *testing.T) {
	assert.True(t, isRetryableStatus(http.StatusInternalServerError))
	assert.True(t, isRetryableStatus(http.StatusBadGateway))
	assert.True(t, isRetryableStatus(http.StatusRequestTimeout))
	assert.True(t, isRetryableStatus(http.StatusTooManyRequests))

	assert.False(t, isRetryableStatus(http.StatusBadRequest))
	assert.False(t, isRetryableStatus(http.StatusUnauthorized))
	assert.False(t, isRetryableStatus(http.StatusUnprocessableEntity))
	assert.False(t, isRetryableStatus(http.StatusConflict))
}
