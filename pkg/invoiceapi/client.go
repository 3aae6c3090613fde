package invoiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"invoiceq/pkg/invoiceapi/types"

	"github.com/sirupsen/logrus"
)

// Client is the surface the queue core needs from the upstream invoicing API:
// one create operation and a reachability probe.
type Client interface {
	SubmitInvoice(ctx context.Context, idempotencyKey string, req *types.InvoiceRequest) (*types.InvoiceResource, error)
	CheckHealth(ctx context.Context) error
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Tenant  string
	Timeout time.Duration
}

type InvoiceClient struct {
	baseURL string
	apiKey  string
	tenant  string
	client  *http.Client
	logger  *logrus.Logger
}

func NewClient(cfg ClientConfig, httpClient *http.Client) Client {
	return NewClientWithLogger(cfg, httpClient, nil)
}

func NewClientWithLogger(cfg ClientConfig, httpClient *http.Client, logger *logrus.Logger) Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &InvoiceClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		tenant:  cfg.Tenant,
		client:  httpClient,
		logger:  logger,
	}
}

// SubmitInvoice posts the invoice to the upstream create endpoint. The
// idempotency key travels in a header so the server can collapse duplicate
// submissions when a success response was lost in transit.
func (c *InvoiceClient) SubmitInvoice(ctx context.Context, idempotencyKey string, invoice *types.InvoiceRequest) (*types.InvoiceResource, error) {
	body, err := json.Marshal(invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/invoices", c.baseURL)
	c.logger.WithFields(logrus.Fields{
		"endpoint":        endpoint,
		"idempotency_key": idempotencyKey,
		"client_ref":      invoice.ClientRef,
	}).Debug("Submitting invoice")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures are ambiguous: the request may have reached the
		// server. The idempotency key makes a replay safe.
		return nil, &APIError{Op: "submit", Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Op:         "submit",
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
	}

	var resource types.InvoiceResource
	if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
		return nil, fmt.Errorf("failed to decode invoice response: %w", err)
	}

	return &resource, nil
}

// CheckHealth probes the upstream health endpoint. Any error means the API is
// considered unreachable.
func (c *InvoiceClient) CheckHealth(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/v1/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &APIError{Op: "health", Err: err, Retryable: true}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: "health", StatusCode: resp.StatusCode, Retryable: isRetryableStatus(resp.StatusCode)}
	}
	return nil
}

// isRetryableStatus classifies upstream status codes. Validation failures
// (4xx) fail the same way on every replay and are terminal; server errors and
// throttling are worth another drain cycle.
func isRetryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// APIError is the tagged result of a submission attempt: the Retryable flag
// drives the queue state transition for the entry.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invoice API %s failed: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("invoice API %s failed: status %d, body: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("invoice API %s failed: status %d", e.Op, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err allows the request to stay pending for a
// later drain. Unknown error types are treated as terminal.
func IsRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return false
}
