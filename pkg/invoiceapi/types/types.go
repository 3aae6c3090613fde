package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// LineItem is a single billable line on an invoice.
type LineItem struct {
	LineNumber      int             `json:"lineNumber" validate:"min=1"`
	Description     string          `json:"description" validate:"required"`
	HSNSAC          string          `json:"hsnSac,omitempty" validate:"omitempty,max=10"`
	Quantity        decimal.Decimal `json:"quantity"`
	Rate            decimal.Decimal `json:"rate"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	TaxRate         decimal.Decimal `json:"taxRate"`
}

// InvoiceRequest is the payload accepted by POST /api/v1/invoices. The field
// set mirrors the upstream invoicing service: a client reference, numbering,
// dates, currency and the line items that make up the invoice.
type InvoiceRequest struct {
	ClientRef    string          `json:"clientRef" validate:"required,max=64"`
	Series       string          `json:"series,omitempty" validate:"omitempty,max=20"`
	Number       string          `json:"number,omitempty" validate:"omitempty,max=50"`
	IssueDate    string          `json:"issueDate" validate:"required,datetime=2006-01-02"`
	DueDate      string          `json:"dueDate" validate:"required,datetime=2006-01-02"`
	Currency     string          `json:"currency" validate:"required,iso4217"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
	Lines        []LineItem      `json:"lines" validate:"required,min=1,dive"`
	Notes        string          `json:"notes,omitempty"`
	Terms        string          `json:"terms,omitempty"`
}

// Validate checks structural constraints plus the amount rules the tag
// language cannot express.
func (r *InvoiceRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	for i := range r.Lines {
		if r.Lines[i].Quantity.Sign() <= 0 {
			return &AmountError{Line: r.Lines[i].LineNumber, Field: "quantity"}
		}
		if r.Lines[i].Rate.Sign() < 0 {
			return &AmountError{Line: r.Lines[i].LineNumber, Field: "rate"}
		}
	}
	return nil
}

// Total computes the grand total across all lines after discount and tax.
func (r *InvoiceRequest) Total() decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	total := decimal.Zero
	for _, l := range r.Lines {
		gross := l.Quantity.Mul(l.Rate)
		net := gross.Sub(gross.Mul(l.DiscountPercent).Div(hundred))
		total = total.Add(net.Add(net.Mul(l.TaxRate).Div(hundred)))
	}
	return total.Round(2)
}

// AmountError reports a line amount that passed structural validation but
// violates the monetary rules.
type AmountError struct {
	Line  int
	Field string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid %s on invoice line %d", e.Field, e.Line)
}

// InvoiceResource is the representation returned by the upstream API after a
// successful create.
type InvoiceResource struct {
	ID         string          `json:"id"`
	Number     string          `json:"number"`
	Status     string          `json:"status"`
	GrandTotal decimal.Decimal `json:"grandTotal"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// HealthResponse is returned by the upstream health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
