package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTolerance is the absolute amount (in currency units) by which the
// arithmetic of an invoice may be off before it is flagged as inconsistent.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// LineItem is one billed line of an invoice.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Record is the validated structured representation of one invoice
// document. It is created by Parse and immutable afterward.
type Record struct {
	VendorName    string     `json:"vendor_name"`
	InvoiceNumber string     `json:"invoice_number"`
	IssueDate     time.Time  `json:"issue_date"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	PaymentTerms  string     `json:"payment_terms,omitempty"`
	LineItems     []LineItem `json:"line_items"`

	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`

	// Confidence is the model's own confidence in the extraction when it
	// reported one, else a conservative default with ConfidenceHeuristic set.
	Confidence          float64 `json:"extraction_confidence"`
	ConfidenceHeuristic bool    `json:"confidence_heuristic,omitempty"`

	// ConsistencyWarning is set when the invoice's arithmetic does not
	// reconcile within tolerance. The record is still usable; the numbers
	// are reported as extracted, never corrected.
	ConsistencyWarning bool `json:"consistency_warning,omitempty"`

	SchemaVersion string `json:"schema_version"`
}

// LineItemSum returns the sum of all line totals.
func (r *Record) LineItemSum() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range r.LineItems {
		sum = sum.Add(item.LineTotal)
	}
	return sum
}

// consistent reports whether subtotal and total reconcile with the line
// items and tax within the given tolerance.
func (r *Record) consistent(tolerance decimal.Decimal) bool {
	if r.Subtotal.Sub(r.LineItemSum()).Abs().GreaterThan(tolerance) {
		return false
	}
	return !r.Total.Sub(r.Subtotal.Add(r.Tax)).Abs().GreaterThan(tolerance)
}
