package compare

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/oswin26/Invoice-AI/internal/invoice"
)

// ErrInsufficientInput means fewer than two records were supplied. This is
// caller misuse and is never retried.
var ErrInsufficientInput = errors.New("at least two invoice records are required")

// Severity classifies how serious a discrepancy is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMinor    Severity = "minor"
)

// DiffKind classifies a line-item diff entry.
type DiffKind string

const (
	KindMatchedPair  DiffKind = "matched_pair"
	KindUnmatchedInA DiffKind = "unmatched_in_a"
	KindUnmatchedInB DiffKind = "unmatched_in_b"
)

// Options tunes comparison sensitivity.
type Options struct {
	// FuzzyThreshold is the minimum similarity score for a fuzzy line-item
	// match, in [0,1].
	FuzzyThreshold float64
	// FieldDiffFraction is the fraction of the larger invoice total above
	// which a numeric difference is critical.
	FieldDiffFraction decimal.Decimal
}

// DefaultOptions returns the default thresholds: fuzzy matches at 0.8
// similarity, numeric diffs critical above 1% of the total.
func DefaultOptions() Options {
	return Options{
		FuzzyThreshold:    0.8,
		FieldDiffFraction: decimal.NewFromFloat(0.01),
	}
}

// Input pairs an invoice record with the identifier the report refers to
// it by.
type Input struct {
	ID     string
	Record *invoice.Record
}

// FieldDiff reports a scalar field that differs between the compared
// invoices. Values are listed in the order of ComparedInvoiceIDs.
type FieldDiff struct {
	Field    string   `json:"field"`
	Values   []string `json:"values"`
	Severity Severity `json:"severity"`
}

// LineItemDiff reports one matched or unmatched line item between a pair
// of invoices. Deltas are B minus A and only set for matched pairs.
type LineItemDiff struct {
	Kind           DiffKind        `json:"kind"`
	InvoiceA       string          `json:"invoice_a"`
	InvoiceB       string          `json:"invoice_b"`
	DescriptionA   string          `json:"description_a,omitempty"`
	DescriptionB   string          `json:"description_b,omitempty"`
	QuantityDelta  decimal.Decimal `json:"quantity_delta"`
	UnitPriceDelta decimal.Decimal `json:"unit_price_delta"`
	LineTotalDelta decimal.Decimal `json:"line_total_delta"`
	MatchScore     float64         `json:"match_score,omitempty"`
	Severity       Severity        `json:"severity"`
}

// DuplicateSuspect flags invoices that look like the same bill submitted
// more than once.
type DuplicateSuspect struct {
	InvoiceIDs    []string `json:"invoice_ids"`
	VendorName    string   `json:"vendor_name"`
	InvoiceNumber string   `json:"invoice_number"`
}

// Report is the structured diff between two or more invoice records. It is
// a read-only result object.
type Report struct {
	ComparedInvoiceIDs []string           `json:"compared_invoice_ids"`
	FieldDiffs         []FieldDiff        `json:"field_diffs"`
	LineItemDiffs      []LineItemDiff     `json:"line_item_diffs"`
	DuplicateSuspects  []DuplicateSuspect `json:"duplicate_suspects,omitempty"`
}

// Compare diffs two or more invoice records into a discrepancy report.
// It fails with ErrInsufficientInput when fewer than two records are
// supplied. Given the same inputs and options, the report is identical on
// repeated calls.
func Compare(inputs []Input, opts Options) (*Report, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("got %d records: %w", len(inputs), ErrInsufficientInput)
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = DefaultOptions().FuzzyThreshold
	}
	if opts.FieldDiffFraction.IsZero() {
		opts.FieldDiffFraction = DefaultOptions().FieldDiffFraction
	}

	// Inputs are read-only; generated IDs go into a local copy.
	ins := make([]Input, len(inputs))
	copy(ins, inputs)

	report := &Report{
		ComparedInvoiceIDs: make([]string, len(ins)),
		FieldDiffs:         make([]FieldDiff, 0),
		LineItemDiffs:      make([]LineItemDiff, 0),
	}
	for i := range ins {
		if ins[i].ID == "" {
			ins[i].ID = fmt.Sprintf("invoice-%d", i+1)
		}
		report.ComparedInvoiceIDs[i] = ins[i].ID
	}

	// The critical-diff threshold is anchored to the largest total among
	// the compared invoices.
	threshold := criticalThreshold(ins, opts.FieldDiffFraction)

	report.FieldDiffs = fieldDiffs(ins, threshold)

	// Line items are matched pairwise between every pair of invoices, in
	// input order.
	for i := 0; i < len(ins); i++ {
		for j := i + 1; j < len(ins); j++ {
			report.LineItemDiffs = append(report.LineItemDiffs,
				diffLineItems(ins[i], ins[j], opts.FuzzyThreshold, threshold)...)
		}
	}

	report.DuplicateSuspects = duplicateSuspects(ins)

	return report, nil
}

// criticalThreshold returns the absolute amount above which a numeric
// difference is critical.
func criticalThreshold(inputs []Input, fraction decimal.Decimal) decimal.Decimal {
	largest := decimal.Zero
	for _, in := range inputs {
		if total := in.Record.Total.Abs(); total.GreaterThan(largest) {
			largest = total
		}
	}
	return largest.Mul(fraction)
}

// numericSeverity classifies a numeric delta against the threshold. A zero
// threshold makes any difference critical.
func numericSeverity(delta, threshold decimal.Decimal) Severity {
	if delta.Abs().GreaterThan(threshold) {
		return SeverityCritical
	}
	return SeverityMinor
}

// fieldDiffs reports every scalar field whose value is not identical
// across all compared invoices.
func fieldDiffs(inputs []Input, threshold decimal.Decimal) []FieldDiff {
	diffs := make([]FieldDiff, 0)

	// Non-numeric fields: any difference at all is critical. Mismatched
	// currencies in particular are never converted, only flagged.
	stringFields := []struct {
		name  string
		value func(*invoice.Record) string
	}{
		{"vendor_name", func(r *invoice.Record) string { return r.VendorName }},
		{"invoice_number", func(r *invoice.Record) string { return r.InvoiceNumber }},
		{"issue_date", func(r *invoice.Record) string { return r.IssueDate.Format("2006-01-02") }},
		{"currency", func(r *invoice.Record) string { return r.Currency }},
	}
	for _, field := range stringFields {
		values := make([]string, len(inputs))
		differs := false
		for i, in := range inputs {
			values[i] = field.value(in.Record)
			if i > 0 && values[i] != values[0] {
				differs = true
			}
		}
		if differs {
			diffs = append(diffs, FieldDiff{Field: field.name, Values: values, Severity: SeverityCritical})
		}
	}

	numericFields := []struct {
		name  string
		value func(*invoice.Record) decimal.Decimal
	}{
		{"subtotal", func(r *invoice.Record) decimal.Decimal { return r.Subtotal }},
		{"tax", func(r *invoice.Record) decimal.Decimal { return r.Tax }},
		{"total", func(r *invoice.Record) decimal.Decimal { return r.Total }},
	}
	// Severity is judged on the spread (max minus min) across all invoices,
	// so reordering the inputs cannot change it.
	for _, field := range numericFields {
		values := make([]string, len(inputs))
		minAmount := field.value(inputs[0].Record)
		maxAmount := minAmount
		for i, in := range inputs {
			amount := field.value(in.Record)
			values[i] = amount.StringFixed(2)
			if amount.LessThan(minAmount) {
				minAmount = amount
			}
			if amount.GreaterThan(maxAmount) {
				maxAmount = amount
			}
		}
		if spread := maxAmount.Sub(minAmount); !spread.IsZero() {
			diffs = append(diffs, FieldDiff{
				Field:    field.name,
				Values:   values,
				Severity: numericSeverity(spread, threshold),
			})
		}
	}

	return diffs
}

// duplicateSuspects groups invoices that share a vendor and invoice
// number, which usually means the same bill was submitted twice.
func duplicateSuspects(inputs []Input) []DuplicateSuspect {
	type key struct {
		vendor string
		number string
	}
	groups := make(map[key][]int)
	order := make([]key, 0)
	for i, in := range inputs {
		k := key{
			vendor: normalizeDescription(in.Record.VendorName),
			number: normalizeDescription(in.Record.InvoiceNumber),
		}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	suspects := make([]DuplicateSuspect, 0)
	for _, k := range order {
		indices := groups[k]
		if len(indices) < 2 {
			continue
		}
		ids := make([]string, len(indices))
		for i, idx := range indices {
			ids[i] = inputs[idx].ID
		}
		suspects = append(suspects, DuplicateSuspect{
			InvoiceIDs:    ids,
			VendorName:    inputs[indices[0]].Record.VendorName,
			InvoiceNumber: inputs[indices[0]].Record.InvoiceNumber,
		})
	}
	if len(suspects) == 0 {
		return nil
	}
	return suspects
}

// normalizeDescription lowercases and whitespace-normalizes a string for
// matching.
func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
