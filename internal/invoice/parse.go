package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedResponse means the model's response did not fit the expected
// schema: missing required field, wrong type, unparsable number or date.
var ErrMalformedResponse = errors.New("malformed model response")

// defaultConfidence is used when the model did not report a usable
// confidence signal. The record is marked heuristic in that case.
const defaultConfidence = 0.5

// dateFormats are the layouts tried, in order, when normalizing dates the
// model did not already return in ISO form.
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
}

var (
	currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)
	amountCleanRe  = regexp.MustCompile(`[$€£¥,\s]`)
)

// rawInvoice is the wire shape of the model's JSON response. Pointers
// distinguish absent fields from zero values; amounts are kept loose
// because models sometimes return them as strings.
type rawInvoice struct {
	VendorName    *string       `json:"vendor_name"`
	InvoiceNumber *string       `json:"invoice_number"`
	IssueDate     *string       `json:"issue_date"`
	DueDate       *string       `json:"due_date"`
	PaymentTerms  *string       `json:"payment_terms"`
	LineItems     []rawLineItem `json:"line_items"`
	Subtotal      any           `json:"subtotal"`
	Tax           any           `json:"tax"`
	Total         any           `json:"total"`
	Currency      *string       `json:"currency"`
	Confidence    *float64      `json:"confidence"`
}

type rawLineItem struct {
	Description string `json:"description"`
	Quantity    any    `json:"quantity"`
	UnitPrice   any    `json:"unit_price"`
	LineTotal   any    `json:"line_total"`
}

// Parse parses a raw model response into a validated Record using the
// default numeric tolerance.
func Parse(raw string) (*Record, error) {
	return ParseWithTolerance(raw, DefaultTolerance)
}

// ParseWithTolerance parses a raw model response into a Record, validating
// required fields and normalizing dates and currency to canonical forms.
//
// A tolerance violation in the invoice arithmetic does not reject the
// record: extraction is best-effort and partial data is more useful
// downstream than a hard failure, so the record comes back annotated with
// ConsistencyWarning instead.
func ParseWithTolerance(raw string, tolerance decimal.Decimal) (*Record, error) {
	jsonText, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var wire rawInvoice
	dec := json.NewDecoder(strings.NewReader(jsonText))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %v: %w", err, ErrMalformedResponse)
	}

	record := &Record{SchemaVersion: SchemaVersionFromResponse(jsonText)}

	if record.VendorName, err = requiredString(wire.VendorName, "vendor_name"); err != nil {
		return nil, err
	}
	if record.InvoiceNumber, err = requiredString(wire.InvoiceNumber, "invoice_number"); err != nil {
		return nil, err
	}

	issueDate, err := requiredString(wire.IssueDate, "issue_date")
	if err != nil {
		return nil, err
	}
	if record.IssueDate, err = parseDate(issueDate); err != nil {
		return nil, err
	}

	// due_date and payment_terms are optional on real invoices.
	if wire.DueDate != nil && strings.TrimSpace(*wire.DueDate) != "" {
		due, err := parseDate(*wire.DueDate)
		if err != nil {
			return nil, err
		}
		record.DueDate = &due
	}
	if wire.PaymentTerms != nil {
		record.PaymentTerms = strings.TrimSpace(*wire.PaymentTerms)
	}

	record.LineItems = make([]LineItem, 0, len(wire.LineItems))
	for i, item := range wire.LineItems {
		parsed, err := parseLineItem(item, i)
		if err != nil {
			return nil, err
		}
		record.LineItems = append(record.LineItems, parsed)
	}

	if record.Subtotal, err = parseAmount(wire.Subtotal, "subtotal"); err != nil {
		return nil, err
	}
	if record.Tax, err = parseAmount(wire.Tax, "tax"); err != nil {
		return nil, err
	}
	if record.Total, err = parseAmount(wire.Total, "total"); err != nil {
		return nil, err
	}

	currency, err := requiredString(wire.Currency, "currency")
	if err != nil {
		return nil, err
	}
	if record.Currency, err = parseCurrency(currency); err != nil {
		return nil, err
	}

	if wire.Confidence != nil && *wire.Confidence >= 0 && *wire.Confidence <= 1 {
		record.Confidence = *wire.Confidence
	} else {
		record.Confidence = defaultConfidence
		record.ConfidenceHeuristic = true
	}

	record.ConsistencyWarning = !record.consistent(tolerance)

	return record, nil
}

// extractJSON locates the JSON object inside a raw model response, which
// may be wrapped in markdown fences or surrounding prose.
func extractJSON(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response: %w", ErrMalformedResponse)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response: %w", ErrMalformedResponse)
	}
	return text[startIdx : endIdx+1], nil
}

// SchemaVersionFromResponse reads an embedded schema_version field if the
// model echoed one back, defaulting to the current schema.
func SchemaVersionFromResponse(jsonText string) string {
	var probe struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal([]byte(jsonText), &probe); err == nil && probe.SchemaVersion != "" {
		return probe.SchemaVersion
	}
	return "invoice/v1"
}

func requiredString(value *string, field string) (string, error) {
	if value == nil {
		return "", fmt.Errorf("missing required field %q: %w", field, ErrMalformedResponse)
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return "", fmt.Errorf("empty required field %q: %w", field, ErrMalformedResponse)
	}
	return trimmed, nil
}

func parseLineItem(item rawLineItem, index int) (LineItem, error) {
	description := strings.TrimSpace(item.Description)
	if description == "" {
		return LineItem{}, fmt.Errorf("line item %d: missing description: %w", index, ErrMalformedResponse)
	}

	quantity, err := parseAmount(item.Quantity, fmt.Sprintf("line_items[%d].quantity", index))
	if err != nil {
		return LineItem{}, err
	}
	unitPrice, err := parseAmount(item.UnitPrice, fmt.Sprintf("line_items[%d].unit_price", index))
	if err != nil {
		return LineItem{}, err
	}
	lineTotal, err := parseAmount(item.LineTotal, fmt.Sprintf("line_items[%d].line_total", index))
	if err != nil {
		return LineItem{}, err
	}

	return LineItem{
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		LineTotal:   lineTotal,
	}, nil
}

// parseAmount accepts a JSON number or a string amount (possibly with a
// currency symbol or thousands separators) and converts it to a decimal.
func parseAmount(value any, field string) (decimal.Decimal, error) {
	var text string
	switch v := value.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("missing required field %q: %w", field, ErrMalformedResponse)
	case json.Number:
		text = v.String()
	case string:
		text = amountCleanRe.ReplaceAllString(v, "")
	default:
		return decimal.Zero, fmt.Errorf("field %q has unexpected type %T: %w", field, value, ErrMalformedResponse)
	}

	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %q is not a number: %w", field, ErrMalformedResponse)
	}
	return amount, nil
}

// parseDate normalizes a date string to a canonical date, failing when no
// known layout matches rather than guessing.
func parseDate(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, format := range dateFormats {
		if d, err := time.Parse(format, text); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q: %w", text, ErrMalformedResponse)
}

// parseCurrency normalizes a currency string to an uppercase ISO 4217 code.
func parseCurrency(text string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(text))
	if !currencyCodeRe.MatchString(code) {
		return "", fmt.Errorf("ambiguous currency %q: %w", text, ErrMalformedResponse)
	}
	return code, nil
}
