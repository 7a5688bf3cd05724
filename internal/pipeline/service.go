package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/oswin26/Invoice-AI/internal/compare"
	"github.com/oswin26/Invoice-AI/internal/invoice"
	"github.com/oswin26/Invoice-AI/internal/vision"
)

// Config tunes the pipeline. Zero values fall back to the defaults.
type Config struct {
	// Tolerance is the absolute amount by which invoice arithmetic may be
	// off before the record is flagged inconsistent.
	Tolerance decimal.Decimal
	// FuzzyThreshold is the minimum similarity for fuzzy line-item matches.
	FuzzyThreshold float64
	// FieldDiffFraction is the fraction of the invoice total above which a
	// numeric field difference is critical.
	FieldDiffFraction decimal.Decimal
	// MaxConcurrent caps concurrent extractions in ExtractAll.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Tolerance.IsZero() {
		c.Tolerance = invoice.DefaultTolerance
	}
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = compare.DefaultOptions().FuzzyThreshold
	}
	if c.FieldDiffFraction.IsZero() {
		c.FieldDiffFraction = compare.DefaultOptions().FieldDiffFraction
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// IDGenerator generates unique IDs for stored invoices.
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates IDs using UnixNano timestamp.
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// defaultTimeSource provides the current time.
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// StoredInvoice is an extracted invoice record kept server-side so later
// requests can reference it by ID. The pipeline itself is stateless; this
// envelope exists only for the caller-facing API.
type StoredInvoice struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	Record      invoice.Record `json:"record"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Service runs the extraction-and-comparison pipeline. Every invocation is
// an independent, stateless unit of work; the model is the only shared,
// rate-limited collaborator.
type Service struct {
	db          DB
	model       vision.Model
	storage     Storage
	config      Config
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source.
func NewService(db DB, model vision.Model, storage Storage, config Config) *Service {
	return NewServiceWithDeps(db, model, storage, config, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing.
func NewServiceWithDeps(db DB, model vision.Model, storage Storage, config Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		model:       model,
		storage:     storage,
		config:      config.withDefaults(),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Extract turns one raw document into a validated invoice record:
// normalize, prompt, model call, parse. Multi-page documents are extracted
// from their first page, which carries the invoice header and totals.
func (s *Service) Extract(ctx context.Context, doc vision.RawDocument) (*invoice.Record, error) {
	pages, err := vision.Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("normalizing document: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("document has no pages: %w", vision.ErrCorruptDocument)
	}

	raw, err := s.model.Invoke(ctx, vision.BuildRequest(pages[0]))
	if err != nil {
		return nil, fmt.Errorf("extracting invoice: %w", err)
	}

	record, err := invoice.ParseWithTolerance(raw, s.config.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("parsing model response: %w", err)
	}
	return record, nil
}

// ExtractAll extracts several documents concurrently, bounded by the
// configured concurrency cap. Results keep the input order. The first
// failure cancels the remaining extractions.
func (s *Service) ExtractAll(ctx context.Context, docs []vision.RawDocument) ([]*invoice.Record, error) {
	records := make([]*invoice.Record, len(docs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	for i, doc := range docs {
		g.Go(func() error {
			record, err := s.Extract(ctx, doc)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// CompareAll diffs two or more extracted records into a discrepancy report.
func (s *Service) CompareAll(inputs []compare.Input) (*compare.Report, error) {
	report, err := compare.Compare(inputs, compare.Options{
		FuzzyThreshold:    s.config.FuzzyThreshold,
		FieldDiffFraction: s.config.FieldDiffFraction,
	})
	if err != nil {
		return nil, fmt.Errorf("comparing invoices: %w", err)
	}
	return report, nil
}

// Ask answers a free-form question about a document using the model.
func (s *Service) Ask(ctx context.Context, doc vision.RawDocument, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("question is required")
	}

	pages, err := vision.Normalize(doc)
	if err != nil {
		return "", fmt.Errorf("normalizing document: %w", err)
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("document has no pages: %w", vision.ErrCorruptDocument)
	}

	answer, err := s.model.Invoke(ctx, vision.BuildQuestionRequest(pages[0], question))
	if err != nil {
		return "", fmt.Errorf("answering question: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// sanitizeFilename cleans up a filename by removing special characters and
// truncating length, which keeps phone-generated names manageable.
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")
	reg = regexp.MustCompile(`\s+`)
	base = strings.TrimSpace(reg.ReplaceAllString(base, " "))

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// ProcessInvoice uploads a document, runs extraction, and stores both the
// original file and the extracted record so they can be referenced by ID.
func (s *Service) ProcessInvoice(ctx context.Context, filename string, data []byte, contentType string) (*StoredInvoice, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	cleanFilename := sanitizeFilename(filename)
	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, cleanFilename), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	record, err := s.Extract(ctx, vision.RawDocument{Data: data, MediaType: contentType})
	if err != nil {
		slog.Error("Failed to extract invoice",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		// Clean up the saved file since extraction failed.
		s.storage.Delete(savedPath)
		return nil, err
	}

	stored := &StoredInvoice{
		ID:          id,
		Filename:    savedPath,
		ContentType: contentType,
		Record:      *record,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.SaveInvoice(stored); err != nil {
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving invoice to database: %w", err)
	}

	return stored, nil
}

// GetInvoice retrieves a stored invoice by ID.
func (s *Service) GetInvoice(id string) (*StoredInvoice, error) {
	stored, err := s.db.GetInvoice(id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return stored, nil
}

// ListInvoices returns all stored invoices.
func (s *Service) ListInvoices() ([]*StoredInvoice, error) {
	invoices, err := s.db.ListInvoices()
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return invoices, nil
}

// DeleteInvoice removes a stored invoice and its file.
func (s *Service) DeleteInvoice(id string) error {
	stored, err := s.db.GetInvoice(id)
	if err != nil {
		return fmt.Errorf("getting invoice for deletion: %w", err)
	}

	if err := s.storage.Delete(stored.Filename); err != nil {
		slog.Warn("Failed to delete file", "filename", stored.Filename, "error", err)
	}

	if err := s.db.DeleteInvoice(id); err != nil {
		return fmt.Errorf("deleting invoice from database: %w", err)
	}
	return nil
}

// GetInvoiceFile retrieves the original document bytes for a stored invoice.
func (s *Service) GetInvoiceFile(id string) ([]byte, string, error) {
	stored, err := s.db.GetInvoice(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice: %w", err)
	}

	data, err := s.storage.Get(stored.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice file: %w", err)
	}
	return data, stored.ContentType, nil
}

// CompareStored diffs previously stored invoices referenced by ID.
func (s *Service) CompareStored(ids []string) (*compare.Report, error) {
	inputs := make([]compare.Input, 0, len(ids))
	for _, id := range ids {
		stored, err := s.db.GetInvoice(id)
		if err != nil {
			return nil, fmt.Errorf("getting invoice %s: %w", id, err)
		}
		inputs = append(inputs, compare.Input{ID: id, Record: &stored.Record})
	}
	return s.CompareAll(inputs)
}

// CurrencyStats aggregates stored invoices for one currency.
type CurrencyStats struct {
	Currency string `json:"currency"`
	Count    int    `json:"count"`
	Total    string `json:"total"`
}

// Stats summarizes all stored invoices.
type Stats struct {
	InvoiceCount int             `json:"invoice_count"`
	Currencies   []CurrencyStats `json:"currencies"`
	VendorCounts map[string]int  `json:"vendor_counts"`
	WarningCount int             `json:"warning_count"`
}

// GetStats aggregates counts and totals over all stored invoices.
func (s *Service) GetStats() (*Stats, error) {
	invoices, err := s.db.ListInvoices()
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}

	totals := make(map[string]decimal.Decimal)
	counts := make(map[string]int)
	currencies := make([]string, 0)
	stats := &Stats{
		InvoiceCount: len(invoices),
		VendorCounts: make(map[string]int),
	}
	for _, stored := range invoices {
		currency := stored.Record.Currency
		if _, seen := totals[currency]; !seen {
			currencies = append(currencies, currency)
		}
		totals[currency] = totals[currency].Add(stored.Record.Total)
		counts[currency]++
		stats.VendorCounts[stored.Record.VendorName]++
		if stored.Record.ConsistencyWarning {
			stats.WarningCount++
		}
	}

	sort.Strings(currencies)
	for _, currency := range currencies {
		stats.Currencies = append(stats.Currencies, CurrencyStats{
			Currency: currency,
			Count:    counts[currency],
			Total:    totals[currency].StringFixed(2),
		})
	}
	return stats, nil
}
