package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"

	"github.com/oswin26/Invoice-AI/internal/pipeline"
	"github.com/oswin26/Invoice-AI/internal/vision"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-ai")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "invoice-ai.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./documents", "Storage directory path")
		modelType     = fs.StringLong("model", "gemini", "Model provider: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.0-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		timeoutSecs   = fs.IntLong("timeout", 60, "Per-call model deadline in seconds")
		maxRetries    = fs.IntLong("max-retries", 2, "Total model call attempts, including the first")
		tolerance     = fs.StringLong("tolerance", "0.01", "Numeric-consistency tolerance in currency units")
		fuzzyMatch    = fs.StringLong("fuzzy-threshold", "0.8", "Line-item fuzzy match threshold in [0,1]")
		fieldDiffFrac = fs.StringLong("field-diff-threshold", "0.01", "Fraction of total above which a numeric diff is critical")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_AI"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	toleranceAmount, err := decimal.NewFromString(*tolerance)
	if err != nil {
		slog.Error("Invalid tolerance", "value", *tolerance, "error", err)
		os.Exit(1)
	}
	fieldDiffFraction, err := decimal.NewFromString(*fieldDiffFrac)
	if err != nil {
		slog.Error("Invalid field diff threshold", "value", *fieldDiffFrac, "error", err)
		os.Exit(1)
	}
	fuzzyThreshold, err := strconv.ParseFloat(*fuzzyMatch, 64)
	if err != nil || fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		slog.Error("Invalid fuzzy match threshold", "value", *fuzzyMatch)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := pipeline.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize model provider based on type
	var model vision.Model
	switch *modelType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini model...", "model", *geminiModel)
		model, err = vision.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama model...", "url", *ollamaURL, "model", *ollamaModel)
		model, err = vision.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid model provider", "type", *modelType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer model.Close()

	// Bound every model call with a deadline and a single retry budget.
	retrying := vision.NewRetryingModel(model, vision.RetryPolicy{
		MaxAttempts: *maxRetries,
		Timeout:     time.Duration(*timeoutSecs) * time.Second,
		BaseBackoff: 500 * time.Millisecond,
	})

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := pipeline.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service
	service := pipeline.NewService(db, retrying, store, pipeline.Config{
		Tolerance:         toleranceAmount,
		FuzzyThreshold:    fuzzyThreshold,
		FieldDiffFraction: fieldDiffFraction,
	})

	// Initialize server
	basicAuth := pipeline.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := pipeline.NewServer(service, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
