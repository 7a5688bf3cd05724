package vision

import (
	"context"
	"errors"
)

// Input-stage errors. These indicate a problem with the uploaded document
// itself and must never be retried.
var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptDocument   = errors.New("corrupt document")
)

// Model-dependency errors. ErrModelUnavailable covers network failures and
// timeouts and is eligible for bounded retry; ErrModelRejected means the
// provider refused the request (content policy) and is terminal.
var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrModelRejected    = errors.New("model rejected request")
)

// Request is a fully built instruction payload for a vision model call:
// one PNG image plus the prompt that constrains the output schema.
type Request struct {
	Prompt        string
	ImagePNG      []byte
	SchemaVersion string
}

// Model defines the interface for vision-language model providers.
type Model interface {
	// Invoke sends the request and returns the raw text response.
	Invoke(ctx context.Context, req Request) (string, error)
	// Close closes the provider and releases resources.
	Close() error
}
