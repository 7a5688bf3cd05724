package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Model interface using Google Gemini.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Model instance.
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Invoke sends the image and prompt to Gemini and returns the raw text
// response. The caller's context carries the deadline; on timeout or
// network failure the error wraps ErrModelUnavailable, on a content-policy
// block it wraps ErrModelRejected.
func (g *Gemini) Invoke(ctx context.Context, req Request) (string, error) {
	parts := []genai.Part{
		genai.ImageData("png", req.ImagePNG),
		genai.Text(req.Prompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", fmt.Errorf("gemini blocked request: %w", ErrModelRejected)
		}
		return "", fmt.Errorf("generating content: %v: %w", err, ErrModelUnavailable)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response from gemini: %w", ErrModelRejected)
	}

	// Collect the text parts of the first candidate.
	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return responseText.String(), nil
}

// Close closes the Gemini client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
