// Package llm is the text-generation capability the pipeline delegates to:
// the classifier, the main assessment call and the judge all speak to a model
// through the Client interface.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyCompletion is returned when the model answered with no content.
	ErrEmptyCompletion = errors.New("llm returned no completion")
	// ErrLengthLimit marks an answer the model stopped at its token limit.
	ErrLengthLimit = errors.New("llm stopped at the token limit")
)

// Request is one chat-style generation call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSON asks the endpoint to constrain the answer to a JSON object.
	JSON bool
}

// Response is the raw text the model produced.
type Response struct {
	Text  string
	Model string
	// Truncated is set when generation ended at the token limit.
	Truncated bool
}

// Client generates text for a Request.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Generate calls f(ctx, req).
func (f ClientFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
