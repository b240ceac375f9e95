// Package llm adapts hosted and local language models to the two narrow
// contracts the agent needs: text completion and batch embedding.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable marks a completion or embedding call that failed for a
	// reason the caller cannot fix (transport, 5xx, timeout).
	ErrUnavailable = errors.New("completion service unavailable")

	// ErrRateLimited is a rate-limit refusal. It matches ErrUnavailable.
	ErrRateLimited = fmt.Errorf("rate limited: %w", ErrUnavailable)
)

// HandoffTool is the tool a model may call to request a human operator.
const HandoffTool = "call_operator"

const handoffToolDescription = "Transfer the conversation to a human sales manager. " +
	"Call this when the customer asks for a person, wants to place an order, or the question cannot be answered from the catalog."

// ChatMessage is one prior turn passed to the model.
type ChatMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// CompletionRequest is everything a Completer needs for one reply.
type CompletionRequest struct {
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Completion is the model's answer. Handoff is set when the model declared
// the operator hand-off intent through HandoffTool.
type Completion struct {
	Text    string
	Handoff bool
}

// Completer produces a reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// Embedder turns a batch of texts into fixed-dimension vectors, one per
// input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	return f(ctx, req)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// classifyStatus maps an HTTP status from any provider to the package errors.
func classifyStatus(op string, code int, err error) error {
	if code == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
