package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/storage"
)

// Embedder embeds a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher finds catalog entries near a query vector.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int) ([]catalog.Hit, error)
}

// Retriever turns a dialog into one catalog query.
type Retriever struct {
	embedder Embedder
	index    Searcher
}

// NewRetriever creates a Retriever backed by the given Embedder and catalog index.
func NewRetriever(embedder Embedder, index Searcher) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve returns up to k catalog entries for the dialog, most relevant
// first. Only user turns contribute to the query.
func (r *Retriever) Retrieve(ctx context.Context, history []storage.Message, newText string, k int) ([]catalog.Hit, error) {
	query := Query(history, newText)
	if query == "" || k <= 0 {
		return nil, nil
	}

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors", len(vecs))
	}

	hits, err := r.index.Search(ctx, vecs[0], k)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Query joins the user turns of history and newText with single spaces.
func Query(history []storage.Message, newText string) string {
	parts := make([]string, 0, len(history)+1)
	for _, m := range history {
		if m.Role == storage.RoleUser && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	if newText != "" {
		parts = append(parts, newText)
	}
	return strings.Join(parts, " ")
}
