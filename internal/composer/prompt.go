package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/llm"
	"github.com/kalambet/salesagent/internal/storage"
)

const (
	defaultMaxContextTokens = 4000
	defaultMaxTokens        = 400
	defaultTemperature      = 0.3
)

const contextHeader = "\n\nRelevant products:\n"

// Composer assembles completion requests from the system prompt, the
// retrieved catalog entries and the dialog so far.
type Composer struct {
	MaxContextTokens int
	MaxTokens        int
	Temperature      float64
}

// New creates a Composer with the given token budget for injected catalog
// context. If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{
		MaxContextTokens: maxContextTokens,
		MaxTokens:        defaultMaxTokens,
		Temperature:      defaultTemperature,
	}
}

// Compose builds the request for one reply. The grounding context is
// appended to the system prompt; history keeps its order and newText is the
// final user turn.
func (c *Composer) Compose(systemPrompt string, hits []catalog.Hit, history []storage.Message, newText string) llm.CompletionRequest {
	msgs := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.ChatMessage{Role: string(storage.RoleUser), Content: newText})

	return llm.CompletionRequest{
		System:      systemPrompt + c.GroundingContext(hits),
		Messages:    msgs,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	}
}

// GroundingContext renders hits nearest first, dropping entries that no
// longer fit in the token budget. No hits yield an empty string.
func (c *Composer) GroundingContext(hits []catalog.Hit) string {
	if len(hits) == 0 {
		return ""
	}

	remaining := c.MaxContextTokens - EstimateTokens(contextHeader)
	var selected []string
	for _, h := range hits {
		entry := formatEntry(len(selected)+1, h.Entry)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}
	if len(selected) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(contextHeader)
	sb.WriteString(strings.Join(selected, "\n"))
	return sb.String()
}

func formatEntry(n int, e catalog.Entry) string {
	return fmt.Sprintf("Product %d:\nName: %s\nDescription: %s\nPrice: %s\n", n, e.Name, e.Description, e.Price)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
