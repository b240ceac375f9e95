package llm

import (
	"context"
	"errors"

	"github.com/kalambet/salesagent/internal/ollama"
)

// Ollama implements Completer and Embedder over a local Ollama server.
// The hand-off intent is only detectable through the reply marker here.
type Ollama struct {
	client     *ollama.Client
	model      string
	embedModel string
}

func NewOllama(client *ollama.Client, model, embedModel string) *Ollama {
	return &Ollama{client: client, model: model, embedModel: embedModel}
}

func (o *Ollama) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	messages := make([]ollama.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollama.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollama.Message{Role: m.Role, Content: m.Content})
	}

	text, err := o.client.Chat(ctx, o.model, messages, &ollama.Options{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
	if err != nil {
		return Completion{}, ollamaError("ollama chat", err)
	}
	return Completion{Text: text}, nil
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := o.client.Embed(ctx, o.embedModel, texts)
	if err != nil {
		return nil, ollamaError("ollama embed", err)
	}
	return vecs, nil
}

func ollamaError(op string, err error) error {
	var se *ollama.StatusError
	if errors.As(err, &se) {
		return classifyStatus(op, se.Code, err)
	}
	return unavailable(op, err)
}
