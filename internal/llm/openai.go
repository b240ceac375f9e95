package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Completer and Embedder over the Chat Completions and
// Embeddings APIs. BaseURL makes it usable with any compatible server.
type OpenAI struct {
	client     *openai.Client
	model      string
	embedModel string
}

// OpenAIOptions configures NewOpenAI.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
	MaxRetries int
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	clientOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.EmbedModel == "" {
		opts.EmbedModel = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAI{client: &client, model: opts.Model, embedModel: opts.EmbedModel}
}

func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       o.model,
		Temperature: openai.Float(req.Temperature),
		Tools: []openai.ChatCompletionToolParam{{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        HandoffTool,
				Description: openai.String(handoffToolDescription),
			},
		}},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Completion{}, openaiError("openai chat", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, unavailable("openai chat", errors.New("empty choices"))
	}

	msg := resp.Choices[0].Message
	out := Completion{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == HandoffTool {
			out.Handoff = true
		}
	}
	return out, nil
}

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(o.embedModel),
	})
	if err != nil {
		return nil, openaiError("openai embeddings", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, unavailable("openai embeddings", fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, unavailable("openai embeddings", fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func openaiError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(op, apiErr.StatusCode, err)
	}
	return unavailable(op, err)
}
