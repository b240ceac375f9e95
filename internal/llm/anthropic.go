package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// Anthropic implements Completer over the Messages API. It has no
// embedding endpoint; pair it with another Embedder.
type Anthropic struct {
	client *anthropic.Client
	model  anthropic.Model
}

// AnthropicOptions configures NewAnthropic.
type AnthropicOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

func NewAnthropic(opts AnthropicOptions) *Anthropic {
	clientOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := anthropic.Model(opts.Model)
	if model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	client := anthropic.NewClient(clientOpts...)
	return &Anthropic{client: &client, model: model}
}

func (a *Anthropic) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 400
	}
	params := anthropic.MessageNewParams{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Tools: []anthropic.ToolUnionParam{
			handoffToolParam(),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Completion{}, classifyStatus("anthropic messages", apiErr.StatusCode, err)
		}
		return Completion{}, unavailable("anthropic messages", err)
	}

	var text strings.Builder
	var out Completion
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			if block.AsToolUse().Name == HandoffTool {
				out.Handoff = true
			}
		}
	}
	out.Text = text.String()
	return out, nil
}

func handoffToolParam() anthropic.ToolUnionParam {
	tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
		Type:       constant.Object("object"),
		Properties: map[string]any{},
	}, HandoffTool)
	if tool.OfTool != nil {
		tool.OfTool.Description = anthropic.String(handoffToolDescription)
	}
	return tool
}
