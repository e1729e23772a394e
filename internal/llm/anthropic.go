package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// AnthropicConfig configures the direct-Anthropic backend, used when the
// deployment talks to Anthropic without the OpenAI-compatible proxy.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// AnthropicBackend streams messages from the Anthropic API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates the backend.
func NewAnthropicBackend(config AnthropicConfig) (*AnthropicBackend, error) {
	if config.APIKey == "" {
		return nil, errors.New("llm: anthropic API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicBackend{client: anthropic.NewClient(options...)}, nil
}

// Name returns "anthropic".
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Open starts a streaming message request.
func (b *AnthropicBackend) Open(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	messages, err := convertMessagesToAnthropic(req.Messages)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Detail: err.Error(), Err: err}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, &Error{Kind: KindPermanent, Detail: fmt.Sprintf("invalid schema for tool %s", tool.Name), Err: err}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	stream := b.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *Chunk, 16)
	go b.processStream(stream, chunks)
	return chunks, nil
}

// anthropicStream abstracts the SDK's SSE stream for processing.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// processStream converts Anthropic SSE events into driver chunks. Tool
// input JSON arrives fragmented across input_json_delta events and is
// accumulated until the content block stops.
func (b *AnthropicBackend) processStream(stream anthropicStream, chunks chan<- *Chunk) {
	defer close(chunks)

	var currentTool *models.ToolCall
	var currentInput strings.Builder
	finish := FinishStop
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Arguments = json.RawMessage(args)
				chunks <- &Chunk{ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			switch messageDelta.Delta.StopReason {
			case "tool_use":
				finish = FinishToolCalls
			case "max_tokens":
				finish = FinishLength
			}

		case "message_stop":
			chunks <- &Chunk{Done: true, FinishReason: finish, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Err: classifyAnthropicError(err)}
		return
	}
	chunks <- &Chunk{Done: true, FinishReason: finish, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// convertMessagesToAnthropic maps session history to Anthropic messages.
// Tool-role messages become tool_result blocks on user messages;
// assistant tool calls become tool_use blocks.
func convertMessagesToAnthropic(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		// switch_mode tool calls are control flow, never answered; an
		// unanswered tool_use block is rejected by the API.
		for _, tc := range msg.ToolCalls {
			if tc.Name == tools.SwitchMode {
				continue
			}
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

// classifyAnthropicError maps SDK errors onto the driver error taxonomy.
func classifyAnthropicError(err error) *Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:   classifyStatus(apiErr.StatusCode),
			Detail: fmt.Sprintf("anthropic returned %d", apiErr.StatusCode),
			Err:    err,
		}
	}
	return &Error{Kind: classifyTransport(err), Detail: err.Error(), Err: err}
}
