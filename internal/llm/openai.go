package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAIConfig configures the OpenAI-compatible backend. BaseURL points
// at the LLM proxy; any OpenAI-compatible provider works.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// OAuth, when set, replaces the static API key with a
	// client-credentials token source for calls to the proxy.
	OAuth *clientcredentials.Config
}

// OpenAIBackend streams chat completions from an OpenAI-compatible API.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend creates the backend.
func NewOpenAIBackend(config OpenAIConfig) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if config.OAuth != nil {
		clientConfig.HTTPClient = config.OAuth.Client(context.Background())
	}
	if clientConfig.HTTPClient == nil {
		clientConfig.HTTPClient = &http.Client{}
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(clientConfig)}
}

// Name returns "openai".
func (b *OpenAIBackend) Name() string { return "openai" }

// Open starts a streaming chat completion. Open errors are classified;
// the driver retries the transient ones.
func (b *OpenAIBackend) Open(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessagesToOpenAI(req.System, req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	for _, tool := range req.Tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Schema, &params); err != nil {
			return nil, &Error{Kind: KindPermanent, Detail: fmt.Sprintf("invalid schema for tool %s", tool.Name), Err: err}
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	chunks := make(chan *Chunk, 16)
	go b.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream converts the SSE delta stream into driver chunks,
// reassembling fragmented tool calls by index.
func (b *OpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	type partial struct {
		id   string
		name string
		args strings.Builder
	}
	partials := make(map[int]*partial)
	order := []int{}

	finish := FinishStop
	sawToolCalls := false
	var inputTokens, outputTokens int

	flushToolCalls := func() {
		for _, idx := range order {
			p := partials[idx]
			if p == nil || p.id == "" || p.name == "" {
				continue
			}
			args := p.args.String()
			if args == "" {
				args = "{}"
			}
			chunks <- &Chunk{ToolCall: &models.ToolCall{
				ID:        p.id,
				Name:      p.name,
				Arguments: json.RawMessage(args),
			}}
		}
		partials = make(map[int]*partial)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: &Error{Kind: KindPermanent, Detail: "cancelled", Err: ctx.Err()}}
			return
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if sawToolCalls {
				flushToolCalls()
				finish = FinishToolCalls
			}
			chunks <- &Chunk{Done: true, FinishReason: finish, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
		if err != nil {
			chunks <- &Chunk{Err: classifyOpenAIError(err)}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			p, ok := partials[index]
			if !ok {
				p = &partial{}
				partials[index] = p
				order = append(order, index)
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.args.WriteString(tc.Function.Arguments)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			sawToolCalls = true
		case openai.FinishReasonLength:
			finish = FinishLength
		}
	}
}

// convertMessagesToOpenAI maps the session history to wire messages. The
// system prompt leads; tool-role messages carry their tool_call_id.
func convertMessagesToOpenAI(system string, messages []*models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			wire := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			// switch_mode is an out-of-band control signal: it never gets
			// a tool result, and the API rejects an unanswered tool_call,
			// so it must not reach the wire.
			for _, tc := range msg.ToolCalls {
				if tc.Name == tools.SwitchMode {
					continue
				}
				wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			if wire.Content == "" && len(wire.ToolCalls) == 0 {
				continue
			}
			out = append(out, wire)

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.Name,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

// classifyOpenAIError maps SDK errors onto the driver error taxonomy.
func classifyOpenAIError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:   classifyStatus(apiErr.HTTPStatusCode),
			Detail: fmt.Sprintf("llm proxy returned %d: %s", apiErr.HTTPStatusCode, apiErr.Message),
			Err:    err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Kind:   classifyStatus(reqErr.HTTPStatusCode),
			Detail: fmt.Sprintf("llm proxy request failed with %d", reqErr.HTTPStatusCode),
			Err:    err,
		}
	}
	return &Error{Kind: classifyTransport(err), Detail: err.Error(), Err: err}
}
