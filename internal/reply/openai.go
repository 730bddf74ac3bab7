package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gosuda/chatrelay/internal/domain"
	"github.com/gosuda/chatrelay/internal/tools"
)

const systemPrompt = "You are a helpful assistant in a realtime chat session. " +
	"Be concise, ask clarifying questions when needed, and when a tool is available " +
	"use it ONLY if it meaningfully improves the answer."

const summarizerSystemPrompt = "You are an expert session summarizer."

var toolSpecs = []openai.Tool{
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        string(tools.NameFetchAccountBalance),
			Description: "Get the current account balance for a user.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"user_id": {"type": "string", "description": "User identifier"}
				},
				"required": ["user_id"]
			}`),
		},
	},
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        string(tools.NameFetchOrderStatus),
			Description: "Get shipping/delivery status for an order.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"order_id": {"type": "string", "description": "Order identifier"}
				},
				"required": ["order_id"]
			}`),
		},
	},
}

// OpenAIEngine is the real backend. Each turn runs a two-phase
// protocol: a first completion that may request tool execution, then a
// streaming completion for the final answer.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	exec   *tools.Executor
}

var _ Engine = (*OpenAIEngine)(nil)

func NewOpenAIEngine(apiKey, model string, exec *tools.Executor) *OpenAIEngine {
	return &OpenAIEngine{
		client: openai.NewClient(apiKey),
		model:  model,
		exec:   exec,
	}
}

func (e *OpenAIEngine) StreamReply(ctx context.Context, history []domain.Message, userID string) (*Stream, error) {
	msgs := chatMessages(history)

	// Phase 1: let the model decide whether it wants a tool.
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:      e.model,
		Messages:   msgs,
		Tools:      toolSpecs,
		ToolChoice: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("reply.OpenAIEngine.StreamReply: decide: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("reply.OpenAIEngine.StreamReply: response had no choices")
	}

	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) == 0 {
		// Phase 2a: no tool requested, stream the answer directly.
		return e.streamCompletion(ctx, msgs, domain.Meta{"mode": "openai_stream"})
	}

	// Phase 2b: execute requested tools, splice the call intents and
	// their results into the history, and stream the final answer
	// conditioned on the tool outputs.
	meta := domain.Meta{"mode": "openai_tool_stream"}
	callMeta := make([]domain.Meta, 0, len(choice.Message.ToolCalls))
	toolMsgs := make([]openai.ChatCompletionMessage, 0, len(choice.Message.ToolCalls))

	for _, tc := range choice.Message.ToolCalls {
		raw := json.RawMessage(tc.Function.Arguments)

		var parsedArgs any
		_ = json.Unmarshal(raw, &parsedArgs)
		callMeta = append(callMeta, domain.Meta{"name": tc.Function.Name, "args": parsedArgs})

		result, execErr := e.exec.Execute(ctx, tools.Call{
			ID:   tc.ID,
			Name: tools.Name(tc.Function.Name),
			Args: raw,
		}, userID)
		if execErr != nil {
			// Unknown names and malformed arguments become an
			// error-shaped result; the turn continues.
			result = map[string]string{"error": "Unknown tool: " + tc.Function.Name}
		}

		content, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			return nil, fmt.Errorf("reply.OpenAIEngine.StreamReply: marshal tool result: %w", marshalErr)
		}

		toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Content:    string(content),
		})
	}
	meta["tool_calls"] = callMeta

	followup := make([]openai.ChatCompletionMessage, 0, len(msgs)+1+len(toolMsgs))
	followup = append(followup, msgs...)
	followup = append(followup, openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
	})
	followup = append(followup, toolMsgs...)

	return e.streamCompletion(ctx, followup, meta)
}

func (e *OpenAIEngine) Summarize(ctx context.Context, transcript string) (string, error) {
	prompt := "Summarize this conversation in 5-7 bullet points. " +
		"Include any actions taken (including tool usage) and the user's final intent.\n\n" +
		"TRANSCRIPT:\n" + transcript

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("reply.OpenAIEngine.Summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("reply.OpenAIEngine.Summarize: response had no choices")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// streamCompletion issues a streaming completion and pumps its deltas
// into a Stream. The returned stream is single-pass.
func (e *OpenAIEngine) streamCompletion(ctx context.Context, msgs []openai.ChatCompletionMessage, meta domain.Meta) (*Stream, error) {
	upstream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("reply.OpenAIEngine.streamCompletion: %w", err)
	}

	s := newStream(meta)

	go func() {
		defer upstream.Close()
		for {
			chunk, recvErr := upstream.Recv()
			if errors.Is(recvErr, io.EOF) {
				s.finish(nil)
				return
			}
			if recvErr != nil {
				s.finish(fmt.Errorf("reply.OpenAIEngine.streamCompletion: recv: %w", recvErr))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if emitErr := s.emit(ctx, delta); emitErr != nil {
				s.finish(emitErr)
				return
			}
		}
	}()

	return s, nil
}

func chatMessages(history []domain.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return msgs
}
