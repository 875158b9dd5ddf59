// Package openai translates the OpenAI chat-completions dialect (and its
// Responses API variant) to and from the canonical prompt model.
package openai

import (
	"encoding/json"
	"strings"
)

// --- OpenAI Chat Completions API Types ---
// Reference: https://platform.openai.com/docs/api-reference/chat
//
// Key differences from the Messages dialect:
// - system/developer prompts are ordinary messages, not a top-level field
// - tool calls live on the assistant message (arguments as a JSON string)
// - tool results are role "tool" messages keyed by tool_call_id

// Request is the inbound /v1/chat/completions request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message is one conversation message with string-or-parts content.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// Parts decodes the content field. A bare string decodes as a single text
// part.
func (m *Message) Parts() []ContentPart {
	if len(m.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		if s == "" {
			return nil
		}
		return []ContentPart{{Type: "text", Text: s}}
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil
	}
	return parts
}

// Text flattens the content to its text parts, joined with spaces.
func (m *Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var texts []string
	for _, p := range m.Parts() {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// ContentPart is a polymorphic content element.
type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference; only data: URLs are honored.
type ImageURL struct {
	URL string `json:"url"`
}

// Tool is an inbound tool definition.
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes the callable function.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is an assistant-side function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function ToolCallFunc `json:"function"`
}

// ToolCallFunc carries the function name and its JSON-string arguments.
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Response is the non-streaming /v1/chat/completions reply.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int        `json:"index"`
	Message      OutMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// OutMessage is the assistant reply message.
type OutMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage reports token consumption. The upstream reports no counts, so
// these stay zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Streaming chunk envelopes ---

// Chunk is one chat.completion.chunk SSE payload.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"` // "chat.completion.chunk"
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta; finish_reason is null until the final
// chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message content. The final chunk carries an
// empty delta object.
type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// --- Responses API variant ---
// Reference: https://platform.openai.com/docs/api-reference/responses
//
// `input` is a bare string or a list of message items; `instructions`
// plays the system-prompt role.

// ResponsesRequest is the inbound /v1/responses request.
type ResponsesRequest struct {
	Model        string          `json:"model"`
	Input        json.RawMessage `json:"input"`
	Instructions string          `json:"instructions,omitempty"`
	Stream       bool            `json:"stream,omitempty"`
}

// InputItem is one message item of a list-shaped input.
type InputItem struct {
	Type    string          `json:"type,omitempty"` // "message" or empty
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ResponsesResponse is the non-streaming /v1/responses reply.
type ResponsesResponse struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"` // "response"
	CreatedAt int64         `json:"created_at"`
	Status    string        `json:"status"` // "in_progress" | "completed"
	Model     string        `json:"model"`
	Output    []OutputItem  `json:"output"`
	Usage     ResponseUsage `json:"usage"`
}

// OutputItem is one output message.
type OutputItem struct {
	Type    string          `json:"type"` // "message"
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Role    string          `json:"role"`
	Content []OutputContent `json:"content"`
}

// OutputContent is one output text segment.
type OutputContent struct {
	Type string `json:"type"` // "output_text"
	Text string `json:"text"`
}

// ResponseUsage reports token consumption for the Responses variant.
type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// --- Error shape ---

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorBody is the dialect error envelope: {"error":{"message","type"}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// NewError builds the dialect error envelope.
func NewError(errType, message string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: message, Type: errType}}
}
