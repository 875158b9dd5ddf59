// Package anthropic translates the Anthropic Messages dialect to and from
// the canonical prompt model: content-block messages in, SSE event stream
// or message object out.
package anthropic

import (
	"encoding/json"
	"strings"
)

// --- Anthropic Messages API Types ---
// Reference: https://docs.anthropic.com/en/api/messages
//
// Content is polymorphic: a bare string or an array of typed blocks.
// Tool calls are assistant content blocks with type "tool_use"; tool
// results arrive as user blocks with type "tool_result". The system
// prompt is a separate top-level field, itself string-or-blocks.

// Request is the inbound /v1/messages request.
type Request struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    json.RawMessage `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     []Tool          `json:"tools,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

// Message is one conversation message with string-or-blocks content.
type Message struct {
	Role    string          `json:"role"` // "user" | "assistant"
	Content json.RawMessage `json:"content"`
}

// Blocks decodes the content field. A bare string decodes as a single
// text block; anything else unparseable yields nil.
func (m *Message) Blocks() []ContentBlock {
	return decodeBlocks(m.Content)
}

// ContentBlock is a polymorphic content element.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "image" | "tool_use" | "tool_result"

	// For type "text"
	Text string `json:"text,omitempty"`

	// For type "image"
	Source *ImageSource `json:"source,omitempty"`

	// For type "tool_use" (assistant requesting a tool call)
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// For type "tool_result" (user providing tool output,
	// itself string-or-blocks)
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ImageSource is an inline base64 image attachment.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is an inbound tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Response is the non-streaming /v1/messages reply.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Content      []OutBlock     `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// OutBlock is an outbound content block: text or tool_use.
type OutBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensRequest is the inbound /v1/messages/count_tokens request.
type CountTokensRequest struct {
	Model    string          `json:"model,omitempty"`
	System   json.RawMessage `json:"system,omitempty"`
	Messages []Message       `json:"messages"`
}

// CountTokensResponse reports the estimated prompt size.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// --- Error shape ---

// ErrorDetail is the inner error object of the dialect's error shape.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorBody is the top-level error envelope:
// {"type":"error","error":{"type":...,"message":...}}.
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewError builds the dialect error envelope.
func NewError(errType, message string) ErrorBody {
	return ErrorBody{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}

// decodeBlocks parses string-or-blocks content.
func decodeBlocks(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// flattenText joins the text blocks of string-or-blocks content. Non-text
// blocks are ignored; unparseable content degrades to the raw JSON.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch {
		case b.Type == "text" && b.Text != "":
			parts = append(parts, b.Text)
		case len(b.Content) > 0:
			// tool_result and other nested content carries text too
			if t := flattenText(b.Content); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}
