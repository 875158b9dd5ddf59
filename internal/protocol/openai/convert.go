package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kirogate/kirogate/internal/domain/chat"
	"github.com/kirogate/kirogate/internal/domain/history"
	"github.com/kirogate/kirogate/internal/domain/model"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
)

var (
	// ErrNoMessages rejects chat requests with an empty messages array.
	ErrNoMessages = errors.New("messages required")
	// ErrNoInput rejects Responses requests with a missing input field.
	ErrNoInput = errors.New("input required")
)

// dataURLPattern matches inline base64 image URLs
// (data:image/<fmt>;base64,<payload>).
var dataURLPattern = regexp.MustCompile(`^data:image/(\w+);base64,(.+)$`)

// ToPrompt normalizes an inbound chat-completions request: system and
// developer messages fold into the first user turn, tool_calls and tool
// messages become tool frames, and the trailing user turn becomes the
// current message.
func ToPrompt(req *Request) (*chat.Prompt, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	hist, current := history.SplitCurrent(history.Repair(toTurns(req.Messages)))
	upstream, pseudo := model.ResolveRequest(req.Model)

	return &chat.Prompt{
		UserContent:  current.Content,
		History:      hist,
		Tools:        toToolSpecs(req.Tools),
		ToolResults:  current.ToolResults,
		Images:       imagesFromLast(req.Messages),
		Model:        upstream,
		PseudoStream: pseudo,
		SessionKey:   chat.SessionKey(req.Messages),
	}, nil
}

func toTurns(messages []Message) []chat.Turn {
	var system string
	turns := make([]chat.Turn, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case "system", "developer":
			system = msg.Text()
		case "assistant":
			turns = append(turns, chat.Turn{
				Role:     chat.RoleAssistant,
				Content:  msg.Text(),
				ToolUses: toToolUses(msg.ToolCalls),
			})
		case "tool":
			turns = append(turns, chat.Turn{
				Role: chat.RoleToolResult,
				ToolResults: []chat.ToolResult{
					{ToolUseID: msg.ToolCallID, Content: msg.Text()},
				},
			})
		default:
			turns = append(turns, chat.Turn{Role: chat.RoleUser, Content: msg.Text()})
		}
	}

	if system != "" {
		for i := range turns {
			if turns[i].Role == chat.RoleUser {
				turns[i].Content = system + "\n\n" + turns[i].Content
				break
			}
		}
	}
	return turns
}

// toToolUses parses the JSON-string arguments of assistant tool calls.
// Arguments that are not valid JSON objects are kept under a "raw" key.
func toToolUses(calls []ToolCall) []chat.ToolUse {
	if len(calls) == 0 {
		return nil
	}
	uses := make([]chat.ToolUse, 0, len(calls))
	for _, tc := range calls {
		uses = append(uses, chat.ToolUse{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseArgs(tc.Function.Arguments),
		})
	}
	return uses
}

func parseArgs(args string) map[string]interface{} {
	if args == "" {
		return map[string]interface{}{}
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(args), &input); err != nil || input == nil {
		return map[string]interface{}{"raw": args}
	}
	return input
}

// imagesFromLast extracts data-URL images from the final user message.
func imagesFromLast(messages []Message) []chat.Image {
	if len(messages) == 0 {
		return nil
	}
	last := &messages[len(messages)-1]
	if last.Role != "user" {
		return nil
	}

	var images []chat.Image
	for _, p := range last.Parts() {
		if p.Type != "image_url" || p.ImageURL == nil {
			continue
		}
		m := dataURLPattern.FindStringSubmatch(p.ImageURL.URL)
		if m == nil {
			continue
		}
		images = append(images, chat.Image{Format: m[1], Data: m[2]})
	}
	return images
}

func toToolSpecs(tools []Tool) []chat.ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]chat.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, chat.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return specs
}

// FinishReason maps the canonical stop reason to this dialect.
func FinishReason(stopReason string) string {
	if stopReason == chat.StopToolUse {
		return "tool_calls"
	}
	return "stop"
}

// BuildResponse converts a relay result into the non-streaming reply.
func BuildResponse(result *chat.Result, modelName, id string, created int64) *Response {
	return &Response{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   modelName,
		Choices: []Choice{{
			Index: 0,
			Message: OutMessage{
				Role:      "assistant",
				Content:   result.Text,
				ToolCalls: toToolCalls(result.ToolUses),
			},
			FinishReason: FinishReason(result.StopReason),
		}},
	}
}

func toToolCalls(uses []chat.ToolUse) []ToolCall {
	if len(uses) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(uses))
	for _, tu := range uses {
		args, err := json.Marshal(tu.Input)
		if err != nil {
			args = []byte("{}")
		}
		calls = append(calls, ToolCall{
			ID:       tu.ID,
			Type:     "function",
			Function: ToolCallFunc{Name: tu.Name, Arguments: string(args)},
		})
	}
	return calls
}

// --- Responses API variant ---

// ResponsesToPrompt flattens a Responses request into chat messages and
// runs the main conversion path.
func ResponsesToPrompt(req *ResponsesRequest) (*chat.Prompt, error) {
	messages, err := req.ToMessages()
	if err != nil {
		return nil, err
	}
	return ToPrompt(&Request{Model: req.Model, Messages: messages})
}

// ToMessages converts the string-or-items input into chat messages.
// Instructions become a system message.
func (r *ResponsesRequest) ToMessages() ([]Message, error) {
	if len(r.Input) == 0 {
		return nil, ErrNoInput
	}

	var messages []Message
	if r.Instructions != "" {
		messages = append(messages, textMessage("system", r.Instructions))
	}

	var s string
	if err := json.Unmarshal(r.Input, &s); err == nil {
		return append(messages, textMessage("user", s)), nil
	}

	var items []InputItem
	if err := json.Unmarshal(r.Input, &items); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	for _, item := range items {
		role := item.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, textMessage(role, itemText(item.Content)))
	}
	return messages, nil
}

func textMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// itemText flattens Responses input content, accepting text, input_text
// and output_text part types.
func itemText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		switch p.Type {
		case "text", "input_text", "output_text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.Join(texts, " ")
}

// BuildResponsesResponse converts a relay result into the Responses-shaped
// reply.
func BuildResponsesResponse(result *chat.Result, modelName, respID, msgID string, created int64) *ResponsesResponse {
	return &ResponsesResponse{
		ID:        respID,
		Object:    "response",
		CreatedAt: created,
		Status:    "completed",
		Model:     modelName,
		Output: []OutputItem{{
			Type:    "message",
			ID:      msgID,
			Status:  "completed",
			Role:    "assistant",
			Content: []OutputContent{{Type: "output_text", Text: result.Text}},
		}},
	}
}

// ErrorTypeFor maps the upstream failure taxonomy to this dialect's error
// type strings.
func ErrorTypeFor(t kiro.ErrorType) string {
	switch t {
	case kiro.ErrorAccountSuspended, kiro.ErrorAuthFailed:
		return "authentication_error"
	case kiro.ErrorRateLimited:
		return "rate_limit_error"
	case kiro.ErrorContentTooLong:
		return "invalid_request_error"
	case kiro.ErrorModelUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
