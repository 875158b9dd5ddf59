package anthropic

import (
	"errors"
	"strings"

	"github.com/kirogate/kirogate/internal/domain/chat"
	"github.com/kirogate/kirogate/internal/domain/history"
	"github.com/kirogate/kirogate/internal/domain/model"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
)

// ErrNoMessages rejects requests with an empty messages array.
var ErrNoMessages = errors.New("messages required")

// ToPrompt normalizes an inbound Messages request into the canonical
// prompt: content blocks become turns, the system prompt is folded into the
// first user turn, the trailing user turn becomes the current message, and
// images ride along from the final user message only.
func ToPrompt(req *Request) (*chat.Prompt, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	turns := make([]chat.Turn, 0, len(req.Messages))
	for i := range req.Messages {
		turns = append(turns, toTurn(&req.Messages[i]))
	}
	prependSystem(turns, flattenText(req.System))

	hist, current := history.SplitCurrent(history.Repair(turns))
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

// toTurn converts one inbound message. A user message carrying tool_result
// blocks becomes a tool_result turn; repair later folds it into the user
// sequence.
func toTurn(msg *Message) chat.Turn {
	blocks := msg.Blocks()

	var texts []string
	var toolUses []chat.ToolUse
	var toolResults []chat.ToolResult
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "tool_use":
			input := b.Input
			if input == nil {
				input = map[string]interface{}{}
			}
			toolUses = append(toolUses, chat.ToolUse{ID: b.ID, Name: b.Name, Input: input})
		case "tool_result":
			toolResults = append(toolResults, chat.ToolResult{
				ToolUseID: b.ToolUseID,
				Content:   flattenText(b.Content),
			})
		}
	}
	content := strings.Join(texts, "\n")

	if msg.Role == "assistant" {
		return chat.Turn{Role: chat.RoleAssistant, Content: content, ToolUses: toolUses}
	}
	if len(toolResults) > 0 {
		return chat.Turn{Role: chat.RoleToolResult, Content: content, ToolResults: toolResults}
	}
	return chat.Turn{Role: chat.RoleUser, Content: content}
}

// prependSystem folds the system prompt into the first user turn.
func prependSystem(turns []chat.Turn, system string) {
	if system == "" {
		return
	}
	for i := range turns {
		if turns[i].Role == chat.RoleUser {
			turns[i].Content = system + "\n\n" + turns[i].Content
			return
		}
	}
}

// imagesFromLast extracts base64 image blocks from the final user message.
// The format comes from the media type; anything unrecognized is jpeg.
func imagesFromLast(messages []Message) []chat.Image {
	if len(messages) == 0 {
		return nil
	}
	last := &messages[len(messages)-1]
	if last.Role != "user" {
		return nil
	}

	var images []chat.Image
	for _, b := range last.Blocks() {
		if b.Type != "image" || b.Source == nil || b.Source.Data == "" {
			continue
		}
		images = append(images, chat.Image{
			Format: formatFromMediaType(b.Source.MediaType),
			Data:   b.Source.Data,
		})
	}
	return images
}

func formatFromMediaType(mediaType string) string {
	switch {
	case strings.Contains(mediaType, "png"):
		return "png"
	case strings.Contains(mediaType, "gif"):
		return "gif"
	case strings.Contains(mediaType, "webp"):
		return "webp"
	default:
		return "jpeg"
	}
}

func toToolSpecs(tools []Tool) []chat.ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]chat.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, chat.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return specs
}

// BuildResponse converts a relay result into the non-streaming reply.
// Usage is a best-effort placeholder: the upstream reports no counts.
func BuildResponse(result *chat.Result, modelName, msgID string) *Response {
	blocks := make([]OutBlock, 0, 1+len(result.ToolUses))
	if result.Text != "" {
		blocks = append(blocks, OutBlock{Type: "text", Text: result.Text})
	}
	for _, tu := range result.ToolUses {
		blocks = append(blocks, OutBlock{Type: "tool_use", ID: tu.ID, Name: tu.Name, Input: tu.Input})
	}
	return &Response{
		ID:         msgID,
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      modelName,
		StopReason: result.StopReason,
		Usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
}

// CountTokens estimates the prompt size: system text plus every message's
// flattened text, one token per four characters.
func CountTokens(req *CountTokensRequest) int {
	total := chat.EstimateTokens(flattenText(req.System))
	for i := range req.Messages {
		total += chat.EstimateTokens(flattenText(req.Messages[i].Content))
	}
	return total
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
