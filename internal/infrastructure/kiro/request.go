package kiro

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

const (
	originAIEditor  = "AI_EDITOR"
	agentTaskType   = "vibe"
	chatTriggerType = "MANUAL"
)

// Wire types for the generateAssistantResponse request body.

type ToolFrame struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON map[string]interface{} `json:"json"`
}

type ToolResultFrame struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
}

type ToolResultContent struct {
	Text string `json:"text"`
}

type ImageFrame struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

type UserInputMessageContext struct {
	Tools       []ToolFrame       `json:"tools,omitempty"`
	ToolResults []ToolResultFrame `json:"toolResults,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
	Images                  []ImageFrame             `json:"images,omitempty"`
}

type AssistantToolUse struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"` // JSON-encoded argument object
}

type AssistantResponseMessage struct {
	Content  string             `json:"content"`
	ToolUses []AssistantToolUse `json:"toolUses,omitempty"`
}

type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type ConversationState struct {
	AgentContinuationID string         `json:"agentContinuationId"`
	AgentTaskType       string         `json:"agentTaskType"`
	ChatTriggerType     string         `json:"chatTriggerType"`
	ConversationID      string         `json:"conversationId"`
	CurrentMessage      CurrentMessage `json:"currentMessage"`
	History             []HistoryEntry `json:"history"`
}

type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// BuildRequest converts a normalized prompt into the upstream wire shape.
// Conversation ids are fresh per call; the upstream keeps no cross-call
// state, everything rides in the history list.
func BuildRequest(p *chat.Prompt, profileArn string) *Request {
	current := UserInputMessage{
		Content:                 p.UserContent,
		ModelID:                 p.Model,
		Origin:                  originAIEditor,
		UserInputMessageContext: &UserInputMessageContext{},
	}
	if len(p.Tools) > 0 {
		current.UserInputMessageContext.Tools = toolFrames(p.Tools)
	}
	if len(p.ToolResults) > 0 {
		current.UserInputMessageContext.ToolResults = toolResultFrames(p.ToolResults)
	}
	if len(p.Images) > 0 {
		current.Images = imageFrames(p.Images)
	}

	return &Request{
		ConversationState: ConversationState{
			AgentContinuationID: uuid.NewString(),
			AgentTaskType:       agentTaskType,
			ChatTriggerType:     chatTriggerType,
			ConversationID:      uuid.NewString(),
			CurrentMessage:      CurrentMessage{UserInputMessage: current},
			History:             historyEntries(p.History, p.Model),
		},
		ProfileArn: profileArn,
	}
}

func toolFrames(specs []chat.ToolSpec) []ToolFrame {
	frames := make([]ToolFrame, 0, len(specs))
	for _, spec := range specs {
		schema := spec.InputSchema
		if schema == nil {
			schema = map[string]interface{}{}
		}
		frames = append(frames, ToolFrame{ToolSpecification: ToolSpecification{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	return frames
}

func toolResultFrames(results []chat.ToolResult) []ToolResultFrame {
	frames := make([]ToolResultFrame, 0, len(results))
	for _, result := range results {
		frames = append(frames, ToolResultFrame{
			ToolUseID: result.ToolUseID,
			Content:   []ToolResultContent{{Text: result.Content}},
			Status:    "success",
		})
	}
	return frames
}

func imageFrames(images []chat.Image) []ImageFrame {
	frames := make([]ImageFrame, 0, len(images))
	for _, img := range images {
		frames = append(frames, ImageFrame{
			Format: img.Format,
			Source: ImageSource{Bytes: img.Data},
		})
	}
	return frames
}

func historyEntries(turns []chat.Turn, model string) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case chat.RoleUser:
			msg := &UserInputMessage{
				Content: turn.Content,
				ModelID: model,
				Origin:  originAIEditor,
			}
			if len(turn.ToolResults) > 0 {
				msg.UserInputMessageContext = &UserInputMessageContext{
					ToolResults: toolResultFrames(turn.ToolResults),
				}
			}
			entries = append(entries, HistoryEntry{UserInputMessage: msg})
		case chat.RoleAssistant:
			msg := &AssistantResponseMessage{Content: turn.Content}
			if len(turn.ToolUses) > 0 {
				msg.ToolUses = assistantToolUses(turn.ToolUses)
			}
			entries = append(entries, HistoryEntry{AssistantResponseMessage: msg})
		}
	}
	return entries
}

func assistantToolUses(uses []chat.ToolUse) []AssistantToolUse {
	out := make([]AssistantToolUse, 0, len(uses))
	for _, use := range uses {
		input := "{}"
		if use.Input != nil {
			if encoded, err := json.Marshal(use.Input); err == nil {
				input = string(encoded)
			}
		}
		out = append(out, AssistantToolUse{
			ToolUseID: use.ID,
			Name:      use.Name,
			Input:     input,
		})
	}
	return out
}
