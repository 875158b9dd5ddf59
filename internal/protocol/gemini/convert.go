package gemini

import (
	"errors"
	"strings"

	"github.com/kirogate/kirogate/internal/domain/chat"
	"github.com/kirogate/kirogate/internal/domain/history"
	"github.com/kirogate/kirogate/internal/domain/model"
)

// ErrNoContents rejects requests with an empty contents array.
var ErrNoContents = errors.New("contents required")

// ToPrompt normalizes an inbound generateContent request. The model name
// comes from the URL path; the system instruction folds into the first
// user turn.
func ToPrompt(modelName string, req *Request) (*chat.Prompt, error) {
	if len(req.Contents) == 0 {
		return nil, ErrNoContents
	}

	turns := make([]chat.Turn, 0, len(req.Contents))
	for _, c := range req.Contents {
		role := chat.RoleUser
		if c.Role == "model" {
			role = chat.RoleAssistant
		}
		turns = append(turns, chat.Turn{Role: role, Content: partsText(c.Parts)})
	}

	if system := systemText(req.SystemInstruction); system != "" {
		for i := range turns {
			if turns[i].Role == chat.RoleUser {
				turns[i].Content = system + "\n\n" + turns[i].Content
				break
			}
		}
	}

	hist, current := history.SplitCurrent(history.Repair(turns))
	upstream, pseudo := model.ResolveRequest(modelName)

	return &chat.Prompt{
		UserContent:  current.Content,
		History:      hist,
		Model:        upstream,
		PseudoStream: pseudo,
		SessionKey:   chat.SessionKey(req.Contents),
	}, nil
}

func partsText(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

func systemText(instruction *Content) string {
	if instruction == nil {
		return ""
	}
	return partsText(instruction.Parts)
}

// BuildResponse converts a relay result into the generateContent reply.
func BuildResponse(result *chat.Result) *Response {
	return &Response{
		Candidates: []Candidate{{
			Content: Content{
				Role:  "model",
				Parts: []Part{{Text: result.Text}},
			},
			FinishReason: "STOP",
			Index:        0,
		}},
	}
}
