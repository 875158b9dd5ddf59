package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

// --- Streaming event envelopes ---
// Each event is one `data: <json>\n\n` SSE line. Several fields must stay
// on the wire at their zero value (`"text":""`, `"input":{}`,
// `"stop_sequence":null`), so every event gets its own struct instead of a
// shared envelope with omitempty tags.

type messageStartEvent struct {
	Type    string       `json:"type"`
	Message startMessage `json:"message"`
}

type startMessage struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Role         string     `json:"role"`
	Content      []OutBlock `json:"content"`
	Model        string     `json:"model"`
	StopReason   *string    `json:"stop_reason"`
	StopSequence *string    `json:"stop_sequence"`
	Usage        Usage      `json:"usage"`
}

type textBlockStartEvent struct {
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	ContentBlock textBlock `json:"content_block"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolBlockStartEvent struct {
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	ContentBlock toolBlock `json:"content_block"`
}

type toolBlock struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

type blockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta blockDelta `json:"delta"`
}

type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type blockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta messageDelta `json:"delta"`
	Usage outputUsage  `json:"usage"`
}

type messageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type outputUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type messageStopEvent struct {
	Type string `json:"type"`
}

// StreamWriter emits the Messages dialect SSE sequence: message_start, a
// text block at index 0 with one delta per decoded fragment, one block per
// assembled tool use at indices 1..n, then message_delta and message_stop.
type StreamWriter struct {
	w     io.Writer
	msgID string
	model string
}

// NewStreamWriter 创建 SSE 事件流写入器
func NewStreamWriter(w io.Writer, msgID, modelName string) *StreamWriter {
	return &StreamWriter{w: w, msgID: msgID, model: modelName}
}

// Start opens the stream: message_start with an empty message envelope,
// then content_block_start for the text block.
func (s *StreamWriter) Start() error {
	if err := s.emit(messageStartEvent{
		Type: "message_start",
		Message: startMessage{
			ID:      s.msgID,
			Type:    "message",
			Role:    "assistant",
			Content: []OutBlock{},
			Model:   s.model,
		},
	}); err != nil {
		return err
	}
	return s.emit(textBlockStartEvent{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: textBlock{Type: "text", Text: ""},
	})
}

// WriteText forwards one decoded text fragment.
func (s *StreamWriter) WriteText(fragment string) error {
	return s.emit(blockDeltaEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: blockDelta{Type: "text_delta", Text: fragment},
	})
}

// Finish closes the text block, emits one block per tool use, and
// terminates the message.
func (s *StreamWriter) Finish(toolUses []chat.ToolUse, stopReason string) error {
	if err := s.emit(blockStopEvent{Type: "content_block_stop", Index: 0}); err != nil {
		return err
	}

	for i, tu := range toolUses {
		index := i + 1
		if err := s.emit(toolBlockStartEvent{
			Type:  "content_block_start",
			Index: index,
			ContentBlock: toolBlock{
				Type:  "tool_use",
				ID:    tu.ID,
				Name:  tu.Name,
				Input: map[string]interface{}{},
			},
		}); err != nil {
			return err
		}
		input, err := json.Marshal(tu.Input)
		if err != nil {
			input = []byte("{}")
		}
		if err := s.emit(blockDeltaEvent{
			Type:  "content_block_delta",
			Index: index,
			Delta: blockDelta{Type: "input_json_delta", PartialJSON: string(input)},
		}); err != nil {
			return err
		}
		if err := s.emit(blockStopEvent{Type: "content_block_stop", Index: index}); err != nil {
			return err
		}
	}

	if err := s.emit(messageDeltaEvent{
		Type:  "message_delta",
		Delta: messageDelta{StopReason: stopReason},
	}); err != nil {
		return err
	}
	return s.emit(messageStopEvent{Type: "message_stop"})
}

// WriteError inlines a terminal error event for streams whose headers are
// already sent.
func (s *StreamWriter) WriteError(errType, message string) error {
	return s.emit(NewError(errType, message))
}

func (s *StreamWriter) emit(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
