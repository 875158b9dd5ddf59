package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

// StreamWriter emits chat.completion.chunk SSE lines followed by the
// [DONE] sentinel.
type StreamWriter struct {
	w     io.Writer
	id    string
	model string
	now   func() time.Time
}

// NewStreamWriter 创建 SSE 块写入器
func NewStreamWriter(w io.Writer, id, modelName string) *StreamWriter {
	return &StreamWriter{w: w, id: id, model: modelName, now: time.Now}
}

// WriteText forwards one text fragment as a delta chunk.
func (s *StreamWriter) WriteText(fragment string) error {
	return writeSSE(s.w, s.chunk(Delta{Content: fragment}, nil))
}

// Finish emits the tool-calls chunk when present, the terminal
// finish_reason chunk, and [DONE].
func (s *StreamWriter) Finish(toolUses []chat.ToolUse, stopReason string) error {
	if calls := toToolCalls(toolUses); len(calls) > 0 {
		if err := writeSSE(s.w, s.chunk(Delta{ToolCalls: calls}, nil)); err != nil {
			return err
		}
	}
	reason := FinishReason(stopReason)
	if err := writeSSE(s.w, s.chunk(Delta{}, &reason)); err != nil {
		return err
	}
	return writeRaw(s.w, "data: [DONE]\n\n")
}

// WriteError inlines a terminal error event in the dialect's shape.
func (s *StreamWriter) WriteError(errType, message string) error {
	return writeSSE(s.w, NewError(errType, message))
}

func (s *StreamWriter) chunk(delta Delta, finishReason *string) Chunk {
	return Chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.now().Unix(),
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

// --- Responses API variant ---

type responseLifecycleEvent struct {
	Type     string             `json:"type"`
	Response *ResponsesResponse `json:"response"`
}

type outputTextDeltaEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

type outputTextDoneEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Text         string `json:"text"`
}

// ResponsesStreamWriter emits the Responses-variant SSE sequence:
// response.created, one response.output_text.delta per fragment,
// response.output_text.done, then response.completed with the full
// response envelope.
type ResponsesStreamWriter struct {
	w       io.Writer
	respID  string
	msgID   string
	model   string
	created int64
	text    strings.Builder
}

// NewResponsesStreamWriter 创建 Responses 事件流写入器
func NewResponsesStreamWriter(w io.Writer, respID, msgID, modelName string) *ResponsesStreamWriter {
	return &ResponsesStreamWriter{
		w:       w,
		respID:  respID,
		msgID:   msgID,
		model:   modelName,
		created: time.Now().Unix(),
	}
}

// Start opens the stream with the in-progress response envelope.
func (s *ResponsesStreamWriter) Start() error {
	return writeSSE(s.w, responseLifecycleEvent{
		Type: "response.created",
		Response: &ResponsesResponse{
			ID:        s.respID,
			Object:    "response",
			CreatedAt: s.created,
			Status:    "in_progress",
			Model:     s.model,
			Output:    []OutputItem{},
		},
	})
}

// WriteText forwards one text fragment.
func (s *ResponsesStreamWriter) WriteText(fragment string) error {
	s.text.WriteString(fragment)
	return writeSSE(s.w, outputTextDeltaEvent{
		Type:   "response.output_text.delta",
		ItemID: s.msgID,
		Delta:  fragment,
	})
}

// Finish closes the text item and completes the response.
func (s *ResponsesStreamWriter) Finish() error {
	full := s.text.String()
	if err := writeSSE(s.w, outputTextDoneEvent{
		Type:   "response.output_text.done",
		ItemID: s.msgID,
		Text:   full,
	}); err != nil {
		return err
	}
	return writeSSE(s.w, responseLifecycleEvent{
		Type:     "response.completed",
		Response: BuildResponsesResponse(&chat.Result{Text: full}, s.model, s.respID, s.msgID, s.created),
	})
}

// WriteError inlines a terminal error event in the dialect's shape.
func (s *ResponsesStreamWriter) WriteError(errType, message string) error {
	return writeSSE(s.w, NewError(errType, message))
}

func writeSSE(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeRaw(w, fmt.Sprintf("data: %s\n\n", data))
}

func writeRaw(w io.Writer, line string) error {
	if _, err := io.WriteString(w, line); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
