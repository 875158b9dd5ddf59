// Package kiro implements the upstream client: the binary event-stream
// codec, request construction, the HTTP transport, token refresh, and
// error classification.
package kiro

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

// Frame layout: 4-byte big-endian total length, 4-byte big-endian headers
// length, 4-byte prelude CRC (ignored), headers, JSON payload, 4-byte
// trailing CRC (ignored). Headers are only scanned for the event-type
// marker substrings.
const (
	framePreludeSize = 12
	frameCRCSize     = 4

	eventToolUse       = "toolUseEvent"
	eventAssistantText = "assistantResponseEvent"
)

// DecodeResult is the assembled output of one upstream reply body.
type DecodeResult struct {
	Texts      []string
	ToolUses   []chat.ToolUse
	StopReason string
}

// Text joins the text fragments.
func (r DecodeResult) Text() string {
	return strings.Join(r.Texts, "")
}

// DecodeAll decodes a complete buffer in one shot.
func DecodeAll(raw []byte) DecodeResult {
	d := NewDecoder()
	texts := d.Feed(raw)
	toolUses, stopReason := d.Finish()
	return DecodeResult{Texts: texts, ToolUses: toolUses, StopReason: stopReason}
}

type toolAccumulator struct {
	id    string
	name  string
	parts []string
}

// Decoder is the incremental event-stream parser. Feed returns the text
// fragments completed by each chunk; partial trailing bytes stay buffered
// until the rest of the frame arrives. Tool-use fragments accumulate by id
// and are assembled once by Finish, so feeding a body in any chunk
// partition yields the same result as DecodeAll.
type Decoder struct {
	buf   []byte
	order []string
	tools map[string]*toolAccumulator
}

// NewDecoder 创建增量解码器
func NewDecoder() *Decoder {
	return &Decoder{tools: make(map[string]*toolAccumulator)}
}

// Feed appends a chunk and returns the text fragments from every frame
// that is now complete. Malformed lengths (zero, or larger than what has
// arrived) stop the scan without consuming bytes.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var texts []string
	pos := 0
	for pos+framePreludeSize <= len(d.buf) {
		totalLen := int(binary.BigEndian.Uint32(d.buf[pos:]))
		if totalLen == 0 || totalLen > len(d.buf)-pos {
			break
		}
		headersLen := int(binary.BigEndian.Uint32(d.buf[pos+4:]))
		if text, ok := d.consumeFrame(d.buf[pos:pos+totalLen], headersLen); ok {
			texts = append(texts, text)
		}
		pos += totalLen
	}
	d.buf = d.buf[pos:]
	return texts
}

// Buffered reports how many undecoded bytes are waiting for more input.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Finish assembles the accumulated tool-use fragments, in first-seen
// order, and reports the stop reason: tool_use when any tool call was
// decoded, end_turn otherwise.
func (d *Decoder) Finish() ([]chat.ToolUse, string) {
	if len(d.order) == 0 {
		return nil, chat.StopEndTurn
	}
	toolUses := make([]chat.ToolUse, 0, len(d.order))
	for _, id := range d.order {
		acc := d.tools[id]
		joined := strings.Join(acc.parts, "")
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(joined), &input); err != nil {
			input = map[string]interface{}{"raw": joined}
		}
		toolUses = append(toolUses, chat.ToolUse{ID: acc.id, Name: acc.name, Input: input})
	}
	return toolUses, chat.StopToolUse
}

type framePayload struct {
	AssistantResponseEvent *struct {
		Content *string `json:"content"`
	} `json:"assistantResponseEvent"`
	Content   *string `json:"content"`
	ToolUseID *string `json:"toolUseId"`
	Name      string  `json:"name"`
	Input     string  `json:"input"`
}

// consumeFrame classifies one complete frame and folds it into the decoder
// state. A frame may carry both a text fragment and a tool-use fragment.
// Returns the text fragment when the frame held one.
func (d *Decoder) consumeFrame(frame []byte, headersLen int) (string, bool) {
	eventType := ""
	headerEnd := framePreludeSize + headersLen
	if headerEnd > len(frame) {
		headerEnd = len(frame)
	}
	if headerEnd > framePreludeSize {
		headers := string(frame[framePreludeSize:headerEnd])
		switch {
		case strings.Contains(headers, eventToolUse):
			eventType = eventToolUse
		case strings.Contains(headers, eventAssistantText):
			eventType = eventAssistantText
		}
	}

	payloadStart := framePreludeSize + headersLen
	payloadEnd := len(frame) - frameCRCSize
	if payloadStart >= payloadEnd {
		return "", false
	}

	var payload framePayload
	if err := json.Unmarshal(frame[payloadStart:payloadEnd], &payload); err != nil {
		return "", false
	}

	text := ""
	hasText := false
	switch {
	case payload.AssistantResponseEvent != nil:
		if payload.AssistantResponseEvent.Content != nil {
			text = *payload.AssistantResponseEvent.Content
			hasText = true
		}
	case payload.Content != nil && eventType != eventToolUse:
		text = *payload.Content
		hasText = true
	}

	if eventType == eventToolUse || payload.ToolUseID != nil {
		d.accumulateTool(payload)
	}
	return text, hasText
}

func (d *Decoder) accumulateTool(payload framePayload) {
	id := ""
	if payload.ToolUseID != nil {
		id = *payload.ToolUseID
	}
	if id == "" {
		return
	}
	acc, ok := d.tools[id]
	if !ok {
		acc = &toolAccumulator{id: id, name: payload.Name}
		d.tools[id] = acc
		d.order = append(d.order, id)
	}
	if payload.Name != "" && acc.name == "" {
		acc.name = payload.Name
	}
	if payload.Input != "" {
		acc.parts = append(acc.parts, payload.Input)
	}
}
