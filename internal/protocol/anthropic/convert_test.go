package anthropic

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

func userMsg(content string) Message {
	raw, _ := json.Marshal(content)
	return Message{Role: "user", Content: raw}
}

func assistantMsg(content string) Message {
	raw, _ := json.Marshal(content)
	return Message{Role: "assistant", Content: raw}
}

func blockMsg(role string, blocks ...ContentBlock) Message {
	raw, _ := json.Marshal(blocks)
	return Message{Role: role, Content: raw}
}

func TestToPrompt_SingleTurn(t *testing.T) {
	req := &Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []Message{userMsg("hello")},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if p.UserContent != "hello" {
		t.Errorf("user content = %q, want hello", p.UserContent)
	}
	if len(p.History) != 0 {
		t.Errorf("history len = %d, want 0", len(p.History))
	}
	if p.Model != "claude-sonnet-4" {
		t.Errorf("model = %q, want claude-sonnet-4", p.Model)
	}
	if p.PseudoStream {
		t.Error("pseudo stream should be off")
	}
	if p.SessionKey == "" {
		t.Error("session key missing")
	}
}

func TestToPrompt_SystemPrepend(t *testing.T) {
	req := &Request{
		Model:    "claude-sonnet-4",
		System:   json.RawMessage(`"You are terse."`),
		Messages: []Message{userMsg("hi"), assistantMsg("hey"), userMsg("bye")},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if len(p.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(p.History))
	}
	if want := "You are terse.\n\nhi"; p.History[0].Content != want {
		t.Errorf("first turn = %q, want %q", p.History[0].Content, want)
	}
	if p.UserContent != "bye" {
		t.Errorf("user content = %q, want bye", p.UserContent)
	}
}

func TestToPrompt_SystemBlocks(t *testing.T) {
	req := &Request{
		System:   json.RawMessage(`[{"type":"text","text":"rule one"},{"type":"text","text":"rule two"}]`),
		Messages: []Message{userMsg("go")},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if want := "rule one\nrule two\n\ngo"; p.UserContent != want {
		t.Errorf("user content = %q, want %q", p.UserContent, want)
	}
}

func TestToPrompt_ToolCycle(t *testing.T) {
	req := &Request{
		Messages: []Message{
			userMsg("what time is it"),
			blockMsg("assistant",
				ContentBlock{Type: "text", Text: "checking"},
				ContentBlock{Type: "tool_use", ID: "tu_1", Name: "clock", Input: map[string]interface{}{"tz": "UTC"}},
			),
			blockMsg("user",
				ContentBlock{Type: "tool_result", ToolUseID: "tu_1", Content: json.RawMessage(`"12:00"`)},
			),
			userMsg("thanks, and the date?"),
		},
		Tools: []Tool{{Name: "clock", Description: "reads the clock", InputSchema: map[string]interface{}{"type": "object"}}},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	// Repair folds the tool_result turn into a user turn, then the merge
	// with the trailing user text leaves user/assistant/user.
	if len(p.History) != 2 {
		t.Fatalf("history len = %d, want 2: %+v", len(p.History), p.History)
	}
	asst := p.History[1]
	if asst.Role != chat.RoleAssistant || len(asst.ToolUses) != 1 {
		t.Fatalf("assistant turn = %+v, want one tool use", asst)
	}
	if asst.ToolUses[0].ID != "tu_1" || asst.ToolUses[0].Name != "clock" {
		t.Errorf("tool use = %+v", asst.ToolUses[0])
	}
	if len(p.ToolResults) != 1 || p.ToolResults[0].ToolUseID != "tu_1" {
		t.Fatalf("current tool results = %+v, want tu_1", p.ToolResults)
	}
	if p.ToolResults[0].Content != "12:00" {
		t.Errorf("tool result content = %q, want 12:00", p.ToolResults[0].Content)
	}
	if len(p.Tools) != 1 || p.Tools[0].Name != "clock" {
		t.Errorf("tools = %+v", p.Tools)
	}
	if !strings.Contains(p.UserContent, "thanks") {
		t.Errorf("user content = %q", p.UserContent)
	}
}

func TestToPrompt_ImagesFromLastMessage(t *testing.T) {
	req := &Request{
		Messages: []Message{
			blockMsg("user",
				ContentBlock{Type: "text", Text: "older"},
				ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "old"}},
			),
			assistantMsg("ok"),
			blockMsg("user",
				ContentBlock{Type: "text", Text: "what is this"},
				ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/webp", Data: "abc"}},
				ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/unknown", Data: "def"}},
			),
		},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if len(p.Images) != 2 {
		t.Fatalf("images = %d, want 2 (final message only)", len(p.Images))
	}
	if p.Images[0].Format != "webp" || p.Images[0].Data != "abc" {
		t.Errorf("image[0] = %+v", p.Images[0])
	}
	if p.Images[1].Format != "jpeg" {
		t.Errorf("image[1] format = %q, want jpeg fallback", p.Images[1].Format)
	}
}

func TestToPrompt_PseudoStreamPrefix(t *testing.T) {
	req := &Request{
		Model:    "pseudo/claude-opus-4.5",
		Messages: []Message{userMsg("hi")},
	}
	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if !p.PseudoStream {
		t.Error("pseudo stream not detected")
	}
	if p.Model != "claude-opus-4.5" {
		t.Errorf("model = %q, want claude-opus-4.5", p.Model)
	}
}

func TestToPrompt_NoMessages(t *testing.T) {
	if _, err := ToPrompt(&Request{Model: "claude-sonnet-4"}); err != ErrNoMessages {
		t.Fatalf("err = %v, want ErrNoMessages", err)
	}
}

func TestBuildResponse(t *testing.T) {
	result := &chat.Result{
		Text: "partly cloudy",
		ToolUses: []chat.ToolUse{
			{ID: "tu_9", Name: "forecast", Input: map[string]interface{}{"city": "Oslo"}},
		},
		StopReason: chat.StopToolUse,
	}

	resp := BuildResponse(result, "claude-sonnet-4", "msg_ab12")
	if resp.ID != "msg_ab12" || resp.Type != "message" || resp.Role != "assistant" {
		t.Fatalf("envelope = %+v", resp)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(resp.Content))
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "partly cloudy" {
		t.Errorf("text block = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "tool_use" || resp.Content[1].Name != "forecast" {
		t.Errorf("tool block = %+v", resp.Content[1])
	}
	if resp.StopReason != chat.StopToolUse {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 100 {
		t.Errorf("usage = %+v, want 100/100 placeholder", resp.Usage)
	}
}

func TestBuildResponse_EmptyTextOmitsBlock(t *testing.T) {
	resp := BuildResponse(&chat.Result{StopReason: chat.StopEndTurn}, "claude-sonnet-4", "msg_x")
	if len(resp.Content) != 0 {
		t.Fatalf("content blocks = %d, want 0", len(resp.Content))
	}
}

func TestCountTokens(t *testing.T) {
	req := &CountTokensRequest{
		System: json.RawMessage(`"abcd"`), // 1 token
		Messages: []Message{
			userMsg("abcdefgh"), // 2 tokens
			blockMsg("user", ContentBlock{Type: "text", Text: "xy"}), // 1 token
		},
	}
	if got := CountTokens(req); got != 4 {
		t.Fatalf("tokens = %d, want 4", got)
	}
}
