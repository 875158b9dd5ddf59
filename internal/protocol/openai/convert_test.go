package openai

import (
	"encoding/json"
	"testing"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

func msg(role, content string) Message {
	raw, _ := json.Marshal(content)
	return Message{Role: role, Content: raw}
}

func TestToPrompt_SystemAbsorbed(t *testing.T) {
	req := &Request{
		Model: "gpt-4o",
		Messages: []Message{
			msg("system", "Be brief."),
			msg("user", "first"),
			msg("assistant", "ok"),
			msg("user", "second"),
		},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if p.Model != "claude-sonnet-4" {
		t.Errorf("model = %q, want claude-sonnet-4", p.Model)
	}
	if len(p.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(p.History))
	}
	if want := "Be brief.\n\nfirst"; p.History[0].Content != want {
		t.Errorf("first turn = %q, want %q", p.History[0].Content, want)
	}
	if p.UserContent != "second" {
		t.Errorf("user content = %q, want second", p.UserContent)
	}
}

func TestToPrompt_ContentParts(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]`)},
		},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if p.UserContent != "part one part two" {
		t.Errorf("user content = %q", p.UserContent)
	}
}

func TestToPrompt_ToolCycle(t *testing.T) {
	req := &Request{
		Messages: []Message{
			msg("user", "weather in Oslo"),
			{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: ToolCallFunc{Name: "forecast", Arguments: `{"city":"Oslo"}`},
				}},
			},
			{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`"rainy"`)},
			msg("user", "and tomorrow?"),
		},
		Tools: []Tool{{
			Type:     "function",
			Function: ToolFunction{Name: "forecast", Parameters: map[string]interface{}{"type": "object"}},
		}},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if len(p.History) != 2 {
		t.Fatalf("history = %+v, want 2 turns", p.History)
	}
	asst := p.History[1]
	if len(asst.ToolUses) != 1 || asst.ToolUses[0].Name != "forecast" {
		t.Fatalf("assistant tool uses = %+v", asst.ToolUses)
	}
	if asst.ToolUses[0].Input["city"] != "Oslo" {
		t.Errorf("tool input = %+v", asst.ToolUses[0].Input)
	}
	if len(p.ToolResults) != 1 || p.ToolResults[0].ToolUseID != "call_1" || p.ToolResults[0].Content != "rainy" {
		t.Fatalf("tool results = %+v", p.ToolResults)
	}
	if len(p.Tools) != 1 || p.Tools[0].Name != "forecast" {
		t.Errorf("tools = %+v", p.Tools)
	}
}

func TestToPrompt_BadToolArgsKeptRaw(t *testing.T) {
	uses := toToolUses([]ToolCall{{
		ID:       "call_2",
		Function: ToolCallFunc{Name: "x", Arguments: `{"broken`},
	}})
	if uses[0].Input["raw"] != `{"broken` {
		t.Fatalf("input = %+v, want raw fallback", uses[0].Input)
	}
}

func TestToPrompt_DataURLImage(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: "user", Content: json.RawMessage(`[
				{"type":"text","text":"what is this"},
				{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBOR"}},
				{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}
			]`)},
		},
	}

	p, err := ToPrompt(req)
	if err != nil {
		t.Fatalf("ToPrompt: %v", err)
	}
	if len(p.Images) != 1 {
		t.Fatalf("images = %+v, want only the data URL", p.Images)
	}
	if p.Images[0].Format != "png" || p.Images[0].Data != "iVBOR" {
		t.Errorf("image = %+v", p.Images[0])
	}
}

func TestToPrompt_NoMessages(t *testing.T) {
	if _, err := ToPrompt(&Request{Model: "gpt-4o"}); err != ErrNoMessages {
		t.Fatalf("err = %v, want ErrNoMessages", err)
	}
}

func TestBuildResponse_Text(t *testing.T) {
	resp := BuildResponse(&chat.Result{Text: "hi", StopReason: chat.StopEndTurn}, "claude-sonnet-4", "chatcmpl-1", 1700000000)
	if resp.Object != "chat.completion" || len(resp.Choices) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "hi" || choice.FinishReason != "stop" {
		t.Errorf("choice = %+v", choice)
	}
	if choice.Message.ToolCalls != nil {
		t.Errorf("tool calls = %+v, want none", choice.Message.ToolCalls)
	}
}

func TestBuildResponse_ToolCalls(t *testing.T) {
	result := &chat.Result{
		ToolUses:   []chat.ToolUse{{ID: "tu_1", Name: "clock", Input: map[string]interface{}{"tz": "UTC"}}},
		StopReason: chat.StopToolUse,
	}
	resp := BuildResponse(result, "claude-sonnet-4", "chatcmpl-2", 1700000000)
	choice := resp.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", choice.Message.ToolCalls)
	}
	tc := choice.Message.ToolCalls[0]
	if tc.Type != "function" || tc.Function.Name != "clock" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args["tz"] != "UTC" {
		t.Errorf("arguments = %q (%v)", tc.Function.Arguments, err)
	}
}

func TestResponsesToPrompt_StringInput(t *testing.T) {
	req := &ResponsesRequest{
		Model:        "gpt-4o",
		Input:        json.RawMessage(`"hello there"`),
		Instructions: "Answer in French.",
	}

	p, err := ResponsesToPrompt(req)
	if err != nil {
		t.Fatalf("ResponsesToPrompt: %v", err)
	}
	if want := "Answer in French.\n\nhello there"; p.UserContent != want {
		t.Errorf("user content = %q, want %q", p.UserContent, want)
	}
}

func TestResponsesToPrompt_ItemInput(t *testing.T) {
	req := &ResponsesRequest{
		Model: "gpt-4o",
		Input: json.RawMessage(`[
			{"role":"user","content":"first"},
			{"role":"assistant","content":[{"type":"output_text","text":"reply"}]},
			{"role":"user","content":[{"type":"input_text","text":"second"}]}
		]`),
	}

	p, err := ResponsesToPrompt(req)
	if err != nil {
		t.Fatalf("ResponsesToPrompt: %v", err)
	}
	if len(p.History) != 2 {
		t.Fatalf("history = %+v, want 2 turns", p.History)
	}
	if p.History[1].Content != "reply" {
		t.Errorf("assistant turn = %q", p.History[1].Content)
	}
	if p.UserContent != "second" {
		t.Errorf("user content = %q, want second", p.UserContent)
	}
}

func TestResponsesToPrompt_MissingInput(t *testing.T) {
	if _, err := ResponsesToPrompt(&ResponsesRequest{Model: "gpt-4o"}); err != ErrNoInput {
		t.Fatalf("err = %v, want ErrNoInput", err)
	}
}
