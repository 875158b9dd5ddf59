package monitoring

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/chat"
)

func newTestMonitor(limit int) (*Monitor, *Stats, *RequestLog) {
	stats := NewStats()
	logs := NewRequestLog(10)
	return NewMonitor(limit, stats, logs, zap.NewNop()), stats, logs
}

func TestFlowLifecycle_Completed(t *testing.T) {
	mon, stats, logs := newTestMonitor(10)

	var states []FlowState
	mon.SetPublisher(func(rec FlowRecord) {
		states = append(states, rec.State)
	})

	flow := mon.Begin("anthropic", "POST", "/v1/messages", "10.0.0.1", "claude-sonnet-4-20250514", true)
	flow.AccountPicked("acc-1", "alpha")
	flow.StreamStarted()
	flow.ChunkSent("Hello ")
	flow.ChunkSent("world")
	flow.Completed(&chat.Result{Text: "Hello world", StopReason: "end_turn"}, usecase.Usage{InputTokens: 12, OutputTokens: 3})

	rec, ok := mon.Get(flow.ID())
	if !ok {
		t.Fatalf("flow %s not found after completion", flow.ID())
	}
	if rec.State != FlowCompleted {
		t.Fatalf("state = %q, want %q", rec.State, FlowCompleted)
	}
	if rec.AccountID != "acc-1" || rec.AccountName != "alpha" {
		t.Errorf("account = %q/%q, want acc-1/alpha", rec.AccountID, rec.AccountName)
	}
	if rec.ChunkCount != 2 {
		t.Errorf("chunk count = %d, want 2", rec.ChunkCount)
	}
	if rec.Preview != "Hello world" {
		t.Errorf("preview = %q, want %q", rec.Preview, "Hello world")
	}
	if rec.StatusCode != 200 || rec.StopReason != "end_turn" {
		t.Errorf("status/stop = %d/%q, want 200/end_turn", rec.StatusCode, rec.StopReason)
	}
	if rec.InputTokens != 12 || rec.OutputTokens != 3 {
		t.Errorf("usage = %d/%d, want 12/3", rec.InputTokens, rec.OutputTokens)
	}
	if rec.DurationMs < 0 {
		t.Errorf("duration = %f, want >= 0", rec.DurationMs)
	}

	// Feed carries lifecycle transitions only, not chunks or account picks.
	want := []FlowState{FlowPending, FlowStreaming, FlowCompleted}
	if len(states) != len(want) {
		t.Fatalf("published %d events (%v), want %v", len(states), states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, states[i], want[i])
		}
	}

	acc := stats.Account("acc-1")
	if acc.Requests != 1 || acc.Errors != 0 {
		t.Errorf("account stats = %d/%d, want 1/0", acc.Requests, acc.Errors)
	}
	if acc.TokensIn != 12 || acc.TokensOut != 3 {
		t.Errorf("account tokens = %d/%d, want 12/3", acc.TokensIn, acc.TokensOut)
	}
	entries := logs.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].ID != flow.ID() || entries[0].Status != 200 {
		t.Errorf("log entry = %q status %d, want flow id with status 200", entries[0].ID, entries[0].Status)
	}
}

func TestFlowLifecycle_Failed(t *testing.T) {
	mon, stats, logs := newTestMonitor(10)

	flow := mon.Begin("openai", "POST", "/v1/chat/completions", "", "claude-3-5-haiku-20241022", false)
	flow.AccountPicked("acc-2", "beta")
	flow.Failed("rate_limited", "quota exhausted", 429)

	rec, _ := mon.Get(flow.ID())
	if rec.State != FlowFailed {
		t.Fatalf("state = %q, want %q", rec.State, FlowFailed)
	}
	if rec.ErrorType != "rate_limited" || rec.ErrorMessage != "quota exhausted" {
		t.Errorf("error = %q/%q, want rate_limited/quota exhausted", rec.ErrorType, rec.ErrorMessage)
	}
	if rec.StatusCode != 429 {
		t.Errorf("status = %d, want 429", rec.StatusCode)
	}

	acc := stats.Account("acc-2")
	if acc.Requests != 1 || acc.Errors != 1 {
		t.Errorf("account stats = %d/%d, want 1/1", acc.Requests, acc.Errors)
	}
	entries := logs.Recent(0)
	if len(entries) != 1 || entries[0].Error != "quota exhausted" {
		t.Fatalf("log = %+v, want one entry with the error message", entries)
	}
}

func TestFlow_TerminalIsFinal(t *testing.T) {
	mon, stats, _ := newTestMonitor(10)

	flow := mon.Begin("anthropic", "POST", "/v1/messages", "", "m", false)
	flow.Completed(&chat.Result{Text: "done"}, usecase.Usage{})
	flow.Failed("unknown", "late error", 500)
	flow.ChunkSent("late chunk")

	rec, _ := mon.Get(flow.ID())
	if rec.State != FlowCompleted {
		t.Fatalf("state = %q, want %q after late events", rec.State, FlowCompleted)
	}
	if rec.ChunkCount != 0 {
		t.Errorf("chunk count = %d, want 0", rec.ChunkCount)
	}
	if got := stats.Totals().Requests; got != 1 {
		t.Errorf("total requests = %d, want 1 (single settlement)", got)
	}
}

func TestMonitor_RingEviction(t *testing.T) {
	mon, _, _ := newTestMonitor(2)

	first := mon.Begin("anthropic", "POST", "/v1/messages", "", "m", false)
	second := mon.Begin("anthropic", "POST", "/v1/messages", "", "m", false)
	third := mon.Begin("anthropic", "POST", "/v1/messages", "", "m", false)

	if _, ok := mon.Get(first.ID()); ok {
		t.Fatalf("oldest flow should have been evicted")
	}
	recent := mon.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("recent = %d records, want 2", len(recent))
	}
	if recent[0].ID != third.ID() || recent[1].ID != second.ID() {
		t.Errorf("recent order = [%s %s], want newest first", recent[0].ID, recent[1].ID)
	}

	// Reporting into an evicted flow is a no-op, not a panic.
	first.Completed(&chat.Result{}, usecase.Usage{})
}

func TestMonitor_RecentLimit(t *testing.T) {
	mon, _, _ := newTestMonitor(10)
	for i := 0; i < 5; i++ {
		mon.Begin("gemini", "POST", "/v1beta/models", "", "m", false)
	}
	if got := len(mon.Recent(3)); got != 3 {
		t.Fatalf("Recent(3) = %d records, want 3", got)
	}
	if got := len(mon.Recent(50)); got != 5 {
		t.Fatalf("Recent(50) = %d records, want 5", got)
	}
}

func TestFlow_PreviewClipped(t *testing.T) {
	mon, _, _ := newTestMonitor(10)

	flow := mon.Begin("anthropic", "POST", "/v1/messages", "", "m", true)
	flow.StreamStarted()
	long := strings.Repeat("字", 300) // 900 bytes of multi-byte runes
	flow.ChunkSent(long)
	flow.ChunkSent("tail")

	rec, _ := mon.Get(flow.ID())
	if len(rec.Preview) > previewLimit {
		t.Fatalf("preview length = %d, want <= %d", len(rec.Preview), previewLimit)
	}
	if !strings.HasPrefix(rec.Preview, "字") {
		t.Fatalf("preview lost its head: %q", rec.Preview[:12])
	}
	for _, r := range rec.Preview {
		if r == '�' {
			t.Fatalf("preview contains a split rune")
		}
	}
	if rec.ChunkCount != 2 {
		t.Errorf("chunk count = %d, want 2 (clipping keeps counting)", rec.ChunkCount)
	}
}

func TestFlow_DurationUsesClock(t *testing.T) {
	mon, _, _ := newTestMonitor(10)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	mon.now = func() time.Time { return current }

	flow := mon.Begin("anthropic", "POST", "/v1/messages", "", "m", false)
	current = base.Add(750 * time.Millisecond)
	flow.Completed(&chat.Result{Text: "ok"}, usecase.Usage{})

	rec, _ := mon.Get(flow.ID())
	if rec.DurationMs != 750 {
		t.Fatalf("duration = %f ms, want 750", rec.DurationMs)
	}
}
