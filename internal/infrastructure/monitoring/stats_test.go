package monitoring

import (
	"testing"
	"time"
)

func TestStatsRecordRequest_Aggregates(t *testing.T) {
	s := NewStats()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.RecordRequest("acc-1", "claude-sonnet-4-20250514", true, 100*time.Millisecond, 10, 20)
	s.RecordRequest("acc-1", "claude-sonnet-4-20250514", false, 300*time.Millisecond, 5, 0)

	totals := s.Totals()
	if totals.Requests != 2 || totals.Errors != 1 {
		t.Fatalf("totals = %d/%d, want 2/1", totals.Requests, totals.Errors)
	}
	if totals.ErrorRate != "50.0%" {
		t.Errorf("error rate = %q, want 50.0%%", totals.ErrorRate)
	}
	if totals.Last24h != 2 {
		t.Errorf("last 24h = %d, want 2", totals.Last24h)
	}

	sum := s.Summary()
	acc, ok := sum.ByAccount["acc-1"]
	if !ok {
		t.Fatalf("by_account missing acc-1: %v", sum.ByAccount)
	}
	if acc.TokensIn != 15 || acc.TokensOut != 20 {
		t.Errorf("account tokens = %d/%d, want 15/20", acc.TokensIn, acc.TokensOut)
	}
	if acc.LastRequest != base.Unix() {
		t.Errorf("last_request = %d, want %d", acc.LastRequest, base.Unix())
	}

	mod, ok := sum.ByModel["claude-sonnet-4-20250514"]
	if !ok {
		t.Fatalf("by_model missing entry: %v", sum.ByModel)
	}
	if mod.Requests != 2 || mod.Errors != 1 {
		t.Errorf("model counters = %d/%d, want 2/1", mod.Requests, mod.Errors)
	}
	if mod.AvgLatencyMs != 200 {
		t.Errorf("avg latency = %f, want 200", mod.AvgLatencyMs)
	}
}

func TestStats_HourlyRetention(t *testing.T) {
	s := NewStats()
	base := time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	s.RecordRequest("acc-1", "m", true, time.Millisecond, 0, 0)
	current = base.Add(25 * time.Hour)
	s.RecordRequest("acc-1", "m", true, time.Millisecond, 0, 0)

	sum := s.Summary()
	if len(sum.Hourly) != 1 {
		t.Fatalf("hourly buckets = %d (%v), want 1 after retention sweep", len(sum.Hourly), sum.Hourly)
	}
	if sum.Last24h != 1 {
		t.Errorf("last 24h = %d, want 1", sum.Last24h)
	}
	// Lifetime totals survive the sweep.
	if got := s.Totals().Requests; got != 2 {
		t.Errorf("total requests = %d, want 2", got)
	}
}

func TestStats_SkipsBlankAccountAndModel(t *testing.T) {
	s := NewStats()
	s.RecordRequest("", "", false, time.Millisecond, 0, 0)

	sum := s.Summary()
	if len(sum.ByAccount) != 0 || len(sum.ByModel) != 0 {
		t.Fatalf("blank keys were booked: %v / %v", sum.ByAccount, sum.ByModel)
	}
	if got := s.Totals().Requests; got != 1 {
		t.Errorf("total requests = %d, want 1", got)
	}
}

func TestStats_AccountUnknown(t *testing.T) {
	s := NewStats()
	acc := s.Account("missing")
	if acc.Requests != 0 || acc.ErrorRate != "0.0%" {
		t.Fatalf("unknown account = %+v, want zero totals", acc)
	}
}
