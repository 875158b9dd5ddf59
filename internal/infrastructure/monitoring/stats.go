package monitoring

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// hourlyRetention is how long per-hour request buckets are kept.
const hourlyRetention = 24

type accountCounters struct {
	requests  int64
	errors    int64
	tokensIn  int64
	tokensOut int64
	last      time.Time
}

type modelCounters struct {
	requests int64
	errors   int64
	latency  time.Duration
}

// Stats aggregates settled requests per account, per model and per hour.
// Everything lives in memory; restarts zero it.
type Stats struct {
	mu        sync.RWMutex
	byAccount map[string]*accountCounters
	byModel   map[string]*modelCounters
	hourly    map[int64]int64
	requests  int64
	errors    int64
	started   time.Time

	now func() time.Time
}

// NewStats 创建统计聚合器
func NewStats() *Stats {
	return &Stats{
		byAccount: make(map[string]*accountCounters),
		byModel:   make(map[string]*modelCounters),
		hourly:    make(map[int64]int64),
		started:   time.Now(),
		now:       time.Now,
	}
}

// RecordRequest books one settled request. Hourly buckets older than the
// retention window are dropped on the way through.
func (s *Stats) RecordRequest(accountID, model string, success bool, latency time.Duration, tokensIn, tokensOut int) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if !success {
		s.errors++
	}

	if accountID != "" {
		acc := s.byAccount[accountID]
		if acc == nil {
			acc = &accountCounters{}
			s.byAccount[accountID] = acc
		}
		acc.requests++
		if !success {
			acc.errors++
		}
		acc.tokensIn += int64(tokensIn)
		acc.tokensOut += int64(tokensOut)
		acc.last = now
	}

	if model != "" {
		mod := s.byModel[model]
		if mod == nil {
			mod = &modelCounters{}
			s.byModel[model] = mod
		}
		mod.requests++
		if !success {
			mod.errors++
		}
		mod.latency += latency
	}

	hour := now.Unix() / 3600
	s.hourly[hour]++
	for h := range s.hourly {
		if h <= hour-hourlyRetention {
			delete(s.hourly, h)
		}
	}
}

// AccountTotals is the per-account aggregate exposed by the admin API.
type AccountTotals struct {
	Requests    int64  `json:"total_requests"`
	Errors      int64  `json:"total_errors"`
	ErrorRate   string `json:"error_rate"`
	TokensIn    int64  `json:"total_tokens_in"`
	TokensOut   int64  `json:"total_tokens_out"`
	LastRequest int64  `json:"last_request,omitempty"`
}

// ModelTotals is the per-model aggregate exposed by the admin API.
type ModelTotals struct {
	Requests     int64   `json:"total_requests"`
	Errors       int64   `json:"total_errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Totals is the headline block served by GET /api/stats.
type Totals struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Requests      int64  `json:"total_requests"`
	Errors        int64  `json:"total_errors"`
	ErrorRate     string `json:"error_rate"`
	Last24h       int64  `json:"requests_last_24h"`
}

// Summary is the full breakdown served by GET /api/stats/detailed.
type Summary struct {
	ByAccount map[string]AccountTotals `json:"by_account"`
	ByModel   map[string]ModelTotals   `json:"by_model"`
	Hourly    map[int64]int64          `json:"hourly_requests"`
	Last24h   int64                    `json:"requests_last_24h"`
}

// Totals returns the headline counters.
func (s *Stats) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Totals{
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
		Requests:      s.requests,
		Errors:        s.errors,
		ErrorRate:     rate(s.errors, s.requests),
		Last24h:       s.last24hLocked(),
	}
}

// Summary returns the by-account, by-model and hourly breakdown.
func (s *Stats) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Summary{
		ByAccount: make(map[string]AccountTotals, len(s.byAccount)),
		ByModel:   make(map[string]ModelTotals, len(s.byModel)),
		Hourly:    make(map[int64]int64, len(s.hourly)),
		Last24h:   s.last24hLocked(),
	}
	for id, acc := range s.byAccount {
		out.ByAccount[id] = acc.view()
	}
	for name, mod := range s.byModel {
		out.ByModel[name] = mod.view()
	}
	for h, n := range s.hourly {
		out.Hourly[h] = n
	}
	return out
}

// Account returns one account's aggregate, zero-valued when unknown.
func (s *Stats) Account(accountID string) AccountTotals {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.byAccount[accountID]
	if !ok {
		return AccountTotals{ErrorRate: rate(0, 0)}
	}
	return acc.view()
}

func (s *Stats) last24hLocked() int64 {
	var total int64
	for _, n := range s.hourly {
		total += n
	}
	return total
}

func (a *accountCounters) view() AccountTotals {
	v := AccountTotals{
		Requests:  a.requests,
		Errors:    a.errors,
		ErrorRate: rate(a.errors, a.requests),
		TokensIn:  a.tokensIn,
		TokensOut: a.tokensOut,
	}
	if !a.last.IsZero() {
		v.LastRequest = a.last.Unix()
	}
	return v
}

func (m *modelCounters) view() ModelTotals {
	v := ModelTotals{
		Requests: m.requests,
		Errors:   m.errors,
	}
	if m.requests > 0 {
		avg := float64(m.latency.Milliseconds()) / float64(m.requests)
		v.AvgLatencyMs = math.Round(avg*100) / 100
	}
	return v
}

func rate(errors, requests int64) string {
	if requests == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(errors)/float64(requests)*100)
}
