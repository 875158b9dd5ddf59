package monitoring

import (
	"sync"
	"time"
)

// DefaultLogLimit is the request log ring size when none is configured.
const DefaultLogLimit = 1000

// LogEntry is one line of the in-memory request log.
type LogEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Model      string    `json:"model,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Status     int       `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	Error      string    `json:"error,omitempty"`
}

// RequestLog is a bounded ring of recent request outcomes.
type RequestLog struct {
	mu      sync.RWMutex
	entries []LogEntry
	limit   int
}

// NewRequestLog 创建请求日志环
func NewRequestLog(limit int) *RequestLog {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &RequestLog{limit: limit}
}

// Append adds one entry, evicting the oldest past the ring limit.
func (l *RequestLog) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.limit {
		l.entries = l.entries[1:]
	}
}

// Recent returns up to limit entries, newest first.
func (l *RequestLog) Recent(limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]LogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len reports how many entries the ring currently holds.
func (l *RequestLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
