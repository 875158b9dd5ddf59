// Package monitoring records what the gateway is doing: a bounded ring of
// per-request flow records fed to websocket subscribers, aggregate counters
// per account and per model, a request log ring, and Prometheus collectors.
// A Flow is handed to the relay as its observation hook; its terminal
// transitions fan out to every sink so handlers never book-keep twice.
package monitoring

import (
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/chat"
)

// FlowState 流程状态
type FlowState string

const (
	FlowPending   FlowState = "pending"
	FlowStreaming FlowState = "streaming"
	FlowCompleted FlowState = "completed"
	FlowFailed    FlowState = "failed"
)

func (s FlowState) terminal() bool {
	return s == FlowCompleted || s == FlowFailed
}

// previewLimit caps the accumulated content preview per flow record.
const previewLimit = 500

// DefaultFlowLimit is the flow ring size when none is configured.
const DefaultFlowLimit = 500

// FlowRecord is the dashboard-facing trace of one relayed request, from
// admission to settlement.
type FlowRecord struct {
	ID           string    `json:"id"`
	Protocol     string    `json:"protocol"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	ClientIP     string    `json:"client_ip,omitempty"`
	Model        string    `json:"model"`
	Stream       bool      `json:"stream"`
	AccountID    string    `json:"account_id,omitempty"`
	AccountName  string    `json:"account_name,omitempty"`
	State        FlowState `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	DurationMs   float64   `json:"duration_ms"`
	Retries      int       `json:"retries"`
	ChunkCount   int       `json:"chunk_count"`
	Preview      string    `json:"preview,omitempty"`
	StopReason   string    `json:"stop_reason,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	StatusCode   int       `json:"status_code,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Monitor keeps the flow ring and fans terminal flow events into the
// aggregate stats, the request log and the Prometheus collectors.
type Monitor struct {
	mu      sync.RWMutex
	flows   map[string]*FlowRecord
	order   []string
	limit   int
	publish func(FlowRecord)

	stats  *Stats
	logs   *RequestLog
	logger *zap.Logger

	now func() time.Time
}

// NewMonitor 创建流程监控器
func NewMonitor(limit int, stats *Stats, logs *RequestLog, logger *zap.Logger) *Monitor {
	if limit <= 0 {
		limit = DefaultFlowLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		flows:  make(map[string]*FlowRecord),
		limit:  limit,
		stats:  stats,
		logs:   logs,
		logger: logger.With(zap.String("component", "monitoring")),
		now:    time.Now,
	}
}

// SetPublisher wires the websocket feed. The function receives a copy of
// the record on every lifecycle transition (created, streaming, completed,
// failed) and must not block.
func (m *Monitor) SetPublisher(fn func(FlowRecord)) {
	m.mu.Lock()
	m.publish = fn
	m.mu.Unlock()
}

// Begin opens a flow record in the pending state and returns the Flow the
// relay reports into. The oldest record is evicted once the ring is full.
func (m *Monitor) Begin(protocol, method, path, clientIP, model string, stream bool) *Flow {
	now := m.now()
	rec := &FlowRecord{
		ID:        uuid.NewString(),
		Protocol:  protocol,
		Method:    method,
		Path:      path,
		ClientIP:  clientIP,
		Model:     model,
		Stream:    stream,
		State:     FlowPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.flows[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	if len(m.order) > m.limit {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.flows, oldest)
	}
	snap := *rec
	fn := m.publish
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return &Flow{mon: m, id: rec.ID}
}

// Get returns a copy of one flow record.
func (m *Monitor) Get(id string) (FlowRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.flows[id]
	if !ok {
		return FlowRecord{}, false
	}
	return *rec, true
}

// Recent returns up to limit records, newest first.
func (m *Monitor) Recent(limit int) []FlowRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FlowRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		if rec, ok := m.flows[m.order[i]]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Flow reports one request's lifecycle into the monitor. The relay drives
// it through the observation hooks; handlers call Failed directly when a
// request dies before reaching the relay.
type Flow struct {
	mon *Monitor
	id  string
}

var _ usecase.Observation = (*Flow)(nil)

// ID exposes the flow record id, shared with the request log entry.
func (f *Flow) ID() string { return f.id }

// AccountPicked records which credential serves the current attempt.
func (f *Flow) AccountPicked(id, name string) {
	f.update(func(r *FlowRecord) {
		r.AccountID = id
		r.AccountName = name
	}, false)
}

// RetryScheduled records that attempt n is about to run after a failure.
func (f *Flow) RetryScheduled(attempt int, reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
	f.update(func(r *FlowRecord) {
		r.Retries = attempt
	}, false)
}

// StreamStarted marks the flow as streaming.
func (f *Flow) StreamStarted() {
	f.update(func(r *FlowRecord) {
		r.State = FlowStreaming
	}, true)
}

// ChunkSent accumulates one delivered fragment. Chunks mutate the record
// but are not broadcast; the feed carries lifecycle transitions only.
func (f *Flow) ChunkSent(fragment string) {
	StreamChunksTotal.Inc()
	f.update(func(r *FlowRecord) {
		r.ChunkCount++
		if len(r.Preview) < previewLimit {
			r.Preview = clip(r.Preview+fragment, previewLimit)
		}
	}, false)
}

// Completed settles the flow as successful.
func (f *Flow) Completed(res *chat.Result, usage usecase.Usage) {
	f.finish(func(r *FlowRecord) {
		r.State = FlowCompleted
		r.StatusCode = http.StatusOK
		r.InputTokens = usage.InputTokens
		r.OutputTokens = usage.OutputTokens
		if res != nil {
			r.StopReason = res.StopReason
			if r.Preview == "" {
				r.Preview = clip(res.Text, previewLimit)
			}
		}
	})
}

// Failed settles the flow as failed with the relay's error taxonomy.
func (f *Flow) Failed(errType, message string, status int) {
	f.finish(func(r *FlowRecord) {
		r.State = FlowFailed
		r.StatusCode = status
		r.ErrorType = errType
		r.ErrorMessage = message
	})
}

// update applies a mutation to the live record. Records evicted from the
// ring or already settled are left alone.
func (f *Flow) update(apply func(*FlowRecord), broadcast bool) {
	m := f.mon
	m.mu.Lock()
	rec, ok := m.flows[f.id]
	if !ok || rec.State.terminal() {
		m.mu.Unlock()
		return
	}
	apply(rec)
	rec.UpdatedAt = m.now()
	var snap FlowRecord
	fn := m.publish
	if broadcast {
		snap = *rec
	}
	m.mu.Unlock()

	if broadcast && fn != nil {
		fn(snap)
	}
}

// finish applies the terminal mutation once, then fans the settled record
// out to the feed, the stats, the log and the metrics.
func (f *Flow) finish(apply func(*FlowRecord)) {
	m := f.mon
	m.mu.Lock()
	rec, ok := m.flows[f.id]
	if !ok || rec.State.terminal() {
		m.mu.Unlock()
		return
	}
	apply(rec)
	now := m.now()
	rec.UpdatedAt = now
	rec.DurationMs = float64(now.Sub(rec.CreatedAt)) / float64(time.Millisecond)
	snap := *rec
	fn := m.publish
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	m.settle(snap)
}

func (m *Monitor) settle(rec FlowRecord) {
	success := rec.State == FlowCompleted
	latency := time.Duration(rec.DurationMs * float64(time.Millisecond))

	if m.stats != nil {
		m.stats.RecordRequest(rec.AccountID, rec.Model, success, latency, rec.InputTokens, rec.OutputTokens)
	}
	if m.logs != nil {
		m.logs.Append(LogEntry{
			ID:         rec.ID,
			Timestamp:  rec.UpdatedAt,
			Method:     rec.Method,
			Path:       rec.Path,
			Model:      rec.Model,
			AccountID:  rec.AccountID,
			Status:     rec.StatusCode,
			DurationMs: rec.DurationMs,
			TokensIn:   rec.InputTokens,
			TokensOut:  rec.OutputTokens,
			Error:      rec.ErrorMessage,
		})
	}

	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	RequestsTotal.WithLabelValues(rec.Protocol, rec.Model, outcome).Inc()
	RequestDuration.WithLabelValues(rec.Protocol, rec.Model).Observe(latency.Seconds())
	if rec.InputTokens > 0 {
		TokensTotal.WithLabelValues(rec.Model, "input").Add(float64(rec.InputTokens))
	}
	if rec.OutputTokens > 0 {
		TokensTotal.WithLabelValues(rec.Model, "output").Add(float64(rec.OutputTokens))
	}
	if rec.AccountID != "" {
		AccountRequestsTotal.WithLabelValues(rec.AccountID).Inc()
	}
	if !success && rec.ErrorType != "" {
		RequestErrorsTotal.WithLabelValues(rec.ErrorType).Inc()
	}

	if !success {
		m.logger.Warn("flow failed",
			zap.String("flow_id", rec.ID),
			zap.String("protocol", rec.Protocol),
			zap.String("error_type", rec.ErrorType),
			zap.Int("status", rec.StatusCode),
		)
	}
}

// clip truncates s to at most limit bytes without splitting a rune.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
