// Package history keeps conversation history inside the upstream's payload
// limits. It compacts long histories before dispatch (by truncation or
// summarization) and repairs the structural invariants the upstream
// enforces: alternating roles and paired tool frames.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

// Strategy 历史压缩策略
type Strategy int

const (
	// TruncateHead drops the oldest turns pairwise.
	TruncateHead Strategy = iota
	// SummarizeHead replaces dropped turns with an upstream-generated summary.
	SummarizeHead
	// SummarizeOnErrorOnly compacts only after a content-length error.
	SummarizeOnErrorOnly
)

// String 返回策略的字符串表示
func (s Strategy) String() string {
	switch s {
	case TruncateHead:
		return "truncate_head"
	case SummarizeHead:
		return "summarize_head"
	case SummarizeOnErrorOnly:
		return "summarize_on_error_only"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string to a Strategy, defaulting to
// TruncateHead for unknown values.
func ParseStrategy(s string) Strategy {
	switch s {
	case "summarize_head":
		return SummarizeHead
	case "summarize_on_error_only":
		return SummarizeOnErrorOnly
	default:
		return TruncateHead
	}
}

// Config 历史管理配置
type Config struct {
	Strategy   Strategy
	MaxChars   int // estimated character budget for history + current message
	MaxTurns   int // turn-count threshold that also triggers compaction
	KeepRecent int // minimum turns preserved at the tail
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Strategy:   TruncateHead,
		MaxChars:   160000,
		MaxTurns:   60,
		KeepRecent: 4,
	}
}

// SummaryFunc condenses rendered turns into a short summary by calling the
// upstream with a fast model. Implementations live above the domain layer.
type SummaryFunc func(ctx context.Context, text string) (string, error)

// Report describes what PreProcess or HandleLengthError did to a history.
type Report struct {
	Compacted    bool
	Summarized   bool
	DroppedTurns int
	Info         string
}

// Manager applies the configured compaction strategy and re-repairs the
// history afterwards. Safe for concurrent use; all state is per call.
type Manager struct {
	cfg       Config
	summarize SummaryFunc
}

// NewManager 创建历史管理器。summarize 可以为 nil（只截断）。
func NewManager(cfg Config, summarize SummaryFunc) *Manager {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultConfig().MaxChars
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultConfig().MaxTurns
	}
	if cfg.KeepRecent < 2 {
		cfg.KeepRecent = 2
	}
	return &Manager{cfg: cfg, summarize: summarize}
}

// PreProcess compacts the history before dispatch when it exceeds the
// configured budget. It never fails: summarization errors degrade to plain
// truncation, and the result is always repaired.
func (m *Manager) PreProcess(ctx context.Context, turns []chat.Turn, currentUser string) ([]chat.Turn, Report) {
	histChars, _, total := EstimateChars(turns, currentUser)
	if total <= m.cfg.MaxChars && len(turns) <= m.cfg.MaxTurns {
		return Repair(turns), Report{}
	}

	budget := m.cfg.MaxChars - (total - histChars)
	if budget < 0 {
		budget = 0
	}

	switch m.cfg.Strategy {
	case SummarizeHead:
		return m.summarizeHead(ctx, turns, budget)
	default:
		// TruncateHead 与 SummarizeOnErrorOnly 在预处理阶段都只截断
		return m.truncateHead(turns, budget, m.cfg.MaxTurns)
	}
}

// HandleLengthError shrinks the history after the upstream rejected the
// payload as too long. Each retry halves the kept window; the boolean
// reports whether a retry is worthwhile.
func (m *Manager) HandleLengthError(ctx context.Context, turns []chat.Turn, retryIndex int) ([]chat.Turn, bool) {
	if len(turns) == 0 {
		return turns, false
	}

	keep := len(turns) >> uint(retryIndex+1)
	if keep >= len(turns) {
		keep = len(turns) - 2
	}
	if keep < 0 {
		keep = 0
	}

	if m.cfg.Strategy == SummarizeHead || m.cfg.Strategy == SummarizeOnErrorOnly {
		if shrunk, rep := m.summarizeTo(ctx, turns, keep); rep.Summarized {
			return shrunk, true
		}
	}

	shrunk := Repair(keepTail(turns, keep))
	return shrunk, len(shrunk) < len(turns)
}

// truncateHead drops user/assistant pairs from the front until the history
// fits both the character budget and the turn threshold.
func (m *Manager) truncateHead(turns []chat.Turn, budget, maxTurns int) ([]chat.Turn, Report) {
	repaired := Repair(turns)
	kept := repaired
	dropped := 0

	for len(kept) > m.cfg.KeepRecent {
		if turnsChars(kept) <= budget && len(kept) <= maxTurns {
			break
		}
		// Alternation holds after Repair, so two turns are one exchange.
		step := 2
		if step > len(kept)-m.cfg.KeepRecent {
			step = len(kept) - m.cfg.KeepRecent
		}
		kept = kept[step:]
		dropped += step
	}

	if dropped == 0 {
		return kept, Report{}
	}
	kept = Repair(kept)
	return kept, Report{
		Compacted:    true,
		DroppedTurns: dropped,
		Info:         fmt.Sprintf("truncated %d oldest turns, %d kept", dropped, len(kept)),
	}
}

// summarizeHead condenses the turns that truncation would drop and
// reinjects them as a labeled synthetic exchange ahead of the kept tail.
func (m *Manager) summarizeHead(ctx context.Context, turns []chat.Turn, budget int) ([]chat.Turn, Report) {
	repaired := Repair(turns)

	keep := len(repaired)
	for keep > m.cfg.KeepRecent && (turnsChars(repaired[len(repaired)-keep:]) > budget || keep > m.cfg.MaxTurns) {
		keep -= 2
	}
	if keep < m.cfg.KeepRecent {
		keep = m.cfg.KeepRecent
	}
	if keep >= len(repaired) {
		return repaired, Report{}
	}

	shrunk, rep := m.summarizeTo(ctx, repaired, keep)
	if rep.Summarized {
		return shrunk, rep
	}
	return m.truncateHead(repaired, budget, m.cfg.MaxTurns)
}

// summarizeTo summarizes everything before the kept tail. A failed or empty
// summary reports Summarized=false so callers can fall back to truncation.
func (m *Manager) summarizeTo(ctx context.Context, turns []chat.Turn, keep int) ([]chat.Turn, Report) {
	if m.summarize == nil || keep >= len(turns) {
		return turns, Report{}
	}

	head := turns[:len(turns)-keep]
	tail := keepTail(turns, keep)

	summary, err := m.summarize(ctx, renderTurns(head))
	if err != nil || summary == "" {
		return turns, Report{}
	}

	out := make([]chat.Turn, 0, len(tail)+2)
	out = append(out,
		chat.Turn{Role: chat.RoleUser, Content: summaryLabel + "\n" + summary},
		chat.Turn{Role: chat.RoleAssistant, Content: summaryAck},
	)
	out = append(out, tail...)
	out = Repair(out)

	return out, Report{
		Compacted:    true,
		Summarized:   true,
		DroppedTurns: len(head),
		Info:         fmt.Sprintf("summarized %d turns into %d chars", len(head), len(summary)),
	}
}

// keepTail returns the last keep turns, aligned so the window starts on a
// user turn when possible.
func keepTail(turns []chat.Turn, keep int) []chat.Turn {
	if keep <= 0 {
		return nil
	}
	if keep >= len(turns) {
		return turns
	}
	start := len(turns) - keep
	for start < len(turns) && turns[start].Role != chat.RoleUser {
		start++
	}
	return turns[start:]
}

// EstimateChars estimates the serialized size of a request in characters:
// history, current message, and their total.
func EstimateChars(turns []chat.Turn, currentUser string) (histChars, currentChars, total int) {
	histChars = turnsChars(turns)
	currentChars = len(currentUser)
	return histChars, currentChars, histChars + currentChars
}

func turnsChars(turns []chat.Turn) int {
	total := 0
	for i := range turns {
		total += turnChars(&turns[i])
	}
	return total
}

func turnChars(t *chat.Turn) int {
	n := len(t.Content)
	for _, u := range t.ToolUses {
		n += len(u.ID) + len(u.Name)
		if raw, err := json.Marshal(u.Input); err == nil {
			n += len(raw)
		}
	}
	for _, r := range t.ToolResults {
		n += len(r.ToolUseID) + len(r.Content)
	}
	return n
}
