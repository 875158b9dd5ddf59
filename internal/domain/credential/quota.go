package credential

import (
	"sort"
	"sync"
	"time"
)

// QuotaRecord 配额超限记录
type QuotaRecord struct {
	AccountID     string    `json:"account_id"`
	AccountName   string    `json:"account_name"`
	ExceededAt    time.Time `json:"exceeded_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Reason        string    `json:"reason"`
}

// QuotaManager tracks which accounts are in quota cooldown. Records are
// evicted lazily: expired entries disappear on the next read or mark.
type QuotaManager struct {
	mu      sync.Mutex
	records map[string]*QuotaRecord
}

// NewQuotaManager 创建配额管理器
func NewQuotaManager() *QuotaManager {
	return &QuotaManager{records: make(map[string]*QuotaRecord)}
}

// Mark records a quota hit. Re-marking an account keeps the later deadline.
func (q *QuotaManager) Mark(id, name, reason string, now, until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked(now)
	if rec, ok := q.records[id]; ok {
		if until.After(rec.CooldownUntil) {
			rec.CooldownUntil = until
		}
		if reason != "" {
			rec.Reason = reason
		}
		return
	}
	q.records[id] = &QuotaRecord{
		AccountID:     id,
		AccountName:   name,
		ExceededAt:    now,
		CooldownUntil: until,
		Reason:        reason,
	}
}

// Get returns the active record for an account, nil when none.
func (q *QuotaManager) Get(id string, now time.Time) *QuotaRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked(now)
	rec, ok := q.records[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// All returns the active records, oldest first.
func (q *QuotaManager) All(now time.Time) []QuotaRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked(now)
	out := make([]QuotaRecord, 0, len(q.records))
	for _, rec := range q.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExceededAt.Before(out[j].ExceededAt)
	})
	return out
}

// Clear removes a record regardless of its deadline. Returns false when
// the account had no record.
func (q *QuotaManager) Clear(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.records[id]; !ok {
		return false
	}
	delete(q.records, id)
	return true
}

func (q *QuotaManager) evictLocked(now time.Time) {
	for id, rec := range q.records {
		if !now.Before(rec.CooldownUntil) {
			delete(q.records, id)
		}
	}
}
