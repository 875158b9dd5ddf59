package credential

import (
	"sync"
	"time"
)

// DefaultAffinityIdle is how long a session keeps its credential binding
// without traffic before the binding lapses.
const DefaultAffinityIdle = 60 * time.Second

type affinityEntry struct {
	credentialID string
	lastSeen     time.Time
}

// affinityMap pins conversation sessions to credentials so multi-turn
// exchanges keep hitting the same upstream identity. Bindings are advisory:
// a stale or unavailable target just falls through to normal selection.
type affinityMap struct {
	mu      sync.Mutex
	idle    time.Duration
	entries map[string]*affinityEntry
}

func newAffinityMap(idle time.Duration) *affinityMap {
	if idle <= 0 {
		idle = DefaultAffinityIdle
	}
	return &affinityMap{
		idle:    idle,
		entries: make(map[string]*affinityEntry),
	}
}

// get returns the bound credential id when the binding is still fresh.
// Expired entries are removed on the way out.
func (a *affinityMap) get(sessionKey string, now time.Time) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[sessionKey]
	if !ok {
		return "", false
	}
	if now.Sub(entry.lastSeen) > a.idle {
		delete(a.entries, sessionKey)
		return "", false
	}
	return entry.credentialID, true
}

// bind records (or rebinds) the session and stamps it as just seen.
func (a *affinityMap) bind(sessionKey, credentialID string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[sessionKey] = &affinityEntry{credentialID: credentialID, lastSeen: now}
	a.sweepLocked(now)
}

// touch refreshes the idle clock on an existing binding.
func (a *affinityMap) touch(sessionKey string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.entries[sessionKey]; ok {
		entry.lastSeen = now
	}
}

// drop removes every binding that points at the credential, used when a
// credential leaves the pool or stops being usable.
func (a *affinityMap) drop(credentialID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, entry := range a.entries {
		if entry.credentialID == credentialID {
			delete(a.entries, key)
		}
	}
}

func (a *affinityMap) sweepLocked(now time.Time) {
	for key, entry := range a.entries {
		if now.Sub(entry.lastSeen) > a.idle {
			delete(a.entries, key)
		}
	}
}

func (a *affinityMap) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
