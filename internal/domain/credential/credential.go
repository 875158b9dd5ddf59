// Package credential owns the upstream account pool: per-account status,
// quota cooldowns, token lifecycle, and the selection/failover logic the
// relay layer depends on.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Status 账号状态
type Status int

const (
	StatusActive Status = iota
	StatusCooldown
	StatusUnhealthy
	StatusSuspended
	StatusDisabled
)

// String 返回状态的字符串表示
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCooldown:
		return "cooldown"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusSuspended:
		return "suspended"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Tokens is the snapshot of an account's on-disk token record.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AuthMethod   string
	Region       string
	ClientID     string
	ProfileArn   string
}

// Expired reports whether the access token is past its expiry.
func (t Tokens) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ExpiringWithin reports whether the token expires inside the window.
// Tokens without a known expiry never report as expiring.
func (t Tokens) ExpiringWithin(now time.Time, window time.Duration) bool {
	return !t.ExpiresAt.IsZero() && !now.Add(window).Before(t.ExpiresAt)
}

// Credential is one authenticated identity against the upstream. Mutable
// fields are guarded by a per-credential mutex; token refresh is serialized
// separately so the main lock is never held across I/O.
type Credential struct {
	mu sync.Mutex

	id        string
	name      string
	tokenPath string
	machineID string

	enabled       bool
	status        Status
	cooldownUntil time.Time

	requestCount int64
	errorCount   int64
	lastUsedAt   time.Time

	tokens          Tokens
	refreshFailures int

	refreshMu sync.Mutex
}

// New creates a credential. An empty machineID is derived deterministically
// from the identity so legacy account records keep a stable fingerprint.
func New(id, name, tokenPath string, enabled bool, machineID string) *Credential {
	if machineID == "" {
		machineID = DeriveMachineID(id, tokenPath)
	}
	return &Credential{
		id:        id,
		name:      name,
		tokenPath: tokenPath,
		machineID: machineID,
		enabled:   enabled,
		status:    StatusActive,
	}
}

// DeriveMachineID produces the stable per-account machine fingerprint used
// in the upstream user-agent string. It never changes once assigned.
func DeriveMachineID(id, tokenPath string) string {
	sum := sha256.Sum256([]byte(id + "|" + tokenPath))
	return hex.EncodeToString(sum[:])
}

func (c *Credential) ID() string        { return c.id }
func (c *Credential) Name() string      { return c.name }
func (c *Credential) TokenPath() string { return c.tokenPath }
func (c *Credential) MachineID() string { return c.machineID }

// Enabled reports the admin toggle.
func (c *Credential) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled flips the admin toggle. Disabling forces StatusDisabled;
// re-enabling a non-suspended account returns it to active.
func (c *Credential) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.status = StatusDisabled
	} else if c.status == StatusDisabled {
		c.status = StatusActive
	}
}

// Status returns the current lifecycle state.
func (c *Credential) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Tokens returns a copy of the cached token record.
func (c *Credential) Tokens() Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// SetTokens replaces the cached token record (boot load, refresh, or an
// external file change picked up by the watcher). A successful update
// resets the refresh failure counter.
func (c *Credential) SetTokens(t Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
	if t.AccessToken != "" {
		c.refreshFailures = 0
	}
}

// AccessToken returns the current bearer token, empty when none is loaded.
func (c *Credential) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.AccessToken
}

// Available implements the selection invariant: enabled, active, past any
// cooldown, and holding an access token. A lapsed cooldown flips the
// credential back to active as a side effect.
func (c *Credential) Available(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickCooldownLocked(now)
	return c.enabled &&
		c.status == StatusActive &&
		!now.Before(c.cooldownUntil) &&
		c.tokens.AccessToken != ""
}

func (c *Credential) tickCooldownLocked(now time.Time) {
	if c.status == StatusCooldown && !now.Before(c.cooldownUntil) {
		c.status = StatusActive
	}
}

// EnterCooldown moves the credential into quota cooldown. When called
// repeatedly the later deadline wins.
func (c *Credential) EnterCooldown(until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	if c.status == StatusActive || c.status == StatusCooldown {
		c.status = StatusCooldown
	}
}

// Suspend marks the credential terminally suspended and disables it; only
// an admin restore re-enables.
func (c *Credential) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusSuspended
	c.enabled = false
}

// MarkUnhealthy records a failed health probe or refresh.
func (c *Credential) MarkUnhealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusActive || c.status == StatusUnhealthy {
		c.status = StatusUnhealthy
	}
}

// MarkHealthy records a successful probe; it never overrides suspension,
// cooldown, or an admin disable.
func (c *Credential) MarkHealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusUnhealthy {
		c.status = StatusActive
	}
}

// Restore clears cooldown state after an admin action. Suspended accounts
// come back too — restore is the explicit admin override. No-op when the
// credential is already active.
func (c *Credential) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusActive {
		return
	}
	c.cooldownUntil = time.Time{}
	if c.status == StatusSuspended {
		c.enabled = true
	}
	if c.status != StatusDisabled {
		c.status = StatusActive
	}
}

// RecordDispatch bumps the usage counters after a successful dispatch.
func (c *Credential) RecordDispatch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount++
	c.lastUsedAt = now
}

// RecordError bumps the error counter.
func (c *Credential) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}

// RecordRefreshFailure counts consecutive refresh failures and reports
// whether the threshold for marking the credential unhealthy was reached.
func (c *Credential) RecordRefreshFailure(threshold int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshFailures++
	return c.refreshFailures >= threshold
}

// Counters returns request count, error count, and last-used time.
func (c *Credential) Counters() (requests, errors int64, lastUsed time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount, c.errorCount, c.lastUsedAt
}

// CooldownUntil returns the current cooldown deadline, zero when none.
func (c *Credential) CooldownUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownUntil
}

// View is the read-only snapshot exposed to admin listings.
type View struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TokenPath       string    `json:"token_path"`
	Enabled         bool      `json:"enabled"`
	Status          string    `json:"status"`
	RequestCount    int64     `json:"request_count"`
	ErrorCount      int64     `json:"error_count"`
	LastUsedAt      time.Time `json:"last_used_at"`
	CooldownUntil   time.Time `json:"cooldown_until,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	AuthMethod      string    `json:"auth_method,omitempty"`
	Available       bool      `json:"available"`
}

// Snapshot captures a consistent admin view of the credential.
func (c *Credential) Snapshot(now time.Time) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickCooldownLocked(now)
	available := c.enabled &&
		c.status == StatusActive &&
		!now.Before(c.cooldownUntil) &&
		c.tokens.AccessToken != ""
	return View{
		ID:              c.id,
		Name:            c.name,
		TokenPath:       c.tokenPath,
		Enabled:         c.enabled,
		Status:          c.status.String(),
		RequestCount:    c.requestCount,
		ErrorCount:      c.errorCount,
		LastUsedAt:      c.lastUsedAt,
		CooldownUntil:   c.cooldownUntil,
		ExpiresAt:       c.tokens.ExpiresAt,
		HasRefreshToken: c.tokens.RefreshToken != "",
		AuthMethod:      c.tokens.AuthMethod,
		Available:       available,
	}
}
