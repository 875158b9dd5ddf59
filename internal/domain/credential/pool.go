package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCooldown is how long a quota-exhausted credential sits out.
const DefaultCooldown = 300 * time.Second

// refreshFailureThreshold is how many consecutive refresh failures it
// takes before a credential is marked unhealthy.
const refreshFailureThreshold = 3

// TokenStore 令牌文件仓储接口（定义在领域层，实现在基础设施层）
type TokenStore interface {
	// Load 读取令牌文件
	Load(path string) (Tokens, error)

	// Save 写回令牌文件，保留未知字段
	Save(path string, tokens Tokens) error
}

// TokenRefresher exchanges a refresh token for fresh credentials against
// the upstream auth service.
type TokenRefresher interface {
	Refresh(ctx context.Context, tokens Tokens) (Tokens, error)
}

// PoolConfig 凭证池配置
type PoolConfig struct {
	Cooldown     time.Duration
	AffinityIdle time.Duration
}

// DefaultPoolConfig 返回默认凭证池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Cooldown:     DefaultCooldown,
		AffinityIdle: DefaultAffinityIdle,
	}
}

// Pool manages the credential set: selection with session affinity,
// failover exclusion, quota cooldowns, and token refresh.
type Pool struct {
	mu    sync.RWMutex
	creds []*Credential
	byID  map[string]*Credential

	cfg      PoolConfig
	affinity *affinityMap
	quotas   *QuotaManager

	store     TokenStore
	refresher TokenRefresher
	logger    *zap.Logger

	now func() time.Time
}

// NewPool 创建凭证池
func NewPool(cfg PoolConfig, store TokenStore, refresher TokenRefresher, logger *zap.Logger) *Pool {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		byID:      make(map[string]*Credential),
		cfg:       cfg,
		affinity:  newAffinityMap(cfg.AffinityIdle),
		quotas:    NewQuotaManager(),
		store:     store,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// Quotas exposes the quota ledger for admin queries.
func (p *Pool) Quotas() *QuotaManager { return p.quotas }

// Add registers a credential and loads its token file. A failed load is
// logged but not fatal: the credential simply stays unavailable until a
// token shows up.
func (p *Pool) Add(c *Credential) error {
	p.mu.Lock()
	if _, exists := p.byID[c.ID()]; exists {
		p.mu.Unlock()
		return fmt.Errorf("credential %s already registered", c.ID())
	}
	p.creds = append(p.creds, c)
	p.byID[c.ID()] = c
	p.mu.Unlock()

	if p.store != nil {
		tokens, err := p.store.Load(c.TokenPath())
		if err != nil {
			p.logger.Warn("token load failed",
				zap.String("account", c.Name()),
				zap.String("path", c.TokenPath()),
				zap.Error(err))
		} else {
			c.SetTokens(tokens)
		}
	}
	return nil
}

// Remove drops a credential and any affinity bindings pointing at it.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return false
	}
	delete(p.byID, id)
	for i, c := range p.creds {
		if c.ID() == id {
			p.creds = append(p.creds[:i], p.creds[i+1:]...)
			break
		}
	}
	p.affinity.drop(id)
	p.quotas.Clear(id)
	return true
}

// Get returns the credential by id, nil when unknown.
func (p *Pool) Get(id string) *Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// List returns the credentials in registration order.
func (p *Pool) List() []*Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Credential, len(p.creds))
	copy(out, p.creds)
	return out
}

// Len returns the number of registered credentials.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.creds)
}

// Select picks a credential for the request. A fresh session-affinity
// binding wins when its target is still available; otherwise the
// least-loaded available credential is chosen (fewest dispatched requests,
// ties broken by the earliest last-used time) and the session is rebound.
// Returns nil when nothing is available.
func (p *Pool) Select(sessionKey string) *Credential {
	now := p.now()

	if sessionKey != "" {
		if id, ok := p.affinity.get(sessionKey, now); ok {
			if c := p.Get(id); c != nil && c.Available(now) {
				p.affinity.touch(sessionKey, now)
				return c
			}
		}
	}

	best := p.pickLeastLoaded(now, "")
	if best == nil {
		return nil
	}
	if sessionKey != "" {
		p.affinity.bind(sessionKey, best.ID(), now)
	}
	return best
}

// NextAvailableExcluding picks the least-loaded available credential other
// than the one that just failed. Returns nil when no alternative exists.
func (p *Pool) NextAvailableExcluding(excludeID string) *Credential {
	return p.pickLeastLoaded(p.now(), excludeID)
}

func (p *Pool) pickLeastLoaded(now time.Time, excludeID string) *Credential {
	p.mu.RLock()
	candidates := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.ID() != excludeID {
			candidates = append(candidates, c)
		}
	}
	p.mu.RUnlock()

	var best *Credential
	var bestRequests int64
	var bestLastUsed time.Time
	for _, c := range candidates {
		if !c.Available(now) {
			continue
		}
		requests, _, lastUsed := c.Counters()
		if best == nil ||
			requests < bestRequests ||
			(requests == bestRequests && lastUsed.Before(bestLastUsed)) {
			best = c
			bestRequests = requests
			bestLastUsed = lastUsed
		}
	}
	return best
}

// MarkQuotaExceeded puts the credential into cooldown and records the hit
// in the quota ledger. Safe to call repeatedly: the later deadline wins.
func (p *Pool) MarkQuotaExceeded(id, reason string) {
	c := p.Get(id)
	if c == nil {
		return
	}
	now := p.now()
	until := now.Add(p.cfg.Cooldown)
	c.EnterCooldown(until)
	p.quotas.Mark(id, c.Name(), reason, now, until)
	p.logger.Warn("credential quota exceeded",
		zap.String("account", c.Name()),
		zap.Time("cooldown_until", until),
		zap.String("reason", reason))
}

// MarkSuspended flags the credential as suspended upstream and disables it.
func (p *Pool) MarkSuspended(id string) {
	c := p.Get(id)
	if c == nil {
		return
	}
	c.Suspend()
	p.affinity.drop(id)
	p.logger.Error("credential suspended upstream", zap.String("account", c.Name()))
}

// MarkUnhealthy flags the credential after a failed probe or auth error.
func (p *Pool) MarkUnhealthy(id, reason string) {
	c := p.Get(id)
	if c == nil {
		return
	}
	c.MarkUnhealthy()
	p.logger.Warn("credential unhealthy",
		zap.String("account", c.Name()),
		zap.String("reason", reason))
}

// MarkHealthy flags a successful probe.
func (p *Pool) MarkHealthy(id string) {
	if c := p.Get(id); c != nil {
		c.MarkHealthy()
	}
}

// Restore clears cooldown or suspension after an admin action. Reports
// whether anything changed.
func (p *Pool) Restore(id string) bool {
	c := p.Get(id)
	if c == nil {
		return false
	}
	cleared := p.quotas.Clear(id)
	if c.Status() == StatusActive && !cleared {
		return false
	}
	c.Restore()
	p.logger.Info("credential restored", zap.String("account", c.Name()))
	return true
}

// RefreshToken exchanges the refresh token and writes the new record back
// to the token file. Refreshes are serialized per credential; repeated
// failures mark the credential unhealthy.
func (p *Pool) RefreshToken(ctx context.Context, id string) error {
	c := p.Get(id)
	if c == nil {
		return fmt.Errorf("unknown credential %s", id)
	}
	if p.refresher == nil {
		return fmt.Errorf("no token refresher configured")
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	tokens := c.Tokens()
	if tokens.RefreshToken == "" {
		return fmt.Errorf("account %s has no refresh token", c.Name())
	}

	updated, err := p.refresher.Refresh(ctx, tokens)
	if err != nil {
		if c.RecordRefreshFailure(refreshFailureThreshold) {
			p.MarkUnhealthy(id, "token refresh failed repeatedly")
		}
		return fmt.Errorf("refresh token for %s: %w", c.Name(), err)
	}

	c.SetTokens(updated)
	if p.store != nil {
		if err := p.store.Save(c.TokenPath(), updated); err != nil {
			p.logger.Warn("token write-back failed",
				zap.String("account", c.Name()),
				zap.Error(err))
		}
	}
	p.logger.Info("token refreshed",
		zap.String("account", c.Name()),
		zap.Time("expires_at", updated.ExpiresAt))
	return nil
}

// RefreshExpiring refreshes every credential whose token expires within
// the window. Used by the background maintainer.
func (p *Pool) RefreshExpiring(ctx context.Context, window time.Duration) {
	now := p.now()
	for _, c := range p.List() {
		if !c.Enabled() {
			continue
		}
		tokens := c.Tokens()
		if tokens.RefreshToken == "" || !tokens.ExpiringWithin(now, window) {
			continue
		}
		if err := p.RefreshToken(ctx, c.ID()); err != nil {
			p.logger.Warn("scheduled refresh failed",
				zap.String("account", c.Name()),
				zap.Error(err))
		}
	}
}

// ReloadTokens re-reads a credential's token file, used when the watcher
// sees an external change (for example the IDE refreshing the token).
func (p *Pool) ReloadTokens(id string) {
	c := p.Get(id)
	if c == nil || p.store == nil {
		return
	}
	tokens, err := p.store.Load(c.TokenPath())
	if err != nil {
		p.logger.Warn("token reload failed",
			zap.String("account", c.Name()),
			zap.Error(err))
		return
	}
	c.SetTokens(tokens)
	p.logger.Info("token reloaded from disk", zap.String("account", c.Name()))
}

// FindByTokenPath returns the credential bound to a token file.
func (p *Pool) FindByTokenPath(path string) *Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.creds {
		if c.TokenPath() == path {
			return c
		}
	}
	return nil
}

// Snapshot returns admin views for every credential.
func (p *Pool) Snapshot() []View {
	now := p.now()
	creds := p.List()
	out := make([]View, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Snapshot(now))
	}
	return out
}
