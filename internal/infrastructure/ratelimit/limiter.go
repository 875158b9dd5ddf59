// Package ratelimit paces upstream dispatches: per-credential spacing,
// per-credential minute caps, and a global minute cap.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config 限流配置
type Config struct {
	MinInterval            time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	PerCredentialPerMinute int           `yaml:"per_credential_per_minute" mapstructure:"per_credential_per_minute"`
	GlobalPerMinute        int           `yaml:"global_per_minute" mapstructure:"global_per_minute"`
}

// DefaultConfig 返回默认限流配置
func DefaultConfig() Config {
	return Config{
		MinInterval:            time.Second,
		PerCredentialPerMinute: 30,
		GlobalPerMinute:        120,
	}
}

type credLimiter struct {
	spacing *rate.Limiter
	minute  *rate.Limiter
}

// Limiter answers "may this credential dispatch now" without consuming
// capacity, and consumes it when a dispatch actually happens. Limits can
// be swapped at runtime; doing so resets accumulated state.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	global  *rate.Limiter
	perCred map[string]*credLimiter
}

// NewLimiter 创建限流器
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{}
	l.apply(cfg)
	return l
}

func (l *Limiter) apply(cfg Config) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.PerCredentialPerMinute <= 0 {
		cfg.PerCredentialPerMinute = DefaultConfig().PerCredentialPerMinute
	}
	if cfg.GlobalPerMinute <= 0 {
		cfg.GlobalPerMinute = DefaultConfig().GlobalPerMinute
	}
	l.cfg = cfg
	l.global = rate.NewLimiter(perMinute(cfg.GlobalPerMinute), cfg.GlobalPerMinute)
	l.perCred = make(map[string]*credLimiter)
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

func (l *Limiter) credLocked(id string) *credLimiter {
	cl, ok := l.perCred[id]
	if !ok {
		cl = &credLimiter{
			spacing: rate.NewLimiter(rate.Every(l.cfg.MinInterval), 1),
			minute:  rate.NewLimiter(perMinute(l.cfg.PerCredentialPerMinute), l.cfg.PerCredentialPerMinute),
		}
		l.perCred[id] = cl
	}
	return cl
}

// CanRequest reports whether the credential may dispatch right now. When
// not permitted it returns how long to wait and which limit hit. The check
// is a peek: reservations are canceled so capacity is only consumed by
// RecordRequest.
func (l *Limiter) CanRequest(id string) (bool, time.Duration, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl := l.credLocked(id)
	checks := []struct {
		lim    *rate.Limiter
		reason string
	}{
		{cl.spacing, "min interval between requests"},
		{cl.minute, "per-credential minute cap"},
		{l.global, "global minute cap"},
	}

	var worst time.Duration
	reason := ""
	for _, check := range checks {
		r := check.lim.Reserve()
		delay := r.Delay()
		r.Cancel()
		if delay > worst {
			worst = delay
			reason = check.reason
		}
	}
	if worst > 0 {
		return false, worst, reason
	}
	return true, 0, ""
}

// RecordRequest consumes capacity for one dispatched request.
func (l *Limiter) RecordRequest(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl := l.credLocked(id)
	cl.spacing.Reserve()
	cl.minute.Reserve()
	l.global.Reserve()
}

// Forget drops the per-credential state, used when a credential leaves
// the pool.
func (l *Limiter) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perCred, id)
}

// SetLimits replaces the limits at runtime and resets accumulated state.
func (l *Limiter) SetLimits(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(cfg)
}

// Limits returns the active configuration.
func (l *Limiter) Limits() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}
