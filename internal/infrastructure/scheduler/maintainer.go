// Package scheduler runs the background credential maintenance loop:
// refreshing tokens ahead of expiry and probing upstream health.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/pkg/safego"
)

// Prober checks a credential's upstream access. *kiro.Client implements it
// via the model-list endpoint.
type Prober interface {
	ListModels(ctx context.Context, id kiro.Identity) ([]kiro.ModelInfo, error)
}

// Config 后台维护配置
type Config struct {
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	HealthInterval time.Duration `yaml:"health_interval" mapstructure:"health_interval"`
	RefreshAhead   time.Duration `yaml:"refresh_ahead" mapstructure:"refresh_ahead"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// DefaultConfig 返回默认维护配置
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		HealthInterval: 10 * time.Minute,
		RefreshAhead:   15 * time.Minute,
		ProbeTimeout:   10 * time.Second,
	}
}

// Maintainer is the single background goroutine that keeps the pool
// serviceable between requests: tokens refreshed before they expire,
// unhealthy credentials re-probed and restored.
type Maintainer struct {
	cfg    Config
	pool   *credential.Pool
	prober Prober
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	lastProbe time.Time
}

// NewMaintainer 创建后台维护器
func NewMaintainer(cfg Config, pool *credential.Pool, prober Prober, logger *zap.Logger) *Maintainer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.RefreshAhead <= 0 {
		cfg.RefreshAhead = def.RefreshAhead
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintainer{
		cfg:    cfg,
		pool:   pool,
		prober: prober,
		logger: logger,
	}
}

// Start launches the maintenance loop. The first pass runs immediately;
// starting twice is a no-op.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.logger.Info("credential maintainer started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("health_interval", m.cfg.HealthInterval))
	safego.Go(m.logger, "credential-maintainer", func() { m.loop(ctx) })
}

// Stop halts the maintenance loop.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
	m.logger.Info("credential maintainer stopped")
}

func (m *Maintainer) loop(ctx context.Context) {
	m.tick(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one maintenance pass. Refresh happens every pass; the probe
// sweep is rate-limited to the health interval.
func (m *Maintainer) tick(ctx context.Context) {
	m.pool.RefreshExpiring(ctx, m.cfg.RefreshAhead)

	m.mu.Lock()
	due := time.Since(m.lastProbe) >= m.cfg.HealthInterval
	if due {
		m.lastProbe = time.Now()
	}
	m.mu.Unlock()

	if due {
		m.probeAll(ctx)
	}

	available := 0
	for _, v := range m.pool.Snapshot() {
		if v.Available {
			available++
		}
	}
	monitoring.AccountsAvailable.Set(float64(available))
}

// ProbeNow runs one probe sweep outside the schedule, on the caller's
// goroutine. The next scheduled sweep resets from here.
func (m *Maintainer) ProbeNow(ctx context.Context) {
	m.mu.Lock()
	m.lastProbe = time.Now()
	m.mu.Unlock()
	m.probeAll(ctx)
}

// probeAll checks every enabled credential against the model-list
// endpoint. Only definitive outcomes change state: success restores an
// unhealthy credential, an auth rejection marks it unhealthy, and quota
// pressure or transport noise changes nothing.
func (m *Maintainer) probeAll(ctx context.Context) {
	for _, c := range m.pool.List() {
		if !c.Enabled() {
			continue
		}
		m.probe(ctx, c)
	}
}

func (m *Maintainer) probe(ctx context.Context, c *credential.Credential) {
	token := c.AccessToken()
	if token == "" {
		m.pool.MarkUnhealthy(c.ID(), "no access token")
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	_, err := m.prober.ListModels(probeCtx, kiro.Identity{
		AccessToken: token,
		MachineID:   c.MachineID(),
	})
	if err == nil {
		m.pool.MarkHealthy(c.ID())
		return
	}

	var upErr *kiro.UpstreamError
	if errors.As(err, &upErr) {
		switch upErr.Type {
		case kiro.ErrorAuthFailed:
			m.pool.MarkUnhealthy(c.ID(), "health probe rejected")
			return
		case kiro.ErrorRateLimited:
			return
		}
	}
	m.logger.Warn("health probe inconclusive",
		zap.String("account", c.Name()),
		zap.Error(err))
}
