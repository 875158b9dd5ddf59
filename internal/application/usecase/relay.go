// Package usecase hosts the relay orchestrator: the application service
// that carries one inbound prompt through credential selection, token
// freshness, rate limiting, history compaction, upstream dispatch, and
// failure-driven retry, and hands the decoded result back to the
// interfaces layer.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/domain/chat"
	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/domain/history"
	"github.com/kirogate/kirogate/internal/domain/model"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
	"github.com/kirogate/kirogate/internal/infrastructure/ratelimit"
)

// ErrNoCredentials reports that every credential is cooling down,
// unhealthy, suspended, or disabled.
var ErrNoCredentials = errors.New("no available credentials")

// Upstream is the slice of the upstream client the relay dispatches
// through. Production wires *kiro.Client; tests inject fakes.
type Upstream interface {
	Invoke(ctx context.Context, req *kiro.Request, id kiro.Identity, stream bool) (io.ReadCloser, error)
}

// Usage is the token accounting attached to a completed relay. Counts are
// the (len+3)/4 character estimate, not upstream-reported numbers.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Observation follows one relay across its attempts to the outcome. The
// monitoring layer implements it; methods must be cheap and safe for
// concurrent use.
type Observation interface {
	AccountPicked(id, name string)
	RetryScheduled(attempt int, reason string)
	StreamStarted()
	ChunkSent(fragment string)
	Completed(res *chat.Result, usage Usage)
	Failed(errType, message string, status int)
}

// NopObservation 空观察器
type NopObservation struct{}

func (NopObservation) AccountPicked(string, string)  {}
func (NopObservation) RetryScheduled(int, string)    {}
func (NopObservation) StreamStarted()                {}
func (NopObservation) ChunkSent(string)              {}
func (NopObservation) Completed(*chat.Result, Usage) {}
func (NopObservation) Failed(string, string, int)    {}

// Config 中继编排配置
type Config struct {
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	Backoff      time.Duration `yaml:"backoff" mapstructure:"backoff"`
	RefreshAhead time.Duration `yaml:"refresh_ahead" mapstructure:"refresh_ahead"`

	// ProfileArn is the fallback profile when the token record has none.
	ProfileArn string `yaml:"profile_arn" mapstructure:"profile_arn"`
}

// DefaultConfig 返回默认中继配置
func DefaultConfig() Config {
	return Config{
		MaxRetries:   2,
		Backoff:      500 * time.Millisecond,
		RefreshAhead: 5 * time.Minute,
	}
}

// Relay drives one prompt through the credential pool and the upstream:
// select, refresh, pace, dispatch, classify, retry. One Relay serves all
// dialects concurrently; per-request state lives on the stack.
type Relay struct {
	cfg     Config
	pool    *credential.Pool
	up      Upstream
	limiter *ratelimit.Limiter
	history *history.Manager
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRelay 创建中继编排器
func NewRelay(cfg Config, pool *credential.Pool, up Upstream, limiter *ratelimit.Limiter, hist *history.Manager, logger *zap.Logger) *Relay {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	if cfg.RefreshAhead <= 0 {
		cfg.RefreshAhead = DefaultConfig().RefreshAhead
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		cfg:     cfg,
		pool:    pool,
		up:      up,
		limiter: limiter,
		history: hist,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Complete relays the prompt and returns the fully decoded result. The
// prompt's history may be compacted in place.
func (r *Relay) Complete(ctx context.Context, prompt *chat.Prompt, obs Observation) (*chat.Result, error) {
	return r.run(ctx, prompt, obs, nil)
}

// Stream relays the prompt and forwards text fragments to onText as they
// decode. After the first fragment has been delivered the relay never
// retries: mid-transfer failures surface to the caller, which terminates
// its event stream. The returned result carries the full text and any
// assembled tool calls.
func (r *Relay) Stream(ctx context.Context, prompt *chat.Prompt, obs Observation, onText func(fragment string) error) (*chat.Result, error) {
	if onText == nil {
		onText = func(string) error { return nil }
	}
	return r.run(ctx, prompt, obs, onText)
}

// Summarize condenses rendered history text via the fast upstream model.
// It is the SummaryFunc the history manager is wired with; the summary
// request itself carries no history, so it cannot recurse into compaction.
func (r *Relay) Summarize(ctx context.Context, rendered string) (string, error) {
	prompt := &chat.Prompt{
		UserContent: history.SummaryPrompt(rendered),
		Model:       model.SummaryModel,
	}
	res, err := r.Complete(ctx, prompt, NopObservation{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

func (r *Relay) run(ctx context.Context, prompt *chat.Prompt, obs Observation, onText func(string) error) (*chat.Result, error) {
	if obs == nil {
		obs = NopObservation{}
	}
	stream := onText != nil

	compacted, report := r.history.PreProcess(ctx, prompt.History, prompt.UserContent)
	prompt.History = compacted
	if report.Compacted {
		r.logger.Info("history compacted",
			zap.String("info", report.Info),
			zap.Bool("summarized", report.Summarized))
	}

	// pinned carries the credential a retry must reuse (length errors,
	// backoff retries) or switch to (failover). nil means select fresh.
	var pinned *credential.Credential
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		cred := pinned
		pinned = nil
		if cred == nil {
			cred = r.pool.Select(prompt.SessionKey)
		}
		if cred == nil {
			if lastErr != nil {
				return nil, r.fail(obs, lastErr)
			}
			return nil, r.fail(obs, ErrNoCredentials)
		}
		obs.AccountPicked(cred.ID(), cred.Name())

		identity, ok := r.identity(ctx, cred)
		if !ok {
			r.pool.MarkUnhealthy(cred.ID(), "no usable access token")
			lastErr = &kiro.UpstreamError{
				Type:          kiro.ErrorAuthFailed,
				Message:       "No usable access token for account " + cred.Name(),
				SwitchAccount: true,
			}
			continue
		}

		if err := r.waitTurn(ctx, cred.ID()); err != nil {
			return nil, r.fail(obs, err)
		}

		req := kiro.BuildRequest(prompt, identity.ProfileArn)
		body, err := r.up.Invoke(ctx, req, identity, stream)
		if err == nil {
			var res *chat.Result
			var delivered bool
			if stream {
				res, delivered, err = r.consumeStream(body, onText, obs)
			} else {
				res, err = r.consumeBuffered(body)
			}
			if err == nil {
				r.settle(cred, prompt, res, obs)
				return res, nil
			}
			if delivered {
				// Downstream already saw part of this reply; a retry
				// would duplicate it.
				cred.RecordError()
				return nil, r.fail(obs, err)
			}
		}

		cred.RecordError()
		lastErr = err
		r.logger.Warn("relay attempt failed",
			zap.Int("attempt", attempt),
			zap.String("account", cred.Name()),
			zap.Error(err))

		next, retry := r.react(ctx, cred, err, prompt, attempt)
		if !retry {
			return nil, r.fail(obs, err)
		}
		obs.RetryScheduled(attempt+1, failureReason(err))
		pinned = next
	}
	return nil, r.fail(obs, lastErr)
}

// identity refreshes an expiring token when possible and packages the
// credential's dispatch identity. A failed refresh is not fatal: the
// request proceeds on the old token and a 401 classifies downstream.
// ok=false means there is no access token to send at all.
func (r *Relay) identity(ctx context.Context, cred *credential.Credential) (kiro.Identity, bool) {
	tokens := cred.Tokens()
	if tokens.RefreshToken != "" && tokens.ExpiringWithin(time.Now(), r.cfg.RefreshAhead) {
		if err := r.pool.RefreshToken(ctx, cred.ID()); err != nil {
			r.logger.Warn("pre-dispatch token refresh failed",
				zap.String("account", cred.Name()),
				zap.Error(err))
		} else {
			tokens = cred.Tokens()
		}
	}
	if tokens.AccessToken == "" {
		return kiro.Identity{}, false
	}

	arn := tokens.ProfileArn
	if arn == "" {
		arn = r.cfg.ProfileArn
	}
	return kiro.Identity{
		AccessToken: tokens.AccessToken,
		MachineID:   cred.MachineID(),
		ProfileArn:  arn,
	}, true
}

// waitTurn blocks until the limiter clears the credential for dispatch.
func (r *Relay) waitTurn(ctx context.Context, id string) error {
	for {
		ok, wait, reason := r.limiter.CanRequest(id)
		if ok {
			return nil
		}
		r.logger.Debug("pacing dispatch",
			zap.String("account", id),
			zap.Duration("wait", wait),
			zap.String("reason", reason))
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// consumeBuffered drains and decodes a complete reply body.
func (r *Relay) consumeBuffered(body io.ReadCloser) (*chat.Result, error) {
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, kiro.ClassifyTransport(err)
	}
	decoded := kiro.DecodeAll(raw)
	return &chat.Result{
		Text:       decoded.Text(),
		ToolUses:   decoded.ToolUses,
		StopReason: decoded.StopReason,
	}, nil
}

// consumeStream decodes the body incrementally, forwarding each text
// fragment. delivered reports whether any fragment reached onText; once
// one has, the caller must not retry.
func (r *Relay) consumeStream(body io.ReadCloser, onText func(string) error, obs Observation) (res *chat.Result, delivered bool, err error) {
	defer body.Close()
	obs.StreamStarted()

	decoder := kiro.NewDecoder()
	var text strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, fragment := range decoder.Feed(buf[:n]) {
				if fragment == "" {
					continue
				}
				delivered = true
				text.WriteString(fragment)
				obs.ChunkSent(fragment)
				if cbErr := onText(fragment); cbErr != nil {
					return nil, delivered, fmt.Errorf("downstream write: %w", cbErr)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, delivered, kiro.ClassifyTransport(readErr)
		}
	}

	toolUses, stopReason := decoder.Finish()
	return &chat.Result{
		Text:       text.String(),
		ToolUses:   toolUses,
		StopReason: stopReason,
	}, delivered, nil
}

// settle runs the success-path bookkeeping for one dispatched relay.
func (r *Relay) settle(cred *credential.Credential, prompt *chat.Prompt, res *chat.Result, obs Observation) {
	cred.RecordDispatch(time.Now())
	r.limiter.RecordRequest(cred.ID())
	obs.Completed(res, EstimateUsage(prompt, res))
}

// react applies the failure classification to the pool and decides how the
// next attempt runs: on a specific other credential, on the same one, or
// not at all. The pool marking always happens, even when no retries remain.
func (r *Relay) react(ctx context.Context, cred *credential.Credential, err error, prompt *chat.Prompt, attempt int) (*credential.Credential, bool) {
	var upErr *kiro.UpstreamError
	if !errors.As(err, &upErr) {
		return nil, false
	}

	switch upErr.Type {
	case kiro.ErrorRateLimited:
		r.pool.MarkQuotaExceeded(cred.ID(), upErr.Message)
	case kiro.ErrorAccountSuspended:
		r.pool.MarkSuspended(cred.ID())
	case kiro.ErrorAuthFailed:
		r.pool.MarkUnhealthy(cred.ID(), upErr.Message)
	}

	if attempt >= r.cfg.MaxRetries {
		return nil, false
	}

	if upErr.Type == kiro.ErrorContentTooLong {
		shrunk, ok := r.history.HandleLengthError(ctx, prompt.History, attempt)
		if !ok {
			return nil, false
		}
		prompt.History = shrunk
		r.logger.Info("history shrunk after length error",
			zap.Int("kept_turns", len(shrunk)))
		return cred, true
	}

	if upErr.SwitchAccount {
		if next := r.pool.NextAvailableExcluding(cred.ID()); next != nil {
			return next, true
		}
		// No alternative credential; fall through to a same-credential
		// retry when the failure class allows one.
	}
	if upErr.RetrySame {
		if r.sleep(ctx, r.cfg.Backoff<<uint(attempt)) != nil {
			return nil, false
		}
		return cred, true
	}
	return nil, false
}

// fail reports the terminal outcome to the observation and passes the
// error through unchanged.
func (r *Relay) fail(obs Observation, err error) error {
	var upErr *kiro.UpstreamError
	switch {
	case errors.As(err, &upErr):
		obs.Failed(upErr.Type.String(), upErr.Message, upErr.DownstreamStatus())
	case errors.Is(err, ErrNoCredentials):
		obs.Failed("no_credentials", "All credentials are rate limited or unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		obs.Failed("canceled", err.Error(), http.StatusRequestTimeout)
	default:
		obs.Failed("unknown", err.Error(), http.StatusInternalServerError)
	}
	return err
}

func failureReason(err error) string {
	var upErr *kiro.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Type.String()
	}
	return "transport"
}

// EstimateUsage derives reported token usage from the character estimate
// on both sides of the relay.
func EstimateUsage(prompt *chat.Prompt, res *chat.Result) Usage {
	_, _, total := history.EstimateChars(prompt.History, prompt.UserContent)
	return Usage{
		InputTokens:  (total + 3) / 4,
		OutputTokens: chat.EstimateTokens(res.Text),
	}
}
