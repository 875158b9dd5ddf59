// Package config loads the gateway configuration tree: built-in defaults,
// the ~/.kirogate/config.yaml layer, and KIROGATE_* environment overrides,
// in that order. Component packages own their section types; this package
// only composes them and maps the file onto the domain.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/domain/history"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
	"github.com/kirogate/kirogate/internal/infrastructure/logger"
	"github.com/kirogate/kirogate/internal/infrastructure/ratelimit"
	"github.com/kirogate/kirogate/internal/infrastructure/scheduler"
	httpServer "github.com/kirogate/kirogate/internal/interfaces/http"
)

// Config 网关配置
type Config struct {
	Server     httpServer.Config `yaml:"server" mapstructure:"server"`
	Log        logger.Config     `yaml:"log" mapstructure:"log"`
	Storage    StorageConfig     `yaml:"storage" mapstructure:"storage"`
	Kiro       kiro.ClientConfig `yaml:"kiro" mapstructure:"kiro"`
	Pool       PoolConfig        `yaml:"pool" mapstructure:"pool"`
	RateLimit  ratelimit.Config  `yaml:"ratelimit" mapstructure:"ratelimit"`
	History    HistoryConfig     `yaml:"history" mapstructure:"history"`
	Relay      usecase.Config    `yaml:"relay" mapstructure:"relay"`
	Maintainer scheduler.Config  `yaml:"maintainer" mapstructure:"maintainer"`
}

// StorageConfig 持久化路径配置
type StorageConfig struct {
	AccountsFile string `yaml:"accounts_file" mapstructure:"accounts_file"`
	TokenDir     string `yaml:"token_dir" mapstructure:"token_dir"`
	WatchTokens  bool   `yaml:"watch_tokens" mapstructure:"watch_tokens"`
}

// PoolConfig mirrors credential.PoolConfig with serialization tags so the
// domain type stays free of file-format concerns.
type PoolConfig struct {
	Cooldown     time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	AffinityIdle time.Duration `yaml:"affinity_idle" mapstructure:"affinity_idle"`
}

// Domain 转换为凭证池配置
func (c PoolConfig) Domain() credential.PoolConfig {
	return credential.PoolConfig{
		Cooldown:     c.Cooldown,
		AffinityIdle: c.AffinityIdle,
	}
}

// HistoryConfig mirrors history.Config; Strategy is the wire spelling.
type HistoryConfig struct {
	Strategy   string `yaml:"strategy" mapstructure:"strategy"` // truncate_head, summarize_head, summarize_on_error_only
	MaxChars   int    `yaml:"max_chars" mapstructure:"max_chars"`
	MaxTurns   int    `yaml:"max_turns" mapstructure:"max_turns"`
	KeepRecent int    `yaml:"keep_recent" mapstructure:"keep_recent"`
}

// Domain 转换为历史管理配置
func (c HistoryConfig) Domain() history.Config {
	return history.Config{
		Strategy:   history.ParseStrategy(c.Strategy),
		MaxChars:   c.MaxChars,
		MaxTurns:   c.MaxTurns,
		KeepRecent: c.KeepRecent,
	}
}

// Default returns the built-in configuration rooted at ~/.kirogate.
func Default() Config {
	return DefaultAt(HomeDir())
}

// DefaultAt returns the built-in configuration rooted at an explicit home
// directory. Tests use this to stay out of the real user home.
func DefaultAt(home string) Config {
	hist := history.DefaultConfig()
	return Config{
		Server: httpServer.Config{
			Host: "0.0.0.0",
			Port: 8080,
			Mode: "release",
		},
		Log: logger.DefaultConfig(),
		Storage: StorageConfig{
			AccountsFile: filepath.Join(home, "accounts.json"),
			TokenDir:     DefaultTokenDir(),
			WatchTokens:  true,
		},
		Kiro: kiro.DefaultClientConfig(),
		Pool: PoolConfig{
			Cooldown:     credential.DefaultCooldown,
			AffinityIdle: credential.DefaultAffinityIdle,
		},
		RateLimit: ratelimit.DefaultConfig(),
		History: HistoryConfig{
			Strategy:   hist.Strategy.String(),
			MaxChars:   hist.MaxChars,
			MaxTurns:   hist.MaxTurns,
			KeepRecent: hist.KeepRecent,
		},
		Relay:      usecase.DefaultConfig(),
		Maintainer: scheduler.DefaultConfig(),
	}
}

// DefaultTokenDir is where the IDE login flow drops its token cache.
func DefaultTokenDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aws", "sso", "cache")
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads the configuration rooted at the given home directory.
// A missing config.yaml is fine; defaults cover every key.
func LoadFrom(home string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultAt(home))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("KIROGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.AccountsFile = ExpandHome(cfg.Storage.AccountsFile)
	cfg.Storage.TokenDir = ExpandHome(cfg.Storage.TokenDir)
	cfg.Log.File = ExpandHome(cfg.Log.File)

	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.mode", def.Server.Mode)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
	v.SetDefault("log.compress", def.Log.Compress)

	v.SetDefault("storage.accounts_file", def.Storage.AccountsFile)
	v.SetDefault("storage.token_dir", def.Storage.TokenDir)
	v.SetDefault("storage.watch_tokens", def.Storage.WatchTokens)

	v.SetDefault("kiro.api_url", def.Kiro.APIURL)
	v.SetDefault("kiro.models_url", def.Kiro.ModelsURL)
	v.SetDefault("kiro.ide_version", def.Kiro.IDEVersion)
	v.SetDefault("kiro.agent_mode", def.Kiro.AgentMode)
	v.SetDefault("kiro.profile_arn", def.Kiro.ProfileArn)
	v.SetDefault("kiro.stream_timeout", def.Kiro.StreamTimeout)
	v.SetDefault("kiro.request_timeout", def.Kiro.RequestTimeout)
	v.SetDefault("kiro.models_timeout", def.Kiro.ModelsTimeout)

	v.SetDefault("pool.cooldown", def.Pool.Cooldown)
	v.SetDefault("pool.affinity_idle", def.Pool.AffinityIdle)

	v.SetDefault("ratelimit.min_interval", def.RateLimit.MinInterval)
	v.SetDefault("ratelimit.per_credential_per_minute", def.RateLimit.PerCredentialPerMinute)
	v.SetDefault("ratelimit.global_per_minute", def.RateLimit.GlobalPerMinute)

	v.SetDefault("history.strategy", def.History.Strategy)
	v.SetDefault("history.max_chars", def.History.MaxChars)
	v.SetDefault("history.max_turns", def.History.MaxTurns)
	v.SetDefault("history.keep_recent", def.History.KeepRecent)

	v.SetDefault("relay.max_retries", def.Relay.MaxRetries)
	v.SetDefault("relay.backoff", def.Relay.Backoff)
	v.SetDefault("relay.refresh_ahead", def.Relay.RefreshAhead)
	v.SetDefault("relay.profile_arn", def.Relay.ProfileArn)

	v.SetDefault("maintainer.interval", def.Maintainer.Interval)
	v.SetDefault("maintainer.health_interval", def.Maintainer.HealthInterval)
	v.SetDefault("maintainer.refresh_ahead", def.Maintainer.RefreshAhead)
	v.SetDefault("maintainer.probe_timeout", def.Maintainer.ProbeTimeout)
}

// ExpandHome resolves a leading "~/" against the user home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
