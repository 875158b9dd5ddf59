package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// AppName is the canonical application name
const AppName = "kirogate"

// HomeDir returns the gateway's configuration home: ~/.kirogate
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.kirogate directory exists with a commented
// default config.yaml. Called once at startup. Safe to call multiple
// times — never overwrites user edits.
func Bootstrap(logger *zap.Logger) error {
	return BootstrapAt(HomeDir(), logger)
}

// BootstrapAt is Bootstrap rooted at an explicit directory.
func BootstrapAt(root string, logger *zap.Logger) error {
	dirs := []string{
		root,
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	path := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		logger.Info("Wrote default configuration", zap.String("path", path))
		return nil
	}

	// The file is hand-edited; report YAML damage here with the file
	// name rather than from deep inside the loader.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var probe map[string]interface{}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	logger.Debug("Configuration home OK", zap.String("home", root))
	return nil
}

// ──────────────────────────────────────────────────────────────
// Embedded default configuration
// ──────────────────────────────────────────────────────────────

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# Kirogate Configuration / Kirogate 配置文件
# Auto-generated on first launch — feel free to edit
# 首次启动自动生成 — 可自由编辑
# ═══════════════════════════════════════════════════════════════

# ─── HTTP Server / HTTP 服务 ─────────────────────────────────
# Listen address for all API dialects and the admin surface.
# 所有 API 方言与管理接口的监听地址。
server:
  host: 0.0.0.0
  port: 8080
  mode: release                # release | debug

# ─── Logging / 日志 ──────────────────────────────────────────
# Leave file empty to log to stdout only.
# file 为空则只输出到 stdout。
log:
  level: info                  # debug | info | warn | error
  format: console              # console | json
  file: ""                     # e.g. ~/.kirogate/logs/kirogate.log
  max_size_mb: 100             # Rotate after N megabytes / 超过 N MB 轮转
  max_backups: 5               # Rotated files kept / 保留的轮转文件数
  max_age_days: 14             # Days kept / 保留天数
  compress: true

# ─── Storage / 持久化 ────────────────────────────────────────
# Account registry and token-file locations.
# 账号注册表与 Token 文件位置。
storage:
  accounts_file: ~/.kirogate/accounts.json
  token_dir: ~/.aws/sso/cache  # IDE token cache / IDE Token 缓存目录
  watch_tokens: true           # Pick up external refreshes / 自动感知外部刷新

# ─── Upstream / 上游服务 ─────────────────────────────────────
# Endpoints and identity stamped onto upstream calls.
# 上游端点与请求标识。
kiro:
  api_url: https://q.us-east-1.amazonaws.com/generateAssistantResponse
  models_url: https://q.us-east-1.amazonaws.com/ListAvailableModels
  ide_version: "0.8.0"         # Reported IDE version / 上报的 IDE 版本
  agent_mode: vibe
  profile_arn: ""              # Optional CodeWhisperer profile / 可选
  stream_timeout: 5m           # Max lifetime of one streamed reply / 单次流式响应上限
  request_timeout: 2m          # Non-stream request timeout / 非流式请求超时
  models_timeout: 30s

# ─── Credential Pool / 凭证池 ────────────────────────────────
pool:
  cooldown: 5m                 # Quota-exceeded sit-out / 限额冷却时长
  affinity_idle: 60s           # Session-credential binding idle / 会话亲和空闲期

# ─── Rate Limiting / 限流 ────────────────────────────────────
ratelimit:
  min_interval: 1s             # Spacing per credential / 单凭证最小间隔
  per_credential_per_minute: 30
  global_per_minute: 120

# ─── History Compaction / 历史压缩 ───────────────────────────
# How long conversations are shrunk before hitting the upstream.
# 长对话在发往上游前的压缩方式。
history:
  strategy: truncate_head      # truncate_head | summarize_head | summarize_on_error_only
  max_chars: 160000            # Rendered-size budget / 渲染长度预算
  max_turns: 60                # Turn-count trigger / 轮数触发阈值
  keep_recent: 4               # Turns always preserved / 始终保留的最近轮数

# ─── Relay / 中继 ────────────────────────────────────────────
relay:
  max_retries: 2               # Failover attempts after the first / 首次之后的重试次数
  backoff: 500ms               # Retry backoff base / 重试退避基数
  refresh_ahead: 5m            # Refresh tokens expiring within / 提前刷新窗口
  profile_arn: ""

# ─── Background Maintenance / 后台维护 ───────────────────────
maintainer:
  interval: 5m                 # Token refresh sweep / Token 刷新周期
  health_interval: 10m         # Health probe sweep / 健康探测周期
  refresh_ahead: 15m
  probe_timeout: 10s
`
