package handlers

import (
	"context"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/internal/infrastructure/persistence"
	apperrors "github.com/kirogate/kirogate/pkg/errors"
)

// defaultScanDir is where the IDE login flow drops token files.
const defaultScanDir = "~/.aws/sso/cache"

// HealthChecker triggers an immediate credential probe sweep. The
// background maintainer implements it.
type HealthChecker interface {
	ProbeNow(ctx context.Context)
}

// AdminDeps carries everything the admin surface reads and mutates.
type AdminDeps struct {
	Pool    *credential.Pool
	Store   *persistence.AccountStore
	Tokens  *persistence.TokenFiles
	Checker HealthChecker
	Prober  ModelLister
	Stats   *monitoring.Stats
	Logs    *monitoring.RequestLog
	Monitor *monitoring.Monitor
	Version string
	ScanDir string
	Logger  *zap.Logger

	// Watcher, when set, is kept aligned with pool membership so token
	// files of added accounts are watched and removed ones are not.
	Watcher *persistence.TokenWatcher
}

// AdminHandler serves the management JSON API under /api.
type AdminHandler struct {
	deps AdminDeps
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(deps AdminDeps) *AdminHandler {
	if deps.ScanDir == "" {
		deps.ScanDir = defaultScanDir
	}
	deps.ScanDir = persistence.ExpandPath(deps.ScanDir)
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &AdminHandler{deps: deps}
}

// Status handles GET /api/status.
func (h *AdminHandler) Status(c *gin.Context) {
	snap := h.deps.Pool.Snapshot()
	available := 0
	for _, v := range snap {
		if v.Available {
			available++
		}
	}
	t := h.deps.Stats.Totals()
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"version":            h.deps.Version,
		"uptime_seconds":     t.UptimeSeconds,
		"accounts_total":     len(snap),
		"accounts_available": available,
		"total_requests":     t.Requests,
		"total_errors":       t.Errors,
		"error_rate":         t.ErrorRate,
	})
}

// Stats handles GET /api/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	snap := h.deps.Pool.Snapshot()
	available := 0
	for _, v := range snap {
		if v.Available {
			available++
		}
	}
	t := h.deps.Stats.Totals()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":     t.UptimeSeconds,
		"total_requests":     t.Requests,
		"total_errors":       t.Errors,
		"error_rate":         t.ErrorRate,
		"accounts_total":     len(snap),
		"accounts_available": available,
		"recent_logs":        h.deps.Logs.Len(),
	})
}

// StatsDetailed handles GET /api/stats/detailed.
func (h *AdminHandler) StatsDetailed(c *gin.Context) {
	t := h.deps.Stats.Totals()
	sum := h.deps.Stats.Summary()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":    t.UptimeSeconds,
		"total_requests":    t.Requests,
		"total_errors":      t.Errors,
		"error_rate":        t.ErrorRate,
		"by_account":        sum.ByAccount,
		"by_model":          sum.ByModel,
		"hourly_requests":   sum.Hourly,
		"requests_last_24h": sum.Last24h,
	})
}

// Logs handles GET /api/logs?limit=100.
func (h *AdminHandler) Logs(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 1000)
	c.JSON(http.StatusOK, gin.H{
		"logs":  h.deps.Logs.Recent(limit),
		"total": h.deps.Logs.Len(),
	})
}

// ListAccounts handles GET /api/accounts.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": h.deps.Pool.Snapshot()})
}

// AccountDetail handles GET /api/accounts/:id, the snapshot plus token
// file diagnostics.
func (h *AdminHandler) AccountDetail(c *gin.Context) {
	cred := h.deps.Pool.Get(c.Param("id"))
	if cred == nil {
		h.notFound(c)
		return
	}

	now := time.Now()
	detail := gin.H{"account": cred.Snapshot(now)}
	if tokens, err := h.deps.Tokens.Load(cred.TokenPath()); err != nil {
		detail["token_file"] = gin.H{"ok": false, "error": err.Error()}
	} else {
		tf := gin.H{
			"ok":                true,
			"has_access_token":  tokens.AccessToken != "",
			"has_refresh_token": tokens.RefreshToken != "",
			"auth_method":       tokens.AuthMethod,
			"region":            tokens.Region,
			"is_expired":        tokens.Expired(now),
			"is_expiring_soon":  tokens.ExpiringWithin(now, 15*time.Minute),
		}
		if !tokens.ExpiresAt.IsZero() {
			tf["expires_at"] = tokens.ExpiresAt
		}
		detail["token_file"] = tf
	}
	c.JSON(http.StatusOK, detail)
}

// CreateAccount handles POST /api/accounts.
func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		TokenPath string `json:"token_path" binding:"required"`
		Enabled   *bool  `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_path is required"})
		return
	}

	path := persistence.ExpandPath(req.TokenPath)
	if _, err := h.deps.Tokens.Load(path); err != nil {
		msg := "invalid token file: " + err.Error()
		if apperrors.IsNotFound(err) {
			msg = "token file not found: " + path
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if h.deps.Pool.FindByTokenPath(path) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account with this token file already exists"})
		return
	}

	name := req.Name
	if name == "" {
		name = "account-" + strconv.Itoa(h.deps.Pool.Len()+1)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	id := hexID("", 8)
	if err := h.deps.Pool.Add(credential.New(id, name, path, enabled, "")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.watchPath(path)
	h.saveAccounts()
	c.JSON(http.StatusOK, gin.H{"ok": true, "account_id": id})
}

// DeleteAccount handles DELETE /api/accounts/:id.
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	cred := h.deps.Pool.Get(c.Param("id"))
	if cred == nil || !h.deps.Pool.Remove(cred.ID()) {
		h.notFound(c)
		return
	}
	if h.deps.Watcher != nil {
		h.deps.Watcher.Remove(cred.TokenPath())
	}
	h.saveAccounts()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ToggleAccount handles POST /api/accounts/:id/toggle.
func (h *AdminHandler) ToggleAccount(c *gin.Context) {
	cred := h.deps.Pool.Get(c.Param("id"))
	if cred == nil {
		h.notFound(c)
		return
	}
	enabled := !cred.Enabled()
	cred.SetEnabled(enabled)
	h.saveAccounts()
	c.JSON(http.StatusOK, gin.H{"ok": true, "enabled": enabled})
}

// RefreshAccount handles POST /api/accounts/:id/refresh.
func (h *AdminHandler) RefreshAccount(c *gin.Context) {
	id := c.Param("id")
	if h.deps.Pool.Get(id) == nil {
		h.notFound(c)
		return
	}
	if err := h.deps.Pool.RefreshToken(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "token refreshed"})
}

// RestoreAccount handles POST /api/accounts/:id/restore, clearing cooldown
// and suspension.
func (h *AdminHandler) RestoreAccount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": h.deps.Pool.Restore(c.Param("id"))})
}

// RefreshAll handles POST /api/accounts/refresh-all.
func (h *AdminHandler) RefreshAll(c *gin.Context) {
	h.deps.Pool.RefreshExpiring(c.Request.Context(), 15*time.Minute)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Quota handles GET /api/quota.
func (h *AdminHandler) Quota(c *gin.Context) {
	records := h.deps.Pool.Quotas().All(time.Now())
	c.JSON(http.StatusOK, gin.H{
		"exceeded_count": len(records),
		"records":        records,
	})
}

// HealthCheck handles POST /api/health-check: a probe sweep now, on the
// request's clock, then the refreshed snapshots.
func (h *AdminHandler) HealthCheck(c *gin.Context) {
	h.deps.Checker.ProbeNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true, "accounts": h.deps.Pool.Snapshot()})
}

// Speedtest handles POST /api/speedtest: one timed model-list call through
// the first available credential.
func (h *AdminHandler) Speedtest(c *gin.Context) {
	cred := h.availableCredential()
	if cred == nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "no available account"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := h.deps.Prober.ListModels(ctx, kiro.Identity{
		AccessToken: cred.AccessToken(),
		MachineID:   cred.MachineID(),
	})
	latency := math.Round(float64(time.Since(start).Microseconds())/10) / 100

	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error(), "latency_ms": latency, "account_id": cred.ID()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "latency_ms": latency, "account_id": cred.ID()})
}

// scannedToken is a scan candidate plus whether the pool already has it.
type scannedToken struct {
	persistence.TokenCandidate
	AlreadyAdded bool `json:"already_added"`
}

// ScanTokens handles GET /api/token/scan.
func (h *AdminHandler) ScanTokens(c *gin.Context) {
	candidates, err := h.deps.Tokens.ScanDir(h.deps.ScanDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	found := make([]scannedToken, 0, len(candidates))
	for _, cand := range candidates {
		found = append(found, scannedToken{
			TokenCandidate: cand,
			AlreadyAdded:   h.deps.Pool.FindByTokenPath(cand.Path) != nil,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": found})
}

// AddFromScan handles POST /api/token/add-from-scan.
func (h *AdminHandler) AddFromScan(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	path := persistence.ExpandPath(req.Path)
	if _, err := h.deps.Tokens.Load(path); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token file: " + err.Error()})
		return
	}
	if h.deps.Pool.FindByTokenPath(path) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account already added"})
		return
	}

	name := req.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	id := hexID("", 8)
	if err := h.deps.Pool.Add(credential.New(id, name, path, true, "")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.watchPath(path)
	h.saveAccounts()
	c.JSON(http.StatusOK, gin.H{"ok": true, "account_id": id})
}

// exportedAccount is the portable slice of an account record.
type exportedAccount struct {
	Name      string `json:"name"`
	TokenPath string `json:"token_path"`
	Enabled   bool   `json:"enabled"`
}

// ExportConfig handles GET /api/config/export.
func (h *AdminHandler) ExportConfig(c *gin.Context) {
	creds := h.deps.Pool.List()
	accounts := make([]exportedAccount, 0, len(creds))
	for _, cred := range creds {
		accounts = append(accounts, exportedAccount{
			Name:      cred.Name(),
			TokenPath: cred.TokenPath(),
			Enabled:   cred.Enabled(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts":    accounts,
		"exported_at": time.Now().Format(time.RFC3339),
	})
}

// ImportConfig handles POST /api/config/import. Entries with unreadable
// token files or already-registered paths are skipped, not errors.
func (h *AdminHandler) ImportConfig(c *gin.Context) {
	var req struct {
		Accounts []exportedAccount `json:"accounts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid import payload"})
		return
	}

	imported := 0
	for _, acc := range req.Accounts {
		path := persistence.ExpandPath(acc.TokenPath)
		if path == "" || h.deps.Pool.FindByTokenPath(path) != nil {
			continue
		}
		if _, err := h.deps.Tokens.Load(path); err != nil {
			continue
		}
		name := acc.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if err := h.deps.Pool.Add(credential.New(hexID("", 8), name, path, acc.Enabled, "")); err != nil {
			continue
		}
		h.watchPath(path)
		imported++
	}
	if imported > 0 {
		h.saveAccounts()
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "imported": imported})
}

// Flows handles GET /api/flows?limit=50.
func (h *AdminHandler) Flows(c *gin.Context) {
	limit := queryInt(c, "limit", 50, monitoring.DefaultFlowLimit)
	c.JSON(http.StatusOK, gin.H{"flows": h.deps.Monitor.Recent(limit)})
}

// FlowDetail handles GET /api/flows/:id.
func (h *AdminHandler) FlowDetail(c *gin.Context) {
	rec, ok := h.deps.Monitor.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *AdminHandler) availableCredential() *credential.Credential {
	now := time.Now()
	for _, cred := range h.deps.Pool.List() {
		if cred.Available(now) && cred.AccessToken() != "" {
			return cred
		}
	}
	return nil
}

func (h *AdminHandler) watchPath(path string) {
	if h.deps.Watcher == nil {
		return
	}
	if err := h.deps.Watcher.Add(path); err != nil {
		h.deps.Logger.Warn("token watch failed", zap.String("path", path), zap.Error(err))
	}
}

// saveAccounts rewrites the registry from the pool's current membership.
func (h *AdminHandler) saveAccounts() {
	creds := h.deps.Pool.List()
	records := make([]persistence.AccountRecord, 0, len(creds))
	for _, cred := range creds {
		records = append(records, persistence.AccountRecord{
			ID:        cred.ID(),
			Name:      cred.Name(),
			TokenPath: cred.TokenPath(),
			Enabled:   cred.Enabled(),
			MachineID: cred.MachineID(),
		})
	}
	if err := h.deps.Store.Save(records); err != nil {
		h.deps.Logger.Error("accounts registry write failed", zap.Error(err))
	}
}

func (h *AdminHandler) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
}

// queryInt parses a positive integer query param with a default and a cap.
func queryInt(c *gin.Context, name string, def, ceiling int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}
