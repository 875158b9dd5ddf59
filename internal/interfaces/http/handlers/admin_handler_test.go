package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/chat"
	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/internal/infrastructure/persistence"
)

type fakeChecker struct{ calls int }

func (f *fakeChecker) ProbeNow(ctx context.Context) { f.calls++ }

type adminRig struct {
	router  *gin.Engine
	pool    *credential.Pool
	store   *persistence.AccountStore
	monitor *monitoring.Monitor
	logs    *monitoring.RequestLog
	checker *fakeChecker
	lister  *fakeLister
	dir     string
	scanDir string
}

func newAdminRig(t *testing.T) *adminRig {
	t.Helper()

	dir := t.TempDir()
	tokens := persistence.NewTokenFiles()
	store := persistence.NewAccountStore(filepath.Join(dir, "accounts.json"), zap.NewNop())
	pool := credential.NewPool(credential.DefaultPoolConfig(), tokens, nil, zap.NewNop())

	stats := monitoring.NewStats()
	logs := monitoring.NewRequestLog(100)
	monitor := monitoring.NewMonitor(100, stats, logs, zap.NewNop())

	checker := &fakeChecker{}
	lister := &fakeLister{models: []kiro.ModelInfo{{ID: "m1", Name: "Model One"}}}
	scanDir := filepath.Join(dir, "scan")

	h := NewAdminHandler(AdminDeps{
		Pool:    pool,
		Store:   store,
		Tokens:  tokens,
		Checker: checker,
		Prober:  lister,
		Stats:   stats,
		Logs:    logs,
		Monitor: monitor,
		Version: "1.2.3",
		ScanDir: scanDir,
		Logger:  zap.NewNop(),
	})

	router := gin.New()
	api := router.Group("/api")
	{
		api.GET("/status", h.Status)
		api.GET("/stats", h.Stats)
		api.GET("/stats/detailed", h.StatsDetailed)
		api.GET("/logs", h.Logs)
		api.GET("/accounts", h.ListAccounts)
		api.POST("/accounts", h.CreateAccount)
		api.GET("/accounts/:id", h.AccountDetail)
		api.DELETE("/accounts/:id", h.DeleteAccount)
		api.POST("/accounts/:id/toggle", h.ToggleAccount)
		api.POST("/accounts/:id/refresh", h.RefreshAccount)
		api.POST("/accounts/:id/restore", h.RestoreAccount)
		api.POST("/accounts/refresh-all", h.RefreshAll)
		api.GET("/quota", h.Quota)
		api.POST("/health-check", h.HealthCheck)
		api.POST("/speedtest", h.Speedtest)
		api.GET("/token/scan", h.ScanTokens)
		api.POST("/token/add-from-scan", h.AddFromScan)
		api.GET("/config/export", h.ExportConfig)
		api.POST("/config/import", h.ImportConfig)
		api.GET("/flows", h.Flows)
		api.GET("/flows/:id", h.FlowDetail)
	}

	return &adminRig{
		router:  router,
		pool:    pool,
		store:   store,
		monitor: monitor,
		logs:    logs,
		checker: checker,
		lister:  lister,
		dir:     dir,
		scanDir: scanDir,
	}
}

func (r *adminRig) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

// writeTokenFile drops a parseable IDE token file and returns its path.
func writeTokenFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".json")
	expires := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	body := `{"accessToken":"tok-` + name + `","refreshToken":"ref-` + name +
		`","expiresAt":"` + expires + `","authMethod":"social","region":"us-east-1"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func TestAdminCreateAccount(t *testing.T) {
	rig := newAdminRig(t)
	path := writeTokenFile(t, rig.dir, "work")

	rec := rig.do(t, http.MethodPost, "/api/accounts", `{"name":"work","token_path":"`+path+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decodeMap(t, rec)
	if m["ok"] != true {
		t.Fatalf("body = %v", m)
	}
	id, _ := m["account_id"].(string)
	if len(id) != 8 {
		t.Fatalf("account_id = %q, want 8 hex chars", id)
	}

	cred := rig.pool.FindByTokenPath(path)
	if cred == nil {
		t.Fatal("credential missing from pool")
	}
	if cred.AccessToken() != "tok-work" {
		t.Fatalf("access token = %q, want loaded from file", cred.AccessToken())
	}

	records, err := rig.store.Load()
	if err != nil || len(records) != 1 || records[0].Name != "work" {
		t.Fatalf("registry = %+v, %v", records, err)
	}

	// Same token file again is rejected.
	rec = rig.do(t, http.MethodPost, "/api/accounts", `{"token_path":"`+path+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate status = %d, want 400", rec.Code)
	}
}

func TestAdminCreateAccount_Invalid(t *testing.T) {
	rig := newAdminRig(t)

	rec := rig.do(t, http.MethodPost, "/api/accounts", `{"name":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if m := decodeMap(t, rec); m["error"] != "token_path is required" {
		t.Fatalf("body = %v", m)
	}

	rec = rig.do(t, http.MethodPost, "/api/accounts",
		`{"token_path":"`+filepath.Join(rig.dir, "missing.json")+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	m := decodeMap(t, rec)
	if msg, _ := m["error"].(string); !strings.HasPrefix(msg, "token file not found") {
		t.Fatalf("error = %q", msg)
	}

	bad := filepath.Join(rig.dir, "garbled.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	rec = rig.do(t, http.MethodPost, "/api/accounts", `{"token_path":"`+bad+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	m = decodeMap(t, rec)
	if msg, _ := m["error"].(string); !strings.HasPrefix(msg, "invalid token file") {
		t.Fatalf("error = %q", msg)
	}
}

func TestAdminAccountDetail(t *testing.T) {
	rig := newAdminRig(t)
	path := writeTokenFile(t, rig.dir, "work")
	if err := rig.pool.Add(credential.New("acc1", "work", path, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec := rig.do(t, http.MethodGet, "/api/accounts/acc1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Account struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"account"`
		TokenFile map[string]interface{} `json:"token_file"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Account.ID != "acc1" || res.Account.Name != "work" || !res.Account.Enabled {
		t.Fatalf("account = %+v", res.Account)
	}
	tf := res.TokenFile
	if tf["ok"] != true || tf["has_access_token"] != true || tf["has_refresh_token"] != true {
		t.Fatalf("token_file = %v", tf)
	}
	if tf["is_expired"] != false {
		t.Fatalf("token reported expired: %v", tf)
	}

	if rec := rig.do(t, http.MethodGet, "/api/accounts/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestAdminDeleteAccount(t *testing.T) {
	rig := newAdminRig(t)
	path := writeTokenFile(t, rig.dir, "work")
	if err := rig.pool.Add(credential.New("acc1", "work", path, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec := rig.do(t, http.MethodDelete, "/api/accounts/acc1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rig.pool.Get("acc1") != nil {
		t.Fatal("credential still in pool")
	}
	if records, _ := rig.store.Load(); len(records) != 0 {
		t.Fatalf("registry = %+v, want empty", records)
	}

	if rec := rig.do(t, http.MethodDelete, "/api/accounts/acc1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAdminToggleAccount(t *testing.T) {
	rig := newAdminRig(t)
	path := writeTokenFile(t, rig.dir, "work")
	if err := rig.pool.Add(credential.New("acc1", "work", path, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec := rig.do(t, http.MethodPost, "/api/accounts/acc1/toggle", "")
	m := decodeMap(t, rec)
	if m["ok"] != true || m["enabled"] != false {
		t.Fatalf("body = %v", m)
	}
	if rig.pool.Get("acc1").Enabled() {
		t.Fatal("credential still enabled")
	}
	if records, _ := rig.store.Load(); len(records) != 1 || records[0].Enabled {
		t.Fatalf("registry = %+v, want disabled persisted", records)
	}

	rec = rig.do(t, http.MethodPost, "/api/accounts/acc1/toggle", "")
	if m := decodeMap(t, rec); m["enabled"] != true {
		t.Fatalf("body = %v", m)
	}
}

func TestAdminRefreshAccount(t *testing.T) {
	rig := newAdminRig(t)

	if rec := rig.do(t, http.MethodPost, "/api/accounts/nope/refresh", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}

	path := writeTokenFile(t, rig.dir, "work")
	if err := rig.pool.Add(credential.New("acc1", "work", path, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	// The pool has no refresher wired; the endpoint reports the failure
	// without a non-200 status.
	rec := rig.do(t, http.MethodPost, "/api/accounts/acc1/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	m := decodeMap(t, rec)
	if m["ok"] != false {
		t.Fatalf("body = %v", m)
	}
	if msg, _ := m["message"].(string); !strings.Contains(msg, "no token refresher") {
		t.Fatalf("message = %q", msg)
	}
}

func TestAdminQuotaAndRestore(t *testing.T) {
	rig := newAdminRig(t)
	path := writeTokenFile(t, rig.dir, "work")
	if err := rig.pool.Add(credential.New("acc1", "work", path, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}
	rig.pool.MarkQuotaExceeded("acc1", "quota exhausted")

	rec := rig.do(t, http.MethodGet, "/api/quota", "")
	var res struct {
		ExceededCount int `json:"exceeded_count"`
		Records       []struct {
			AccountID string `json:"account_id"`
			Reason    string `json:"reason"`
		} `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ExceededCount != 1 || len(res.Records) != 1 || res.Records[0].AccountID != "acc1" {
		t.Fatalf("quota = %+v", res)
	}

	if rec := rig.do(t, http.MethodPost, "/api/accounts/acc1/restore", ""); rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d", rec.Code)
	}
	rec = rig.do(t, http.MethodGet, "/api/quota", "")
	m := decodeMap(t, rec)
	if m["exceeded_count"] != float64(0) {
		t.Fatalf("quota after restore = %v", m)
	}
}

func TestAdminHealthCheck(t *testing.T) {
	rig := newAdminRig(t)

	rec := rig.do(t, http.MethodPost, "/api/health-check", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rig.checker.calls != 1 {
		t.Fatalf("probe calls = %d, want 1", rig.checker.calls)
	}
	m := decodeMap(t, rec)
	if m["ok"] != true {
		t.Fatalf("body = %v", m)
	}
	if _, ok := m["accounts"]; !ok {
		t.Fatal("accounts snapshot missing")
	}
}

func TestAdminSpeedtest(t *testing.T) {
	rig := newAdminRig(t)

	rec := rig.do(t, http.MethodPost, "/api/speedtest", "")
	m := decodeMap(t, rec)
	if rec.Code != http.StatusOK || m["ok"] != false || m["error"] != "no available account" {
		t.Fatalf("empty pool speedtest = %d %v", rec.Code, m)
	}

	path := writeTokenFile(t, rig.dir, "work")
	if err := rig.pool.Add(credential.New("acc1", "work", path, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec = rig.do(t, http.MethodPost, "/api/speedtest", "")
	m = decodeMap(t, rec)
	if m["ok"] != true || m["account_id"] != "acc1" {
		t.Fatalf("body = %v", m)
	}
	if _, ok := m["latency_ms"].(float64); !ok {
		t.Fatalf("latency_ms = %v", m["latency_ms"])
	}
	if rig.lister.calls != 1 {
		t.Fatalf("lister calls = %d, want 1", rig.lister.calls)
	}
}

func TestAdminScanTokens(t *testing.T) {
	rig := newAdminRig(t)

	// Empty result before the directory exists.
	rec := rig.do(t, http.MethodGet, "/api/token/scan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if err := os.MkdirAll(rig.scanDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	onePath := writeTokenFile(t, rig.scanDir, "one")
	writeTokenFile(t, rig.scanDir, "two")
	if err := rig.pool.Add(credential.New("acc1", "one", onePath, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec = rig.do(t, http.MethodGet, "/api/token/scan", "")
	var res struct {
		Tokens []struct {
			Name         string `json:"name"`
			AlreadyAdded bool   `json:"already_added"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Tokens) != 2 {
		t.Fatalf("tokens = %+v, want 2", res.Tokens)
	}
	// ReadDir sorts by name.
	if res.Tokens[0].Name != "one" || !res.Tokens[0].AlreadyAdded {
		t.Fatalf("first = %+v, want one marked added", res.Tokens[0])
	}
	if res.Tokens[1].Name != "two" || res.Tokens[1].AlreadyAdded {
		t.Fatalf("second = %+v", res.Tokens[1])
	}
}

func TestAdminAddFromScan(t *testing.T) {
	rig := newAdminRig(t)
	path := writeTokenFile(t, rig.dir, "kiro-auth-token")

	rec := rig.do(t, http.MethodPost, "/api/token/add-from-scan", `{"path":"`+path+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decodeMap(t, rec)
	if m["ok"] != true {
		t.Fatalf("body = %v", m)
	}

	cred := rig.pool.FindByTokenPath(path)
	if cred == nil || cred.Name() != "kiro-auth-token" {
		t.Fatalf("credential = %+v, want name from file base", cred)
	}

	rec = rig.do(t, http.MethodPost, "/api/token/add-from-scan", `{"path":"`+path+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate status = %d, want 400", rec.Code)
	}
	if m := decodeMap(t, rec); m["error"] != "account already added" {
		t.Fatalf("body = %v", m)
	}

	rec = rig.do(t, http.MethodPost, "/api/token/add-from-scan", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing path status = %d, want 400", rec.Code)
	}
}

func TestAdminConfigExportImport(t *testing.T) {
	src := newAdminRig(t)
	pathA := writeTokenFile(t, src.dir, "alpha")
	pathB := writeTokenFile(t, src.dir, "beta")
	if err := src.pool.Add(credential.New("a1", "alpha", pathA, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := src.pool.Add(credential.New("b1", "beta", pathB, false, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec := src.do(t, http.MethodGet, "/api/config/export", "")
	var exported struct {
		Accounts   []map[string]interface{} `json:"accounts"`
		ExportedAt string                   `json:"exported_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &exported); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(exported.Accounts) != 2 {
		t.Fatalf("accounts = %+v, want 2", exported.Accounts)
	}
	if _, err := time.Parse(time.RFC3339, exported.ExportedAt); err != nil {
		t.Fatalf("exported_at = %q: %v", exported.ExportedAt, err)
	}

	// A bogus entry rides along; the import must skip it.
	exported.Accounts = append(exported.Accounts, map[string]interface{}{
		"name":       "ghost",
		"token_path": filepath.Join(src.dir, "ghost.json"),
		"enabled":    true,
	})
	payload, _ := json.Marshal(map[string]interface{}{"accounts": exported.Accounts})

	dst := newAdminRig(t)
	rec = dst.do(t, http.MethodPost, "/api/config/import", string(payload))
	m := decodeMap(t, rec)
	if m["ok"] != true || m["imported"] != float64(2) {
		t.Fatalf("import = %v", m)
	}
	if dst.pool.Len() != 2 {
		t.Fatalf("pool len = %d, want 2", dst.pool.Len())
	}
	beta := dst.pool.FindByTokenPath(pathB)
	if beta == nil || beta.Enabled() {
		t.Fatalf("beta = %+v, want imported disabled", beta)
	}

	// Re-importing the same accounts is a no-op.
	rec = dst.do(t, http.MethodPost, "/api/config/import", string(payload))
	if m := decodeMap(t, rec); m["imported"] != float64(0) {
		t.Fatalf("second import = %v", m)
	}
}

func TestAdminLogsEndpoint(t *testing.T) {
	rig := newAdminRig(t)
	for _, id := range []string{"e1", "e2", "e3"} {
		rig.logs.Append(monitoring.LogEntry{ID: id, Timestamp: time.Now(), Method: "POST", Path: "/v1/messages", Status: 200})
	}

	rec := rig.do(t, http.MethodGet, "/api/logs?limit=2", "")
	var res struct {
		Logs []struct {
			ID string `json:"id"`
		} `json:"logs"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total != 3 || len(res.Logs) != 2 {
		t.Fatalf("logs = %+v", res)
	}
	if res.Logs[0].ID != "e3" {
		t.Fatalf("first = %q, want newest", res.Logs[0].ID)
	}
}

func TestAdminFlows(t *testing.T) {
	rig := newAdminRig(t)
	first := rig.monitor.Begin("anthropic", "POST", "/v1/messages", "127.0.0.1", "claude-sonnet-4", true)
	second := rig.monitor.Begin("openai", "POST", "/v1/chat/completions", "127.0.0.1", "claude-sonnet-4", false)

	rec := rig.do(t, http.MethodGet, "/api/flows", "")
	var res struct {
		Flows []monitoring.FlowRecord `json:"flows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Flows) != 2 || res.Flows[0].ID != second.ID() {
		t.Fatalf("flows = %+v, want newest first", res.Flows)
	}

	rec = rig.do(t, http.MethodGet, "/api/flows/"+first.ID(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	var flow monitoring.FlowRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &flow); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if flow.ID != first.ID() || flow.Protocol != "anthropic" {
		t.Fatalf("flow = %+v", flow)
	}

	if rec := rig.do(t, http.MethodGet, "/api/flows/unknown", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown flow status = %d, want 404", rec.Code)
	}
}

func TestAdminStatusAndStats(t *testing.T) {
	rig := newAdminRig(t)
	path := writeTokenFile(t, rig.dir, "work")
	if err := rig.pool.Add(credential.New("acc1", "work", path, true, "")); err != nil {
		t.Fatalf("add: %v", err)
	}

	flow := rig.monitor.Begin("anthropic", "POST", "/v1/messages", "127.0.0.1", "claude-sonnet-4", false)
	flow.AccountPicked("acc1", "work")
	flow.Completed(&chat.Result{Text: "hello", StopReason: chat.StopEndTurn},
		usecase.Usage{InputTokens: 2, OutputTokens: 2})

	rec := rig.do(t, http.MethodGet, "/api/status", "")
	m := decodeMap(t, rec)
	if m["status"] != "ok" || m["version"] != "1.2.3" {
		t.Fatalf("status = %v", m)
	}
	if m["accounts_total"] != float64(1) || m["accounts_available"] != float64(1) {
		t.Fatalf("accounts = %v", m)
	}
	if m["total_requests"] != float64(1) || m["total_errors"] != float64(0) {
		t.Fatalf("totals = %v", m)
	}

	rec = rig.do(t, http.MethodGet, "/api/stats", "")
	m = decodeMap(t, rec)
	if m["total_requests"] != float64(1) || m["recent_logs"] != float64(1) {
		t.Fatalf("stats = %v", m)
	}

	rec = rig.do(t, http.MethodGet, "/api/stats/detailed", "")
	var detailed struct {
		ByAccount map[string]json.RawMessage `json:"by_account"`
		ByModel   map[string]json.RawMessage `json:"by_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detailed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := detailed.ByAccount["acc1"]; !ok {
		t.Fatalf("by_account = %v", detailed.ByAccount)
	}
	if _, ok := detailed.ByModel["claude-sonnet-4"]; !ok {
		t.Fatalf("by_model = %v", detailed.ByModel)
	}
}
