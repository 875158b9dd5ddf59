package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application"
	"github.com/kirogate/kirogate/internal/infrastructure/config"
	"github.com/kirogate/kirogate/internal/infrastructure/logger"
)

const (
	appName    = "kirogate"
	appVersion = "1.0.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Kirogate — Kiro API 网关",
		Long:  "Kirogate 将 Anthropic/OpenAI/Gemini 风格的 API 请求转换为 AWS Kiro 上游调用, 提供凭证池、会话亲和、限流与监控",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve [port]",
		Short: "启动网关服务 (HTTP API + 管理接口)",
		Long:  "启动 Kirogate 网关, 监听 Anthropic/OpenAI/Gemini 兼容接口与 /api 管理端点; 端口参数覆盖配置文件",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	})

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "查看运行中网关的状态",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringP("addr", "a", "", "网关地址 (默认 127.0.0.1:<配置端口>)")
	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Gateway Server Mode ───

func runServe(cmd *cobra.Command, args []string) error {
	// First-run bootstrap happens before Load so a freshly written
	// config.yaml is exactly what Load reads. Messages go through a
	// logger built from defaults because the real log config is not
	// known yet.
	bootLog, err := logger.NewLogger(logger.DefaultConfig())
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	if err := config.Bootstrap(bootLog); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	bootLog.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(args) > 0 {
		port, perr := strconv.Atoi(args[0])
		if perr != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[0])
		}
		cfg.Server.Port = port
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting Kirogate",
		zap.String("version", appVersion),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, appVersion, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for a shutdown signal or a listener failure (busy port).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-app.Server().Err():
		log.Error("HTTP server failed", zap.Error(err))
		stopApp(app, log)
		os.Exit(1)
	}

	if err := stopApp(app, log); err != nil {
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
	return nil
}

func stopApp(app *application.App, log *zap.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return nil
}

// ─── Status ───

// brand colors
var (
	colorCyan   = lipgloss.Color("#00D7FF")
	colorGray   = lipgloss.Color("#6C6C6C")
	colorWhite  = lipgloss.Color("#FFFFFF")
	colorGreen  = lipgloss.Color("#00FF87")
	colorYellow = lipgloss.Color("#FFD75F")
	colorRed    = lipgloss.Color("#FF5F5F")
)

// gatewayStatus mirrors the GET /api/status payload.
type gatewayStatus struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	AccountsTotal     int    `json:"accounts_total"`
	AccountsAvailable int    `json:"accounts_available"`
	TotalRequests     int64  `json:"total_requests"`
	TotalErrors       int64  `json:"total_errors"`
	ErrorRate         string `json:"error_rate"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	base := statusBase(addr)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/api/status")
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var st gatewayStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Println(renderStatus(st, base))
	return nil
}

// statusBase resolves the gateway base URL: explicit --addr wins, else the
// configured port on loopback.
func statusBase(addr string) string {
	if addr == "" {
		port := 8080
		if cfg, err := config.Load(); err == nil {
			port = cfg.Server.Port
		}
		addr = fmt.Sprintf("127.0.0.1:%d", port)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func renderStatus(st gatewayStatus, base string) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)

	health := lipgloss.NewStyle().Foreground(colorGreen).Render(st.Status)
	if st.Status != "ok" {
		health = lipgloss.NewStyle().Foreground(colorRed).Render(st.Status)
	}

	accStyle := lipgloss.NewStyle().Foreground(colorGreen)
	if st.AccountsAvailable == 0 {
		accStyle = lipgloss.NewStyle().Foreground(colorYellow)
	}

	uptime := (time.Duration(st.UptimeSeconds) * time.Second).String()

	lines := []string{
		fmt.Sprintf("%s %s — %s", titleStyle.Render("◇ "+appName), valueStyle.Render("v"+st.Version), health),
		fmt.Sprintf("  %s %s", labelStyle.Render("Addr    "), valueStyle.Render(base)),
		fmt.Sprintf("  %s %s", labelStyle.Render("Uptime  "), valueStyle.Render(uptime)),
		fmt.Sprintf("  %s %s", labelStyle.Render("Accounts"), accStyle.Render(fmt.Sprintf("%d/%d available", st.AccountsAvailable, st.AccountsTotal))),
		fmt.Sprintf("  %s %s", labelStyle.Render("Requests"), valueStyle.Render(fmt.Sprintf("%d total, %d errors (%s)", st.TotalRequests, st.TotalErrors, st.ErrorRate))),
	}
	return strings.Join(lines, "\n")
}
