// Package http assembles the gin server: the three dialect surfaces, the
// admin API, the flow websocket feed and the Prometheus exposition.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/internal/infrastructure/persistence"
	"github.com/kirogate/kirogate/internal/interfaces/http/handlers"
	"github.com/kirogate/kirogate/internal/interfaces/websocket"
)

// Config HTTP服务器配置
type Config struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	Mode string `yaml:"mode" mapstructure:"mode"` // debug, release
}

// Deps is everything the route table needs. Checker and Client are
// interfaces so tests can stand the server up without a live upstream;
// production wires the maintainer and the kiro client.
type Deps struct {
	Relay   *usecase.Relay
	Pool    *credential.Pool
	Store   *persistence.AccountStore
	Tokens  *persistence.TokenFiles
	Watcher *persistence.TokenWatcher
	Checker handlers.HealthChecker
	Client  handlers.ModelLister
	Stats   *monitoring.Stats
	Logs    *monitoring.RequestLog
	Monitor *monitoring.Monitor
	Hub     *websocket.Hub
	Version string
	ScanDir string
}

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
	errCh  chan error
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	anthropicHandler := handlers.NewAnthropicHandler(deps.Relay, deps.Monitor, logger)
	openaiHandler := handlers.NewOpenAIHandler(deps.Relay, deps.Monitor, logger)
	geminiHandler := handlers.NewGeminiHandler(deps.Relay, deps.Monitor, logger)
	modelsHandler := handlers.NewModelsHandler(deps.Pool, deps.Client, logger)
	adminHandler := handlers.NewAdminHandler(handlers.AdminDeps{
		Pool:    deps.Pool,
		Store:   deps.Store,
		Tokens:  deps.Tokens,
		Checker: deps.Checker,
		Prober:  deps.Client,
		Stats:   deps.Stats,
		Logs:    deps.Logs,
		Monitor: deps.Monitor,
		Version: deps.Version,
		ScanDir: deps.ScanDir,
		Logger:  logger,
		Watcher: deps.Watcher,
	})

	setupRoutes(router, anthropicHandler, openaiHandler, geminiHandler, modelsHandler, adminHandler, deps.Hub)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// Start begins serving in the background. Listener failures surface on
// Err; callers that need a hard exit on a busy port select on it.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- err
		}
	}()

	return nil
}

// Err reports a fatal listener failure.
func (s *Server) Err() <-chan error { return s.errCh }

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(
	router *gin.Engine,
	anthropicHandler *handlers.AnthropicHandler,
	openaiHandler *handlers.OpenAIHandler,
	geminiHandler *handlers.GeminiHandler,
	modelsHandler *handlers.ModelsHandler,
	adminHandler *handlers.AdminHandler,
	hub *websocket.Hub,
) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// Dialect surfaces
	v1 := router.Group("/v1")
	{
		v1.POST("/messages", anthropicHandler.CreateMessage)
		v1.POST("/messages/count_tokens", anthropicHandler.CountTokens)

		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.POST("/responses", openaiHandler.Responses)

		v1.GET("/models", modelsHandler.List)
		v1.POST("/models/:model", geminiHandler.Generate)
	}
	router.POST("/v1beta/models/:model", geminiHandler.Generate)

	// Management API
	api := router.Group("/api")
	{
		api.GET("/status", adminHandler.Status)
		api.GET("/stats", adminHandler.Stats)
		api.GET("/stats/detailed", adminHandler.StatsDetailed)
		api.GET("/logs", adminHandler.Logs)

		api.GET("/accounts", adminHandler.ListAccounts)
		api.POST("/accounts", adminHandler.CreateAccount)
		api.GET("/accounts/:id", adminHandler.AccountDetail)
		api.DELETE("/accounts/:id", adminHandler.DeleteAccount)
		api.POST("/accounts/:id/toggle", adminHandler.ToggleAccount)
		api.POST("/accounts/:id/refresh", adminHandler.RefreshAccount)
		api.POST("/accounts/:id/restore", adminHandler.RestoreAccount)
		api.POST("/accounts/refresh-all", adminHandler.RefreshAll)

		api.GET("/quota", adminHandler.Quota)
		api.POST("/health-check", adminHandler.HealthCheck)
		api.POST("/speedtest", adminHandler.Speedtest)

		api.GET("/token/scan", adminHandler.ScanTokens)
		api.POST("/token/add-from-scan", adminHandler.AddFromScan)
		api.GET("/config/export", adminHandler.ExportConfig)
		api.POST("/config/import", adminHandler.ImportConfig)

		api.GET("/flows", adminHandler.Flows)
		api.GET("/flows/:id", adminHandler.FlowDetail)
		api.GET("/flows/ws", func(c *gin.Context) {
			hub.ServeWS(c.Writer, c.Request)
		})
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
