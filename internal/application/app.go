package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/domain/history"
	"github.com/kirogate/kirogate/internal/infrastructure/config"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/internal/infrastructure/persistence"
	"github.com/kirogate/kirogate/internal/infrastructure/ratelimit"
	"github.com/kirogate/kirogate/internal/infrastructure/scheduler"
	httpServer "github.com/kirogate/kirogate/internal/interfaces/http"
	"github.com/kirogate/kirogate/internal/interfaces/websocket"
	"github.com/kirogate/kirogate/pkg/safego"
)

// App 应用程序
type App struct {
	config  *config.Config
	version string
	logger  *zap.Logger

	// 持久化
	tokens  *persistence.TokenFiles
	store   *persistence.AccountStore
	watcher *persistence.TokenWatcher

	// 基础设施
	kiroClient *kiro.Client
	authClient *kiro.AuthClient
	limiter    *ratelimit.Limiter
	stats      *monitoring.Stats
	logs       *monitoring.RequestLog
	monitor    *monitoring.Monitor

	// 领域层
	pool    *credential.Pool
	history *history.Manager

	// 应用服务
	relay      *usecase.Relay
	maintainer *scheduler.Maintainer

	// 接口层
	hub        *websocket.Hub
	httpServer *httpServer.Server
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, version string, logger *zap.Logger) (*App, error) {
	app := &App{
		config:  cfg,
		version: version,
		logger:  logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initDomain(); err != nil {
		return nil, fmt.Errorf("failed to init domain: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// initStorage 初始化持久化层
func (app *App) initStorage() error {
	app.logger.Info("Initializing storage",
		zap.String("accounts_file", app.config.Storage.AccountsFile),
	)

	app.tokens = persistence.NewTokenFiles()
	app.store = persistence.NewAccountStore(app.config.Storage.AccountsFile, app.logger)

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.authClient = kiro.NewAuthClient(app.logger)
	app.kiroClient = kiro.NewClient(app.config.Kiro, app.logger)
	app.limiter = ratelimit.NewLimiter(app.config.RateLimit)

	app.stats = monitoring.NewStats()
	app.logs = monitoring.NewRequestLog(monitoring.DefaultLogLimit)
	app.monitor = monitoring.NewMonitor(monitoring.DefaultFlowLimit, app.stats, app.logs, app.logger)

	return nil
}

// initDomain 初始化领域层
func (app *App) initDomain() error {
	app.logger.Info("Initializing credential pool")

	app.pool = credential.NewPool(app.config.Pool.Domain(), app.tokens, app.authClient, app.logger)

	records, err := app.store.Load()
	if err != nil {
		return fmt.Errorf("load accounts registry: %w", err)
	}
	for _, rec := range records {
		cred := credential.New(rec.ID, rec.Name, rec.TokenPath, rec.Enabled, rec.MachineID)
		if err := app.pool.Add(cred); err != nil {
			app.logger.Warn("Skipping account from registry",
				zap.String("id", rec.ID),
				zap.String("name", rec.Name),
				zap.Error(err),
			)
		}
	}
	app.logger.Info("Credential pool loaded", zap.Int("accounts", app.pool.Len()))

	if app.config.Storage.WatchTokens {
		watcher, err := persistence.NewTokenWatcher(app.onTokenFileChange, app.logger)
		if err != nil {
			app.logger.Warn("Token watching unavailable", zap.Error(err))
			return nil
		}
		app.watcher = watcher
		for _, cred := range app.pool.List() {
			if err := watcher.Add(cred.TokenPath()); err != nil {
				app.logger.Warn("Token watch failed",
					zap.String("path", cred.TokenPath()),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

// onTokenFileChange reloads a credential whose token file was rewritten
// externally, typically by the IDE's own refresh.
func (app *App) onTokenFileChange(path string) {
	if cred := app.pool.FindByTokenPath(path); cred != nil {
		app.pool.ReloadTokens(cred.ID())
	}
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// The summarizer calls back into the relay that is constructed right
	// after it; by the time a request needs a summary the field is set.
	app.history = history.NewManager(app.config.History.Domain(), func(ctx context.Context, text string) (string, error) {
		return app.relay.Summarize(ctx, text)
	})
	app.relay = usecase.NewRelay(app.config.Relay, app.pool, app.kiroClient, app.limiter, app.history, app.logger)

	app.maintainer = scheduler.NewMaintainer(app.config.Maintainer, app.pool, app.kiroClient, app.logger)

	return nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.hub = websocket.NewHub(app.logger)
	app.monitor.SetPublisher(app.hub.Publish)

	app.httpServer = httpServer.NewServer(
		app.config.Server,
		httpServer.Deps{
			Relay:   app.relay,
			Pool:    app.pool,
			Store:   app.store,
			Tokens:  app.tokens,
			Watcher: app.watcher,
			Checker: app.maintainer,
			Client:  app.kiroClient,
			Stats:   app.stats,
			Logs:    app.logs,
			Monitor: app.monitor,
			Hub:     app.hub,
			Version: app.version,
			ScanDir: app.config.Storage.TokenDir,
		},
		app.logger,
	)

	return nil
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application", zap.String("version", app.version))

	if app.watcher != nil {
		app.watcher.Start()
	}

	app.maintainer.Start()

	safego.GoRestart(app.logger, "flow-feed", func() {
		app.hub.Run(ctx)
	})

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	app.maintainer.Stop()

	if app.watcher != nil {
		if err := app.watcher.Close(); err != nil {
			app.logger.Error("Failed to close token watcher", zap.Error(err))
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Server returns the HTTP server (used by the CLI to watch for listener
// failures).
func (app *App) Server() *httpServer.Server {
	return app.httpServer
}

// Pool returns the credential pool.
func (app *App) Pool() *credential.Pool {
	return app.pool
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}
