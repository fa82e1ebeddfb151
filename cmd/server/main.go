package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/smartgazer/internal/api/handlers"
	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/config"
	"github.com/langchou/smartgazer/internal/metrics"
	"github.com/langchou/smartgazer/internal/repository"
	"github.com/langchou/smartgazer/internal/service"
	"github.com/langchou/smartgazer/internal/state"
	"github.com/langchou/smartgazer/internal/webhook"
	"github.com/langchou/smartgazer/pkg/ws"
)

// stores 按配置选择的存储实现
type stores struct {
	mode     string
	events   service.EventStore
	vehicles service.VehicleStore
	admin    service.AdminStore
	ping     func(ctx context.Context) error
	close    func()
}

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Smartgazer", zap.String("port", cfg.ServerPort), zap.String("mode", cfg.SmartcarMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.close()

	// 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// Smartcar 客户端
	smartcarClient := smartcar.NewClient(smartcar.Config{
		ClientID:     cfg.SmartcarClientID,
		ClientSecret: cfg.SmartcarClientSecret,
		RedirectURI:  cfg.SmartcarRedirectURI,
		Mode:         cfg.SmartcarMode,
		Scopes:       cfg.SmartcarScopes,
		AuthHost:     cfg.SmartcarAuthHost,
		ConnectHost:  cfg.SmartcarConnectHost,
		APIHost:      cfg.SmartcarAPIHost,
		RateLimit:    cfg.SmartcarRateLimit,
		OnBreakerChange: func(name, _, to string) {
			collector.SetBreakerState(name, to)
		},
	}, logger)
	collector.SetBreakerState("smartcar-api", smartcarClient.BreakerState())

	// 凭据状态机
	machines := state.NewManager(func(vehicleID, from, to string) {
		collector.RecordCredentialTransition(from, to)
		logger.Debug("Credential state changed",
			zap.String("vehicle_id", vehicleID),
			zap.String("from", from),
			zap.String("to", to))
	})

	// WebSocket Hub
	wsHub := ws.NewHub(logger)
	wsHub.OnClientCountChange(collector.SetWSClients)

	// 服务
	tokens := service.NewTokenManager(logger, st.vehicles, smartcarClient, machines, collector, cfg.TokenRefreshBuffer)
	resolver := service.NewResolver(logger, st.events, st.vehicles, tokens, smartcarClient, collector)
	ingest := service.NewIngestService(
		logger,
		st.events,
		st.vehicles,
		webhook.NewVerifier(cfg.ManagementToken),
		wsHub,
		collector,
		cfg.PlaceholderUserID,
	)
	admin := service.NewAdminService(logger, st.events, st.admin, machines)

	// 新连接先收到该车辆各信号的最新值
	wsHub.SetInitDataProvider(func(ctx context.Context, vehicleID string) (any, error) {
		latest, err := resolver.LatestSignals(ctx, "", vehicleID)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(latest))
		for t, e := range latest {
			out[t.Key()] = e.WithoutRaw()
		}
		return out, nil
	})
	go wsHub.Run(ctx)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, handlers.Dependencies{
		Ingest:       ingest,
		Tokens:       tokens,
		Resolver:     resolver,
		Admin:        admin,
		Vehicles:     st.vehicles,
		Auth:         smartcarClient,
		Hub:          wsHub,
		Machines:     machines,
		StoreMode:    st.mode,
		StorePing:    st.ping,
		BreakerState: smartcarClient.BreakerState,
	})

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware(collector))
	router.Use(corsMiddleware())

	handler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler(registry)))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr), zap.String("store", st.mode))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Server exited")
}

// openStores 配置了 DATABASE_URL 时使用 PostgreSQL，否则退化为有界内存存储
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.UseMemoryStore() {
		mem := repository.NewMemoryStore(cfg.MemoryEventLimit, cfg.PlaceholderUserID)
		logger.Warn("DATABASE_URL not set, using in-memory store",
			zap.Int("event_limit", mem.Limit()))
		return &stores{
			mode:     "memory",
			events:   mem,
			vehicles: mem,
			admin:    mem,
			close:    func() {},
		}, nil
	}

	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("Database migrated successfully")

	users := repository.NewUserRepository(db)
	vehicles := repository.NewVehicleRepository(db)
	events := repository.NewEventRepository(db, cfg.PlaceholderUserID)
	return &stores{
		mode:     "postgres",
		events:   events,
		vehicles: vehicles,
		admin:    repository.NewAdminRepository(db, users, vehicles, events),
		ping:     db.Ping,
		close:    db.Close,
	}, nil
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
