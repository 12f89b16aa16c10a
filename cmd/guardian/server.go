package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/analysis"
	"github.com/guardian-ai/orchestrator/api/handlers"
	"github.com/guardian-ai/orchestrator/config"
	"github.com/guardian-ai/orchestrator/dispatcher"
	"github.com/guardian-ai/orchestrator/engine"
	"github.com/guardian-ai/orchestrator/internal/database"
	"github.com/guardian-ai/orchestrator/internal/metrics"
	"github.com/guardian-ai/orchestrator/internal/migration"
	"github.com/guardian-ai/orchestrator/internal/server"
	"github.com/guardian-ai/orchestrator/internal/telemetry"
	"github.com/guardian-ai/orchestrator/queue"
	"github.com/guardian-ai/orchestrator/registry"
	"github.com/guardian-ai/orchestrator/store"
)

// Server assembles the orchestrator: checkpoint store, command queue,
// dispatcher workers, and the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	promRegistry *prometheus.Registry
	collector    *metrics.Collector

	pool         *database.PoolManager
	caseStore    *store.GormStore
	commandQueue queue.Queue
	redisClient  *redis.Client

	dispatcher       *dispatcher.Dispatcher
	dispatcherCancel context.CancelFunc
	dispatcherDone   chan struct{}

	workflowHandler *handlers.WorkflowHandler
	healthHandler   *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from loaded configuration. Nothing is
// connected until Start.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// Start connects the backends, launches the dispatcher workers, and starts
// the HTTP and metrics servers.
func (s *Server) Start() error {
	s.promRegistry = prometheus.NewRegistry()
	s.collector = metrics.NewCollector("guardian", s.promRegistry, s.logger)

	if err := s.initStore(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if err := s.initQueue(); err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	if err := s.initDispatcher(); err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("dispatcher_workers", s.cfg.Dispatcher.Workers),
		zap.String("queue_backend", s.cfg.Queue.Backend),
	)
	return nil
}

func (s *Server) initStore() error {
	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}

	pool, err := database.NewPoolManager(db, 30*time.Second, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	s.caseStore = store.NewGormStore(db, s.logger)

	switch s.cfg.Database.Driver {
	case "postgres":
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		mig, err := migration.New(&migration.Config{DB: sqlDB})
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer mig.Close()
		if err := mig.Up(context.Background()); err != nil {
			return err
		}
	default:
		// SQLite has no versioned migrations, the ORM owns the schema.
		if err := s.caseStore.Migrate(); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}
	return nil
}

func (s *Server) initQueue() error {
	switch s.cfg.Queue.Backend {
	case "memory":
		s.commandQueue = queue.NewMemoryQueue(1024)
		s.logger.Info("using in-memory command queue")
		return nil
	case "redis":
		consumer := s.cfg.Queue.Consumer
		if consumer == "" {
			host, _ := os.Hostname()
			consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
		q, err := queue.NewRedisQueue(queue.RedisConfig{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			Stream:   s.cfg.Queue.Stream,
			Group:    s.cfg.Queue.Group,
			Consumer: consumer,
			MinIdle:  s.cfg.Queue.MinIdle,
			PoolSize: s.cfg.Redis.PoolSize,
		}, s.logger)
		if err != nil {
			return err
		}
		s.commandQueue = q

		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		return nil
	default:
		return fmt.Errorf("unsupported queue backend: %s", s.cfg.Queue.Backend)
	}
}

func (s *Server) initDispatcher() error {
	platform := registry.NewLoggingPlatformClient(s.logger)
	actions := registry.NewPlatformRegistry(platform, s.logger)
	analyzer := analysis.NewRuleAnalyzer(s.logger)

	eng := engine.New(s.caseStore, actions, analyzer, s.logger,
		engine.WithMetrics(s.collector),
	)

	dcfg := dispatcher.Config{
		Workers:      s.cfg.Dispatcher.Workers,
		ReceiveBlock: s.cfg.Dispatcher.ReceiveBlock,
		LockTTL:      s.cfg.Dispatcher.LockTTL,
	}
	opts := []dispatcher.Option{dispatcher.WithMetrics(s.collector)}
	if s.cfg.Dispatcher.DistributedLock {
		if s.redisClient == nil {
			return fmt.Errorf("distributed lock requires the redis queue backend")
		}
		opts = append(opts, dispatcher.WithLocker(dispatcher.NewRedisCaseLocker(s.redisClient)))
	}
	s.dispatcher = dispatcher.New(s.commandQueue, eng, s.caseStore, dcfg, s.logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s.dispatcherCancel = cancel
	s.dispatcherDone = make(chan struct{})
	go func() {
		defer close(s.dispatcherDone)
		if err := s.dispatcher.Run(ctx); err != nil {
			s.logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) initHandlers() {
	statusService := engine.NewStatusService(s.caseStore, s.logger)
	s.workflowHandler = handlers.NewWorkflowHandler(s.commandQueue, statusService, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "database",
		Ping:      s.pool.Ping,
	})
	if s.redisClient != nil {
		s.healthHandler.RegisterCheck(handlers.HealthCheckFunc{
			CheckName: "redis",
			Ping: func(ctx context.Context) error {
				return s.redisClient.Ping(ctx).Err()
			},
		})
	}
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	s.workflowHandler.Register(mux)

	skipAuthPaths := []string{"/health", "/ready", "/version"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares,
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst),
	)
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal arrives, then shuts
// everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops accepting new requests, drains the dispatcher, and closes
// the backends.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// HTTP first so no new commands are enqueued while the dispatcher drains.
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.dispatcherCancel != nil {
		s.dispatcherCancel()
		select {
		case <-s.dispatcherDone:
		case <-ctx.Done():
			s.logger.Warn("dispatcher did not drain before shutdown deadline")
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.commandQueue != nil {
		if err := s.commandQueue.Close(); err != nil {
			s.logger.Error("queue close error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
