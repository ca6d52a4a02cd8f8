package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/services"
	httphandlers "github.com/carabina/PeerConnectivity/internal/handlers/http"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/distributed"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/middleware"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/monitoring"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/repositories"
	rendezvous "github.com/carabina/PeerConnectivity/internal/infrastructure/signal"
	"github.com/carabina/PeerConnectivity/pkg/config"
	"github.com/carabina/PeerConnectivity/pkg/logger"
	"github.com/carabina/PeerConnectivity/pkg/tracing"
	"github.com/carabina/PeerConnectivity/pkg/utils"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/peerconn/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zapLogger = zap.NewExample()
		zapLogger.Warn("invalid logging config, using example logger", zap.Error(err))
	}
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	instanceID := cfg.Signal.InstanceID
	if instanceID == "" {
		instanceID = utils.GenerateID("rdv")
	}
	log = log.With("instance_id", instanceID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		InstanceID:  instanceID,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(context.Background(), cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	registry := repoFactory.CreatePresenceRegistry()
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	opts := []rendezvous.Option{
		rendezvous.WithLogger(log),
		rendezvous.WithInstanceID(instanceID),
		rendezvous.WithMetrics(collector),
		rendezvous.WithAllowedOrigins(cfg.Auth.AllowedOrigins),
		rendezvous.WithInviteTimeout(cfg.Connectivity.InviteTimeout),
	}
	if cfg.RateLimiting.Enabled {
		opts = append(opts, rendezvous.WithMessageRate(
			cfg.RateLimiting.WebSocket.MessagesPerSecond,
			cfg.RateLimiting.WebSocket.Burst,
		))
	}
	if n := cfg.RateLimiting.WebSocket.MaxMessageSizeBytes; n > 0 {
		opts = append(opts, rendezvous.WithMaxMessageSize(n))
	}

	var authService services.AuthService
	if cfg.Auth.JWTSecret != "" {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.RefreshTokenTTL)
		opts = append(opts, rendezvous.WithAuthenticator(authService))
	} else {
		log.Warn("auth.jwt_secret is empty, peers join without a token")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var relay *distributed.RedisRelay
	if client := repoFactory.RedisClient(); client != nil {
		relay = distributed.NewRedisRelay(client, instanceID, log)
		opts = append(opts, rendezvous.WithRelay(relay))
	}

	wsServer := rendezvous.NewWebSocketServer(registry, opts...)
	wsServer.SetPingInterval(cfg.Signal.PingInterval)
	wsServer.SetPongTimeout(cfg.Signal.PongTimeout)

	if relay != nil {
		go func() {
			if err := relay.Subscribe(ctx, wsServer.HandleRelay); err != nil && ctx.Err() == nil {
				log.Errorw("relay subscription ended", "error", err)
			}
		}()
		log.Info("cross-instance relay enabled")
	}

	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddPresenceCheck(registry, time.Minute, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	healthChecker.StartBackgroundChecks(ctx)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger.Named("http"))),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	presenceHandler := httphandlers.NewPresenceHandler(registry)
	if authService != nil {
		httphandlers.NewAuthHandler(authService).SetupRoutes(router)
		presenceHandler.SetupRoutes(router, middleware.AuthMiddleware(authService))
	} else {
		presenceHandler.SetupRoutes(router)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": instanceID,
			"version":     version,
			"connections": wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := healthChecker.GetReadinessStatus(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting rendezvous server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down rendezvous server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Hijacked WebSocket connections are not covered by Shutdown.
	wsServer.Close()
	cancel()

	if relay != nil {
		if err := relay.Close(); err != nil {
			log.Errorw("Error closing relay", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("Rendezvous server stopped")
}
