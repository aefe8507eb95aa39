package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"squadx/internal/core/domain"
	"squadx/internal/core/services"
	httphandlers "squadx/internal/handlers/http"
	"squadx/internal/infrastructure/distributed"
	"squadx/internal/infrastructure/middleware"
	"squadx/internal/infrastructure/monitoring"
	"squadx/internal/infrastructure/repositories"
	signalinfra "squadx/internal/infrastructure/signal"
	"squadx/internal/infrastructure/turnrest"
	"squadx/pkg/config"
	lockpkg "squadx/pkg/distributed"
	"squadx/pkg/logger"
	"squadx/pkg/tracing"
)

var version = "dev"

func loadConfig(explicit string) (*config.Config, string, error) {
	paths := []string{explicit}
	if explicit == "" {
		paths = []string{
			"configs/signal.yaml",
			"configs/config.yaml",
			"config.yaml",
		}
	}
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil && explicit == "" {
			continue
		}
		cfg, err := config.Load(path)
		if err == nil {
			return cfg, path, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	configPath := flag.String("config", os.Getenv("SQUADX_CONFIG"), "path to the configuration file")
	flag.Parse()

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		logger.New("info").Fatal("failed to load configuration", zap.Error(err))
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("service", "signal")
	if path != "" {
		log.Infow("loaded configuration", "path", path)
	} else {
		log.Info("no configuration file found, using defaults")
	}

	tp, err := tracing.Init(cfg.Tracing, version)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	sessionRepo := repoFactory.CreateSessionRepository()

	defaults := domain.SessionSettings{
		MaxViewers:   cfg.Session.MaxViewers,
		AllowControl: cfg.Session.AllowControl,
	}
	lifecycle := services.NewSessionLifecycle(sessionRepo, defaults, log)

	var servers []domain.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, domain.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	turnCfg := turnrest.Config{Servers: servers}
	if cfg.Turn.Enabled {
		turnCfg.Secret = cfg.Turn.Secret
		turnCfg.URLs = cfg.Turn.URLs
		turnCfg.TTL = cfg.Turn.TTL
	}
	iceProvider, err := turnrest.NewProvider(turnCfg)
	if err != nil {
		log.Fatalw("failed to create ICE provider", "error", err)
	}

	auth := services.NewAuthService(services.AuthConfig{
		Secret:         cfg.Auth.JWTSecret,
		Issuer:         cfg.Auth.Issuer,
		ParticipantTTL: cfg.Auth.ParticipantTTL,
		RelayURL:       cfg.SFU.URL,
		RelayTTL:       cfg.SFU.TokenTTL,
	}, iceProvider.NegotiationConfig)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	hub := signalinfra.NewHub(signalinfra.HubConfig{
		SubscriberBuffer: cfg.Signal.SubscriberBuffer,
		LeaveGrace:       cfg.Signal.LeaveGrace,
	}, iceProvider, collector, log)
	collector.ObserveGauge("squadx_signal_connections", "Live signaling subscriptions on this instance.", func() float64 {
		return float64(hub.Connections())
	})

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		prefix := cfg.Redis.ChannelPrefix + ":"
		lifecycle.UseLocker(lockpkg.NewRedisLocker(client, prefix+"lock:", 10*time.Second))
		bus = distributed.NewEventBus(client, uuid.New().String(), prefix, log)
		hub.UseFanout(bus, distributed.NewPresenceRegistry(client, prefix, log))
		log.Infow("cross-instance signaling enabled", "instance_id", bus.InstanceID())
	}

	checker := monitoring.NewHealthChecker()
	checker.OnChange(func(name string, healthy bool, err error) {
		if healthy {
			log.Infow("dependency healthy", "check", name)
			return
		}
		log.Warnw("dependency unhealthy", "check", name, "error", err)
	})
	checker.AddRepositoryCheck(sessionRepo, 15*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 10*time.Second, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	metricsPath := ""
	if cfg.Monitoring.PrometheusEnabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	monitoring.NewHealthHandler(checker, metricsPath, registry).RegisterRoutes(router)

	serverCfg := signalinfra.ServerConfig{
		HeartbeatInterval: cfg.Signal.HeartbeatInterval,
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
	}
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.Signal.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.Signal.Burst
	}

	api := router.Group("/", middleware.AuthMiddleware(auth))
	httphandlers.NewSessionHandler(lifecycle, auth, auth, hub, defaults, log).RegisterRoutes(api)
	signalinfra.NewServer(hub, lifecycle, serverCfg, log).RegisterRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Signal.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	checker.StartBackgroundChecks(gctx)
	if bus != nil {
		g.Go(func() error {
			err := bus.Run(gctx, hub.Deliver)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		log.Infow("starting signal server", "address", cfg.Signal.Address, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down signal server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing server", "error", closeErr)
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("error flushing traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("signal server failed", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	log.Info("signal server stopped")
}
