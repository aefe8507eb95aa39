package main

import (
	"context"
	"errors"
	"flag"
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
	"golang.org/x/sync/errgroup"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
	"squadx/internal/core/ports"
	"squadx/internal/core/services"
	httphandlers "squadx/internal/handlers/http"
	"squadx/internal/infrastructure/capture"
	"squadx/internal/infrastructure/middleware"
	"squadx/internal/infrastructure/monitoring"
	"squadx/internal/infrastructure/publish"
	"squadx/internal/infrastructure/repositories"
	"squadx/internal/infrastructure/sessionapi"
	signalinfra "squadx/internal/infrastructure/signal"
	"squadx/internal/infrastructure/uievents"
	webrtcinfra "squadx/internal/infrastructure/webrtc"
	"squadx/pkg/circuitbreaker"
	"squadx/pkg/config"
	"squadx/pkg/logger"
	"squadx/pkg/tracing"
)

var version = "dev"

func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	for _, path := range []string{"configs/agent.yaml", "configs/config.yaml", "config.yaml"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
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
	log := zapLogger.Sugar().With("service", "agent")
	if path != "" {
		log.Infow("loaded configuration", "path", path)
	}

	tp, err := tracing.Init(cfg.Tracing, version)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := monitoring.NewPrometheusCollector(registry)

	var engineCfg webrtcinfra.EngineConfig
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	engineCfg.DisconnectedTimeout = cfg.WebRTC.DisconnectedTimeout
	engineCfg.FailedTimeout = cfg.WebRTC.FailedTimeout
	engineCfg.KeepAliveInterval = cfg.WebRTC.KeepAliveInterval
	engineCfg.PLIInterval = cfg.WebRTC.PLIInterval
	engine, err := webrtcinfra.NewEngine(engineCfg, log)
	if err != nil {
		log.Fatalw("failed to create media engine", "error", err)
	}

	user := sessionapi.TokenSourceFor(cfg.Auth.Token, cfg.Auth.TokenFile)
	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.SessionAPI.BreakerThreshold
	breaker.Timeout = cfg.SessionAPI.BreakerTimeout
	api, err := sessionapi.New(sessionapi.Config{
		BaseURL:       cfg.SessionAPI.BaseURL,
		Timeout:       cfg.SessionAPI.Timeout,
		RetryAttempts: cfg.SessionAPI.RetryAttempts,
		Breaker:       breaker,
	}, user, log)
	if err != nil {
		log.Fatalw("failed to create session api client", "error", err)
	}

	dialer, err := signalinfra.NewDialer(cfg.Signal.URL, cfg.Signal.Transport, signalinfra.ClientConfig{
		Tokens:          user,
		InitialDelay:    cfg.Signal.ReconnectInitialDelay,
		MaxDelay:        cfg.Signal.ReconnectMaxDelay,
		ReadIdleTimeout: cfg.Signal.ReadIdleTimeout,
	}, log)
	if err != nil {
		log.Fatalw("failed to create signal dialer", "error", err)
	}

	events := uievents.NewBroadcaster(cfg.Ingest.EventBuffer, log)

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	secrets := publish.EnvSecrets{Prefix: cfg.Relay.SecretsEnvPrefix}
	relays := services.NewRelayStreamManager(
		repoFactory.CreateDestinationRepository(),
		[]ports.Publisher{
			publish.NewSRTPublisher(secrets, log),
			publish.NewFFmpegPublisher(cfg.Relay.FFmpegPath, secrets, log),
		},
		services.RelayManagerConfig{
			DialTimeout:           cfg.Relay.DialTimeout,
			ReconnectAttempts:     cfg.Relay.ReconnectAttempts,
			ReconnectInitialDelay: cfg.Relay.ReconnectInitialDelay,
			ReconnectMaxDelay:     cfg.Relay.ReconnectMaxDelay,
			QueueBytes:            cfg.Relay.QueueBytes,
			StatsWindow:           cfg.Relay.StatsWindow,
		},
		func(st domain.RelayStreamStatus) {
			events.Emit(domain.UIEvent{Type: domain.UIRelayStatus, State: string(st.State), Message: st.LastError, Data: st})
		},
		collector,
		log,
	)
	collector.ObserveGauge("squadx_relay_streams_live", "Relay destinations currently streaming.", func() float64 {
		return float64(relays.LiveCount())
	})

	orchCfg := services.DefaultOrchestratorConfig()
	orchCfg.Supervisor.MaxAttempts = cfg.Supervisor.MaxRestartAttempts
	orchCfg.Supervisor.Backoff.InitialDelay = cfg.Supervisor.InitialBackoff
	orchCfg.Supervisor.Backoff.MaxDelay = cfg.Supervisor.MaxBackoff
	orchCfg.Supervisor.AttemptTimeout = cfg.Supervisor.AttemptTimeout
	orchCfg.StatsInterval = cfg.Monitoring.StatsInterval
	orchCfg.UsageInterval = cfg.Usage.ReportInterval
	orchCfg.CursorHz = cfg.RateLimiting.CursorHz
	orchCfg.DedupTTL = cfg.Signal.DedupWindow

	orchestrator := services.NewSessionOrchestrator(orchCfg, services.OrchestratorDeps{
		Sessions:    api,
		Dialer:      dialer,
		Engine:      engine,
		RelayTokens: api,
		RelayDialer: dialer,
		Events:      events,
		Injector:    uievents.Input{Sink: events, Width: cfg.Ingest.SurfaceWidth, Height: cfg.Ingest.SurfaceHeight},
		Relays:      relays,
		Mixer:       services.NewMixer(),
		Metrics:     collector,
	}, log)

	screen, err := capture.NewRTPIngest(cfg.Ingest.VideoRTPAddress, domain.TrackInfo{ID: "screen", Kind: domain.TrackVideo}, cfg.Ingest.VideoCodec, log)
	if err != nil {
		log.Fatalw("failed to open video ingest", "error", err)
	}
	voice, err := capture.NewRTPIngest(cfg.Ingest.AudioRTPAddress, domain.TrackInfo{ID: "voice", Kind: domain.TrackAudio}, "", log)
	if err != nil {
		log.Fatalw("failed to open audio ingest", "error", err)
	}

	checker := monitoring.NewHealthChecker()
	checker.OnChange(func(name string, healthy bool, err error) {
		if healthy {
			log.Infow("dependency healthy", "check", name)
			return
		}
		log.Warnw("dependency unhealthy", "check", name, "error", err)
	})
	checker.AddCheck("session_api", func(context.Context) (bool, error) {
		if !api.Available() {
			return false, circuitbreaker.ErrOpen
		}
		return true, nil
	}, 10*time.Second, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)
	metricsPath := ""
	if cfg.Monitoring.PrometheusEnabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	monitoring.NewHealthHandler(checker, metricsPath, registry).RegisterRoutes(router)
	httphandlers.NewAgentHandler(httphandlers.AgentHandlerConfig{
		MaxChunkBytes:     cfg.Ingest.MaxChunkBytes,
		HeartbeatInterval: cfg.Signal.HeartbeatInterval,
		Defaults: domain.SessionSettings{
			MaxViewers:   cfg.Session.MaxViewers,
			AllowControl: cfg.Session.AllowControl,
		},
	}, orchestrator, relays, events, log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	checker.StartBackgroundChecks(gctx)
	for _, in := range []*capture.RTPIngest{screen, voice} {
		g.Go(func() error {
			if err := in.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		publishLocalTracks(gctx, orchestrator, events, screen, voice, log)
		return nil
	})
	g.Go(func() error {
		log.Infow("starting agent api", "address", cfg.Server.Address, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down agent")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		switch orchestrator.Status().Role {
		case domain.RoleHost:
			if err := orchestrator.EndSession(shutdownCtx); err != nil {
				log.Warnw("failed to end session", "error", err)
			}
		case domain.RoleViewer:
			if err := orchestrator.Leave(shutdownCtx); err != nil {
				log.Warnw("failed to leave session", "error", err)
			}
		}
		relays.Close(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			_ = srv.Close()
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("error flushing traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("agent failed", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	log.Info("agent stopped")
}

// publishLocalTracks attaches the capture tracks to every session as it
// starts. Viewers only send their voice.
func publishLocalTracks(ctx context.Context, o *services.SessionOrchestrator, events *uievents.Broadcaster, screen, voice *capture.RTPIngest, log *zap.SugaredLogger) {
	sub := events.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			if ev.Type != domain.UISessionStatus || ev.State != services.StatusConnecting {
				continue
			}
			status := o.Status()
			// voice ids are scoped to the participant so forwarded voices never share one
			mic := voice.Track()
			mic.Info.ID = domain.TrackID(fmt.Sprintf("%s-%s", mic.Info.ID, status.ParticipantID))
			tracks := []peer.Track{mic}
			if status.Role == domain.RoleHost {
				tracks = append(tracks, screen.Track())
			}
			for _, t := range tracks {
				if err := o.PublishTrack(ctx, t); err != nil {
					log.Warnw("failed to publish local track", "track_id", t.Info.ID, "error", err)
				}
			}
		}
	}
}
