// Package acn wires the coordination core into a runnable gateway
// process: storage, directory, subnet gateway, router, broadcast engine
// and the realtime hub, sharing one observability stack and one HTTP
// listener for health, metrics and the websocket endpoint.
package acn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentplanet/acn/internal/broadcast"
	"github.com/agentplanet/acn/internal/config"
	"github.com/agentplanet/acn/internal/directory"
	"github.com/agentplanet/acn/internal/observability"
	"github.com/agentplanet/acn/internal/realtime"
	"github.com/agentplanet/acn/internal/router"
	"github.com/agentplanet/acn/internal/subnet"
	"github.com/agentplanet/acn/internal/task"
	"github.com/agentplanet/acn/internal/transport"
)

// GatewayServer is the assembled coordination core.
type GatewayServer struct {
	Config *config.AppConfig

	Observability  *observability.Observability
	TraceManager   *observability.TraceManager
	MetricsManager *observability.MetricsManager
	HealthServer   *observability.HealthServer
	Logger         *slog.Logger

	Redis     *redis.Client
	Store     task.Store
	Directory *directory.Static
	Gateway   *subnet.Gateway
	Router    *router.Router
	Broadcast *broadcast.Engine
	Hub       *realtime.Hub
}

// NewGatewayServer builds the full component graph from configuration.
func NewGatewayServer(cfg *config.AppConfig) (*GatewayServer, error) {
	obsConfig := observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		HealthPort:     cfg.ListenPort,
		Environment:    cfg.Environment,
		LogLevel:       parseLogLevel(cfg.LogLevel),
	}
	obs, err := observability.NewObservability(obsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	metricsManager, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics manager: %w", err)
	}
	traceManager := observability.NewTraceManager(cfg.ServiceName)

	healthServer := observability.NewHealthServer(cfg.ListenPort, cfg.ServiceName, cfg.ServiceVersion)
	healthServer.AddChecker("self", observability.NewBasicHealthChecker("self", func(ctx context.Context) error {
		return nil
	}))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	healthServer.AddChecker("redis", observability.NewRedisHealthChecker("redis", rdb))

	store := task.NewRedisStore(rdb)
	dir := directory.NewStatic()
	tr := transport.NewHTTPTransport()

	gw := subnet.New(tr, obs.Logger,
		subnet.WithMaxHops(cfg.MaxForwardHops),
		subnet.WithPersistence(subnet.NewRedisSubnets(rdb)),
		subnet.WithTraceManager(traceManager),
	)

	hub := realtime.NewHub(obs.Logger,
		realtime.WithBufferSize(cfg.RealtimeBufferSize),
		realtime.WithIdleTimeout(cfg.KeepaliveTimeout),
		realtime.WithObservability(traceManager, metricsManager),
		realtime.WithDropCallback(func(n int) {
			metricsManager.AddRealtimeDropped(context.Background(), n)
		}),
	)
	healthServer.Handle("/ws", realtime.NewWebSocketHandler(hub, obs.Logger))

	rt := router.New(store, dir, gw, tr, hub, traceManager, metricsManager, obs.Logger, router.Config{
		MaxAttempts:    cfg.MaxDeliveryAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
		TaskTTL:        cfg.TaskTTL,
	})
	be := broadcast.New(rt, traceManager, metricsManager, obs.Logger, cfg.TaskTTL)

	return &GatewayServer{
		Config:         cfg,
		Observability:  obs,
		TraceManager:   traceManager,
		MetricsManager: metricsManager,
		HealthServer:   healthServer,
		Logger:         obs.Logger,
		Redis:          rdb,
		Store:          store,
		Directory:      dir,
		Gateway:        gw,
		Router:         rt,
		Broadcast:      be,
		Hub:            hub,
	}, nil
}

// Start restores persisted state and runs the background loops until the
// context is canceled.
func (s *GatewayServer) Start(ctx context.Context) error {
	if err := s.Gateway.Restore(ctx); err != nil {
		return err
	}

	go func() {
		s.Logger.InfoContext(ctx, "starting gateway listener",
			slog.String("addr", s.Config.GetListenAddress()),
		)
		if err := s.HealthServer.Start(ctx); err != nil {
			s.Logger.ErrorContext(ctx, "listener failed", slog.Any("error", err))
		}
	}()

	go s.Hub.Run(ctx)
	go s.runSweeper(ctx)
	go s.collectSystemMetrics(ctx)

	s.Logger.InfoContext(ctx, "gateway started",
		slog.String("service", s.Config.ServiceName),
		slog.String("version", s.Config.ServiceVersion),
	)

	<-ctx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown stops the listener and flushes telemetry.
func (s *GatewayServer) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.HealthServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.ErrorContext(ctx, "listener shutdown failed", slog.Any("error", err))
	}
	if err := s.Redis.Close(); err != nil {
		s.Logger.ErrorContext(ctx, "redis close failed", slog.Any("error", err))
	}
	return s.Observability.Shutdown(shutdownCtx)
}

// runSweeper periodically removes expired tasks and their index entries.
func (s *GatewayServer) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Store.Sweep(ctx)
			if err != nil {
				s.Logger.WarnContext(ctx, "task sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.MetricsManager.AddTasksSwept(ctx, n)
				s.Logger.InfoContext(ctx, "swept expired tasks", slog.Int("count", n))
			}
		}
	}
}

func (s *GatewayServer) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MetricsManager.UpdateSystemMetrics(ctx)
		}
	}
}

// StartGateway loads configuration, builds the server and runs it.
func StartGateway(ctx context.Context) error {
	cfg := config.Load()
	server, err := NewGatewayServer(cfg)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
