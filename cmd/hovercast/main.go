// Command hovercast launches the stream-event integration core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
	_ "go.uber.org/automaxprocs"

	"github.com/hovercast/hovercast/internal/activitylog"
	"github.com/hovercast/hovercast/internal/adapters/obs"
	"github.com/hovercast/hovercast/internal/adapters/twitch"
	"github.com/hovercast/hovercast/internal/correlation"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/infra/config"
	"github.com/hovercast/hovercast/internal/infra/persistence"
	"github.com/hovercast/hovercast/internal/infra/persistence/migrations"
	"github.com/hovercast/hovercast/internal/infra/persistence/postgres"
	httpserver "github.com/hovercast/hovercast/internal/infra/server/http"
	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/observability"
	"github.com/hovercast/hovercast/internal/tokenstore"
)

const (
	loggerPrefix             = "hovercast "
	migrationsPath           = "db/migrations"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	databaseConnectTimeout   = 10 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, obs_sessions=%d",
		appCfg.Environment, len(appCfg.OBS.Sessions))

	observability.SetLogger(observability.NewZerologLogger(os.Stdout, observability.ZerologConfig{
		Level:   appCfg.LogLevel,
		Pretty:  appCfg.LogFormat == "pretty",
		Service: "hovercast",
	}))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var lifecycle conc.WaitGroup

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkers.Count(),
	})

	store, err := tokenstore.New(appCfg.TokenStore.Path)
	if err != nil {
		logger.Fatalf("initialise token store: %v", err)
	}
	tokenManager, err := twitch.NewTokenManager(twitch.TokenConfig{
		ClientID:     appCfg.Twitch.ClientID,
		ClientSecret: appCfg.Twitch.ClientSecret,
		HTTPTimeout:  appCfg.HTTPTimeout(),
	}, store)
	if err != nil {
		logger.Fatalf("initialise token manager: %v", err)
	}

	writer, dbPool, err := initActivityLog(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise activity log: %v", err)
	}
	if writer != nil {
		lifecycle.Go(func() { _ = writer.Run(ctx) })
	}

	twitchService := twitch.NewService(twitch.ServiceConfig{
		Helix: twitch.HelixConfig{
			ClientID:    appCfg.Twitch.ClientID,
			HTTPTimeout: appCfg.HTTPTimeout(),
		},
		BroadcasterUserID: appCfg.Twitch.BroadcasterUserID,
	}, bus, tokenManager, writer)
	lifecycle.Go(func() {
		if err := twitchService.Run(ctx); err != nil {
			logger.Printf("twitch integration stopped: %v", err)
		}
	})

	supervisor := obs.NewSessionsSupervisor(bus)
	for _, session := range appCfg.OBS.Sessions {
		sessionCfg := obs.SessionConfig{
			ID:       session.ID,
			Host:     session.Host,
			Port:     session.Port,
			Password: session.Password,
		}
		if session.StatsIntervalMS > 0 {
			sessionCfg.StatsInterval = time.Duration(session.StatsIntervalMS) * time.Millisecond
		}
		if session.RequestTimeoutMS > 0 {
			sessionCfg.RequestTimeout = time.Duration(session.RequestTimeoutMS) * time.Millisecond
		}
		if session.HeartbeatIntervalMS > 0 {
			sessionCfg.HeartbeatInterval = time.Duration(session.HeartbeatIntervalMS) * time.Millisecond
		}
		if err := supervisor.StartSession(ctx, sessionCfg); err != nil {
			logger.Fatalf("start obs session %s: %v", session.ID, err)
		}
		logger.Printf("obs session started: id=%s endpoint=%s:%d", session.ID, sessionCfg.Host, sessionCfg.Port)
	}

	engine := correlation.NewEngine(correlationConfig(appCfg.Correlation), bus)
	if err := engine.Start(ctx); err != nil {
		logger.Fatalf("start correlation engine: %v", err)
	}

	statusServer := buildStatusServer(appCfg, supervisor, twitchService, engine, writer)
	lifecycle.Go(func() {
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("status server: %v", err)
		}
	})
	logger.Printf("status server listening on %s", statusServer.Addr)

	logger.Print("hovercast started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     statusServer,
		mainCancel: cancel,
		supervisor: supervisor,
		engine:     engine,
		lifecycle:  &lifecycle,
		bus:        bus,
		dbClose:    dbPool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", config.DefaultPath, "Path to application configuration file")
	flag.Parse()
	return *cfgPath
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = appCfg.Telemetry.Enabled
	telemetryCfg.Environment = appCfg.Environment
	if appCfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	telemetryCfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	if appCfg.Telemetry.MetricIntervalMS > 0 {
		telemetryCfg.MetricInterval = time.Duration(appCfg.Telemetry.MetricIntervalMS) * time.Millisecond
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type closerFunc func()

func initActivityLog(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*activitylog.Writer, closerFunc, error) {
	if !appCfg.ActivityLog.Enabled {
		logger.Print("activity log disabled")
		return nil, nil, nil
	}
	dsn := appCfg.Secrets.DatabaseURL

	if appCfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, dsn, migrationsPath, logger); err != nil {
			return nil, nil, err
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()
	pool, err := persistence.NewPool(connectCtx, dsn, persistence.PoolConfig{
		MaxConns:          appCfg.Database.MaxConns,
		MinConns:          appCfg.Database.MinConns,
		MaxConnLifetime:   appCfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   appCfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: appCfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	postgres.ObservePoolMetrics(pool, "activity")

	writer := activitylog.NewWriter(postgres.NewActivityStore(pool), appCfg.ActivityLog.QueueSize)
	logger.Print("activity log enabled: sink=postgres")
	return writer, pool.Close, nil
}

func correlationConfig(cfg config.CorrelationConfig) correlation.EngineConfig {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return correlation.EngineConfig{
		TranscriptionWindow: ms(cfg.TranscriptionWindowMS),
		TranscriptionLimit:  cfg.TranscriptionLimit,
		ChatWindow:          ms(cfg.ChatWindowMS),
		ChatLimit:           cfg.ChatLimit,
		MatchSlack:          ms(cfg.MatchSlackMS),
		MinConfidence:       cfg.MinConfidence,
		EstimateInterval:    ms(cfg.EstimateIntervalMS),
		PruneInterval:       ms(cfg.PruneIntervalMS),
	}
}

func buildStatusServer(appCfg config.AppConfig, supervisor *obs.SessionsSupervisor, twitchService *twitch.Service, engine *correlation.Engine, writer *activitylog.Writer) *http.Server {
	deps := httpserver.Deps{
		OBS:         supervisor.Status,
		Twitch:      twitchService.Status,
		Correlation: engine.Status,
		Token: func() httpserver.TokenHealth {
			snap := twitchService.Token().Snapshot()
			health := httpserver.TokenHealth{
				UserID: snap.UserID,
				Login:  snap.Login,
				Scopes: snap.Scopes,
			}
			if !snap.ExpiresAt.IsZero() {
				expires := snap.ExpiresAt
				health.ExpiresAt = &expires
			}
			return health
		},
	}
	if writer != nil {
		deps.ActivityDepth = writer.Depth
	}
	return httpserver.NewServer(appCfg.Server.Addr, httpserver.NewHandler(deps))
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	supervisor *obs.SessionsSupervisor
	engine     *correlation.Engine
	lifecycle  *conc.WaitGroup
	bus        eventbus.Bus
	dbClose    closerFunc
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping status server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.supervisor != nil {
		shutdownStep("stopping obs sessions", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.supervisor.Close()
			return nil
		})
	}
	if cfg.engine != nil {
		shutdownStep("stopping correlation engine", busShutdownTimeout, func(context.Context) error {
			cfg.engine.Close()
			return nil
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.dbClose != nil {
		shutdownStep("closing database pool", busShutdownTimeout, func(context.Context) error {
			cfg.dbClose()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
