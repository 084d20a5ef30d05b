package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-stream/internal/data/db"
	nbhttp "github.com/yungbote/neurobridge-stream/internal/http"
	"github.com/yungbote/neurobridge-stream/internal/jobs/janitor"
	"github.com/yungbote/neurobridge-stream/internal/observability"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/realtime/bus"
	"github.com/yungbote/neurobridge-stream/internal/realtime/eventlog"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *db.Service
	Store    eventlog.Store
	Services Services
	Janitor  *janitor.Janitor
	Server   *nbhttp.Server

	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: cfg.OtelServiceName,
		Environment: cfg.OtelEnvironment,
		Version:     cfg.Version,
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})

	database, err := db.Open(log, db.Config{
		Driver:     cfg.DBDriver,
		Host:       cfg.PostgresHost,
		Port:       cfg.PostgresPort,
		User:       cfg.PostgresUser,
		Password:   cfg.PostgresPassword,
		Name:       cfg.PostgresName,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := database.AutoMigrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	store, err := wireStore(ctx, log, cfg)
	if err != nil {
		_ = database.Close()
		log.Sync()
		return nil, err
	}

	control, err := wireControlBus(ctx, log, cfg)
	if err != nil {
		_ = store.Close()
		_ = database.Close()
		log.Sync()
		return nil, err
	}

	serviceset, err := wireServices(log, cfg, database.DB(), store, control)
	if err != nil {
		if control != nil {
			_ = control.Close()
		}
		_ = store.Close()
		_ = database.Close()
		log.Sync()
		return nil, err
	}

	var sweeper eventlog.Sweeper
	if s, ok := store.(eventlog.Sweeper); ok {
		sweeper = s
	}
	jan := janitor.New(log, serviceset.Ledger, serviceset.Relay, serviceset.Runner, sweeper, janitor.Config{
		Schedule:    cfg.JanitorSchedule,
		IdleTimeout: cfg.StreamIdleTimeout,
	})

	server := nbhttp.NewServer(":"+cfg.Port, wireRouter(log, cfg, serviceset))

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           database,
		Store:        store,
		Services:     serviceset,
		Janitor:      jan,
		Server:       server,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves until ctx is canceled, then stops active turns so their partial
// content is persisted before the server and janitor shut down.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.Janitor.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Services.Control != nil {
		err := a.Services.Control.StartForwarder(gctx, func(sig bus.StopSignal) {
			stopCtx, cancel := context.WithTimeout(gctx, a.Cfg.StopTimeout)
			defer cancel()
			if stopped, err := a.Services.Runner.Stop(stopCtx, sig.ChatID); err != nil {
				a.Log.Warn("Forwarded stop failed", "chat_id", sig.ChatID, "error", err)
			} else if stopped {
				a.Log.Info("Stopped turn on forwarded request", "chat_id", sig.ChatID, "origin", sig.Origin)
			}
		})
		if err != nil {
			a.Janitor.Stop()
			return err
		}
	}
	g.Go(func() error {
		a.Log.Info("HTTP server listening", "port", a.Cfg.Port)
		return a.Server.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		a.Services.Runner.StopAll(shutdownCtx)
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("HTTP shutdown failed", "error", err)
		}
		a.Janitor.Stop()
		return nil
	})
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("OTel shutdown failed", "error", err)
		}
	}
	if a.Services.Control != nil {
		_ = a.Services.Control.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
