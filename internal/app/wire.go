package app

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-stream/internal/data/repos"
	nbhttp "github.com/yungbote/neurobridge-stream/internal/http"
	httpH "github.com/yungbote/neurobridge-stream/internal/http/handlers"
	httpMW "github.com/yungbote/neurobridge-stream/internal/http/middleware"
	"github.com/yungbote/neurobridge-stream/internal/platform/llm"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/realtime/bus"
	"github.com/yungbote/neurobridge-stream/internal/realtime/eventlog"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
	"github.com/yungbote/neurobridge-stream/internal/services"
)

type Services struct {
	Repos     repos.Set
	Relay     *relay.Relay
	Ledger    services.StreamLedger
	Persister services.TurnPersister
	Runner    services.TurnRunner
	Resume    services.ResumeController
	Auth      services.AuthService
	// Control is nil unless turns may run on several instances.
	Control bus.Bus
}

func wireStore(ctx context.Context, log *logger.Logger, cfg Config) (eventlog.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RelayBackend)) {
	case "", "memory":
		log.Info("Relay backend", "backend", "memory")
		return eventlog.NewMemoryStore(), nil
	case "redis":
		store, err := eventlog.NewRedisStore(ctx, log, eventlog.RedisConfigFromEnv())
		if err != nil {
			return nil, fmt.Errorf("init redis event log: %w", err)
		}
		log.Info("Relay backend", "backend", "redis")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown RELAY_BACKEND %q", cfg.RelayBackend)
	}
}

// wireControlBus connects the stop-forwarding bus when the event log is
// shared through Redis.
func wireControlBus(ctx context.Context, log *logger.Logger, cfg Config) (bus.Bus, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.RelayBackend), "redis") {
		return nil, nil
	}
	control, err := bus.NewRedisBus(ctx, log, bus.RedisBusConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("init control bus: %w", err)
	}
	return control, nil
}

func wireProducer(log *logger.Logger, cfg Config) (llm.Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LLMProvider)) {
	case "", "echo":
		return llm.NewEchoProducer(cfg.EchoDelay), nil
	case "openai":
		return llm.NewOpenAIProducer(log, llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.OpenAITimeout,
		})
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func wireServices(log *logger.Logger, cfg Config, db *gorm.DB, store eventlog.Store, control bus.Bus) (Services, error) {
	log.Info("Wiring services...")
	producer, err := wireProducer(log, cfg)
	if err != nil {
		return Services{}, err
	}
	reposet := repos.New(db, log)
	rl := relay.New(store, log, relay.Config{
		Retention:   cfg.StreamRetention,
		IdleTimeout: cfg.StreamIdleTimeout,
	})
	ledger := services.NewStreamLedger(log, reposet.ChatStream)
	persister := services.NewTurnPersister(log, reposet.ChatMessage, reposet.ChatAttachment)
	runner := services.NewTurnRunner(log, ledger, rl, persister, producer, services.TurnRunnerConfig{
		PartialSaveInterval: cfg.PartialSaveInterval,
		PartialSaveBytes:    cfg.PartialSaveBytes,
		StopTimeout:         cfg.StopTimeout,
		HistoryLimit:        cfg.HistoryLimit,
	})
	return Services{
		Repos:     reposet,
		Relay:     rl,
		Ledger:    ledger,
		Persister: persister,
		Runner:    runner,
		Resume:    services.NewResumeController(log, ledger, rl, persister),
		Auth:      services.NewAuthService(log, cfg.JWTSecretKey),
		Control:   control,
	}, nil
}

func wireRouter(log *logger.Logger, cfg Config, s Services) nbhttp.RouterConfig {
	serviceName := ""
	if cfg.OtelEnabled {
		serviceName = cfg.OtelServiceName
	}
	return nbhttp.RouterConfig{
		Log:            log,
		ServiceName:    serviceName,
		CORSOrigins:    cfg.CORSOrigins,
		AuthMiddleware: httpMW.NewAuthMiddleware(log, s.Auth),
		ChatHandler:    httpH.NewChatHandler(log, s.Persister, s.Runner, s.Ledger, s.Control),
		StreamHandler:  httpH.NewStreamHandler(log, s.Resume, cfg.SSEHeartbeat),
		HealthHandler:  httpH.NewHealthHandler(),
	}
}
