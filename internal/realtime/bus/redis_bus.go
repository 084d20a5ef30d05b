package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-stream/internal/platform/envutil"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

type RedisBusConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func RedisBusConfigFromEnv() RedisBusConfig {
	return RedisBusConfig{
		Addr:     envutil.String("REDIS_ADDR", ""),
		Password: envutil.String("REDIS_PASSWORD", ""),
		DB:       envutil.Int("REDIS_DB", 0),
		Channel:  envutil.String("REDIS_CONTROL_CHANNEL", "stream:control"),
	}
}

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	origin  string
}

func NewRedisBus(ctx context.Context, log *logger.Logger, cfg RedisBusConfig) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(cfg.Channel)
	if ch == "" {
		ch = "stream:control"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	origin := uuid.NewString()
	return &redisBus{
		log:     log.With("service", "RedisControlBus", "origin", origin),
		rdb:     rdb,
		channel: ch,
		origin:  origin,
	}, nil
}

func (b *redisBus) PublishStop(ctx context.Context, chatID uuid.UUID) error {
	raw, err := json.Marshal(StopSignal{ChatID: chatID, Origin: b.origin})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onStop func(sig StopSignal)) error {
	if onStop == nil {
		return fmt.Errorf("onStop callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var sig StopSignal
				if err := json.Unmarshal([]byte(m.Payload), &sig); err != nil {
					b.log.Warn("Bad control payload", "error", err)
					continue
				}
				if sig.Origin == b.origin || sig.ChatID == uuid.Nil {
					continue
				}
				onStop(sig)
			}
		}
	}()

	return nil
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}
