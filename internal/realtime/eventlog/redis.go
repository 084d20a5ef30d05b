package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-stream/internal/platform/envutil"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// BlockTimeout bounds a single XREAD BLOCK call made by Wait.
	BlockTimeout time.Duration
}

func RedisConfigFromEnv() RedisConfig {
	return RedisConfig{
		Addr:         envutil.String("REDIS_ADDR", ""),
		Password:     envutil.String("REDIS_PASSWORD", ""),
		DB:           envutil.Int("REDIS_DB", 0),
		KeyPrefix:    envutil.String("REDIS_KEY_PREFIX", "stream"),
		BlockTimeout: envutil.Duration("REDIS_BLOCK_TIMEOUT", 5*time.Second),
	}
}

// Each log is a hash holding last_seq/closed/last_append and a Redis stream
// holding the entries. Entry n is stored under stream id "n-1" because Redis
// rejects the id 0-0. The key is wrapped in a hash tag so both keys land on
// the same cluster slot.
var appendScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('EVENTLOG_NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'closed') == '1' then
  return redis.error_reply('EVENTLOG_CLOSED')
end
local seq = tonumber(redis.call('HGET', KEYS[1], 'last_seq')) + 1
redis.call('XADD', KEYS[2], tostring(seq) .. '-1', 'd', ARGV[1])
redis.call('HSET', KEYS[1], 'last_seq', seq, 'last_append', ARGV[4])
if ARGV[2] == '1' then
  redis.call('HSET', KEYS[1], 'closed', '1')
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return seq
`)

var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_seq', -1, 'closed', '0', 'last_append', ARGV[2])
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisStore keeps logs in Redis Streams. Blocking reads go through their own
// client so a waiting subscriber never holds a connection appends need.
type RedisStore struct {
	log   *logger.Logger
	rdb   *goredis.Client
	block *goredis.Client
	cfg   RedisConfig
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, log *logger.Logger, cfg RedisConfig) (*RedisStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "stream"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	opts := &goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	}
	rdb := goredis.NewClient(opts)
	blockOpts := *opts
	blockOpts.ReadTimeout = cfg.BlockTimeout + 5*time.Second
	block := goredis.NewClient(&blockOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		_ = block.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{
		log:   log.With("component", "RedisEventLog"),
		rdb:   rdb,
		block: block,
		cfg:   cfg,
	}, nil
}

func (s *RedisStore) metaKey(key string) string {
	return s.cfg.KeyPrefix + ":{" + key + "}:meta"
}

func (s *RedisStore) logKey(key string) string {
	return s.cfg.KeyPrefix + ":{" + key + "}:log"
}

func streamID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-1"
}

func parseStreamID(id string) (int64, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	return strconv.ParseInt(ms, 10, 64)
}

func mapScriptErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EVENTLOG_NOT_FOUND"):
		return ErrNotFound
	case strings.Contains(msg, "EVENTLOG_CLOSED"):
		return ErrClosed
	default:
		return err
	}
}

func (s *RedisStore) Create(ctx context.Context, key string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	err := createScript.Run(ctx, s.rdb, []string{s.metaKey(key)}, ttl.Milliseconds(), now).Err()
	if err != nil {
		return fmt.Errorf("create log %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, key string, data []byte, final bool, ttl time.Duration) (int64, error) {
	finalArg := "0"
	if final {
		finalArg = "1"
	}
	seq, err := appendScript.Run(ctx, s.rdb,
		[]string{s.metaKey(key), s.logKey(key)},
		data, finalArg, ttl.Milliseconds(), time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, mapScriptErr(err)
	}
	return seq, nil
}

func (s *RedisStore) Range(ctx context.Context, key string, from int64, limit int) ([]Entry, error) {
	if from < 0 {
		from = 0
	}
	var msgs []goredis.XMessage
	var err error
	if limit > 0 {
		msgs, err = s.rdb.XRangeN(ctx, s.logKey(key), streamID(from), "+", int64(limit)).Result()
	} else {
		msgs, err = s.rdb.XRange(ctx, s.logKey(key), streamID(from), "+").Result()
	}
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		n, err := s.rdb.Exists(ctx, s.metaKey(key)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, nil
	}
	return toEntries(msgs)
}

func toEntries(msgs []goredis.XMessage) ([]Entry, error) {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		seq, err := parseStreamID(m.ID)
		if err != nil {
			return nil, err
		}
		var data []byte
		switch v := m.Values["d"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		}
		out = append(out, Entry{Seq: seq, Data: data})
	}
	return out, nil
}

func (s *RedisStore) Wait(ctx context.Context, key string, after int64) error {
	info, err := s.Info(ctx, key)
	if err != nil {
		return err
	}
	if info.LastSeq > after || info.Closed {
		return nil
	}
	last := "0-0"
	if after >= 0 {
		last = streamID(after)
	}
	_, err = s.block.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{s.logKey(key), last},
		Count:   1,
		Block:   s.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		// Timed out. The caller re-checks, which also notices eviction.
		return nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *RedisStore) Info(ctx context.Context, key string) (Info, error) {
	vals, err := s.rdb.HGetAll(ctx, s.metaKey(key)).Result()
	if err != nil {
		return Info{}, err
	}
	if len(vals) == 0 {
		return Info{}, ErrNotFound
	}
	lastSeq, err := strconv.ParseInt(vals["last_seq"], 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("log %s: bad last_seq %q", key, vals["last_seq"])
	}
	info := Info{LastSeq: lastSeq, Closed: vals["closed"] == "1"}
	if ms, err := strconv.ParseInt(vals["last_append"], 10, 64); err == nil {
		info.LastAppend = time.UnixMilli(ms)
	}
	return info, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	meta, logKey := s.metaKey(key), s.logKey(key)
	if ttl <= 0 {
		return s.rdb.Del(ctx, meta, logKey).Err()
	}
	n, err := s.rdb.Exists(ctx, meta).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.PExpire(ctx, meta, ttl)
		p.PExpire(ctx, logKey, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Close() error {
	err := s.rdb.Close()
	if berr := s.block.Close(); err == nil {
		err = berr
	}
	return err
}
