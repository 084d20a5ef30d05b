// Package janitor periodically settles streams whose producer went away and
// reclaims expired backlogs.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/realtime/eventlog"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
	"github.com/yungbote/neurobridge-stream/internal/services"
)

type Config struct {
	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule    string
	IdleTimeout time.Duration
	BatchSize   int
}

type Report struct {
	Abandoned int
	Repaired  int
	Swept     int
}

type Janitor struct {
	log     *logger.Logger
	ledger  services.StreamLedger
	relay   *relay.Relay
	runner  services.TurnRunner
	sweeper eventlog.Sweeper
	cfg     Config
	now     func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a janitor. runner and sweeper may be nil.
func New(log *logger.Logger, ledger services.StreamLedger, rl *relay.Relay, runner services.TurnRunner, sweeper eventlog.Sweeper, cfg Config) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = relay.DefaultIdleTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		log:     log.With("job", "StreamJanitor"),
		ledger:  ledger,
		relay:   rl,
		runner:  runner,
		sweeper: sweeper,
		cfg:     cfg,
		now:     time.Now,
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		report, err := j.Sweep(j.ctx)
		if err != nil {
			j.log.Warn("Janitor sweep failed", "error", err)
			return
		}
		if report.Abandoned+report.Repaired+report.Swept > 0 {
			j.log.Info("Janitor sweep", "abandoned", report.Abandoned, "repaired", report.Repaired, "swept", report.Swept)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule janitor %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	j.log.Info("Janitor started", "schedule", j.cfg.Schedule, "idle_timeout", j.cfg.IdleTimeout)
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.cancel()
}

// Sweep settles every STREAMING stream older than the idle window whose
// backlog is gone or idle or already terminated. Hung local turns are marked
// ABANDONED first and then stopped.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := j.now()
	stale, err := j.ledger.ListStale(ctx, now.Add(-j.cfg.IdleTimeout), j.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	for _, s := range stale {
		state, err := j.classify(ctx, s, now)
		if err != nil {
			j.log.Warn("Janitor could not inspect stream", "stream_id", s.ID, "error", err)
			continue
		}
		if state == "" {
			continue
		}
		// A local turn that finished publishing settles its own ledger row.
		running := j.running(s)
		if running && state != types.StreamStateAbandoned {
			continue
		}
		changed, err := j.ledger.MarkTerminal(ctx, s.ID, state)
		if err != nil {
			j.log.Warn("Janitor mark terminal failed", "stream_id", s.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		if state == types.StreamStateAbandoned {
			report.Abandoned++
			if err := j.relay.Expire(ctx, s.ID, 0); err != nil && !errors.Is(err, relay.ErrStreamNotFound) {
				j.log.Warn("Janitor expire failed", "stream_id", s.ID, "error", err)
			}
			if running {
				// The producer hung; stopping it persists what it produced so far.
				if _, err := j.runner.Stop(ctx, s.ChatID); err != nil {
					j.log.Warn("Janitor could not stop hung turn", "stream_id", s.ID, "chat_id", s.ChatID, "error", err)
				}
			}
		} else {
			report.Repaired++
		}
		j.log.Debug("Stream settled by janitor", "stream_id", s.ID, "chat_id", s.ChatID, "state", state)
	}
	if j.sweeper != nil {
		report.Swept = j.sweeper.Sweep(now)
	}
	return report, nil
}

func (j *Janitor) running(s *types.ChatStream) bool {
	if j.runner == nil {
		return false
	}
	h := j.runner.Active(s.ChatID)
	return h != nil && h.StreamID == s.ID
}

// classify returns the terminal state a stale stream should move to, or ""
// when it is still alive.
func (j *Janitor) classify(ctx context.Context, s *types.ChatStream, now time.Time) (types.StreamState, error) {
	info, err := j.relay.Info(ctx, s.ID)
	if errors.Is(err, relay.ErrStreamNotFound) {
		return types.StreamStateAbandoned, nil
	}
	if err != nil {
		return "", err
	}
	if info.Terminated {
		// The producer published its terminal event but never updated the ledger.
		last, ok, err := j.relay.Last(ctx, s.ID)
		if err != nil {
			return "", err
		}
		if ok && last.Kind == chat.EventError {
			return types.StreamStateErrored, nil
		}
		return types.StreamStateCompleted, nil
	}
	if now.Sub(info.LastActivity) > j.cfg.IdleTimeout {
		return types.StreamStateAbandoned, nil
	}
	return "", nil
}
