package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-stream/internal/data/repos"
	"github.com/yungbote/neurobridge-stream/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/platform/llm"
	"github.com/yungbote/neurobridge-stream/internal/realtime/eventlog"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
)

type fixture struct {
	db        *gorm.DB
	repos     repos.Set
	store     *eventlog.MemoryStore
	relay     *relay.Relay
	ledger    StreamLedger
	persister TurnPersister
	resume    ResumeController
}

func newFixture(t *testing.T, relayCfg relay.Config) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.New(db, log)
	store := eventlog.NewMemoryStore()
	rl := relay.New(store, log, relayCfg)
	ledger := NewStreamLedger(log, set.ChatStream)
	persister := NewTurnPersister(log, set.ChatMessage, set.ChatAttachment)
	return &fixture{
		db:        db,
		repos:     set,
		store:     store,
		relay:     rl,
		ledger:    ledger,
		persister: persister,
		resume:    NewResumeController(log, ledger, rl, persister),
	}
}

func (f *fixture) runner(t *testing.T, p llm.Producer, cfg TurnRunnerConfig) TurnRunner {
	t.Helper()
	r := NewTurnRunner(testutil.Logger(t), f.ledger, f.relay, f.persister, p, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.StopAll(ctx)
	})
	return r
}

func (f *fixture) assistantRows(t *testing.T, chatID uuid.UUID) []*types.ChatMessage {
	t.Helper()
	var rows []*types.ChatMessage
	if err := f.db.Where("chat_id = ? AND role = ?", chatID, chat.RoleAssistant).Find(&rows).Error; err != nil {
		t.Fatalf("load assistant rows: %v", err)
	}
	return rows
}

// manualProducer hands each opened stream to the test, which feeds it events.
type manualProducer struct {
	requests chan llm.Request
	outs     chan chan llm.Event
}

func newManualProducer() *manualProducer {
	return &manualProducer{
		requests: make(chan llm.Request, 8),
		outs:     make(chan chan llm.Event, 8),
	}
}

func (p *manualProducer) Name() string { return "manual" }

func (p *manualProducer) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	out := make(chan llm.Event, 64)
	p.requests <- req
	p.outs <- out
	return out, nil
}

func (p *manualProducer) next(t *testing.T) chan llm.Event {
	t.Helper()
	select {
	case out := <-p.outs:
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("producer was never invoked")
		return nil
	}
}

func delta(text string) llm.Event {
	return llm.Event{Type: llm.EventDelta, Delta: chat.Part{Type: chat.PartTypeText, Text: text}}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) waitForSequence(t *testing.T, streamID uuid.UUID, seq int64) {
	t.Helper()
	waitFor(t, "relay sequence", func() bool {
		info, err := f.relay.Info(context.Background(), streamID)
		return err == nil && info.LastSequence >= seq
	})
}

func collect(ctx context.Context, c ResumeController, chatID uuid.UUID) ([]ResumeUpdate, error) {
	var out []ResumeUpdate
	err := c.Attach(ctx, chatID, func(u ResumeUpdate) error {
		out = append(out, u)
		return nil
	})
	return out, err
}

func lastText(t *testing.T, msg *types.ChatMessage) string {
	t.Helper()
	if msg == nil {
		t.Fatalf("nil message")
	}
	parts, err := msg.DecodeParts()
	if err != nil {
		t.Fatalf("decode parts: %v", err)
	}
	return chat.PlainText(parts)
}
