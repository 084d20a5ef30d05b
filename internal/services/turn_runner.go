package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/observability"
	"github.com/yungbote/neurobridge-stream/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-stream/internal/platform/llm"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
)

var ErrRunnerClosed = errors.New("turn runner is shutting down")

type TurnRunnerConfig struct {
	PartialSaveInterval time.Duration
	PartialSaveBytes    int
	FinalSaveAttempts   int
	StopTimeout         time.Duration
	HistoryLimit        int
}

func (c TurnRunnerConfig) withDefaults() TurnRunnerConfig {
	if c.PartialSaveInterval <= 0 {
		c.PartialSaveInterval = 750 * time.Millisecond
	}
	if c.PartialSaveBytes <= 0 {
		c.PartialSaveBytes = 256
	}
	if c.FinalSaveAttempts <= 0 {
		c.FinalSaveAttempts = 3
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

// TurnHandle tracks one running assistant turn.
type TurnHandle struct {
	ChatID    uuid.UUID
	StreamID  uuid.UUID
	MessageID uuid.UUID

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	err      error
}

func newTurnHandle(chatID, streamID, messageID uuid.UUID) *TurnHandle {
	return &TurnHandle{
		ChatID:    chatID,
		StreamID:  streamID,
		MessageID: messageID,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *TurnHandle) requestStop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Done is closed once the terminal event is published and the final save ran.
func (h *TurnHandle) Done() <-chan struct{} { return h.done }

// Err reports the producer failure or final save failure that ended the turn.
// Only meaningful after Done.
func (h *TurnHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *TurnHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TurnRunner is the producer adapter: it drives a Producer for each turn and
// republishes its output as stream events, then settles ledger and message.
type TurnRunner interface {
	StartTurn(ctx context.Context, chatID uuid.UUID) (*TurnHandle, error)
	// Stop ends the chat's active turn and waits for it to settle. It reports
	// false when no turn was running.
	Stop(ctx context.Context, chatID uuid.UUID) (bool, error)
	StopAll(ctx context.Context)
	Active(chatID uuid.UUID) *TurnHandle
}

type turnRunner struct {
	log       *logger.Logger
	ledger    StreamLedger
	relay     *relay.Relay
	persister TurnPersister
	producer  llm.Producer
	cfg       TurnRunnerConfig

	mu     sync.Mutex
	active map[uuid.UUID]*TurnHandle
	closed bool
	wg     sync.WaitGroup

	// halt is cancelled when StopAll gives up waiting, cutting short the
	// writes of turns that are still settling.
	halt       context.Context
	haltCancel context.CancelFunc
}

func NewTurnRunner(
	log *logger.Logger,
	ledger StreamLedger,
	rl *relay.Relay,
	persister TurnPersister,
	producer llm.Producer,
	cfg TurnRunnerConfig,
) TurnRunner {
	halt, haltCancel := context.WithCancel(context.Background())
	return &turnRunner{
		log:        log.With("service", "TurnRunner", "producer", producer.Name()),
		ledger:     ledger,
		relay:      rl,
		persister:  persister,
		producer:   producer,
		cfg:        cfg.withDefaults(),
		active:     map[uuid.UUID]*TurnHandle{},
		halt:       halt,
		haltCancel: haltCancel,
	}
}

func (r *turnRunner) Active(chatID uuid.UUID) *TurnHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[chatID]
}

func (r *turnRunner) StartTurn(ctx context.Context, chatID uuid.UUID) (*TurnHandle, error) {
	if prev := r.Active(chatID); prev != nil {
		r.log.Info("Superseding active turn", "chat_id", chatID, "stream_id", prev.StreamID)
		if err := r.stopAndWait(ctx, prev); err != nil {
			return nil, fmt.Errorf("stop previous turn: %w", err)
		}
	}

	history, err := r.history(ctx, chatID)
	if err != nil {
		return nil, err
	}
	stream, err := r.ledger.CreateStream(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := r.relay.Open(ctx, stream.ID); err != nil {
		r.markTerminal(ctx, stream.ID, types.StreamStateErrored)
		return nil, err
	}
	tok, err := r.persister.Claim(chatID, uuid.New(), stream.ID)
	if err != nil {
		r.markTerminal(ctx, stream.ID, types.StreamStateErrored)
		return nil, err
	}
	h := newTurnHandle(chatID, stream.ID, tok.MessageID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.persister.Release(tok)
		r.markTerminal(ctx, stream.ID, types.StreamStateAbandoned)
		return nil, ErrRunnerClosed
	}
	if racing := r.active[chatID]; racing != nil {
		racing.requestStop()
	}
	r.active[chatID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	// Reserve the assistant row now so it sorts before any user message sent
	// while this turn is still running.
	if _, err := r.persister.UpsertTurn(ctx, tok, chat.RoleAssistant, nil, chat.MessageMetadata{}); err != nil {
		r.log.Warn("Reserve assistant message failed", "chat_id", chatID, "message_id", tok.MessageID, "error", err)
	}

	// The turn outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go r.run(runCtx, cancel, h, tok, history)

	fields := []interface{}{"chat_id", chatID, "stream_id", stream.ID, "message_id", tok.MessageID}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		fields = append(fields, "request_id", td.RequestID, "trace_id", td.TraceID)
	}
	r.log.Info("Turn started", fields...)
	return h, nil
}

func (r *turnRunner) Stop(ctx context.Context, chatID uuid.UUID) (bool, error) {
	h := r.Active(chatID)
	if h == nil {
		return false, nil
	}
	return true, r.stopAndWait(ctx, h)
}

func (r *turnRunner) StopAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	handles := make([]*TurnHandle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if err := r.stopAndWait(ctx, h); err != nil {
			r.log.Warn("Turn did not settle on shutdown", "chat_id", h.ChatID, "stream_id", h.StreamID, "error", err)
		}
	}
	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		r.log.Warn("Shutdown deadline reached with turns still settling", "error", ctx.Err())
		r.haltCancel()
	}
}

func (r *turnRunner) stopAndWait(ctx context.Context, h *TurnHandle) error {
	h.requestStop()
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()
	select {
	case <-h.done:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("turn %s: %w", h.StreamID, waitCtx.Err())
	}
}

func (r *turnRunner) history(ctx context.Context, chatID uuid.UUID) ([]llm.Message, error) {
	rows, err := r.persister.LoadMessages(ctx, chatID, 1, r.cfg.HistoryLimit, true)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]llm.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		parts, err := rows[i].DecodeParts()
		if err != nil {
			r.log.Warn("Skipping undecodable message in history", "message_id", rows[i].ID, "error", err)
			continue
		}
		text := chat.PlainText(parts)
		if text == "" {
			continue
		}
		out = append(out, llm.Message{Role: rows[i].Role, Content: text})
	}
	return out, nil
}

func (r *turnRunner) markTerminal(ctx context.Context, streamID uuid.UUID, state types.StreamState) {
	if _, err := r.ledger.MarkTerminal(ctx, streamID, state); err != nil {
		r.log.Error("Mark stream terminal failed", "stream_id", streamID, "state", state, "error", err)
	}
}

// turn is the per-run state owned by the run goroutine.
type turn struct {
	h         *TurnHandle
	tok       TurnToken
	acc       *chat.Accumulator
	announced bool
	lastSave  time.Time
	savedSize int
	log       *logger.Logger
}

func (r *turnRunner) run(runCtx context.Context, cancel context.CancelFunc, h *TurnHandle, tok TurnToken, history []llm.Message) {
	// Relay and database writes must still happen after the producer is
	// cancelled. Only a shutdown that ran out of time interrupts them.
	opCtx, opCancel := context.WithCancel(context.WithoutCancel(runCtx))
	unlinkHalt := context.AfterFunc(r.halt, opCancel)
	opCtx, span := observability.Tracer().Start(opCtx, "turn.run", trace.WithAttributes(
		attribute.String("chat_id", h.ChatID.String()),
		attribute.String("stream_id", h.StreamID.String()),
		attribute.String("message_id", h.MessageID.String()),
	))

	t := &turn{
		h:        h,
		tok:      tok,
		acc:      chat.NewAccumulator(),
		lastSave: time.Now(),
		log:      r.log.With("chat_id", h.ChatID, "stream_id", h.StreamID),
	}
	t.acc.MessageID = h.MessageID

	defer func() {
		cancel()
		unlinkHalt()
		opCancel()
		r.persister.Release(tok)
		if h.err != nil {
			span.RecordError(h.err)
			span.SetStatus(codes.Error, h.err.Error())
		}
		span.End()
		r.mu.Lock()
		if r.active[h.ChatID] == h {
			delete(r.active, h.ChatID)
		}
		r.mu.Unlock()
		close(h.done)
		r.wg.Done()
	}()

	events, err := r.producer.Stream(runCtx, llm.Request{Messages: history})
	if err != nil {
		r.fail(opCtx, t, llm.AsProducerError(err))
		return
	}

	for {
		select {
		case <-h.stopCh:
			r.stop(opCtx, cancel, t)
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-h.stopCh:
					r.stop(opCtx, cancel, t)
				default:
					r.fail(opCtx, t, llm.NewProducerError(llm.ErrorUpstream, errors.New("producer ended without finish")))
				}
				return
			}
			switch ev.Type {
			case llm.EventStart:
				if err := r.announce(opCtx, t, ev.Model); err != nil {
					r.abort(opCtx, cancel, t, err)
					return
				}
			case llm.EventDelta:
				if err := r.announce(opCtx, t, ""); err != nil {
					r.abort(opCtx, cancel, t, err)
					return
				}
				part := ev.Delta
				if part.Type == "" {
					part.Type = chat.PartTypeText
				}
				if err := r.publish(opCtx, t, chat.EventChunk, part); err != nil {
					r.abort(opCtx, cancel, t, err)
					return
				}
				r.maybeSave(opCtx, t)
			case llm.EventFinish:
				r.complete(opCtx, t, ev)
				return
			case llm.EventError:
				r.fail(opCtx, t, llm.AsProducerError(ev.Err))
				return
			}
		}
	}
}

// announce publishes the opening step-meta that names the message id.
func (r *turnRunner) announce(ctx context.Context, t *turn, model string) error {
	if t.announced {
		return nil
	}
	t.announced = true
	id := t.h.MessageID
	return r.publish(ctx, t, chat.EventStepMeta, chat.StepMeta{MessageID: &id, Model: model})
}

func (r *turnRunner) publish(ctx context.Context, t *turn, kind chat.EventKind, payload any) error {
	ev, err := r.relay.Publish(ctx, t.h.StreamID, kind, payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return t.acc.Apply(ev)
}

func (r *turnRunner) maybeSave(ctx context.Context, t *turn) {
	if time.Since(t.lastSave) < r.cfg.PartialSaveInterval && t.acc.Size()-t.savedSize < r.cfg.PartialSaveBytes {
		return
	}
	if _, err := r.persister.UpsertTurn(ctx, t.tok, chat.RoleAssistant, t.acc.Parts, t.acc.Meta); err != nil {
		// Retried implicitly by the next save.
		t.log.Warn("Partial save failed", "error", err)
		return
	}
	t.lastSave = time.Now()
	t.savedSize = t.acc.Size()
}

func (r *turnRunner) finalSave(ctx context.Context, t *turn) error {
	var err error
	for attempt := 1; attempt <= r.cfg.FinalSaveAttempts; attempt++ {
		if _, err = r.persister.UpsertTurn(ctx, t.tok, chat.RoleAssistant, t.acc.Parts, t.acc.Meta); err == nil {
			return nil
		}
		t.log.Warn("Final save failed", "attempt", attempt, "error", err)
		if attempt == r.cfg.FinalSaveAttempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			t.log.Error("Final save abandoned", "message_id", t.h.MessageID, "attempt", attempt, "error", err)
			return fmt.Errorf("final save: %w", errors.Join(err, ctx.Err()))
		}
	}
	t.log.Error("Final save gave up; turn content not durable", "message_id", t.h.MessageID, "error", err)
	return fmt.Errorf("final save: %w", err)
}

func (r *turnRunner) complete(ctx context.Context, t *turn, ev llm.Event) {
	if err := r.announce(ctx, t, ""); err != nil {
		t.log.Warn("Announce failed", "error", err)
	}
	if err := r.publish(ctx, t, chat.EventStepMeta, chat.StepMeta{DurationMs: ev.DurationMs, TotalTokens: ev.TotalTokens}); err != nil {
		t.log.Warn("Publish usage failed", "error", err)
		t.acc.Meta.DurationMs = ev.DurationMs
		t.acc.Meta.TotalTokens = ev.TotalTokens
	}
	if err := r.publish(ctx, t, chat.EventDone, nil); err != nil {
		t.log.Error("Publish done failed", "error", err)
	}
	r.markTerminal(ctx, t.h.StreamID, types.StreamStateCompleted)
	t.h.err = r.finalSave(ctx, t)
	t.log.Info("Turn completed", "total_tokens", t.acc.Meta.TotalTokens, "duration_ms", t.acc.Meta.DurationMs)
}

func (r *turnRunner) fail(ctx context.Context, t *turn, perr *llm.ProducerError) {
	if err := r.announce(ctx, t, ""); err != nil {
		t.log.Warn("Announce failed", "error", err)
	}
	payload := chat.ErrorPayload{Kind: string(perr.Kind), Message: string(perr.Kind)}
	if perr.Err != nil {
		payload.Message = perr.Err.Error()
	}
	if err := r.publish(ctx, t, chat.EventError, payload); err != nil {
		t.log.Error("Publish error event failed", "error", err)
		t.acc.Meta.Error = &payload
	}
	r.markTerminal(ctx, t.h.StreamID, types.StreamStateErrored)
	if err := r.finalSave(ctx, t); err != nil {
		t.h.err = err
	} else {
		t.h.err = perr
	}
	t.log.Warn("Turn errored", "kind", perr.Kind, "error", perr.Err)
}

// stop publishes the stopped done event before cancelling the producer so
// subscribers settle without waiting on the upstream.
func (r *turnRunner) stop(ctx context.Context, cancel context.CancelFunc, t *turn) {
	if err := r.announce(ctx, t, ""); err != nil {
		t.log.Warn("Announce failed", "error", err)
	}
	state := types.StreamStateCompleted
	if err := r.publish(ctx, t, chat.EventDone, chat.DonePayload{Stopped: true}); err != nil {
		t.log.Error("Publish stop failed", "error", err)
		t.acc.Meta.Stopped = true
		state = settledState(err, state)
	}
	cancel()
	r.markTerminal(ctx, t.h.StreamID, state)
	t.h.err = r.finalSave(ctx, t)
	t.log.Info("Turn stopped", "saved_bytes", t.acc.Size())
}

// abort handles a relay failure mid-turn, typically an evicted backlog.
func (r *turnRunner) abort(ctx context.Context, cancel context.CancelFunc, t *turn, cause error) {
	cancel()
	t.log.Error("Turn aborted", "error", cause)
	r.markTerminal(ctx, t.h.StreamID, settledState(cause, types.StreamStateErrored))
	if err := r.finalSave(ctx, t); err != nil {
		t.h.err = err
		return
	}
	t.h.err = cause
}

// settledState returns ABANDONED when the backlog is gone, since no
// subscriber can replay the turn any more.
func settledState(err error, state types.StreamState) types.StreamState {
	if errors.Is(err, relay.ErrStreamNotFound) {
		return types.StreamStateAbandoned
	}
	return state
}
