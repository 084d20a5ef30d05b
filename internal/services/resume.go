package services

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/observability"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
)

type ResumeState string

const (
	ResumeIdle     ResumeState = "idle"
	ResumeResuming ResumeState = "resuming"
	ResumeLive     ResumeState = "live"
	ResumeSettled  ResumeState = "settled"
)

// ResumeUpdate is emitted for every event a consumer receives, and once when
// it settles on persisted state instead of a stream.
type ResumeUpdate struct {
	State    ResumeState
	StreamID uuid.UUID
	Event    *chat.StreamEvent
	// Message is the in-progress assistant message, or the persisted message
	// when Fallback is set.
	Message  *types.ChatMessage
	Fallback bool
}

type ResumeController interface {
	// Attach follows the chat's latest stream until it settles, calling emit in
	// sequence order. Relay and ledger failures settle on the last persisted
	// message and are not returned.
	Attach(ctx context.Context, chatID uuid.UUID, emit func(ResumeUpdate) error) error
}

type resumeController struct {
	log       *logger.Logger
	ledger    StreamLedger
	relay     *relay.Relay
	persister TurnPersister
}

func NewResumeController(log *logger.Logger, ledger StreamLedger, rl *relay.Relay, persister TurnPersister) ResumeController {
	return &resumeController{
		log:       log.With("service", "ResumeController"),
		ledger:    ledger,
		relay:     rl,
		persister: persister,
	}
}

func (c *resumeController) Attach(ctx context.Context, chatID uuid.UUID, emit func(ResumeUpdate) error) error {
	ctx, span := observability.Tracer().Start(ctx, "stream.resume")
	defer span.End()
	span.SetAttributes(attribute.String("chat_id", chatID.String()))

	stream, err := c.ledger.GetLastStream(ctx, chatID)
	if err != nil {
		c.log.Warn("Ledger lookup failed; settling on persisted state", "chat_id", chatID, "error", err)
		return c.settle(ctx, chatID, emit)
	}
	if stream == nil || stream.State == types.StreamStateAbandoned {
		return c.settle(ctx, chatID, emit)
	}
	span.SetAttributes(attribute.String("stream_id", stream.ID.String()))

	sub, err := c.relay.Subscribe(ctx, stream.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, relay.ErrStreamNotFound) {
			c.log.Warn("Subscribe failed; settling on persisted state", "stream_id", stream.ID, "error", err)
		}
		return c.settle(ctx, chatID, emit)
	}
	defer sub.Close()

	acc := chat.NewAccumulator()
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("Stream lost mid-resume; settling on persisted state", "stream_id", stream.ID, "error", err)
			return c.settle(ctx, chatID, emit)
		}
		if err := acc.Apply(ev); err != nil {
			c.log.Warn("Skipping malformed event", "stream_id", stream.ID, "sequence", ev.Sequence, "error", err)
			continue
		}

		state := ResumeLive
		if ev.Sequence <= sub.Head() {
			state = ResumeResuming
		}
		if acc.Terminal {
			state = ResumeSettled
		}
		streamID := stream.ID
		msg, err := acc.Message(chatID, &streamID)
		if err != nil {
			return err
		}
		evCopy := ev
		if err := emit(ResumeUpdate{State: state, StreamID: stream.ID, Event: &evCopy, Message: msg}); err != nil {
			return err
		}
		if acc.Terminal {
			return nil
		}
	}
}

func (c *resumeController) settle(ctx context.Context, chatID uuid.UUID, emit func(ResumeUpdate) error) error {
	msg, err := c.persister.GetLastMessage(ctx, chatID)
	if err != nil {
		c.log.Warn("Load last message failed", "chat_id", chatID, "error", err)
		msg = nil
	}
	return emit(ResumeUpdate{State: ResumeSettled, Message: msg, Fallback: true})
}

// MergeMessage places msg into a chat view, replacing the entry with the same
// id so a resumed in-progress message never shows up twice.
func MergeMessage(view []*types.ChatMessage, msg *types.ChatMessage) []*types.ChatMessage {
	if msg == nil {
		return view
	}
	for i, existing := range view {
		if existing.ID != msg.ID {
			continue
		}
		merged := *msg
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = existing.CreatedAt
		}
		view[i] = &merged
		return view
	}
	return append(view, msg)
}
