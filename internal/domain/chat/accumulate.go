package chat

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Accumulator folds a stream's events, in sequence order, into the assistant
// message they describe. Producing and resuming both use it, so a resumed
// view and the persisted row are built by the same rules.
type Accumulator struct {
	MessageID uuid.UUID
	Parts     []Part
	Meta      MessageMetadata
	Terminal  bool
	// Last is the sequence of the last applied event, -1 before any.
	Last int64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{Last: -1}
}

// Apply folds ev. Events at or below Last are ignored so a replay that
// overlaps what was already seen cannot duplicate content.
func (a *Accumulator) Apply(ev StreamEvent) error {
	if ev.Sequence <= a.Last {
		return nil
	}
	if a.Terminal {
		return fmt.Errorf("event %d after terminal event", ev.Sequence)
	}
	a.Last = ev.Sequence
	switch ev.Kind {
	case EventChunk:
		p, err := ev.Chunk()
		if err != nil {
			return err
		}
		a.Parts = AppendPart(a.Parts, p)
	case EventStepMeta:
		m, err := ev.StepMeta()
		if err != nil {
			return err
		}
		if m.MessageID != nil && a.MessageID == uuid.Nil {
			a.MessageID = *m.MessageID
		}
		if m.Model != "" {
			a.Meta.Model = m.Model
		}
		if m.DurationMs > 0 {
			a.Meta.DurationMs = m.DurationMs
		}
		if m.TotalTokens > 0 {
			a.Meta.TotalTokens = m.TotalTokens
		}
	case EventError:
		p, err := ev.Error()
		if err != nil {
			return err
		}
		a.Meta.Error = &p
		a.Terminal = true
	case EventDone:
		if ev.Done().Stopped {
			a.Meta.Stopped = true
		}
		a.Terminal = true
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

// Message renders the accumulated state as an assistant message row.
func (a *Accumulator) Message(chatID uuid.UUID, streamID *uuid.UUID) (*ChatMessage, error) {
	parts := a.Parts
	if parts == nil {
		parts = []Part{}
	}
	rawParts, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	rawMeta, err := json.Marshal(a.Meta)
	if err != nil {
		return nil, err
	}
	return &ChatMessage{
		ID:       a.MessageID,
		ChatID:   chatID,
		StreamID: streamID,
		Role:     RoleAssistant,
		Parts:    rawParts,
		Metadata: rawMeta,
	}, nil
}

// Size is the byte length of accumulated text, used to throttle saves.
func (a *Accumulator) Size() int {
	n := 0
	for _, p := range a.Parts {
		n += len(p.Text) + len(p.Data)
	}
	return n
}
