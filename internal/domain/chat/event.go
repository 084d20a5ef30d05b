package chat

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventChunk    EventKind = "chunk"
	EventStepMeta EventKind = "step-meta"
	EventError    EventKind = "error"
	EventDone     EventKind = "done"
)

func (k EventKind) Terminal() bool { return k == EventDone || k == EventError }

func (k EventKind) Valid() bool {
	switch k {
	case EventChunk, EventStepMeta, EventError, EventDone:
		return true
	default:
		return false
	}
}

// StreamEvent is the relay wire envelope. Sequence starts at 0 and is
// assigned when the event is appended to the stream's log.
type StreamEvent struct {
	StreamID uuid.UUID       `json:"streamId"`
	Sequence int64           `json:"sequence"`
	Kind     EventKind       `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// StepMeta mirrors the recognized metadata fields. MessageID is set on the
// first step-meta of a turn so consumers can key the in-progress message.
type StepMeta struct {
	MessageID   *uuid.UUID `json:"messageId,omitempty"`
	Model       string     `json:"model,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	TotalTokens int        `json:"totalTokens,omitempty"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type DonePayload struct {
	Stopped bool `json:"stopped,omitempty"`
}

func NewEvent(kind EventKind, payload any) (StreamEvent, error) {
	ev := StreamEvent{Kind: kind}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ev, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	ev.Payload = raw
	return ev, nil
}

func (e StreamEvent) Chunk() (Part, error) {
	var p Part
	if e.Kind != EventChunk {
		return p, fmt.Errorf("event %d is %s, not chunk", e.Sequence, e.Kind)
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e StreamEvent) StepMeta() (StepMeta, error) {
	var m StepMeta
	if e.Kind != EventStepMeta {
		return m, fmt.Errorf("event %d is %s, not step-meta", e.Sequence, e.Kind)
	}
	err := json.Unmarshal(e.Payload, &m)
	return m, err
}

func (e StreamEvent) Error() (ErrorPayload, error) {
	var p ErrorPayload
	if e.Kind != EventError {
		return p, fmt.Errorf("event %d is %s, not error", e.Sequence, e.Kind)
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e StreamEvent) Done() DonePayload {
	var p DonePayload
	if e.Kind == EventDone && len(e.Payload) > 0 {
		_ = json.Unmarshal(e.Payload, &p)
	}
	return p
}
