// Package relay fans stream events out to any number of subscribers. Events
// are kept in an eventlog.Store so a subscriber that attaches late replays the
// backlog from sequence 0 before following live appends.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/realtime/eventlog"
)

var (
	ErrStreamNotFound = errors.New("relay: stream not found")
	ErrStreamClosed   = errors.New("relay: stream closed")
)

const (
	DefaultRetention   = 10 * time.Minute
	DefaultIdleTimeout = 5 * time.Minute
	rangeBatch         = 256
)

type Config struct {
	// Retention is how long a terminated stream's backlog stays replayable.
	Retention time.Duration
	// IdleTimeout evicts a stream that stops receiving events without terminating.
	IdleTimeout time.Duration
}

type Relay struct {
	store     eventlog.Store
	log       *logger.Logger
	retention time.Duration
	idle      time.Duration
}

type StreamInfo struct {
	LastSequence int64
	Terminated   bool
	LastActivity time.Time
}

// record is what the log stores; the sequence comes from the log position.
type record struct {
	Kind    chat.EventKind  `json:"k"`
	Payload json.RawMessage `json:"p,omitempty"`
}

func New(store eventlog.Store, log *logger.Logger, cfg Config) *Relay {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Relay{
		store:     store,
		log:       log.With("component", "StreamRelay"),
		retention: cfg.Retention,
		idle:      cfg.IdleTimeout,
	}
}

func key(streamID uuid.UUID) string { return streamID.String() }

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, eventlog.ErrNotFound):
		return ErrStreamNotFound
	case errors.Is(err, eventlog.ErrClosed):
		return ErrStreamClosed
	default:
		return err
	}
}

// Open makes streamID publishable and subscribable with an empty backlog.
func (r *Relay) Open(ctx context.Context, streamID uuid.UUID) error {
	if err := r.store.Create(ctx, key(streamID), r.idle); err != nil {
		return fmt.Errorf("open stream %s: %w", streamID, err)
	}
	return nil
}

// Publish appends an event under the next sequence. A done or error event
// terminates the stream and starts its retention window.
func (r *Relay) Publish(ctx context.Context, streamID uuid.UUID, kind chat.EventKind, payload any) (chat.StreamEvent, error) {
	if !kind.Valid() {
		return chat.StreamEvent{}, fmt.Errorf("unknown event kind %q", kind)
	}
	ev, err := chat.NewEvent(kind, payload)
	if err != nil {
		return chat.StreamEvent{}, err
	}
	raw, err := json.Marshal(record{Kind: ev.Kind, Payload: ev.Payload})
	if err != nil {
		return chat.StreamEvent{}, err
	}
	ttl := r.idle
	if kind.Terminal() {
		ttl = r.retention
	}
	seq, err := r.store.Append(ctx, key(streamID), raw, kind.Terminal(), ttl)
	if err != nil {
		return chat.StreamEvent{}, mapStoreErr(err)
	}
	ev.StreamID = streamID
	ev.Sequence = seq
	return ev, nil
}

func (r *Relay) Info(ctx context.Context, streamID uuid.UUID) (StreamInfo, error) {
	info, err := r.store.Info(ctx, key(streamID))
	if err != nil {
		return StreamInfo{}, mapStoreErr(err)
	}
	return StreamInfo{
		LastSequence: info.LastSeq,
		Terminated:   info.Closed,
		LastActivity: info.LastAppend,
	}, nil
}

// Last returns the most recent event; ok is false for an empty backlog.
func (r *Relay) Last(ctx context.Context, streamID uuid.UUID) (ev chat.StreamEvent, ok bool, err error) {
	info, err := r.store.Info(ctx, key(streamID))
	if err != nil {
		return chat.StreamEvent{}, false, mapStoreErr(err)
	}
	if info.LastSeq < 0 {
		return chat.StreamEvent{}, false, nil
	}
	entries, err := r.store.Range(ctx, key(streamID), info.LastSeq, 1)
	if err != nil {
		return chat.StreamEvent{}, false, mapStoreErr(err)
	}
	if len(entries) == 0 {
		return chat.StreamEvent{}, false, nil
	}
	ev, err = r.decode(streamID, entries[0])
	if err != nil {
		return chat.StreamEvent{}, false, err
	}
	return ev, true, nil
}

// Expire evicts the backlog after ttl, or now when ttl <= 0.
func (r *Relay) Expire(ctx context.Context, streamID uuid.UUID, ttl time.Duration) error {
	if err := r.store.Expire(ctx, key(streamID), ttl); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// Subscribe starts a replay from sequence 0. Unknown or evicted streams
// report ErrStreamNotFound.
func (r *Relay) Subscribe(ctx context.Context, streamID uuid.UUID) (*Subscription, error) {
	info, err := r.store.Info(ctx, key(streamID))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &Subscription{
		relay:    r,
		streamID: streamID,
		head:     info.LastSeq,
	}, nil
}

func (r *Relay) decode(streamID uuid.UUID, e eventlog.Entry) (chat.StreamEvent, error) {
	var rec record
	if err := json.Unmarshal(e.Data, &rec); err != nil {
		return chat.StreamEvent{}, fmt.Errorf("decode event %s/%d: %w", streamID, e.Seq, err)
	}
	return chat.StreamEvent{
		StreamID: streamID,
		Sequence: e.Seq,
		Kind:     rec.Kind,
		Payload:  rec.Payload,
	}, nil
}
