package relay

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
)

// Subscription is one reader's cursor over a stream. It is not safe for
// concurrent use; every subscriber gets its own.
type Subscription struct {
	relay    *Relay
	streamID uuid.UUID
	head     int64
	next     int64
	buf      []chat.StreamEvent
	done     bool
}

func (s *Subscription) StreamID() uuid.UUID { return s.streamID }

// Head is the last sequence that existed when the subscription was taken
// (-1 for an empty backlog). Events up to Head are replay, later ones live.
func (s *Subscription) Head() int64 { return s.head }

// Next returns the next event in sequence order, blocking for live events.
// It returns io.EOF after the terminal event has been delivered.
func (s *Subscription) Next(ctx context.Context) (chat.StreamEvent, error) {
	if s.done {
		return chat.StreamEvent{}, io.EOF
	}
	for len(s.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return chat.StreamEvent{}, err
		}
		entries, err := s.relay.store.Range(ctx, key(s.streamID), s.next, rangeBatch)
		if err != nil {
			return chat.StreamEvent{}, mapStoreErr(err)
		}
		for _, e := range entries {
			ev, err := s.relay.decode(s.streamID, e)
			if err != nil {
				return chat.StreamEvent{}, err
			}
			s.buf = append(s.buf, ev)
		}
		if len(s.buf) > 0 {
			break
		}
		if err := s.relay.store.Wait(ctx, key(s.streamID), s.next-1); err != nil {
			return chat.StreamEvent{}, mapStoreErr(err)
		}
	}
	ev := s.buf[0]
	s.buf = s.buf[1:]
	s.next = ev.Sequence + 1
	if ev.Kind.Terminal() {
		s.done = true
		s.buf = nil
	}
	return ev, nil
}

// Close releases the subscription. Subsequent Next calls return io.EOF.
func (s *Subscription) Close() {
	s.done = true
	s.buf = nil
}
