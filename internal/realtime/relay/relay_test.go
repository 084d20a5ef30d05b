package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/realtime/eventlog"
)

func newTestRelay(t *testing.T) (*Relay, *eventlog.MemoryStore) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	return New(store, logger.Nop(), Config{Retention: time.Minute, IdleTimeout: time.Minute}), store
}

func openStream(t *testing.T, r *Relay) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := r.Open(context.Background(), id); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return id
}

func publishChunk(t *testing.T, r *Relay, id uuid.UUID, text string) chat.StreamEvent {
	t.Helper()
	ev, err := r.Publish(context.Background(), id, chat.EventChunk, chat.Part{Type: chat.PartTypeText, Text: text})
	if err != nil {
		t.Fatalf("Publish %q: %v", text, err)
	}
	return ev
}

func drain(ctx context.Context, sub *Subscription) ([]chat.StreamEvent, error) {
	var out []chat.StreamEvent
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func assertGapFree(t *testing.T, events []chat.StreamEvent) {
	t.Helper()
	for i, ev := range events {
		if ev.Sequence != int64(i) {
			t.Fatalf("event %d: want sequence=%d got=%d", i, i, ev.Sequence)
		}
	}
	if n := len(events); n == 0 || !events[n-1].Kind.Terminal() {
		t.Fatalf("stream did not end with a terminal event: %+v", events)
	}
}

func TestPublishAssignsSequence(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)
	for i := 0; i < 3; i++ {
		ev := publishChunk(t, r, id, "x")
		if ev.Sequence != int64(i) || ev.StreamID != id {
			t.Fatalf("Publish #%d: got %+v", i, ev)
		}
	}
	if _, err := r.Publish(context.Background(), id, chat.EventKind("bogus"), nil); err == nil {
		t.Fatalf("Publish with unknown kind should fail")
	}
}

func TestPublishAfterTerminalFails(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)
	publishChunk(t, r, id, "a")
	if _, err := r.Publish(context.Background(), id, chat.EventDone, nil); err != nil {
		t.Fatalf("Publish done: %v", err)
	}
	_, err := r.Publish(context.Background(), id, chat.EventChunk, chat.Part{Text: "late"})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Publish after done: want ErrStreamClosed got %v", err)
	}
	info, err := r.Info(context.Background(), id)
	if err != nil || !info.Terminated || info.LastSequence != 1 {
		t.Fatalf("Info: info=%+v err=%v", info, err)
	}
}

func TestSubscribeUnknownStream(t *testing.T) {
	r, _ := newTestRelay(t)
	if _, err := r.Subscribe(context.Background(), uuid.New()); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("Subscribe: want ErrStreamNotFound got %v", err)
	}
	if _, err := r.Publish(context.Background(), uuid.New(), chat.EventDone, nil); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("Publish: want ErrStreamNotFound got %v", err)
	}
}

func TestResumeTerminatedStreamReplaysImmediately(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)
	publishChunk(t, r, id, "Hel")
	publishChunk(t, r, id, "lo")
	if _, err := r.Publish(context.Background(), id, chat.EventError, chat.ErrorPayload{Kind: "upstream", Message: "boom"}); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub, err := r.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Head() != 2 {
		t.Fatalf("Head: want=2 got=%d", sub.Head())
	}
	events, err := drain(ctx, sub)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events: want=3 got=%d", len(events))
	}
	assertGapFree(t, events)
}

func TestLateSubscribersSeeIdenticalSequence(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const total = 200
	results := make([][]chat.StreamEvent, 3)
	attached := make([]chan struct{}, 3)
	for i := range attached {
		attached[i] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 3; i++ {
		i := i
		g.Go(func() error {
			// Subscriber i attaches after roughly i*total/3 events.
			select {
			case <-attached[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			sub, err := r.Subscribe(gctx, id)
			if err != nil {
				return fmt.Errorf("subscriber %d: %w", i, err)
			}
			events, err := drain(gctx, sub)
			results[i] = events
			return err
		})
	}
	g.Go(func() error {
		for n := 0; n < total; n++ {
			if n%(total/3) == 0 && n/(total/3) < 3 {
				close(attached[n/(total/3)])
			}
			if _, err := r.Publish(gctx, id, chat.EventChunk, chat.Part{Text: fmt.Sprintf("%d,", n)}); err != nil {
				return err
			}
			if n%17 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		_, err := r.Publish(gctx, id, chat.EventDone, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}

	for i, events := range results {
		if len(events) != total+1 {
			t.Fatalf("subscriber %d: want=%d events got=%d", i, total+1, len(events))
		}
		assertGapFree(t, events)
		for j := range events {
			if string(events[j].Payload) != string(results[0][j].Payload) {
				t.Fatalf("subscriber %d diverges at %d", i, j)
			}
		}
	}
}

func TestPublisherNeverWaitsOnSubscriber(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)
	// A subscriber that never reads.
	if _, err := r.Subscribe(context.Background(), id); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			if _, err := r.Publish(context.Background(), id, chat.EventChunk, chat.Part{Text: "x"}); err != nil {
				t.Errorf("Publish: %v", err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("publisher blocked behind an idle subscriber")
	}
}

func TestExpireEvictsBacklog(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)
	publishChunk(t, r, id, "a")
	if err := r.Expire(context.Background(), id, 0); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if _, err := r.Subscribe(context.Background(), id); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("Subscribe after Expire: want ErrStreamNotFound got %v", err)
	}
}

func TestEvictionMidSubscription(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)
	publishChunk(t, r, id, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := r.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = r.Expire(context.Background(), id, 0)
	}()
	if _, err := sub.Next(ctx); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("Next after eviction: want ErrStreamNotFound got %v", err)
	}
}

func TestLastReturnsNewestEvent(t *testing.T) {
	r, _ := newTestRelay(t)
	id := openStream(t, r)
	if _, ok, err := r.Last(context.Background(), id); ok || err != nil {
		t.Fatalf("Last(empty): ok=%v err=%v", ok, err)
	}
	publishChunk(t, r, id, "a")
	if _, err := r.Publish(context.Background(), id, chat.EventError, chat.ErrorPayload{Kind: "upstream"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ev, ok, err := r.Last(context.Background(), id)
	if err != nil || !ok || ev.Kind != chat.EventError || ev.Sequence != 1 {
		t.Fatalf("Last: ev=%+v ok=%v err=%v", ev, ok, err)
	}
}
