package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
)

func TestGetLastStreamFollowsCreationOrder(t *testing.T) {
	f := newFixture(t, relay.Config{})
	ctx := context.Background()
	chatID := uuid.New()

	last, err := f.ledger.GetLastStream(ctx, chatID)
	if err != nil || last != nil {
		t.Fatalf("GetLastStream(empty): stream=%v err=%v", last, err)
	}

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		s, err := f.ledger.CreateStream(ctx, chatID)
		if err != nil {
			t.Fatalf("CreateStream #%d: %v", i, err)
		}
		ids = append(ids, s.ID)
		// Terminal state does not affect which stream is current.
		if i%2 == 0 {
			if _, err := f.ledger.MarkTerminal(ctx, s.ID, types.StreamStateCompleted); err != nil {
				t.Fatalf("MarkTerminal: %v", err)
			}
		}
		last, err := f.ledger.GetLastStream(ctx, chatID)
		if err != nil {
			t.Fatalf("GetLastStream: %v", err)
		}
		if last.ID != ids[i] {
			t.Fatalf("GetLastStream after #%d: want=%s got=%s", i, ids[i], last.ID)
		}
	}
}

func TestMarkTerminal(t *testing.T) {
	f := newFixture(t, relay.Config{})
	ctx := context.Background()
	s, err := f.ledger.CreateStream(ctx, uuid.New())
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	cases := []struct {
		name        string
		id          uuid.UUID
		state       types.StreamState
		wantChanged bool
		wantErr     error
	}{
		{name: "not_terminal_target", id: s.ID, state: types.StreamStateStreaming, wantErr: ErrInvalidTransition},
		{name: "first_transition", id: s.ID, state: types.StreamStateErrored, wantChanged: true},
		{name: "already_terminal_is_noop", id: s.ID, state: types.StreamStateCompleted},
		{name: "unknown_stream", id: uuid.New(), state: types.StreamStateAbandoned, wantErr: ErrStreamNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			changed, err := f.ledger.MarkTerminal(ctx, tc.id, tc.state)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err: want=%v got=%v", tc.wantErr, err)
				}
				return
			}
			if err != nil || changed != tc.wantChanged {
				t.Fatalf("MarkTerminal: changed=%v err=%v", changed, err)
			}
		})
	}

	got, err := f.ledger.GetStream(ctx, s.ID)
	if err != nil || got.State != types.StreamStateErrored {
		t.Fatalf("state: want=errored got=%v err=%v", got, err)
	}
}

func TestLedgerUnavailable(t *testing.T) {
	f := newFixture(t, relay.Config{})
	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	_ = sqlDB.Close()
	if _, err := f.ledger.CreateStream(context.Background(), uuid.New()); !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("CreateStream on closed db: want ErrLedgerUnavailable got %v", err)
	}
}
