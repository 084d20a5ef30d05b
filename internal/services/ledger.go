package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-stream/internal/data/repos"
	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

var (
	ErrLedgerUnavailable = errors.New("stream ledger unavailable")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrInvalidTransition = errors.New("invalid stream state transition")
)

// StreamLedger issues one stream per assistant turn and records its outcome.
type StreamLedger interface {
	CreateStream(ctx context.Context, chatID uuid.UUID) (*types.ChatStream, error)
	// GetLastStream returns the most recently created stream of the chat in any
	// state, or nil when the chat has none.
	GetLastStream(ctx context.Context, chatID uuid.UUID) (*types.ChatStream, error)
	GetStream(ctx context.Context, streamID uuid.UUID) (*types.ChatStream, error)
	// MarkTerminal moves STREAMING to a terminal state. It reports false, with
	// no error, when the stream was already terminal.
	MarkTerminal(ctx context.Context, streamID uuid.UUID, state types.StreamState) (bool, error)
	ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*types.ChatStream, error)
}

type streamLedger struct {
	log  *logger.Logger
	repo repos.ChatStreamRepo
}

func NewStreamLedger(log *logger.Logger, repo repos.ChatStreamRepo) StreamLedger {
	return &streamLedger{log: log.With("service", "StreamLedger"), repo: repo}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrLedgerUnavailable, err)
}

func (l *streamLedger) CreateStream(ctx context.Context, chatID uuid.UUID) (*types.ChatStream, error) {
	row, err := l.repo.Create(dbctx.Context{Ctx: ctx}, chatID)
	if err != nil {
		l.log.Error("Create stream failed", "chat_id", chatID, "error", err)
		return nil, unavailable("create stream", err)
	}
	l.log.Debug("Stream created", "chat_id", chatID, "stream_id", row.ID, "serial", row.Serial)
	return row, nil
}

func (l *streamLedger) GetLastStream(ctx context.Context, chatID uuid.UUID) (*types.ChatStream, error) {
	row, err := l.repo.GetLatestByChat(dbctx.Context{Ctx: ctx}, chatID)
	if err != nil {
		return nil, unavailable("get last stream", err)
	}
	return row, nil
}

func (l *streamLedger) GetStream(ctx context.Context, streamID uuid.UUID) (*types.ChatStream, error) {
	row, err := l.repo.GetByID(dbctx.Context{Ctx: ctx}, streamID)
	if err != nil {
		return nil, unavailable("get stream", err)
	}
	if row == nil {
		return nil, ErrStreamNotFound
	}
	return row, nil
}

func (l *streamLedger) MarkTerminal(ctx context.Context, streamID uuid.UUID, state types.StreamState) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("%w: to %q", ErrInvalidTransition, state)
	}
	dbc := dbctx.Context{Ctx: ctx}
	changed, err := l.repo.MarkTerminal(dbc, streamID, state, time.Now())
	if err != nil {
		return false, unavailable("mark terminal", err)
	}
	if changed {
		l.log.Debug("Stream terminal", "stream_id", streamID, "state", state)
		return true, nil
	}
	row, err := l.repo.GetByID(dbc, streamID)
	if err != nil {
		return false, unavailable("mark terminal", err)
	}
	if row == nil {
		return false, ErrStreamNotFound
	}
	return false, nil
}

func (l *streamLedger) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*types.ChatStream, error) {
	rows, err := l.repo.ListStreamingCreatedBefore(dbctx.Context{Ctx: ctx}, createdBefore, limit)
	if err != nil {
		return nil, unavailable("list stale streams", err)
	}
	return rows, nil
}
