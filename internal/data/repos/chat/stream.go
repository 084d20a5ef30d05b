package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

const maxSerialAttempts = 5

type ChatStreamRepo interface {
	// Create allocates the next per-chat serial and inserts a streaming row.
	Create(dbc dbctx.Context, chatID uuid.UUID) (*types.ChatStream, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatStream, error)
	GetLatestByChat(dbc dbctx.Context, chatID uuid.UUID) (*types.ChatStream, error)
	// MarkTerminal moves a streaming row to state. It reports false when the
	// row was already terminal.
	MarkTerminal(dbc dbctx.Context, id uuid.UUID, state types.StreamState, at time.Time) (bool, error)
	ListStreamingCreatedBefore(dbc dbctx.Context, before time.Time, limit int) ([]*types.ChatStream, error)
}

type chatStreamRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatStreamRepo(db *gorm.DB, log *logger.Logger) ChatStreamRepo {
	return &chatStreamRepo{db: db, log: log.With("repo", "ChatStreamRepo")}
}

func (r *chatStreamRepo) Create(dbc dbctx.Context, chatID uuid.UUID) (*types.ChatStream, error) {
	if chatID == uuid.Nil {
		return nil, fmt.Errorf("missing chat_id")
	}
	var lastErr error
	for attempt := 0; attempt < maxSerialAttempts; attempt++ {
		row := &types.ChatStream{
			ID:     uuid.New(),
			ChatID: chatID,
			State:  types.StreamStateStreaming,
		}
		err := dbc.DB(r.db).Transaction(func(tx *gorm.DB) error {
			var maxSerial int64
			if err := tx.Model(&types.ChatStream{}).
				Select("COALESCE(MAX(serial), 0)").
				Where("chat_id = ?", chatID).
				Scan(&maxSerial).Error; err != nil {
				return err
			}
			now := time.Now().UTC()
			row.Serial = maxSerial + 1
			row.CreatedAt = now
			row.UpdatedAt = now
			return tx.Create(row).Error
		})
		if err == nil {
			return row, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		// A concurrent turn for the same chat took this serial.
		lastErr = err
		r.log.Debug("Stream serial conflict, retrying", "chat_id", chatID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("allocate stream serial: %w", lastErr)
}

func (r *chatStreamRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatStream, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	var out types.ChatStream
	err := dbc.DB(r.db).Model(&types.ChatStream{}).Where("id = ?", id).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatStreamRepo) GetLatestByChat(dbc dbctx.Context, chatID uuid.UUID) (*types.ChatStream, error) {
	if chatID == uuid.Nil {
		return nil, fmt.Errorf("missing chat_id")
	}
	var out []*types.ChatStream
	if err := dbc.DB(r.db).
		Model(&types.ChatStream{}).
		Where("chat_id = ?", chatID).
		Order("serial DESC").
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *chatStreamRepo) MarkTerminal(dbc dbctx.Context, id uuid.UUID, state types.StreamState, at time.Time) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	if !state.Terminal() {
		return false, fmt.Errorf("state %q is not terminal", state)
	}
	at = at.UTC()
	res := dbc.DB(r.db).
		Model(&types.ChatStream{}).
		Where("id = ? AND state = ?", id, types.StreamStateStreaming).
		Updates(map[string]interface{}{
			"state":       state,
			"terminal_at": &at,
			"updated_at":  at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *chatStreamRepo) ListStreamingCreatedBefore(dbc dbctx.Context, before time.Time, limit int) ([]*types.ChatStream, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []*types.ChatStream
	if err := dbc.DB(r.db).
		Model(&types.ChatStream{}).
		Where("state = ? AND created_at < ?", types.StreamStateStreaming, before.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
