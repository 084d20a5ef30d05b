package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

type ChatMessageRepo interface {
	// Upsert inserts row, or replaces parts/metadata of the row with the same id.
	Upsert(dbc dbctx.Context, row *types.ChatMessage) (*types.ChatMessage, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error)
	GetLatestByChat(dbc dbctx.Context, chatID uuid.UUID) (*types.ChatMessage, error)
	ListByChat(dbc dbctx.Context, chatID uuid.UUID, offset int, limit int, desc bool) ([]*types.ChatMessage, error)
}

type chatMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo")}
}

func (r *chatMessageRepo) Upsert(dbc dbctx.Context, row *types.ChatMessage) (*types.ChatMessage, error) {
	if row == nil || row.ID == uuid.Nil || row.ChatID == uuid.Nil {
		return nil, fmt.Errorf("invalid chat message")
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if len(row.Parts) == 0 {
		row.Parts = []byte("[]")
	}
	if len(row.Metadata) == 0 {
		row.Metadata = []byte("{}")
	}
	if err := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"parts", "metadata", "updated_at"}),
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	// Re-read so callers see the original created_at on updates.
	out, err := r.GetByID(dbc, row.ID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("chat message %s vanished after upsert", row.ID)
	}
	return out, nil
}

func (r *chatMessageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	var out types.ChatMessage
	err := dbc.DB(r.db).Model(&types.ChatMessage{}).Where("id = ?", id).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatMessageRepo) GetLatestByChat(dbc dbctx.Context, chatID uuid.UUID) (*types.ChatMessage, error) {
	rows, err := r.ListByChat(dbc, chatID, 0, 1, true)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *chatMessageRepo) ListByChat(dbc dbctx.Context, chatID uuid.UUID, offset int, limit int, desc bool) ([]*types.ChatMessage, error) {
	if chatID == uuid.Nil {
		return nil, fmt.Errorf("missing chat_id")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	order := "created_at ASC, id ASC"
	if desc {
		order = "created_at DESC, id DESC"
	}
	var out []*types.ChatMessage
	if err := dbc.DB(r.db).
		Model(&types.ChatMessage{}).
		Where("chat_id = ?", chatID).
		Order(order).
		Offset(offset).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
