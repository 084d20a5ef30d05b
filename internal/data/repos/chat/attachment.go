package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

type ChatAttachmentRepo interface {
	Create(dbc dbctx.Context, rows []*types.ChatAttachment) ([]*types.ChatAttachment, error)
	ListByMessage(dbc dbctx.Context, messageID uuid.UUID) ([]*types.ChatAttachment, error)
}

type chatAttachmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatAttachmentRepo(db *gorm.DB, log *logger.Logger) ChatAttachmentRepo {
	return &chatAttachmentRepo{db: db, log: log.With("repo", "ChatAttachmentRepo")}
}

func (r *chatAttachmentRepo) Create(dbc dbctx.Context, rows []*types.ChatAttachment) ([]*types.ChatAttachment, error) {
	if len(rows) == 0 {
		return []*types.ChatAttachment{}, nil
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row == nil || row.MessageID == uuid.Nil || row.ChatID == uuid.Nil {
			return nil, fmt.Errorf("invalid chat attachment")
		}
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
	}
	if err := dbc.DB(r.db).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chatAttachmentRepo) ListByMessage(dbc dbctx.Context, messageID uuid.UUID) ([]*types.ChatAttachment, error) {
	if messageID == uuid.Nil {
		return nil, fmt.Errorf("missing message_id")
	}
	var out []*types.ChatAttachment
	if err := dbc.DB(r.db).
		Model(&types.ChatAttachment{}).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
