package chat

import (
	"time"

	"github.com/google/uuid"
)

type ChatAttachment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID uuid.UUID `gorm:"type:uuid;not null;index" json:"message_id"`
	ChatID    uuid.UUID `gorm:"type:uuid;not null;index" json:"chat_id"`

	Name        string `gorm:"type:text;not null" json:"name"`
	URL         string `gorm:"type:text;not null" json:"url"`
	ContentType string `gorm:"type:text;not null;default:''" json:"content_type"`
	SizeBytes   int64  `gorm:"not null;default:0" json:"size_bytes"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (ChatAttachment) TableName() string { return "chat_attachment" }
