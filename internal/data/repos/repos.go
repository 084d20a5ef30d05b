package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-stream/internal/data/repos/chat"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

type ChatStreamRepo = chat.ChatStreamRepo
type ChatMessageRepo = chat.ChatMessageRepo
type ChatAttachmentRepo = chat.ChatAttachmentRepo

type Set struct {
	ChatStream     ChatStreamRepo
	ChatMessage    ChatMessageRepo
	ChatAttachment ChatAttachmentRepo
}

func New(db *gorm.DB, log *logger.Logger) Set {
	return Set{
		ChatStream:     chat.NewChatStreamRepo(db, log),
		ChatMessage:    chat.NewChatMessageRepo(db, log),
		ChatAttachment: chat.NewChatAttachmentRepo(db, log),
	}
}
