package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-stream/internal/data/repos"
	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrWriteConflict   = errors.New("message already owned by another turn")
	ErrNotTurnOwner    = errors.New("caller does not own this turn")
)

// TurnToken is the single-writer grant for one message. Only the holder may
// upsert the message until the token is released.
type TurnToken struct {
	MessageID uuid.UUID
	ChatID    uuid.UUID
	StreamID  uuid.UUID
	nonce     uuid.UUID
}

type AttachmentInput struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type TurnPersister interface {
	Claim(chatID, messageID, streamID uuid.UUID) (TurnToken, error)
	Release(tok TurnToken)
	// UpsertTurn creates the message or replaces its parts and metadata in place.
	UpsertTurn(ctx context.Context, tok TurnToken, role string, parts []chat.Part, meta chat.MessageMetadata) (*types.ChatMessage, error)
	// SaveUserMessage stores a user turn. Attachment failures are logged and do
	// not undo the message.
	SaveUserMessage(ctx context.Context, chatID uuid.UUID, userID *uuid.UUID, content string, attachments []AttachmentInput) (*types.ChatMessage, []*types.ChatAttachment, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*types.ChatMessage, error)
	GetLastMessage(ctx context.Context, chatID uuid.UUID) (*types.ChatMessage, error)
	// LoadMessages pages through a chat, page starting at 1.
	LoadMessages(ctx context.Context, chatID uuid.UUID, page, limit int, desc bool) ([]*types.ChatMessage, error)
}

type turnPersister struct {
	log         *logger.Logger
	messages    repos.ChatMessageRepo
	attachments repos.ChatAttachmentRepo

	mu     sync.Mutex
	owners map[uuid.UUID]uuid.UUID
}

func NewTurnPersister(log *logger.Logger, messages repos.ChatMessageRepo, attachments repos.ChatAttachmentRepo) TurnPersister {
	return &turnPersister{
		log:         log.With("service", "TurnPersister"),
		messages:    messages,
		attachments: attachments,
		owners:      map[uuid.UUID]uuid.UUID{},
	}
}

func (p *turnPersister) Claim(chatID, messageID, streamID uuid.UUID) (TurnToken, error) {
	if chatID == uuid.Nil || messageID == uuid.Nil {
		return TurnToken{}, fmt.Errorf("claim: missing chat or message id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, taken := p.owners[messageID]; taken {
		return TurnToken{}, ErrWriteConflict
	}
	tok := TurnToken{MessageID: messageID, ChatID: chatID, StreamID: streamID, nonce: uuid.New()}
	p.owners[messageID] = tok.nonce
	return tok, nil
}

func (p *turnPersister) Release(tok TurnToken) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owners[tok.MessageID] == tok.nonce {
		delete(p.owners, tok.MessageID)
	}
}

func (p *turnPersister) owns(tok TurnToken) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	nonce, ok := p.owners[tok.MessageID]
	return ok && nonce == tok.nonce
}

func (p *turnPersister) UpsertTurn(ctx context.Context, tok TurnToken, role string, parts []chat.Part, meta chat.MessageMetadata) (*types.ChatMessage, error) {
	return p.write(ctx, tok, role, nil, parts, meta)
}

func (p *turnPersister) write(ctx context.Context, tok TurnToken, role string, userID *uuid.UUID, parts []chat.Part, meta chat.MessageMetadata) (*types.ChatMessage, error) {
	if !p.owns(tok) {
		return nil, ErrNotTurnOwner
	}
	if parts == nil {
		parts = []chat.Part{}
	}
	rawParts, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	row := &types.ChatMessage{
		ID:       tok.MessageID,
		ChatID:   tok.ChatID,
		UserID:   userID,
		Role:     role,
		Parts:    rawParts,
		Metadata: rawMeta,
	}
	if tok.StreamID != uuid.Nil {
		sid := tok.StreamID
		row.StreamID = &sid
	}
	out, err := p.messages.Upsert(dbctx.Context{Ctx: ctx}, row)
	if err != nil {
		return nil, fmt.Errorf("upsert message %s: %w", tok.MessageID, err)
	}
	return out, nil
}

func (p *turnPersister) SaveUserMessage(ctx context.Context, chatID uuid.UUID, userID *uuid.UUID, content string, attachments []AttachmentInput) (*types.ChatMessage, []*types.ChatAttachment, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return nil, nil, fmt.Errorf("empty user message")
	}
	tok, err := p.Claim(chatID, uuid.New(), uuid.Nil)
	if err != nil {
		return nil, nil, err
	}
	defer p.Release(tok)

	parts := chat.AppendPart(nil, chat.Part{Type: chat.PartTypeText, Text: content})
	msg, err := p.write(ctx, tok, chat.RoleUser, userID, parts, chat.MessageMetadata{})
	if err != nil {
		return nil, nil, err
	}
	if len(attachments) == 0 {
		return msg, nil, nil
	}

	rows := make([]*types.ChatAttachment, 0, len(attachments))
	for _, a := range attachments {
		rows = append(rows, &types.ChatAttachment{
			MessageID:   msg.ID,
			ChatID:      chatID,
			Name:        a.Name,
			URL:         a.URL,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
		})
	}
	saved, err := p.attachments.Create(dbctx.Context{Ctx: ctx}, rows)
	if err != nil {
		p.log.Warn("Attachment save failed; keeping message", "chat_id", chatID, "message_id", msg.ID, "error", err)
		return msg, nil, nil
	}
	return msg, saved, nil
}

func (p *turnPersister) GetMessage(ctx context.Context, id uuid.UUID) (*types.ChatMessage, error) {
	row, err := p.messages.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrMessageNotFound
	}
	return row, nil
}

func (p *turnPersister) GetLastMessage(ctx context.Context, chatID uuid.UUID) (*types.ChatMessage, error) {
	return p.messages.GetLatestByChat(dbctx.Context{Ctx: ctx}, chatID)
}

func (p *turnPersister) LoadMessages(ctx context.Context, chatID uuid.UUID, page, limit int, desc bool) ([]*types.ChatMessage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	return p.messages.ListByChat(dbctx.Context{Ctx: ctx}, chatID, (page-1)*limit, limit, desc)
}
