package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const PartTypeText = "text"

// Part is one content segment of a message. Text parts carry Text; any other
// type is a structured segment carried opaquely in Data.
type Part struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AppendPart accumulates p onto parts in emission order. Consecutive text
// deltas collapse into one text part.
func AppendPart(parts []Part, p Part) []Part {
	if p.Type == "" {
		p.Type = PartTypeText
	}
	if p.Type == PartTypeText {
		if p.Text == "" {
			return parts
		}
		if n := len(parts); n > 0 && parts[n-1].Type == PartTypeText {
			parts[n-1].Text += p.Text
			return parts
		}
	}
	return append(parts, p)
}

// PlainText concatenates the text parts.
func PlainText(parts []Part) string {
	var out string
	for _, p := range parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

type MessageMetadata struct {
	Model       string        `json:"model,omitempty"`
	DurationMs  int64         `json:"durationMs,omitempty"`
	TotalTokens int           `json:"totalTokens,omitempty"`
	Stopped     bool          `json:"stopped,omitempty"`
	Error       *ErrorPayload `json:"error,omitempty"`
}

type ChatMessage struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID   uuid.UUID  `gorm:"type:uuid;not null;index:idx_chat_message_chat_created,priority:1" json:"chat_id"`
	UserID   *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`
	StreamID *uuid.UUID `gorm:"type:uuid;index" json:"stream_id,omitempty"`

	Role     string         `gorm:"type:text;not null" json:"role"`
	Parts    datatypes.JSON `gorm:"not null" json:"parts"`
	Metadata datatypes.JSON `gorm:"not null" json:"metadata"`

	CreatedAt time.Time `gorm:"not null;index:idx_chat_message_chat_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ChatMessage) TableName() string { return "chat_message" }

func (m *ChatMessage) DecodeParts() ([]Part, error) {
	if m == nil || len(m.Parts) == 0 {
		return nil, nil
	}
	var parts []Part
	if err := json.Unmarshal(m.Parts, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func (m *ChatMessage) DecodeMetadata() (MessageMetadata, error) {
	var meta MessageMetadata
	if m == nil || len(m.Metadata) == 0 {
		return meta, nil
	}
	err := json.Unmarshal(m.Metadata, &meta)
	return meta, err
}
