package chat

import (
	"time"

	"github.com/google/uuid"
)

type StreamState string

const (
	StreamStateStreaming StreamState = "streaming"
	StreamStateCompleted StreamState = "completed"
	StreamStateErrored   StreamState = "errored"
	StreamStateAbandoned StreamState = "abandoned"
)

func (s StreamState) Terminal() bool {
	switch s {
	case StreamStateCompleted, StreamStateErrored, StreamStateAbandoned:
		return true
	default:
		return false
	}
}

func (s StreamState) Valid() bool {
	return s == StreamStateStreaming || s.Terminal()
}

// ChatStream is one assistant turn attempt. Serial is assigned per chat in
// creation order and is what "most recent" is ordered by.
type ChatStream struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID uuid.UUID `gorm:"type:uuid;not null;index:idx_chat_stream_chat_serial,unique,priority:1" json:"chat_id"`
	Serial int64     `gorm:"not null;index:idx_chat_stream_chat_serial,unique,priority:2" json:"serial"`

	State      StreamState `gorm:"type:text;not null;index" json:"state"`
	TerminalAt *time.Time  `json:"terminal_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ChatStream) TableName() string { return "chat_stream" }
