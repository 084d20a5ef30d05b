package domain

import "github.com/yungbote/neurobridge-stream/internal/domain/chat"

type (
	ChatStream      = chat.ChatStream
	ChatMessage     = chat.ChatMessage
	ChatAttachment  = chat.ChatAttachment
	StreamState     = chat.StreamState
	StreamEvent     = chat.StreamEvent
	EventKind       = chat.EventKind
	Part            = chat.Part
	MessageMetadata = chat.MessageMetadata
)

const (
	StreamStateStreaming = chat.StreamStateStreaming
	StreamStateCompleted = chat.StreamStateCompleted
	StreamStateErrored   = chat.StreamStateErrored
	StreamStateAbandoned = chat.StreamStateAbandoned
)

// Models lists every table owned by this service, in migration order.
func Models() []any {
	return []any{
		&ChatStream{},
		&ChatMessage{},
		&ChatAttachment{},
	}
}
