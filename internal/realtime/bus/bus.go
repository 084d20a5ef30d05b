// Package bus carries turn control signals between service instances. The
// event log is shared through Redis, but each turn runs on exactly one
// instance, so a stop request that lands elsewhere is forwarded here.
package bus

import (
	"context"

	"github.com/google/uuid"
)

type StopSignal struct {
	ChatID uuid.UUID `json:"chat_id"`
	// Origin is the publishing instance; forwarders skip their own signals.
	Origin string `json:"origin"`
}

type Bus interface {
	PublishStop(ctx context.Context, chatID uuid.UUID) error
	StartForwarder(ctx context.Context, onStop func(sig StopSignal)) error
	Close() error
}
