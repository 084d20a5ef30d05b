// Package llm holds the Producer contract and the language-model backends
// that satisfy it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
)

type EventType string

const (
	EventStart  EventType = "start"
	EventDelta  EventType = "delta"
	EventFinish EventType = "finish"
	EventError  EventType = "error"
)

// Event is one item of a Producer's output. A well-formed stream is an
// optional start, any number of deltas, then exactly one finish or error.
type Event struct {
	Type EventType

	// start
	Model string
	// delta
	Delta chat.Part
	// finish
	TotalTokens int
	DurationMs  int64
	// error
	Err error
}

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Messages []Message
	Model    string
}

// Producer invokes a language model. The returned channel is closed after the
// terminal event or once ctx is cancelled.
type Producer interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

type ErrorKind string

const (
	ErrorUpstream  ErrorKind = "upstream"
	ErrorRateLimit ErrorKind = "rate_limit"
	ErrorNetwork   ErrorKind = "network"
	ErrorCanceled  ErrorKind = "canceled"
)

type ProducerError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProducerError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProducerError) Unwrap() error { return e.Err }

func NewProducerError(kind ErrorKind, err error) *ProducerError {
	return &ProducerError{Kind: kind, Err: err}
}

// AsProducerError classifies err, keeping an existing ProducerError as is.
func AsProducerError(err error) *ProducerError {
	if err == nil {
		return nil
	}
	var pe *ProducerError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return NewProducerError(ErrorCanceled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return NewProducerError(ErrorNetwork, err)
	}
	return NewProducerError(ErrorUpstream, err)
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
