package llm

import (
	"context"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
)

// EchoProducer streams the last user message back one word at a time. It
// needs no credentials and is used for local runs and tests.
type EchoProducer struct {
	Delay time.Duration
}

func NewEchoProducer(delay time.Duration) *EchoProducer {
	return &EchoProducer{Delay: delay}
}

func (p *EchoProducer) Name() string { return "echo" }

func (p *EchoProducer) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	prompt := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == chat.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	words := strings.SplitAfter(prompt, " ")
	out := make(chan Event)
	go func() {
		defer close(out)
		started := time.Now()
		if !send(ctx, out, Event{Type: EventStart, Model: "echo"}) {
			return
		}
		tokens := 0
		for _, w := range words {
			if w == "" {
				continue
			}
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !send(ctx, out, Event{Type: EventDelta, Delta: chat.Part{Type: chat.PartTypeText, Text: w}}) {
				return
			}
			tokens++
		}
		send(ctx, out, Event{
			Type:        EventFinish,
			TotalTokens: tokens,
			DurationMs:  time.Since(started).Milliseconds(),
		})
	}()
	return out, nil
}
