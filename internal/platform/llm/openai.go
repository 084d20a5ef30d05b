package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds connecting and waiting for response headers. A
	// streamed body may run longer; cancellation ends it.
	Timeout time.Duration
}

type OpenAIProducer struct {
	log    *logger.Logger
	client *openai.Client
	model  string
}

func NewOpenAIProducer(log *logger.Logger, cfg OpenAIConfig) (*OpenAIProducer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		config.HTTPClient = &http.Client{Transport: streamingTransport(cfg.Timeout)}
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProducer{
		log:    log.With("component", "OpenAIProducer"),
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

func streamingTransport(timeout time.Duration) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = timeout
	tr.ResponseHeaderTimeout = timeout
	return tr
}

func (p *OpenAIProducer) Name() string { return "openai" }

func (p *OpenAIProducer) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	started := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		if !send(ctx, out, Event{Type: EventStart, Model: model}) {
			return
		}
		totalTokens := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ctx, out, Event{
					Type:        EventFinish,
					TotalTokens: totalTokens,
					DurationMs:  time.Since(started).Milliseconds(),
				})
				return
			}
			if err != nil {
				p.log.Warn("OpenAI stream failed", "model", model, "error", err)
				send(ctx, out, Event{Type: EventError, Err: classifyOpenAIError(err)})
				return
			}
			if resp.Usage != nil {
				totalTokens = resp.Usage.TotalTokens
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(ctx, out, Event{
					Type:  EventDelta,
					Delta: chat.Part{Type: chat.PartTypeText, Text: choice.Delta.Content},
				}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func classifyOpenAIError(err error) *ProducerError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return NewProducerError(ErrorRateLimit, err)
		}
		return NewProducerError(ErrorUpstream, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return NewProducerError(ErrorRateLimit, err)
		}
		return NewProducerError(ErrorUpstream, err)
	}
	return AsProducerError(err)
}
