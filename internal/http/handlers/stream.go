package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-stream/internal/domain"
	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/http/response"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/services"
)

const defaultHeartbeat = 15 * time.Second

type StreamHandler struct {
	log       *logger.Logger
	resume    services.ResumeController
	heartbeat time.Duration
}

func NewStreamHandler(log *logger.Logger, resume services.ResumeController, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StreamHandler{
		log:       log.With("handler", "StreamHandler"),
		resume:    resume,
		heartbeat: heartbeat,
	}
}

type streamFrame struct {
	State    services.ResumeState `json:"state"`
	StreamID *uuid.UUID           `json:"stream_id,omitempty"`
	Event    *chat.StreamEvent    `json:"event,omitempty"`
	Message  *types.ChatMessage   `json:"message"`
}

// GET /api/chats/:id/stream
//
// Replays the chat's latest stream from sequence 0, then follows it live.
// A Last-Event-ID header skips frames the client already rendered; terminal
// frames are always sent.
func (h *StreamHandler) Stream(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", errStreamingUnsupported)
		return
	}
	lastSeen := lastEventID(c)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	updates := make(chan services.ResumeUpdate)
	attachErr := make(chan error, 1)
	go func() {
		defer close(updates)
		attachErr <- h.resume.Attach(ctx, chatID, func(u services.ResumeUpdate) error {
			select {
			case updates <- u:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case u, open := <-updates:
			if !open {
				if err := <-attachErr; err != nil && ctx.Err() == nil {
					h.log.Warn("Stream attach ended with error", "chat_id", chatID, "error", err)
				}
				return
			}
			if skipFrame(u, lastSeen) {
				continue
			}
			if err := writeFrame(w, u); err != nil {
				h.log.Debug("Client write failed", "chat_id", chatID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func skipFrame(u services.ResumeUpdate, lastSeen int64) bool {
	if u.Event == nil || u.Event.Kind.Terminal() {
		return false
	}
	return u.Event.Sequence <= lastSeen
}

func writeFrame(w http.ResponseWriter, u services.ResumeUpdate) error {
	frame := streamFrame{State: u.State, Event: u.Event, Message: u.Message}
	if u.StreamID != uuid.Nil {
		id := u.StreamID
		frame.StreamID = &id
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	var b strings.Builder
	if u.Event != nil {
		fmt.Fprintf(&b, "id: %d\n", u.Event.Sequence)
		fmt.Fprintf(&b, "event: %s\n", u.Event.Kind)
	} else {
		b.WriteString("event: settled\n")
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	_, err = io.WriteString(w, b.String())
	return err
}

func lastEventID(c *gin.Context) int64 {
	raw := strings.TrimSpace(c.GetHeader("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("last_event_id"))
	}
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
