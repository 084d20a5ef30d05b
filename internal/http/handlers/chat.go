package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-stream/internal/http/response"
	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/platform/requestdata"
	"github.com/yungbote/neurobridge-stream/internal/realtime/bus"
	"github.com/yungbote/neurobridge-stream/internal/services"
)

var errEmptyContent = errors.New("content is required")

type ChatHandler struct {
	log       *logger.Logger
	persister services.TurnPersister
	runner    services.TurnRunner
	ledger    services.StreamLedger
	control   bus.Bus
}

// NewChatHandler builds the turn endpoints. control may be nil when a single
// instance serves every turn.
func NewChatHandler(log *logger.Logger, persister services.TurnPersister, runner services.TurnRunner, ledger services.StreamLedger, control bus.Bus) *ChatHandler {
	return &ChatHandler{
		log:       log.With("handler", "ChatHandler"),
		persister: persister,
		runner:    runner,
		ledger:    ledger,
		control:   control,
	}
}

type sendTurnReq struct {
	Content     string                     `json:"content"`
	Attachments []services.AttachmentInput `json:"attachments"`
}

func chatIDParam(c *gin.Context) (uuid.UUID, bool) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_chat_id", err)
		return uuid.Nil, false
	}
	return chatID, true
}

// POST /api/chats/:id/turns
func (h *ChatHandler) SendTurn(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req sendTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errEmptyContent)
		return
	}

	var userID *uuid.UUID
	if rd := requestdata.GetRequestData(c.Request.Context()); rd != nil && rd.UserID != uuid.Nil {
		id := rd.UserID
		userID = &id
	}

	ctx := c.Request.Context()
	// Settle a running turn first so its reply lands before the new message.
	if _, err := h.runner.Stop(ctx, chatID); err != nil {
		h.log.Warn("Stop previous turn failed", "chat_id", chatID, "error", err)
		response.RespondAPIError(c, mapServiceError(err, "start_turn_failed"))
		return
	}
	msg, atts, err := h.persister.SaveUserMessage(ctx, chatID, userID, req.Content, req.Attachments)
	if err != nil {
		response.RespondAPIError(c, mapServiceError(err, "save_message_failed"))
		return
	}
	handle, err := h.runner.StartTurn(ctx, chatID)
	if err != nil {
		h.log.Warn("Start turn failed", "chat_id", chatID, "error", err)
		response.RespondAPIError(c, mapServiceError(err, "start_turn_failed"))
		return
	}
	response.RespondOK(c, gin.H{
		"stream_id":    handle.StreamID,
		"message_id":   handle.MessageID,
		"user_message": msg,
		"attachments":  atts,
	})
}

// POST /api/chats/:id/stop
func (h *ChatHandler) StopTurn(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	stopped, err := h.runner.Stop(c.Request.Context(), chatID)
	if err != nil {
		response.RespondAPIError(c, mapServiceError(err, "stop_failed"))
		return
	}
	if stopped || h.control == nil {
		response.RespondOK(c, gin.H{"stopped": stopped})
		return
	}
	// The turn may be running on another instance.
	if err := h.control.PublishStop(c.Request.Context(), chatID); err != nil {
		h.log.Warn("Forward stop failed", "chat_id", chatID, "error", err)
		response.RespondError(c, http.StatusServiceUnavailable, "stop_forward_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"stopped": false, "forwarded": true})
}

// GET /api/chats/:id/streams/last
func (h *ChatHandler) GetLastStream(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	stream, err := h.ledger.GetLastStream(c.Request.Context(), chatID)
	if err != nil {
		response.RespondAPIError(c, mapServiceError(err, "get_stream_failed"))
		return
	}
	if stream == nil {
		response.RespondAPIError(c, mapServiceError(services.ErrStreamNotFound, "get_stream_failed"))
		return
	}
	response.RespondOK(c, gin.H{"stream": stream})
}

// GET /api/chats/:id/messages?page=1&limit=50&order=asc
func (h *ChatHandler) ListMessages(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 50)
	desc := strings.EqualFold(strings.TrimSpace(c.Query("order")), "desc")

	msgs, err := h.persister.LoadMessages(c.Request.Context(), chatID, page, limit, desc)
	if err != nil {
		response.RespondAPIError(c, mapServiceError(err, "list_messages_failed"))
		return
	}
	response.RespondOK(c, gin.H{"messages": msgs})
}

func queryInt(c *gin.Context, name string, def int) int {
	if v := strings.TrimSpace(c.Query(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
