package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/kbchat-backend/internal/domain"
	"github.com/yungbote/kbchat-backend/internal/http/middleware"
	"github.com/yungbote/kbchat-backend/internal/http/response"
	"github.com/yungbote/kbchat-backend/internal/modules/chat/steps"
	"github.com/yungbote/kbchat-backend/internal/platform/apierr"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

// ChatService is the conversational core as seen by transports.
type ChatService interface {
	GenerateReply(ctx context.Context, id types.ConversationID, message string) (types.ReplyResult, error)
	ResetConversation(ctx context.Context, id types.ConversationID) error
	GetConversationHistory(id types.ConversationID) []types.Message
}

type ChatHandler struct {
	log  *logger.Logger
	chat ChatService
}

func NewChatHandler(log *logger.Logger, chat ChatService) *ChatHandler {
	return &ChatHandler{log: log.With("handler", "ChatHandler"), chat: chat}
}

type sendMessageReq struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// POST /api/messages
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	id := strings.TrimSpace(req.ConversationID)
	c.Set(middleware.ConversationKey, id)

	out, err := h.chat.GenerateReply(c.Request.Context(), id, req.Message)
	if err != nil {
		response.RespondAPIError(c, replyError(err))
		return
	}
	response.RespondOK(c, out)
}

// replyError maps a GenerateReply failure to the status and code reported to callers.
func replyError(err error) *apierr.Error {
	switch {
	case errors.Is(err, steps.ErrMissingConversationID):
		return apierr.New(http.StatusBadRequest, "missing_conversation_id", err)
	case errors.Is(err, steps.ErrEmptyMessage):
		return apierr.New(http.StatusBadRequest, "missing_message", err)
	case errors.Is(err, steps.ErrEmptyCompletion):
		return apierr.New(http.StatusBadGateway, "empty_completion", err)
	case errors.Is(err, context.Canceled):
		return apierr.New(http.StatusRequestTimeout, "request_canceled", err)
	default:
		return apierr.New(response.UpstreamStatus(err), "completion_failed", err)
	}
}

// POST /api/conversations/:id/reset
func (h *ChatHandler) ResetConversation(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(middleware.ConversationKey, id)
	if err := h.chat.ResetConversation(c.Request.Context(), id); err != nil {
		if errors.Is(err, steps.ErrMissingConversationID) {
			response.RespondError(c, http.StatusBadRequest, "missing_conversation_id", err)
			return
		}
		response.RespondError(c, http.StatusRequestTimeout, "reset_failed", err)
		return
	}
	response.RespondNoContent(c)
}

// GET /api/conversations/:id/history
func (h *ChatHandler) GetHistory(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_conversation_id", steps.ErrMissingConversationID)
		return
	}
	c.Set(middleware.ConversationKey, id)
	response.RespondOK(c, gin.H{"messages": h.chat.GetConversationHistory(id)})
}
