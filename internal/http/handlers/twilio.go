package handlers

import (
	"context"
	"encoding/xml"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/kbchat-backend/internal/http/middleware"
	"github.com/yungbote/kbchat-backend/internal/modules/chat/steps"
	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
	"github.com/yungbote/kbchat-backend/internal/platform/twilio"
)

const (
	ResetReply   = "Conversation reset. What can I help you with?"
	FailureReply = "Sorry, something went wrong on our side. Please try again in a moment."

	defaultTurnTimeout = 2 * time.Minute
)

// ReplySender delivers a reply out of band.
type ReplySender interface {
	SendReply(ctx context.Context, to, body string) ([]*twilio.Message, error)
}

type TwilioWebhookConfig struct {
	// AuthToken enables X-Twilio-Signature validation when set.
	AuthToken string
	// PublicURL is the externally visible webhook URL used for signing. When empty it is
	// rebuilt from the request, honouring X-Forwarded-Proto/Host.
	PublicURL   string
	TurnTimeout time.Duration
}

// TwilioHandler answers inbound SMS webhooks. With a sender configured it acknowledges
// immediately and delivers the reply through the Messages API; without one it answers
// inline in TwiML.
type TwilioHandler struct {
	log    *logger.Logger
	chat   ChatService
	sender ReplySender
	cfg    TwilioWebhookConfig

	inflight sync.WaitGroup
}

func NewTwilioHandler(log *logger.Logger, chat ChatService, sender ReplySender, cfg TwilioWebhookConfig) *TwilioHandler {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	return &TwilioHandler{
		log:    log.With("handler", "TwilioHandler"),
		chat:   chat,
		sender: sender,
		cfg:    cfg,
	}
}

// POST /webhook/twilio
func (h *TwilioHandler) Inbound(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "invalid form")
		return
	}
	form := c.Request.PostForm
	if h.cfg.AuthToken != "" {
		sig := c.GetHeader(twilio.SignatureHeader)
		if !twilio.ValidateSignature(h.cfg.AuthToken, h.webhookURL(c), form, sig) {
			h.log.Warn("Rejected webhook with invalid signature", "has_signature", sig != "")
			c.String(http.StatusForbidden, "invalid signature")
			return
		}
	}

	from := strings.TrimSpace(form.Get("From"))
	body := strings.TrimSpace(form.Get("Body"))
	c.Set(middleware.ConversationKey, from)
	if from == "" {
		c.String(http.StatusBadRequest, "missing From")
		return
	}
	if body == "" {
		writeTwiML(c, "")
		return
	}

	if h.sender == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.TurnTimeout)
		defer cancel()
		writeTwiML(c, h.handleMessage(ctx, from, body))
		return
	}

	writeTwiML(c, "")
	// The webhook has a short deadline, so the turn outlives the request.
	ctx := context.WithoutCancel(c.Request.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, h.cfg.TurnTimeout)
		defer cancel()
		reply := h.handleMessage(ctx, from, body)
		if _, err := h.sender.SendReply(ctx, from, reply); err != nil {
			h.log.Error("Reply delivery failed", "to", from, "error", err)
			observability.Current().IncOutboundMessage("sms", "error")
			return
		}
		observability.Current().IncOutboundMessage("sms", "sent")
	}()
}

// Wait blocks until background turns finish; used on shutdown.
func (h *TwilioHandler) Wait() {
	h.inflight.Wait()
}

func (h *TwilioHandler) handleMessage(ctx context.Context, from, body string) string {
	if steps.IsResetCommand(body) {
		if err := h.chat.ResetConversation(ctx, from); err != nil {
			h.log.Error("Conversation reset failed", "from", from, "error", err)
			return FailureReply
		}
		h.log.Info("Conversation reset", "from", from)
		return ResetReply
	}
	out, err := h.chat.GenerateReply(ctx, from, body)
	if err != nil {
		h.log.Error("Reply generation failed", "from", from, "error", err)
		return FailureReply
	}
	return out.Response
}

func (h *TwilioHandler) webhookURL(c *gin.Context) string {
	if u := strings.TrimSpace(h.cfg.PublicURL); u != "" {
		if c.Request.URL.RawQuery != "" {
			return u + "?" + c.Request.URL.RawQuery
		}
		return u
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host := c.Request.Host
	if fh := c.GetHeader("X-Forwarded-Host"); fh != "" {
		host = strings.TrimSpace(strings.Split(fh, ",")[0])
	}
	return scheme + "://" + host + c.Request.URL.RequestURI()
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message []string `xml:"Message,omitempty"`
}

func writeTwiML(c *gin.Context, message string) {
	resp := twimlResponse{}
	if message != "" {
		resp.Message = twilio.SplitMessage(message, twilio.MaxMessageLength)
	}
	raw, err := xml.Marshal(resp)
	if err != nil {
		c.String(http.StatusInternalServerError, "twiml encode failed")
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", append([]byte(xml.Header), raw...))
}
