package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/internal/gate"
	"github.com/arients/VoiceChatBot/shared"
)

// SessionCreator is the slice of the upstream client the token proxy needs.
type SessionCreator interface {
	CreateSession(ctx context.Context, body []byte) (int, []byte, error)
}

// InstructionGenerator produces session instructions for GET /prompt.
type InstructionGenerator interface {
	Generate(ctx context.Context) (string, error)
}

type Handler struct {
	logger   shared.LoggerAdapter
	gate     *gate.Gate
	sessions SessionCreator
	prompts  InstructionGenerator
}

func NewHandler(logger shared.LoggerAdapter, g *gate.Gate, sessions SessionCreator, prompts InstructionGenerator) *Handler {
	return &Handler{logger: logger, gate: g, sessions: sessions, prompts: prompts}
}

type TokenRequest struct {
	Model        string  `json:"model"`
	Voice        string  `json:"voice"`
	Instructions string  `json:"instructions"`
	Temperature  *string `json:"temperature,omitempty"`
}

// Token gates and forwards a session-creation request. The vendor's response
// is relayed verbatim on every non-transport outcome; the slot is taken only
// after the vendor succeeded.
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if h.gate.Full() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": shared.ErrOverloaded.Error()})
		return
	}

	body, err := sonic.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status, respBody, err := h.sessions.CreateSession(c.Request.Context(), body)
	if err != nil {
		h.logger.Error("vendor session create failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status < 200 || status >= 300 {
		h.logger.Warn("vendor rejected session create", zap.Int("status", status))
		c.Data(status, "application/json", respBody)
		return
	}

	lease := h.gate.Acquire()
	h.logger.Info("token issued",
		zap.String("lease", lease),
		zap.String("model", req.Model),
		zap.String("voice", req.Voice),
	)
	c.Data(http.StatusOK, "application/json", respBody)
}

// End releases a slot. No caller authentication: the counter is an approximate
// throttle, so any client may decrement and the call always succeeds.
func (h *Handler) End(c *gin.Context) {
	h.gate.Release()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Prompt(c *gin.Context) {
	instruction, err := h.prompts.Generate(c.Request.Context())
	if err != nil {
		var vendorErr *shared.VendorError
		if errors.As(err, &vendorErr) {
			c.Data(vendorErr.StatusCode, "application/json", vendorErr.Body)
			return
		}
		h.logger.Error("prompt generation failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruction": instruction})
}
