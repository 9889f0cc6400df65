// Package httpapi exposes the backend surface: token minting behind the
// admission gate, slot release, and prompt generation.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arients/VoiceChatBot/internal/gate"
	"github.com/arients/VoiceChatBot/shared"
)

func NewRouter(logger shared.LoggerAdapter, g *gate.Gate, sessions SessionCreator, prompts InstructionGenerator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := NewHandler(logger, g, sessions, prompts)
	r.POST("/token", h.Token)
	r.POST("/end", h.End)
	r.GET("/prompt", h.Prompt)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": shared.Version})
	})
	return r
}
