package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/chat"
)

// Handlers carries the dependencies of the HTTP/WS edge.
type Handlers struct {
	manager     chat.Handle
	shutdownCtx context.Context
}

// NewHandlers builds the handler set.
func NewHandlers(manager chat.Handle, shutdownCtx context.Context) *Handlers {
	return &Handlers{manager: manager, shutdownCtx: shutdownCtx}
}

// SetupRoutes mounts every API route on the router.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	api := r.Group("/api")
	{
		api.GET("/ws", h.ChatWebSocket)

		chatGroup := api.Group("/chat")
		{
			chatGroup.POST("/start", h.StartChat)
			chatGroup.GET("/sessions", h.SessionList)
			chatGroup.GET("/info", h.ClaudeInfo)
		}

		fsGroup := api.Group("/fs")
		{
			fsGroup.GET("/ls", h.Ls)
			fsGroup.GET("/home", h.Home)
		}

		promptGroup := api.Group("/prompt")
		{
			promptGroup.GET("/stream", h.PromptStream)
			promptGroup.GET("/history", h.PromptHistory)
		}

		settingGroup := api.Group("/setting")
		{
			settingGroup.GET("/claude", h.ClaudeSettings)
		}
	}
}
