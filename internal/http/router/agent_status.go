package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/scheduler/internal/http/handler"
)

func AgentStatusRouter(rg *gin.RouterGroup, h *handler.AgentStatusHandler) {
	rg.GET("/stream", h.Stream)
}
