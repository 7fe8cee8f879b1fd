package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/scheduler/internal/http/handler"
)

func SchedulerRouter(rg *gin.RouterGroup, h *handler.SchedulerHandler) {
	rg.POST("/requests", h.Submit)
	rg.POST("/requests/async", h.Enqueue)
	rg.GET("/status", h.Status)
	rg.GET("/work-orders/:number", h.WorkOrder)
}
