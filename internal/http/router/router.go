package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/scheduler/internal/http/handler"
)

type RouterConfig struct {
	TraceHeaderName string
	// Enqueue is nil when the Redis pipeline is disabled.
	Enqueue *handler.Enqueue
	// StatusStream is nil when the Redis pipeline is disabled.
	StatusStream *handler.AgentStatusHandler
}

func SetupRoutes(router *gin.Engine, scheduler handler.Scheduler, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		schedulerHandler := handler.NewSchedulerHandler(scheduler, cfg.Enqueue, cfg.TraceHeaderName)
		SchedulerRouter(v1, schedulerHandler)

		if cfg.StatusStream != nil {
			AgentStatusRouter(v1.Group("/status"), cfg.StatusStream)
		}
	}
}
