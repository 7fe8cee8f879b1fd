package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/http/dto"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/orchestrator"
	"basegraph.app/scheduler/internal/queue"
)

// Scheduler is the orchestrator surface the HTTP layer needs.
type Scheduler interface {
	Handle(ctx context.Context, req orchestrator.Request) orchestrator.Response
	AgentStatus(ctx context.Context) (*orchestrator.AgentStatus, error)
}

// Enqueue hands requests to the Redis request stream. Nil when the pipeline
// is disabled.
type Enqueue struct {
	Publisher queue.Publisher
	Stream    string
}

type SchedulerHandler struct {
	scheduler   Scheduler
	enqueue     *Enqueue
	traceHeader string
}

func NewSchedulerHandler(scheduler Scheduler, enqueue *Enqueue, traceHeader string) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler:   scheduler,
		enqueue:     enqueue,
		traceHeader: traceHeader,
	}
}

// Submit routes one request synchronously and answers with the orchestrator
// response. Per-item rejections inside a batch are still a 200.
func (h *SchedulerHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid scheduling request", "error", err)
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(environment.Kind(environment.ErrInvalidRequest), err.Error()))
		return
	}

	resp := h.scheduler.Handle(ctx, req)
	c.JSON(StatusFor(resp.Error), resp)
}

// Enqueue appends the raw request to the request stream for the worker.
func (h *SchedulerHandler) Enqueue(c *gin.Context) {
	ctx := c.Request.Context()
	if h.enqueue == nil {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(environment.Kind(environment.ErrConfiguration), "request stream not configured"))
		return
	}

	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(environment.Kind(environment.ErrInvalidRequest), err.Error()))
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(environment.Kind(environment.ErrInvalidRequest), err.Error()))
		return
	}

	traceID := c.GetHeader(h.traceHeader)
	if traceID == "" {
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
		}
	}
	msg := queue.Message{
		Payload: payload,
		TraceID: traceID,
		ReplyTo: c.Query("reply_to"),
	}
	if err := queue.Enqueue(ctx, h.enqueue.Publisher, h.enqueue.Stream, msg); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue scheduling request", "error", err)
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse("internal", "failed to enqueue request"))
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueResponse{
		Stream:  h.enqueue.Stream,
		ReplyTo: msg.ReplyTo,
		TraceID: traceID,
	})
}

func (h *SchedulerHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := h.scheduler.AgentStatus(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to collect agent status", "error", err)
		kind := environment.Kind(err)
		c.JSON(StatusFor(&orchestrator.ErrorEnvelope{Kind: kind}), dto.NewErrorResponse(kind, err.Error()))
		return
	}
	c.JSON(http.StatusOK, st)
}

// WorkOrder answers the cross-level view of one work order.
func (h *SchedulerHandler) WorkOrder(c *gin.Context) {
	n, err := strconv.ParseUint(c.Param("number"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(environment.Kind(environment.ErrInvalidRequest), "invalid work order number"))
		return
	}
	number := model.WorkOrderNumber(n)

	resp := h.scheduler.Handle(c.Request.Context(), orchestrator.Request{
		Level: model.LevelOrchestrator,
		Orchestrator: &orchestrator.Command{
			Kind:      orchestrator.KindWorkOrderStatus,
			WorkOrder: &number,
		},
	})
	c.JSON(StatusFor(resp.Error), resp)
}

// StatusFor maps an error envelope to an HTTP status code.
func StatusFor(e *orchestrator.ErrorEnvelope) int {
	if e == nil {
		return http.StatusOK
	}
	for _, candidate := range []struct {
		err    error
		status int
	}{
		{environment.ErrInvalidRequest, http.StatusBadRequest},
		{environment.ErrNotFound, http.StatusNotFound},
		{environment.ErrStaleAssignment, http.StatusConflict},
		{environment.ErrInvariantViolation, http.StatusConflict},
		{environment.ErrCapacityExceeded, http.StatusConflict},
		{environment.ErrConfiguration, http.StatusUnprocessableEntity},
		{environment.ErrCrossAgentTimeout, http.StatusGatewayTimeout},
	} {
		if e.Kind == environment.Kind(candidate.err) {
			return candidate.status
		}
	}
	return http.StatusInternalServerError
}
