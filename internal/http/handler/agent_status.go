package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/http/dto"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/queue"
)

// AgentStatusHandler tails the status stream written by the worker's status
// publisher as server-sent events.
type AgentStatusHandler struct {
	reader queue.StatusReader
}

func NewAgentStatusHandler(reader queue.StatusReader) *AgentStatusHandler {
	return &AgentStatusHandler{reader: reader}
}

// Stream sends one "status" event per snapshot. ?level=tactical narrows each
// snapshot to that agent; ?last_id resumes after a stream entry.
func (h *AgentStatusHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	if h.reader == nil {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(environment.Kind(environment.ErrConfiguration), "status stream not configured"))
		return
	}

	level := model.LevelOrchestrator
	if raw := c.Query("level"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			c.JSON(http.StatusBadRequest, dto.NewErrorResponse(environment.Kind(environment.ErrInvalidRequest), err.Error()))
			return
		}
	}

	lastID := c.DefaultQuery("last_id", "$")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse("internal", "streaming not supported"))
		return
	}
	setSSEHeaders(c.Writer)

	sseWrite(c.Writer, "ping", "ready")
	flusher.Flush()

	for ctx.Err() == nil {
		entries, err := h.reader.ReadStatus(ctx, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "status stream read failed", "error", err)
			sseWrite(c.Writer, "error", dto.NewErrorResponse("internal", err.Error()))
			flusher.Flush()
			continue
		}
		if len(entries) == 0 {
			sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
			flusher.Flush()
			continue
		}

		for _, e := range entries {
			lastID = e.ID
			payload, ok := project(e.Payload, level)
			if !ok {
				continue
			}
			sseWrite(c.Writer, "status", payload)
			flusher.Flush()
		}
	}
}

// project narrows an agent status snapshot to one level. Orchestrator keeps
// the whole snapshot.
func project(payload []byte, level model.Level) ([]byte, bool) {
	if level == model.LevelOrchestrator {
		return payload, true
	}
	var byLevel map[string]json.RawMessage
	if err := json.Unmarshal(payload, &byLevel); err != nil {
		return nil, false
	}
	part, ok := byLevel[level.String()]
	return part, ok
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	payload := marshalPayload(data)
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
