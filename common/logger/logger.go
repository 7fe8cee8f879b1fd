package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/scheduler/core/config"
)

// Setup installs the default slog logger. Production with an OTLP endpoint
// ships records through the otelslog bridge; otherwise records go to stdout,
// JSON in production and text elsewhere.
func Setup(cfg config.Config) {
	slog.SetDefault(slog.New(NewHandler(cfg, os.Stdout)))
}

func NewHandler(cfg config.Config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: levelFor(cfg)}

	switch {
	case cfg.IsProduction() && cfg.OTel.Enabled():
		return otelslog.NewHandler(
			cfg.OTel.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		)
	case cfg.IsProduction():
		return NewTraceHandler(slog.NewJSONHandler(w, opts))
	default:
		return NewTraceHandler(slog.NewTextHandler(w, opts))
	}
}

// levelFor honours LOG_LEVEL and otherwise logs debug in development, info
// elsewhere. Agents log every optimisation batch at debug.
func levelFor(cfg config.Config) slog.Level {
	if cfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			return level
		}
	}
	if cfg.IsDevelopment() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// TraceHandler adds trace/span ids and the context's LogFields to every
// record.
type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	r.AddAttrs(fieldLogAttrs(GetLogFields(ctx))...)
	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

func fieldLogAttrs(f LogFields) []slog.Attr {
	var attrs []slog.Attr
	if f.RequestID != nil {
		attrs = append(attrs, slog.Int64("request_id", *f.RequestID))
	}
	if f.MessageID != nil {
		attrs = append(attrs, slog.String("message_id", *f.MessageID))
	}
	if f.Level != nil {
		attrs = append(attrs, slog.String("scheduling_level", *f.Level))
	}
	if f.AgentID != nil {
		attrs = append(attrs, slog.String("agent_id", *f.AgentID))
	}
	if f.WorkOrderNumber != nil {
		attrs = append(attrs, slog.Uint64("work_order_number", *f.WorkOrderNumber))
	}
	if f.ActivityNumber != nil {
		attrs = append(attrs, slog.Uint64("activity_number", *f.ActivityNumber))
	}
	if f.Component != "" {
		attrs = append(attrs, slog.String("component", f.Component))
	}
	return attrs
}
