package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"basegraph.app/scheduler/common/logger"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/orchestrator"
	"basegraph.app/scheduler/internal/queue"
)

type Config struct {
	MaxAttempts int
}

// Worker drains the request stream into the orchestrator and publishes each
// response to the stream named by the message.
type Worker struct {
	consumer   Consumer
	dispatcher Dispatcher
	publisher  queue.Publisher
	cfg        Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// errPermanent marks failures a retry cannot fix.
var errPermanent = errors.New("permanent failure")

func New(consumer Consumer, dispatcher Dispatcher, publisher queue.Publisher, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		consumer:   consumer,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "scheduler.worker"})

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				select {
				case <-ctx.Done():
				case <-w.stopCh:
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		msgCtx := logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(msg.ID)})
		if err := w.processMessageSafe(msgCtx, msg); err != nil {
			slog.ErrorContext(msgCtx, "message processing failed",
				"error", err,
				"attempt", msg.Attempt)
			w.handleFailedMessage(msgCtx, msg, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing", "panic", r)
			err = fmt.Errorf("%w: panic: %v", errPermanent, r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage decodes, dispatches and acknowledges one request. Exported so
// the reclaimer can reuse it.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "queue.process_request", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()

	slog.InfoContext(ctx, "processing message",
		"attempt", msg.Attempt,
		"trace_id", msg.TraceID,
		"reply_to", msg.ReplyTo)

	var req orchestrator.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("%w: decoding request: %v", errPermanent, err)
	}

	resp := w.dispatcher.Handle(ctx, req)
	if resp.Error != nil && resp.Error.Kind == environment.Kind(environment.ErrCrossAgentTimeout) {
		// Peer agents were busy; the request had no effect and can be retried.
		return fmt.Errorf("dispatching request: %s", resp.Error.Message)
	}

	if msg.ReplyTo != "" {
		if err := w.reply(ctx, msg, resp); err != nil {
			// The request was applied; a retry would apply it twice.
			slog.WarnContext(ctx, "failed to publish reply", "error", err)
		}
	}

	if err := w.consumer.Ack(ctx, msg); err != nil {
		// Log but don't fail - the reclaimer redelivers it.
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}

	if resp.Error != nil {
		slog.InfoContext(ctx, "request answered with error",
			"request_id", resp.RequestID,
			"kind", resp.Error.Kind)
	}
	return nil
}

func (w *Worker) reply(ctx context.Context, msg queue.Message, resp orchestrator.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	values := map[string]any{
		queue.FieldPayload:   string(body),
		queue.FieldRequestID: strconv.FormatInt(resp.RequestID, 10),
	}
	if msg.TraceID != "" {
		values[queue.FieldTraceID] = msg.TraceID
	}
	return w.publisher.Publish(ctx, msg.ReplyTo, values)
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if errors.Is(err, errPermanent) || msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "giving up on message, sending to DLQ",
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message", "attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
