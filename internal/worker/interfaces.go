package worker

import (
	"context"

	"basegraph.app/scheduler/internal/orchestrator"
	"basegraph.app/scheduler/internal/queue"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Dispatcher routes a decoded request to the scheduling agents.
type Dispatcher interface {
	Handle(ctx context.Context, req orchestrator.Request) orchestrator.Response
}

// StatusSource reports the status of every agent.
type StatusSource interface {
	AgentStatus(ctx context.Context) (*orchestrator.AgentStatus, error)
}
