package worker_test

import (
	"context"
	"sync"

	"basegraph.app/scheduler/internal/orchestrator"
	"basegraph.app/scheduler/internal/queue"
)

type mockConsumer struct {
	readFn func(ctx context.Context) ([]queue.Message, error)

	mu       sync.Mutex
	acked    []string
	requeued []string
	dlq      map[string]string
}

func (m *mockConsumer) Read(ctx context.Context) ([]queue.Message, error) {
	if m.readFn != nil {
		return m.readFn(ctx)
	}
	return nil, nil
}

func (m *mockConsumer) Ack(_ context.Context, msg queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg.ID)
	return nil
}

func (m *mockConsumer) Requeue(_ context.Context, msg queue.Message, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, msg.ID)
	return nil
}

func (m *mockConsumer) SendDLQ(_ context.Context, msg queue.Message, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dlq == nil {
		m.dlq = make(map[string]string)
	}
	m.dlq[msg.ID] = errMsg
	return nil
}

func (m *mockConsumer) snapshot() (acked, requeued []string, dlq map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dlq = make(map[string]string, len(m.dlq))
	for k, v := range m.dlq {
		dlq[k] = v
	}
	return append([]string(nil), m.acked...), append([]string(nil), m.requeued...), dlq
}

type mockDispatcher struct {
	handleFn func(ctx context.Context, req orchestrator.Request) orchestrator.Response
}

func (m *mockDispatcher) Handle(ctx context.Context, req orchestrator.Request) orchestrator.Response {
	if m.handleFn != nil {
		return m.handleFn(ctx, req)
	}
	return orchestrator.Response{RequestID: 7, Level: req.Level}
}

type mockStatusSource struct {
	agentStatusFn func(ctx context.Context) (*orchestrator.AgentStatus, error)
}

func (m *mockStatusSource) AgentStatus(ctx context.Context) (*orchestrator.AgentStatus, error) {
	if m.agentStatusFn != nil {
		return m.agentStatusFn(ctx)
	}
	return &orchestrator.AgentStatus{}, nil
}

type published struct {
	stream string
	values map[string]any
}

type mockPublisher struct {
	publishFn func(ctx context.Context, stream string, values map[string]any) error

	mu    sync.Mutex
	calls []published
}

func (m *mockPublisher) Publish(ctx context.Context, stream string, values map[string]any) error {
	m.mu.Lock()
	m.calls = append(m.calls, published{stream: stream, values: values})
	m.mu.Unlock()
	if m.publishFn != nil {
		return m.publishFn(ctx, stream, values)
	}
	return nil
}

func (m *mockPublisher) published() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.calls...)
}
