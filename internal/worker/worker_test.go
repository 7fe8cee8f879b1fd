package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/orchestrator"
	"basegraph.app/scheduler/internal/queue"
	"basegraph.app/scheduler/internal/strategic"
	"basegraph.app/scheduler/internal/tactical"
	"basegraph.app/scheduler/internal/worker"
)

const statusRequest = `{"level":"orchestrator","orchestrator":{"kind":"agent_status"}}`

var _ = Describe("Worker", func() {
	var (
		ctx        context.Context
		consumer   *mockConsumer
		dispatcher *mockDispatcher
		publisher  *mockPublisher
		w          *worker.Worker
	)

	BeforeEach(func() {
		ctx = context.Background()
		consumer = &mockConsumer{}
		dispatcher = &mockDispatcher{}
		publisher = &mockPublisher{}
		w = worker.New(consumer, dispatcher, publisher, worker.Config{MaxAttempts: 3})
	})

	Describe("ProcessMessage", func() {
		It("dispatches the request, replies and acks", func() {
			var got orchestrator.Request
			dispatcher.handleFn = func(_ context.Context, req orchestrator.Request) orchestrator.Response {
				got = req
				return orchestrator.Response{RequestID: 42, Level: req.Level}
			}

			msg := queue.Message{ID: "1-0", Payload: []byte(statusRequest), Attempt: 1, TraceID: "t-1", ReplyTo: "replies"}
			Expect(w.ProcessMessage(ctx, msg)).To(Succeed())

			Expect(got.Level).To(Equal(model.LevelOrchestrator))
			Expect(got.Orchestrator).NotTo(BeNil())
			Expect(got.Orchestrator.Kind).To(Equal(orchestrator.KindAgentStatus))

			calls := publisher.published()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].stream).To(Equal("replies"))
			Expect(calls[0].values).To(HaveKeyWithValue(queue.FieldRequestID, "42"))
			Expect(calls[0].values).To(HaveKeyWithValue(queue.FieldTraceID, "t-1"))

			var resp orchestrator.Response
			Expect(json.Unmarshal([]byte(calls[0].values[queue.FieldPayload].(string)), &resp)).To(Succeed())
			Expect(resp.RequestID).To(Equal(int64(42)))

			acked, _, _ := consumer.snapshot()
			Expect(acked).To(ConsistOf("1-0"))
		})

		It("does not reply without a reply stream", func() {
			msg := queue.Message{ID: "1-0", Payload: []byte(statusRequest), Attempt: 1}
			Expect(w.ProcessMessage(ctx, msg)).To(Succeed())
			Expect(publisher.published()).To(BeEmpty())

			acked, _, _ := consumer.snapshot()
			Expect(acked).To(ConsistOf("1-0"))
		})

		It("acks requests answered with a domain error", func() {
			dispatcher.handleFn = func(_ context.Context, req orchestrator.Request) orchestrator.Response {
				return orchestrator.Response{Level: req.Level, Error: &orchestrator.ErrorEnvelope{Kind: "not_found", Message: "work order 9"}}
			}
			msg := queue.Message{ID: "1-0", Payload: []byte(statusRequest), Attempt: 1, ReplyTo: "replies"}
			Expect(w.ProcessMessage(ctx, msg)).To(Succeed())
			Expect(publisher.published()).To(HaveLen(1))

			acked, _, _ := consumer.snapshot()
			Expect(acked).To(ConsistOf("1-0"))
		})

		It("acks even when the reply cannot be published", func() {
			publisher.publishFn = func(context.Context, string, map[string]any) error {
				return errors.New("redis down")
			}
			msg := queue.Message{ID: "1-0", Payload: []byte(statusRequest), Attempt: 1, ReplyTo: "replies"}
			Expect(w.ProcessMessage(ctx, msg)).To(Succeed())

			acked, _, _ := consumer.snapshot()
			Expect(acked).To(ConsistOf("1-0"))
		})

		It("fails on cross-agent timeouts without acking", func() {
			dispatcher.handleFn = func(_ context.Context, req orchestrator.Request) orchestrator.Response {
				return orchestrator.Response{Level: req.Level, Error: &orchestrator.ErrorEnvelope{
					Kind:    environment.Kind(environment.ErrCrossAgentTimeout),
					Message: "tactical did not answer",
				}}
			}
			msg := queue.Message{ID: "1-0", Payload: []byte(statusRequest), Attempt: 1}
			Expect(w.ProcessMessage(ctx, msg)).To(MatchError(ContainSubstring("tactical did not answer")))

			acked, _, _ := consumer.snapshot()
			Expect(acked).To(BeEmpty())
		})

		It("fails on undecodable payloads", func() {
			msg := queue.Message{ID: "1-0", Payload: []byte("{"), Attempt: 1}
			Expect(w.ProcessMessage(ctx, msg)).To(MatchError(ContainSubstring("decoding request")))
		})
	})

	Describe("Run", func() {
		var ignore goleak.Option

		BeforeEach(func() {
			ignore = goleak.IgnoreCurrent()
		})

		AfterEach(func() {
			goleak.VerifyNone(GinkgoT(), ignore)
		})

		// deliver hands msgs to the worker once, runs it until cond holds
		// and stops it.
		deliver := func(cond func() bool, msgs ...queue.Message) {
			var once sync.Once
			consumer.readFn = func(ctx context.Context) ([]queue.Message, error) {
				var batch []queue.Message
				once.Do(func() { batch = msgs })
				if batch == nil {
					select {
					case <-ctx.Done():
					case <-time.After(5 * time.Millisecond):
					}
				}
				return batch, nil
			}

			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()
			Eventually(cond).Should(BeTrue())
			w.Stop()
			Eventually(done).Should(Receive(BeNil()))
		}

		It("sends undecodable requests straight to the DLQ", func() {
			deliver(func() bool {
				_, _, dlq := consumer.snapshot()
				return len(dlq) == 1
			}, queue.Message{ID: "1-0", Payload: []byte("not json"), Attempt: 1})

			_, requeued, dlq := consumer.snapshot()
			Expect(requeued).To(BeEmpty())
			Expect(dlq).To(HaveKeyWithValue("1-0", ContainSubstring("permanent failure")))
		})

		It("requeues timeouts until attempts run out", func() {
			dispatcher.handleFn = func(_ context.Context, req orchestrator.Request) orchestrator.Response {
				return orchestrator.Response{Level: req.Level, Error: &orchestrator.ErrorEnvelope{
					Kind:    environment.Kind(environment.ErrCrossAgentTimeout),
					Message: "busy",
				}}
			}

			deliver(func() bool {
				_, requeued, dlq := consumer.snapshot()
				return len(requeued) == 1 && len(dlq) == 1
			},
				queue.Message{ID: "1-0", Payload: []byte(statusRequest), Attempt: 1},
				queue.Message{ID: "2-0", Payload: []byte(statusRequest), Attempt: 3},
			)

			_, requeued, dlq := consumer.snapshot()
			Expect(requeued).To(ConsistOf("1-0"))
			Expect(dlq).To(HaveKey("2-0"))
		})

		It("recovers from a panicking dispatcher", func() {
			dispatcher.handleFn = func(context.Context, orchestrator.Request) orchestrator.Response {
				panic("boom")
			}

			deliver(func() bool {
				_, _, dlq := consumer.snapshot()
				return len(dlq) == 1
			}, queue.Message{ID: "1-0", Payload: []byte(statusRequest), Attempt: 1})

			_, _, dlq := consumer.snapshot()
			Expect(dlq).To(HaveKeyWithValue("1-0", ContainSubstring("panic: boom")))
		})
	})

	Describe("reprocessing reclaimed entries", func() {
		It("parses the entry and hands it to the processor", func() {
			var got queue.Message
			processor := func(_ context.Context, msg queue.Message) error {
				got = msg
				return nil
			}
			raw := redis.XMessage{ID: "5-0", Values: map[string]any{
				queue.FieldPayload: statusRequest,
				queue.FieldAttempt: "2",
				queue.FieldReplyTo: "replies",
			}}

			Expect(worker.Reprocess(ctx, consumer, processor, raw, 4)).To(Succeed())
			Expect(got.ID).To(Equal("5-0"))
			Expect(got.Attempt).To(Equal(2))
			Expect(got.ReplyTo).To(Equal("replies"))
		})

		It("dead-letters entries without a payload", func() {
			called := false
			processor := func(context.Context, queue.Message) error {
				called = true
				return nil
			}
			raw := redis.XMessage{ID: "5-0", Values: map[string]any{queue.FieldAttempt: "1"}}

			Expect(worker.Reprocess(ctx, consumer, processor, raw, 1)).To(Succeed())
			Expect(called).To(BeFalse())

			_, _, dlq := consumer.snapshot()
			Expect(dlq).To(HaveKeyWithValue("5-0", "missing payload"))
		})

		It("reports processor failures", func() {
			processor := func(context.Context, queue.Message) error {
				return errors.New("dispatch failed")
			}
			raw := redis.XMessage{ID: "5-0", Values: map[string]any{queue.FieldPayload: statusRequest}}

			err := worker.Reprocess(ctx, consumer, processor, raw, 1)
			Expect(err).To(MatchError(ContainSubstring("dispatch failed")))
		})
	})
})

var _ = Describe("Worker dispatching to agents that time out", func() {
	It("leaves a tactical schedule unacked when the strategic agent does not answer", func() {
		ctx := context.Background()
		start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
		env, err := environment.New(environment.Snapshot{
			Periods: []model.Period{{ID: 1, Start: start, End: start.AddDate(0, 0, 7)}},
			WorkOrders: []model.WorkOrder{{
				Number:     1001,
				Operations: []model.Operation{{Number: 10, Resource: "MTN-MECH", Work: 4}},
			}},
			StrategicCapacity: map[model.Resource]map[model.PeriodID]model.Work{"MTN-MECH": {1: 40}},
			TacticalCapacity:  map[model.Resource]map[string]model.Work{"MTN-MECH": {"2026-01-05": 8}},
		})
		Expect(err).NotTo(HaveOccurred())

		opts := agent.DefaultOptions()
		opts.CrossAgentTimeout = time.Nanosecond
		orch, err := orchestrator.New(env, orchestrator.Config{Options: opts})
		Expect(err).NotTo(HaveOccurred())
		runCtx, cancel := context.WithCancel(context.Background())
		orch.Start(runCtx)
		DeferCleanup(func() {
			Expect(orch.Stop()).To(Succeed())
			cancel()
		})

		periodReq := message.SchedulingRequest(strategic.Scheduling{
			Kind:       strategic.KindSchedule,
			Placements: []strategic.Placement{{WorkOrder: 1001, Period: 1}},
		})
		Expect(orch.Handle(ctx, orchestrator.Request{Level: model.LevelStrategic, Strategic: &periodReq}).Error).To(BeNil())

		dayReq := message.SchedulingRequest(tactical.Scheduling{
			Kind:        tactical.KindSchedule,
			Assignments: []tactical.ActivityDay{{Activity: model.ActivityKey{WorkOrder: 1001, Activity: 10}, Day: env.DaysInPeriod(1)[0]}},
		})
		payload, err := json.Marshal(orchestrator.Request{Level: model.LevelTactical, Tactical: &dayReq})
		Expect(err).NotTo(HaveOccurred())

		consumer := &mockConsumer{}
		publisher := &mockPublisher{}
		w := worker.New(consumer, orch, publisher, worker.Config{MaxAttempts: 3})

		msg := queue.Message{ID: "1-0", Payload: payload, Attempt: 1, ReplyTo: "replies"}
		Expect(w.ProcessMessage(ctx, msg)).To(MatchError(ContainSubstring("cross-agent timeout")))

		acked, _, _ := consumer.snapshot()
		Expect(acked).To(BeEmpty())
		Expect(publisher.published()).To(BeEmpty())
	})
})

var _ = Describe("StatusPublisher", func() {
	It("publishes the agent status as one stream entry", func() {
		source := &mockStatusSource{agentStatusFn: func(context.Context) (*orchestrator.AgentStatus, error) {
			return &orchestrator.AgentStatus{}, nil
		}}
		publisher := &mockPublisher{}
		p := worker.NewStatusPublisher(source, publisher, "scheduler_status", time.Minute)

		Expect(p.PublishOnce(context.Background())).To(Succeed())

		calls := publisher.published()
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].stream).To(Equal("scheduler_status"))
		Expect(calls[0].values).To(HaveKeyWithValue(queue.FieldKind, "agent_status"))
		Expect(calls[0].values).To(HaveKeyWithValue(queue.FieldPayload, "{}"))
		Expect(calls[0].values).To(HaveKey(queue.FieldRequestID))
	})

	It("does not publish when the status cannot be collected", func() {
		source := &mockStatusSource{agentStatusFn: func(context.Context) (*orchestrator.AgentStatus, error) {
			return nil, environment.ErrCrossAgentTimeout
		}}
		publisher := &mockPublisher{}
		p := worker.NewStatusPublisher(source, publisher, "scheduler_status", time.Minute)

		err := p.PublishOnce(context.Background())
		Expect(errors.Is(err, environment.ErrCrossAgentTimeout)).To(BeTrue())
		Expect(publisher.published()).To(BeEmpty())
	})

	It("returns immediately when publishing is disabled", func() {
		p := worker.NewStatusPublisher(&mockStatusSource{}, &mockPublisher{}, "scheduler_status", 0)
		done := make(chan struct{})
		go func() {
			p.Run(context.Background())
			close(done)
		}()
		Eventually(done).Should(BeClosed())
	})
})
