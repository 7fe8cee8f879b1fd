package supervisor_test

import (
	"context"
	"errors"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/supervisor"
)

var _ = Describe("Agent", func() {
	var (
		ctx      context.Context
		env      *environment.Environment
		tactical *mockTactical
		options  *agent.SharedOptions
		a        *supervisor.Agent
	)

	start := func(resources ...model.Resource) {
		var err error
		a, err = supervisor.NewAgent(env, tactical, resources, options, agent.RunnerConfig{})
		Expect(err).NotTo(HaveOccurred())
		runCtx, cancel := context.WithCancel(context.Background())
		go func() { _ = a.Run(runCtx) }()
		DeferCleanup(func() {
			a.Stop()
			cancel()
		})
	}

	delegate := func(msgs ...supervisor.SupervisorSchedulingMessage) *message.SchedulingResult {
		resp, err := a.Ask(ctx, message.SchedulingRequest(supervisor.Scheduling{Kind: supervisor.KindDelegate, Delegations: msgs}))
		Expect(err).NotTo(HaveOccurred())
		return resp.Scheduling
	}

	to := func(k model.ActivityKey, id model.Id) supervisor.SupervisorSchedulingMessage {
		return supervisor.SupervisorSchedulingMessage{WorkOrderNumber: k.WorkOrder, ActivityNumber: k.Activity, IdOperational: id}
	}

	BeforeEach(func() {
		ctx = context.Background()
		env = scheduled()

		tactical = &mockTactical{
			dayOfFn: func(_ context.Context, k model.ActivityKey) (*model.Day, error) {
				as, err := env.Assignment(k)
				if err != nil {
					return nil, err
				}
				return as.Day, nil
			},
		}
		var err error
		options, err = agent.NewSharedOptions(agent.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("delegate", func() {
		BeforeEach(func() {
			start()
		})

		It("delegates an activity to a skilled technician", func() {
			res := delegate(to(key(1001, 10), "OP-1"))

			Expect(res.Accepted).To(BeTrue())
			as, _ := env.Assignment(key(1001, 10))
			Expect(*as.Delegate).To(Equal(model.Id("OP-1")))
		})

		It("replaces an earlier delegation and resets its status", func() {
			delegate(to(key(1001, 10), "OP-1"))
			ow, err := env.ClaimOperational("OP-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ow.Apply([]environment.StatusChange{{Activity: key(1001, 10), Status: model.StatusAssign}})).To(Succeed())

			res := delegate(to(key(1001, 10), "OP-2"))

			Expect(res.Accepted).To(BeTrue())
			as, _ := env.Assignment(key(1001, 10))
			Expect(*as.Delegate).To(Equal(model.Id("OP-2")))
			Expect(as.Status).To(Equal(model.StatusNone))
		})

		It("withdraws a delegation for an empty identity", func() {
			delegate(to(key(1001, 10), "OP-1"))

			res := delegate(to(key(1001, 10), ""))

			Expect(res.Accepted).To(BeTrue())
			as, _ := env.Assignment(key(1001, 10))
			Expect(as.Delegate).To(BeNil())
		})

		DescribeTable("rejects the whole batch",
			func(msg func() supervisor.SupervisorSchedulingMessage, kind string) {
				res := delegate(to(key(1002, 10), "OP-1"), msg())

				Expect(res.Accepted).To(BeFalse())
				Expect(res.Items).To(HaveLen(2))
				Expect(res.Items[0].Error).To(Equal(kind))
				as, _ := env.Assignment(key(1002, 10))
				Expect(as.Delegate).To(BeNil())
			},
			Entry("for an unskilled technician", func() supervisor.SupervisorSchedulingMessage {
				return to(key(1001, 10), "OP-3")
			}, "invariant_violation"),
			Entry("for an unknown technician", func() supervisor.SupervisorSchedulingMessage {
				return to(key(1001, 10), "OP-9")
			}, "not_found"),
		)

		It("treats a moved day as stale", func() {
			tactical.dayOfFn = func(context.Context, model.ActivityKey) (*model.Day, error) {
				return ptr(env.DaysInPeriod(1)[2]), nil
			}

			res := delegate(to(key(1001, 10), "OP-1"))

			Expect(res.Items[0].Error).To(Equal("stale_assignment"))
		})

		It("treats an activity without a day as stale", func() {
			tactical.dayOfFn = func(context.Context, model.ActivityKey) (*model.Day, error) {
				return nil, nil
			}

			res := delegate(to(key(1001, 10), "OP-1"))

			Expect(res.Items[0].Error).To(Equal("stale_assignment"))
		})

		It("does not serve resource queries", func() {
			_, err := a.Ask(ctx, message.ResourcesRequest[supervisor.Scheduling](message.ResourceQuery{Kind: message.ResourceLoading}))
			Expect(errors.Is(err, environment.ErrInvalidRequest)).To(BeTrue())
		})
	})

	Describe("delegate within a resource scope", func() {
		BeforeEach(func() {
			start(elec)
		})

		It("rejects activities of other resources", func() {
			res := delegate(to(key(1001, 10), "OP-1"))

			Expect(res.Accepted).To(BeFalse())
			Expect(res.Items[0].Error).To(Equal("invariant_violation"))
			as, _ := env.Assignment(key(1001, 10))
			Expect(as.Delegate).To(BeNil())
		})

		It("rejects technicians that do not serve its resources", func() {
			res := delegate(to(key(1001, 30), "OP-1"))

			Expect(res.Items[0].Error).To(Equal("invariant_violation"))
			as, _ := env.Assignment(key(1001, 30))
			Expect(as.Delegate).To(BeNil())
		})

		It("delegates to a technician of its resources", func() {
			res := delegate(to(key(1001, 30), "OP-3"))

			Expect(res.Accepted).To(BeTrue())
			as, _ := env.Assignment(key(1001, 30))
			Expect(*as.Delegate).To(Equal(model.Id("OP-3")))
		})
	})

	It("reports missing capacity when no technician exists", func() {
		s := crew()
		s.OperationalResources = nil
		env = scheduledFrom(s)
		start()

		res := delegate(to(key(1001, 10), "OP-1"))

		Expect(res.Accepted).To(BeFalse())
		Expect(res.Items[0].Error).To(Equal("capacity_exceeded"))
	})

	Describe("optimize", func() {
		It("delegates every scheduled activity to exactly one skilled technician", func() {
			start()

			resp, err := a.Ask(ctx, message.SchedulingRequest(supervisor.Scheduling{Kind: supervisor.KindOptimize, Iterations: 20}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Scheduling.Optimization.Unplaced).To(BeEmpty())

			techs := map[model.Id]model.OperationalResource{}
			for _, t := range env.OperationalResources() {
				techs[t.ID] = t
			}
			for _, k := range []model.ActivityKey{key(1001, 10), key(1001, 20), key(1001, 30), key(1002, 10)} {
				as, _ := env.Assignment(k)
				Expect(as.Delegate).NotTo(BeNil())
				wo, _ := env.WorkOrder(k.WorkOrder)
				op, _ := wo.Operation(k.Activity)
				Expect(techs[*as.Delegate].Skilled(op.Resource)).To(BeTrue())
			}

			st, err := a.Ask(ctx, message.StatusRequest[supervisor.Scheduling](message.StatusQuery{Kind: message.StatusGeneral}))
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Status.Undelegated).To(BeZero())
			Expect(st.Status.DelegatedOpen).To(Equal(4))
		})

		It("only serves technicians of its resources", func() {
			start(elec)

			resp, err := a.Ask(ctx, message.TimeRequest[supervisor.Scheduling](message.TimeQuery{Kind: message.TimeOperationalIds}))

			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Time.OperationalIds).To(Equal([]model.Id{"OP-2", "OP-3"}))

			_, err = a.Ask(ctx, message.SchedulingRequest(supervisor.Scheduling{Kind: supervisor.KindOptimize, Iterations: 5}))
			Expect(err).NotTo(HaveOccurred())
			as, _ := env.Assignment(key(1001, 10))
			Expect(as.Delegate).To(BeNil())
			as, _ = env.Assignment(key(1001, 30))
			Expect(as.Delegate).NotTo(BeNil())
		})
	})
})

var _ = Describe("Algorithm", func() {
	It("is reproducible for a fixed seed", func() {
		env := scheduled()

		run := func() []supervisor.IterationTrace {
			alg := supervisor.NewAlgorithm(agent.NewRNG(5, model.LevelSupervisor, ""), nil)
			alg.Sync(env.View())
			var traces []supervisor.IterationTrace
			for range 10 {
				traces = append(traces, alg.Iterate(2, 0))
			}
			return traces
		}

		Expect(cmp.Diff(run(), run())).To(BeEmpty())
	})
})
