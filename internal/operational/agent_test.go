package operational_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/operational"
)

const mech model.Resource = "MTN-MECH"

func key(wo, act uint64) model.ActivityKey {
	return model.ActivityKey{WorkOrder: model.WorkOrderNumber(wo), Activity: model.ActivityNumber(act)}
}

// delegated is one two-day period with work order 1001 on both days: 10 and
// 20 on the first day for OP-1, 30 on the second for OP-2.
func delegated() *environment.Environment {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	env, err := environment.New(environment.Snapshot{
		Periods: []model.Period{{ID: 1, Start: start, End: start.AddDate(0, 0, 2)}},
		WorkOrders: []model.WorkOrder{{
			Number: 1001,
			Info:   model.WorkOrderInfo{Priority: 1},
			Operations: []model.Operation{
				{Number: 10, Resource: mech, Work: 5},
				{Number: 20, Resource: mech, Work: 4},
				{Number: 30, Resource: mech, Work: 2},
			},
		}},
		StrategicCapacity: map[model.Resource]map[model.PeriodID]model.Work{mech: {1: 40}},
		TacticalCapacity: map[model.Resource]map[string]model.Work{
			mech: {"2026-01-05": 16, "2026-01-06": 16},
		},
		OperationalResources: []model.OperationalResource{
			{ID: "OP-1", Resources: []model.Resource{mech}, HoursPerDay: 8},
			{ID: "OP-2", Resources: []model.Resource{mech}, HoursPerDay: 8},
		},
	})
	Expect(err).NotTo(HaveOccurred())

	sw, _ := env.ClaimStrategic()
	tw, _ := env.ClaimTactical()
	vw, _ := env.ClaimSupervisor()
	p := model.PeriodID(1)
	Expect(sw.Apply([]environment.PeriodChange{{WorkOrder: 1001, Period: &p}})).To(Succeed())
	days := env.DaysInPeriod(1)
	Expect(tw.Apply([]environment.DayChange{
		{Activity: key(1001, 10), Day: &days[0]},
		{Activity: key(1001, 20), Day: &days[0]},
		{Activity: key(1001, 30), Day: &days[1]},
	})).To(Succeed())
	op1, op2 := model.Id("OP-1"), model.Id("OP-2")
	Expect(vw.Apply([]environment.DelegationChange{
		{Activity: key(1001, 10), Delegate: &op1},
		{Activity: key(1001, 20), Delegate: &op1},
		{Activity: key(1001, 30), Delegate: &op2},
	})).To(Succeed())
	return env
}

var _ = Describe("Agent", func() {
	var (
		ctx    context.Context
		env    *environment.Environment
		a      *operational.Agent
		monday model.Day
	)

	ask := func(req operational.Request) operational.Response {
		resp, err := a.Ask(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	transition := func(ts ...operational.Transition) *message.SchedulingResult {
		return ask(message.SchedulingRequest(operational.Scheduling{Kind: operational.KindTransition, Transitions: ts})).Scheduling
	}

	BeforeEach(func() {
		ctx = context.Background()
		env = delegated()
		monday = env.DaysInPeriod(1)[0]

		options, err := agent.NewSharedOptions(agent.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
		a, err = operational.NewAgent(env, "OP-1", options, agent.RunnerConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(a.ID()).To(Equal(model.Id("OP-1")))

		runCtx, cancel := context.WithCancel(context.Background())
		go func() { _ = a.Run(runCtx) }()
		DeferCleanup(func() {
			a.Stop()
			cancel()
		})
	})

	It("adopts delegated activities while the day has hours", func() {
		st := ask(message.StatusRequest[operational.Scheduling](message.StatusQuery{Kind: message.StatusGeneral})).Status

		Expect(st.ID).To(Equal(model.Id("OP-1")))
		Expect(st.Activities).To(HaveLen(2))
		Expect(st.Current).To(Equal(operational.Counters{Assigned: 1, Unassigned: 1}))
		Expect(st.Transitions).To(Equal(operational.Counters{Assigned: 1, Unassigned: 1}))

		as, _ := env.Assignment(key(1001, 10))
		Expect(as.Status).To(Equal(model.StatusAssign))
		as, _ = env.Assignment(key(1001, 20))
		Expect(as.Status).To(Equal(model.StatusUnassign))
	})

	It("reports the day's loading and overtime", func() {
		res := transition(operational.Transition{Activity: key(1001, 20), Status: model.StatusAssign})
		Expect(res.Accepted).To(BeTrue())

		st := ask(message.StatusRequest[operational.Scheduling](message.StatusQuery{Kind: message.StatusDay, Day: &monday})).Status

		Expect(st.Day.Loading).To(Equal(model.Work(9)))
		Expect(st.Day.Hours).To(Equal(model.Work(8)))
		Expect(st.Day.Overtime).To(Equal(model.Work(1)))
	})

	It("follows the lifecycle", func() {
		Expect(transition(operational.Transition{Activity: key(1001, 10), Status: model.StatusAssess}).Accepted).To(BeTrue())

		st := ask(message.StatusRequest[operational.Scheduling](message.StatusQuery{Kind: message.StatusGeneral})).Status
		Expect(st.Current.Assessed).To(Equal(1))
		Expect(st.Transitions.Assessed).To(Equal(1))
	})

	It("rejects illegal transitions", func() {
		res := transition(operational.Transition{Activity: key(1001, 20), Status: model.StatusAssess})

		Expect(res.Accepted).To(BeFalse())
		Expect(res.Items[0].Error).To(Equal("invariant_violation"))
	})

	It("rejects activities delegated to someone else", func() {
		res := transition(operational.Transition{Activity: key(1001, 30), Status: model.StatusAssign})

		Expect(res.Items[0].Error).To(Equal("stale_assignment"))
	})

	It("never plans past the day's hours when optimising", func() {
		res := ask(message.SchedulingRequest(operational.Scheduling{Kind: operational.KindOptimize, Iterations: 10})).Scheduling

		Expect(res.Optimization.Iterations).To(Equal(10))
		st := ask(message.StatusRequest[operational.Scheduling](message.StatusQuery{Kind: message.StatusDay, Day: &monday})).Status
		Expect(st.Day.Overtime).To(BeZero())
	})

	It("answers only operational id time queries", func() {
		resp := ask(message.TimeRequest[operational.Scheduling](message.TimeQuery{Kind: message.TimeOperationalIds}))
		Expect(resp.Time.OperationalIds).To(Equal([]model.Id{"OP-1"}))

		_, err := a.Ask(ctx, message.TimeRequest[operational.Scheduling](message.TimeQuery{Kind: message.TimePeriods}))
		Expect(errors.Is(err, environment.ErrInvalidRequest)).To(BeTrue())
	})
})

var _ = Describe("Algorithm", func() {
	It("is reproducible for a fixed seed", func() {
		env := delegated()

		run := func() []operational.IterationTrace {
			alg := operational.NewAlgorithm(agent.NewRNG(3, model.LevelOperational, "OP-1"), "OP-1")
			alg.Sync(env.View())
			alg.Adopt()
			var traces []operational.IterationTrace
			for range 10 {
				traces = append(traces, alg.Iterate(1, 0))
			}
			return traces
		}

		Expect(cmp.Diff(run(), run())).To(BeEmpty())
	})
})
