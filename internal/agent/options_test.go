package agent_test

import (
	"errors"
	"math"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

var _ = Describe("Options", func() {
	It("accepts the defaults", func() {
		Expect(agent.DefaultOptions().Validate()).To(Succeed())
	})

	DescribeTable("rejects out of range values",
		func(mutate func(*agent.Options)) {
			o := agent.DefaultOptions()
			mutate(&o)
			Expect(errors.Is(o.Validate(), environment.ErrConfiguration)).To(BeTrue())
		},
		Entry("negative unassigned count", func(o *agent.Options) { o.NumberOfUnassignedWorkOrders = -1 }),
		Entry("zero iteration budget", func(o *agent.Options) { o.IterationBudget = 0 }),
		Entry("negative tolerance", func(o *agent.Options) { o.Tolerance = -0.5 }),
		Entry("zero timeout", func(o *agent.Options) { o.CrossAgentTimeout = 0 }),
	)

	It("keeps the previous options when a reload is invalid", func() {
		shared, err := agent.NewSharedOptions(agent.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())

		bad := agent.DefaultOptions()
		bad.IterationBudget = -1
		Expect(shared.Set(bad)).NotTo(Succeed())
		Expect(shared.Get()).To(Equal(agent.DefaultOptions()))

		good := agent.DefaultOptions()
		good.Tolerance = 2
		Expect(shared.Set(good)).To(Succeed())
		Expect(shared.Get().Tolerance).To(Equal(2.0))
	})
})

var _ = Describe("randomness", func() {
	candidates := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	It("samples reproducibly for a fixed seed and level", func() {
		a := agent.Sample(agent.NewRNG(7, model.LevelStrategic, ""), candidates, 4)
		b := agent.Sample(agent.NewRNG(7, model.LevelStrategic, ""), candidates, 4)

		Expect(a).To(HaveLen(4))
		Expect(cmp.Diff(a, b)).To(BeEmpty())
	})

	It("separates operational streams sharing a seed", func() {
		a := agent.Sample(agent.NewRNG(7, model.LevelOperational, "OP-1"), candidates, len(candidates))
		b := agent.Sample(agent.NewRNG(7, model.LevelOperational, "OP-2"), candidates, len(candidates))

		Expect(a).To(ConsistOf(candidates))
		Expect(cmp.Diff(a, b)).NotTo(BeEmpty())
	})

	It("caps the sample at the candidate count", func() {
		rng := agent.NewRNG(1, model.LevelTactical, "")

		Expect(agent.Sample(rng, candidates[:2], 5)).To(HaveLen(2))
		Expect(agent.Sample(rng, candidates, 0)).To(BeEmpty())
	})

	It("repairs heavier items first", func() {
		rng := agent.NewRNG(3, model.LevelStrategic, "")

		order := agent.RepairOrder(rng, []int{1, 4, 2, 4, 3}, func(v int) float64 { return float64(v) })

		Expect(order).To(Equal([]int{4, 4, 3, 2, 1}))
	})
})

var _ = Describe("objective helpers", func() {
	It("sums absolute deviations from the mean", func() {
		Expect(agent.Deviation([]float64{10, 20, 30})).To(BeNumerically("~", 20, 1e-9))
		Expect(agent.Deviation([]float64{50})).To(BeZero())
	})

	It("accepts candidates within tolerance", func() {
		Expect(agent.Accept(10, 10, 0)).To(BeTrue())
		Expect(agent.Accept(10.5, 10, 0)).To(BeFalse())
		Expect(agent.Accept(10.5, 10, 1)).To(BeTrue())
		Expect(agent.Accept(math.Inf(1), 10, 1)).To(BeFalse())
	})
})
