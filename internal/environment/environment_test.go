package environment_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

var _ = Describe("Environment", func() {
	var (
		env         *environment.Environment
		strategic   *environment.StrategicWriter
		tactical    *environment.TacticalWriter
		supervisor  *environment.SupervisorWriter
		operational *environment.OperationalWriter
	)

	BeforeEach(func() {
		var err error
		env, err = environment.New(snapshot())
		Expect(err).NotTo(HaveOccurred())

		strategic, err = env.ClaimStrategic()
		Expect(err).NotTo(HaveOccurred())
		tactical, err = env.ClaimTactical()
		Expect(err).NotTo(HaveOccurred())
		supervisor, err = env.ClaimSupervisor()
		Expect(err).NotTo(HaveOccurred())
		operational, err = env.ClaimOperational("OP-1")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("New", func() {
		It("derives the days of every period in horizon order", func() {
			days := env.Days()
			Expect(days).To(HaveLen(4))
			Expect(days[0]).To(Equal(monday))
			Expect(days[2]).To(Equal(wednesday))
			Expect(env.DaysInPeriod(p1)).To(Equal([]model.Day{monday, tuesday}))
		})

		It("rejects overlapping periods", func() {
			s := snapshot()
			s.Periods[0].Start = date("2026-01-06")

			_, err := environment.New(s)

			Expect(errors.Is(err, environment.ErrConfiguration)).To(BeTrue())
		})

		It("rejects capacities for days outside the horizon", func() {
			s := snapshot()
			s.TacticalCapacity[mech]["2027-01-01"] = 8

			_, err := environment.New(s)

			Expect(errors.Is(err, environment.ErrConfiguration)).To(BeTrue())
		})

		It("sorts exclusions in horizon order when period ids are not chronological", func() {
			s := snapshot()
			s.Periods = []model.Period{
				{ID: 7, Start: date("2026-01-05"), End: date("2026-01-07")},
				{ID: 3, Start: date("2026-01-07"), End: date("2026-01-09")},
			}
			s.StrategicCapacity = nil
			s.TacticalCapacity = nil
			shuffled, err := environment.New(s)
			Expect(err).NotTo(HaveOccurred())
			tw, err := shuffled.ClaimTactical()
			Expect(err).NotTo(HaveOccurred())

			days := shuffled.Days()
			Expect(days[0].Period).To(Equal(model.PeriodID(7)))
			Expect(tw.Apply([]environment.DayChange{
				{Activity: key(1, 10), Exclusions: []model.Day{days[3], days[0]}},
			})).To(Succeed())

			as, err := shuffled.Assignment(key(1, 10))
			Expect(err).NotTo(HaveOccurred())
			Expect(as.Excluded).To(Equal([]model.Day{days[0], days[3]}))
		})

		It("accepts an empty environment", func() {
			empty, err := environment.New(environment.Snapshot{})

			Expect(err).NotTo(HaveOccurred())
			Expect(empty.Periods()).To(BeEmpty())
			Expect(empty.Resources()).To(BeEmpty())
		})
	})

	Describe("claims", func() {
		It("hands out each writer once", func() {
			_, err := env.ClaimStrategic()
			Expect(errors.Is(err, environment.ErrConfiguration)).To(BeTrue())

			_, err = env.ClaimOperational("OP-1")
			Expect(errors.Is(err, environment.ErrConfiguration)).To(BeTrue())
		})

		It("rejects unknown operational identities", func() {
			_, err := env.ClaimOperational("OP-9")
			Expect(errors.Is(err, environment.ErrConfiguration)).To(BeTrue())
		})
	})

	Describe("assignment backbone", func() {
		It("round-trips a period, a day, a delegation and a status", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())
			Expect(tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(tuesday), ExpectedPeriod: ptr(p1)}})).To(Succeed())
			Expect(supervisor.Apply([]environment.DelegationChange{{Activity: key(1, 10), Delegate: ptr(model.Id("OP-1")), ExpectedDay: ptr(tuesday)}})).To(Succeed())
			Expect(operational.Apply([]environment.StatusChange{{Activity: key(1, 10), Status: model.StatusAssign}})).To(Succeed())

			as, err := env.Assignment(key(1, 10))
			Expect(err).NotTo(HaveOccurred())
			Expect(*as.Period).To(Equal(p1))
			Expect(*as.Day).To(Equal(tuesday))
			Expect(*as.Delegate).To(Equal(model.Id("OP-1")))
			Expect(as.Status).To(Equal(model.StatusAssign))

			Expect(env.StrategicLoading(mech, p1)).To(Equal(model.Work(4)))
			Expect(env.TacticalLoading(mech, tuesday)).To(Equal(model.Work(4)))
			Expect(env.ActivitiesOnDay(tuesday)).To(ConsistOf(key(1, 10)))
			Expect(env.ActivitiesInPeriod(p1)).To(ConsistOf(key(1, 10)))
		})

		It("refuses a day without a period", func() {
			err := tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday)}})
			Expect(errors.Is(err, environment.ErrInvariantViolation)).To(BeTrue())
		})

		It("refuses a day outside the assigned period", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())

			err := tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(wednesday)}})

			Expect(errors.Is(err, environment.ErrInvariantViolation)).To(BeTrue())
			var se *environment.ScheduleError
			Expect(errors.As(err, &se)).To(BeTrue())
			Expect(*se.Activity).To(Equal(key(1, 10)))
		})

		It("refuses to move a work order that has activities on days", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())
			Expect(tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday)}})).To(Succeed())

			err := strategic.Apply([]environment.PeriodChange{{WorkOrder: 1}})

			Expect(errors.Is(err, environment.ErrInvariantViolation)).To(BeTrue())
		})

		It("refuses to move the day of a delegated activity", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())
			Expect(tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday)}})).To(Succeed())
			Expect(supervisor.Apply([]environment.DelegationChange{{Activity: key(1, 10), Delegate: ptr(model.Id("OP-1"))}})).To(Succeed())

			err := tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(tuesday)}})

			Expect(errors.Is(err, environment.ErrInvariantViolation)).To(BeTrue())
		})

		It("refuses a status change before a delegation", func() {
			err := operational.Apply([]environment.StatusChange{{Activity: key(1, 10), Status: model.StatusAssign}})
			Expect(errors.Is(err, environment.ErrStaleAssignment)).To(BeTrue())
		})

		It("refuses excluded days", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())

			err := tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday), Exclusions: []model.Day{monday}}})

			Expect(errors.Is(err, environment.ErrInvariantViolation)).To(BeTrue())
			as, _ := env.Assignment(key(1, 10))
			Expect(as.Excluded).To(BeEmpty())
		})
	})

	Describe("capacity", func() {
		It("rejects a batch that overloads a period and applies none of it", func() {
			version := env.Version()

			err := strategic.Apply([]environment.PeriodChange{
				{WorkOrder: 1, Period: ptr(p1)},
				{WorkOrder: 2, Period: ptr(p1)},
			})

			Expect(errors.Is(err, environment.ErrCapacityExceeded)).To(BeTrue())
			Expect(env.Version()).To(Equal(version))
			as, _ := env.Assignment(key(1, 10))
			Expect(as.Period).To(BeNil())
			Expect(env.StrategicLoading(mech, p1)).To(BeZero())
		})

		It("treats unknown periods as having no capacity", func() {
			err := strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(model.PeriodID(9))}})
			Expect(errors.Is(err, environment.ErrCapacityExceeded)).To(BeTrue())
		})

		It("frees a bucket before filling it within one batch", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 2, Period: ptr(p1)}})).To(Succeed())

			Expect(strategic.Apply([]environment.PeriodChange{
				{WorkOrder: 2, Period: ptr(p2)},
				{WorkOrder: 1, Period: ptr(p1)},
			})).To(Succeed())

			Expect(env.StrategicLoading(mech, p1)).To(Equal(model.Work(4)))
			Expect(env.StrategicLoading(mech, p2)).To(Equal(model.Work(8)))
		})

		It("does not double count an identical schedule", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())
			change := []environment.DayChange{{Activity: key(1, 10), Day: ptr(monday)}}

			Expect(tactical.Apply(change)).To(Succeed())
			Expect(tactical.Apply(change)).To(Succeed())

			Expect(env.TacticalLoading(mech, monday)).To(Equal(model.Work(4)))
		})

		It("keeps existing assignments when a day's capacity drops to zero", func() {
			Expect(strategic.SetCapacity(mech, p1, 20)).To(Succeed())
			Expect(strategic.Apply([]environment.PeriodChange{
				{WorkOrder: 1, Period: ptr(p1)},
				{WorkOrder: 2, Period: ptr(p1)},
			})).To(Succeed())
			Expect(tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday)}})).To(Succeed())

			Expect(tactical.SetCapacity(mech, monday, 0)).To(Succeed())

			as, _ := env.Assignment(key(1, 10))
			Expect(*as.Day).To(Equal(monday))
			err := tactical.Apply([]environment.DayChange{{Activity: key(2, 10), Day: ptr(monday)}})
			Expect(errors.Is(err, environment.ErrCapacityExceeded)).To(BeTrue())
			pct, ok := env.TacticalPercentage(mech, monday)
			Expect(ok).To(BeFalse())
			Expect(pct).To(BeZero())
		})
	})

	Describe("optimistic tokens", func() {
		BeforeEach(func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())
		})

		It("rejects a day change against a moved period", func() {
			err := tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday), ExpectedPeriod: ptr(p2)}})
			Expect(errors.Is(err, environment.ErrStaleAssignment)).To(BeTrue())
		})

		It("rejects a delegation against a moved day", func() {
			Expect(tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday)}})).To(Succeed())

			err := supervisor.Apply([]environment.DelegationChange{{Activity: key(1, 10), Delegate: ptr(model.Id("OP-1")), ExpectedDay: ptr(tuesday)}})

			Expect(errors.Is(err, environment.ErrStaleAssignment)).To(BeTrue())
		})
	})

	Describe("delegation", func() {
		BeforeEach(func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())
			Expect(tactical.Apply([]environment.DayChange{{Activity: key(1, 10), Day: ptr(monday)}})).To(Succeed())
		})

		It("requires the technician to hold the resource", func() {
			err := supervisor.Apply([]environment.DelegationChange{{Activity: key(1, 10), Delegate: ptr(model.Id("OP-2"))}})
			Expect(errors.Is(err, environment.ErrInvariantViolation)).To(BeTrue())
		})

		It("resets the operational status when the delegation is withdrawn", func() {
			Expect(supervisor.Apply([]environment.DelegationChange{{Activity: key(1, 10), Delegate: ptr(model.Id("OP-1"))}})).To(Succeed())
			Expect(operational.Apply([]environment.StatusChange{{Activity: key(1, 10), Status: model.StatusAssign}})).To(Succeed())

			Expect(supervisor.Apply([]environment.DelegationChange{{Activity: key(1, 10)}})).To(Succeed())

			as, _ := env.Assignment(key(1, 10))
			Expect(as.Delegate).To(BeNil())
			Expect(as.Status).To(Equal(model.StatusNone))
		})

		It("rejects illegal lifecycle transitions", func() {
			Expect(supervisor.Apply([]environment.DelegationChange{{Activity: key(1, 10), Delegate: ptr(model.Id("OP-1"))}})).To(Succeed())

			err := operational.Apply([]environment.StatusChange{{Activity: key(1, 10), Status: model.StatusAssess}})

			Expect(errors.Is(err, environment.ErrInvariantViolation)).To(BeTrue())
		})
	})

	Describe("Reload", func() {
		It("replaces the state and bumps the version", func() {
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())
			version := env.Version()

			Expect(env.Reload(snapshot())).To(Succeed())

			Expect(env.Version()).To(BeNumerically(">", version))
			as, _ := env.Assignment(key(1, 10))
			Expect(as.Period).To(BeNil())
		})

		It("refuses to drop a claimed operational identity", func() {
			s := snapshot()
			s.OperationalResources = s.OperationalResources[1:]

			err := env.Reload(s)

			Expect(errors.Is(err, environment.ErrConfiguration)).To(BeTrue())
		})
	})

	Describe("View", func() {
		It("is a copy that later writes do not change", func() {
			v := env.View()
			Expect(strategic.Apply([]environment.PeriodChange{{WorkOrder: 1, Period: ptr(p1)}})).To(Succeed())

			Expect(v.Activities[key(1, 10)].Period).To(BeNil())
			Expect(v.StrategicLoad[mech][p1]).To(BeZero())
			Expect(v.Version).To(BeNumerically("<", env.Version()))
		})
	})
})

var _ = Describe("Kind", func() {
	DescribeTable("maps wrapped errors to their taxonomy name",
		func(err error, want string) {
			Expect(environment.Kind(fmt.Errorf("outer: %w", err))).To(Equal(want))
		},
		Entry("invariant", environment.ErrInvariantViolation, "invariant_violation"),
		Entry("stale", environment.ErrStaleAssignment, "stale_assignment"),
		Entry("capacity", environment.ErrCapacityExceeded, "capacity_exceeded"),
		Entry("timeout", environment.ErrCrossAgentTimeout, "cross_agent_timeout"),
		Entry("configuration", environment.ErrConfiguration, "configuration_error"),
		Entry("not found", environment.ErrNotFound, "not_found"),
		Entry("invalid", environment.ErrInvalidRequest, "invalid_request"),
		Entry("other", errors.New("boom"), "internal"),
	)
})
