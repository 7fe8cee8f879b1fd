package supervisor_test

import (
	"context"
	"time"

	. "github.com/onsi/gomega"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

type mockTactical struct {
	dayOfFn func(ctx context.Context, key model.ActivityKey) (*model.Day, error)
}

func (m *mockTactical) DayOf(ctx context.Context, key model.ActivityKey) (*model.Day, error) {
	if m.dayOfFn != nil {
		return m.dayOfFn(ctx, key)
	}
	return nil, nil
}

const (
	mech model.Resource = "MTN-MECH"
	elec model.Resource = "MTN-ELEC"
)

func key(wo, act uint64) model.ActivityKey {
	return model.ActivityKey{WorkOrder: model.WorkOrderNumber(wo), Activity: model.ActivityNumber(act)}
}

func ptr[T any](v T) *T {
	return &v
}

// crew is one three-day period with three technicians and two work orders.
// Work order 1001 carries two mechanical and one electrical activity.
func crew() environment.Snapshot {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	daily := func(w model.Work) map[string]model.Work {
		out := make(map[string]model.Work)
		for i := range 3 {
			out[start.AddDate(0, 0, i).Format("2006-01-02")] = w
		}
		return out
	}
	return environment.Snapshot{
		Periods: []model.Period{{ID: 1, Start: start, End: start.AddDate(0, 0, 3)}},
		WorkOrders: []model.WorkOrder{
			{
				Number: 1001,
				Info:   model.WorkOrderInfo{Priority: 1},
				Operations: []model.Operation{
					{Number: 10, Resource: mech, Work: 3},
					{Number: 20, Resource: mech, Work: 3},
					{Number: 30, Resource: elec, Work: 2},
				},
			},
			{
				Number:     1002,
				Info:       model.WorkOrderInfo{Priority: 3},
				Operations: []model.Operation{{Number: 10, Resource: mech, Work: 4}},
			},
		},
		StrategicCapacity: map[model.Resource]map[model.PeriodID]model.Work{
			mech: {1: 40},
			elec: {1: 40},
		},
		TacticalCapacity: map[model.Resource]map[string]model.Work{
			mech: daily(16),
			elec: daily(8),
		},
		OperationalResources: []model.OperationalResource{
			{ID: "OP-1", Resources: []model.Resource{mech}, HoursPerDay: 8},
			{ID: "OP-2", Resources: []model.Resource{mech, elec}, HoursPerDay: 8},
			{ID: "OP-3", Resources: []model.Resource{elec}, HoursPerDay: 8},
		},
	}
}

// scheduled places both work orders in period 1 and their activities on the
// first two days.
func scheduled() *environment.Environment {
	return scheduledFrom(crew())
}

func scheduledFrom(s environment.Snapshot) *environment.Environment {
	env, err := environment.New(s)
	Expect(err).NotTo(HaveOccurred())
	sw, err := env.ClaimStrategic()
	Expect(err).NotTo(HaveOccurred())
	tw, err := env.ClaimTactical()
	Expect(err).NotTo(HaveOccurred())

	p := model.PeriodID(1)
	Expect(sw.Apply([]environment.PeriodChange{{WorkOrder: 1001, Period: &p}, {WorkOrder: 1002, Period: &p}})).To(Succeed())
	days := env.DaysInPeriod(1)
	Expect(tw.Apply([]environment.DayChange{
		{Activity: key(1001, 10), Day: &days[0]},
		{Activity: key(1001, 20), Day: &days[0]},
		{Activity: key(1001, 30), Day: &days[0]},
		{Activity: key(1002, 10), Day: &days[1]},
	})).To(Succeed())
	return env
}
