package tactical_test

import (
	"context"
	"time"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

type mockStrategic struct {
	periodOfFn func(ctx context.Context, n model.WorkOrderNumber) (*model.PeriodID, error)
}

func (m *mockStrategic) PeriodOf(ctx context.Context, n model.WorkOrderNumber) (*model.PeriodID, error) {
	if m.periodOfFn != nil {
		return m.periodOfFn(ctx, n)
	}
	return nil, nil
}

const mech model.Resource = "MTN-MECH"

// week is one five-day period with 8h of mechanical capacity per day and
// three work orders of two 4h activities each. OP-1 is the only technician.
func week() environment.Snapshot {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	s := environment.Snapshot{
		Periods: []model.Period{{ID: 1, Start: start, End: start.AddDate(0, 0, 5)}},
		TacticalCapacity: map[model.Resource]map[string]model.Work{
			mech: {},
		},
		OperationalResources: []model.OperationalResource{
			{ID: "OP-1", Resources: []model.Resource{mech}, HoursPerDay: 8},
		},
	}
	for i := range 5 {
		s.TacticalCapacity[mech][start.AddDate(0, 0, i).Format("2006-01-02")] = 8
	}
	for i := range 3 {
		s.WorkOrders = append(s.WorkOrders, model.WorkOrder{
			Number: model.WorkOrderNumber(1001 + i),
			Info:   model.WorkOrderInfo{Priority: 2},
			Operations: []model.Operation{
				{Number: 10, Resource: mech, Work: 4},
				{Number: 20, Resource: mech, Work: 4},
			},
		})
	}
	return s
}

// busyWeek is the week of ten work orders with one 2h activity each.
func busyWeek() environment.Snapshot {
	s := week()
	s.WorkOrders = nil
	for i := range 10 {
		s.WorkOrders = append(s.WorkOrders, model.WorkOrder{
			Number:     model.WorkOrderNumber(2001 + i),
			Info:       model.WorkOrderInfo{Priority: 2},
			Operations: []model.Operation{{Number: 10, Resource: mech, Work: 2}},
		})
	}
	return s
}

func key(wo, act uint64) model.ActivityKey {
	return model.ActivityKey{WorkOrder: model.WorkOrderNumber(wo), Activity: model.ActivityNumber(act)}
}

func ptr[T any](v T) *T {
	return &v
}
