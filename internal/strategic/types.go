package strategic

import (
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
)

type SchedulingKind string

const (
	KindSchedule   SchedulingKind = "schedule"
	KindUnschedule SchedulingKind = "unschedule"
	KindOptimize   SchedulingKind = "optimize"
)

type Placement struct {
	WorkOrder model.WorkOrderNumber `json:"work_order_number"`
	Period    model.PeriodID        `json:"period"`
}

// Scheduling is the strategic payload. Schedule and Unschedule batches are
// applied all-or-nothing.
type Scheduling struct {
	Kind       SchedulingKind          `json:"kind"`
	Placements []Placement             `json:"placements,omitempty"`
	WorkOrders []model.WorkOrderNumber `json:"work_orders,omitempty"`
	Iterations int                     `json:"iterations,omitempty"`
}

type WorkOrderState struct {
	WorkOrder  model.WorkOrderNumber `json:"work_order_number"`
	Period     *model.PeriodID       `json:"period,omitempty"`
	Priority   model.Priority        `json:"priority"`
	Activities int                   `json:"activities"`
	// Pinned work orders have activities on tactical days and cannot move.
	Pinned bool `json:"pinned"`
}

type Status struct {
	Objective   float64          `json:"objective"`
	Scheduled   int              `json:"scheduled"`
	Unscheduled int              `json:"unscheduled"`
	Periods     int              `json:"periods"`
	WorkOrders  []WorkOrderState `json:"work_orders,omitempty"`
}

type (
	Request  = message.Request[Scheduling]
	Response = message.Response[Status]
)
