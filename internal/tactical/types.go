package tactical

import (
	"context"

	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
)

// StrategicQuerier answers which period a work order currently sits in. The
// tactical agent asks it before committing user-driven day assignments.
type StrategicQuerier interface {
	PeriodOf(ctx context.Context, n model.WorkOrderNumber) (*model.PeriodID, error)
}

type SchedulingKind string

const (
	KindSchedule         SchedulingKind = "schedule"
	KindScheduleMultiple SchedulingKind = "schedule_multiple"
	KindExcludeFromDay   SchedulingKind = "exclude_from_day"
	KindUnschedule       SchedulingKind = "unschedule"
	KindOptimize         SchedulingKind = "optimize"
)

type ActivityDay struct {
	Activity model.ActivityKey `json:"activity"`
	Day      model.Day         `json:"day"`
}

// Scheduling is the tactical payload. Schedule takes exactly one assignment;
// ScheduleMultiple and ExcludeFromDay apply their batch all-or-nothing.
type Scheduling struct {
	Kind        SchedulingKind      `json:"kind"`
	Assignments []ActivityDay       `json:"assignments,omitempty"`
	Activities  []model.ActivityKey `json:"activities,omitempty"`
	Iterations  int                 `json:"iterations,omitempty"`
}

type State string

const (
	StateUnassigned State = "unassigned"
	StateAssigned   State = "assigned"
	StateExcluded   State = "excluded"
)

type ActivityState struct {
	Activity  model.ActivityKey `json:"activity"`
	State     State             `json:"state"`
	Resource  model.Resource    `json:"resource"`
	Work      model.Work        `json:"work"`
	Period    *model.PeriodID   `json:"period,omitempty"`
	Day       *model.Day        `json:"day,omitempty"`
	Excluded  []model.Day       `json:"excluded,omitempty"`
	Delegated bool              `json:"delegated"`
}

type Status struct {
	Objective  float64         `json:"objective"`
	Assigned   int             `json:"assigned"`
	Unassigned int             `json:"unassigned"`
	Excluded   int             `json:"excluded"`
	Activities []ActivityState `json:"activities,omitempty"`
}

type (
	Request  = message.Request[Scheduling]
	Response = message.Response[Status]
)
