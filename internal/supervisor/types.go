package supervisor

import (
	"context"

	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
)

// TacticalQuerier answers which day an activity currently sits on.
type TacticalQuerier interface {
	DayOf(ctx context.Context, key model.ActivityKey) (*model.Day, error)
}

// SupervisorSchedulingMessage delegates one activity to one operational
// identity. An empty IdOperational withdraws the delegation.
type SupervisorSchedulingMessage struct {
	WorkOrderNumber model.WorkOrderNumber `json:"work_order_number"`
	ActivityNumber  model.ActivityNumber  `json:"activity_number"`
	IdOperational   model.Id              `json:"id_operational"`
}

func (m SupervisorSchedulingMessage) Key() model.ActivityKey {
	return model.ActivityKey{WorkOrder: m.WorkOrderNumber, Activity: m.ActivityNumber}
}

type SchedulingKind string

const (
	KindDelegate SchedulingKind = "delegate"
	KindOptimize SchedulingKind = "optimize"
)

type Scheduling struct {
	Kind        SchedulingKind                `json:"kind"`
	Delegations []SupervisorSchedulingMessage `json:"delegations,omitempty"`
	Iterations  int                           `json:"iterations,omitempty"`
}

type Delegation struct {
	Activity model.ActivityKey       `json:"activity"`
	Delegate *model.Id               `json:"delegate,omitempty"`
	Day      model.Day               `json:"day"`
	Resource model.Resource          `json:"resource"`
	Work     model.Work              `json:"work"`
	Status   model.OperationalStatus `json:"status"`
}

type Status struct {
	Objective      float64                 `json:"objective"`
	OperationalIds []model.Id              `json:"operational_ids"`
	DelegatedOpen  int                     `json:"delegated_open"`
	Undelegated    int                     `json:"undelegated"`
	Load           map[model.Id]model.Work `json:"load"`
	Delegations    []Delegation            `json:"delegations,omitempty"`
}

type (
	Request  = message.Request[Scheduling]
	Response = message.Response[Status]
)
