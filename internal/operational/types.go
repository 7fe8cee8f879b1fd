package operational

import (
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
)

type SchedulingKind string

const (
	KindTransition SchedulingKind = "transition"
	KindOptimize   SchedulingKind = "optimize"
)

type Transition struct {
	Activity model.ActivityKey       `json:"activity"`
	Status   model.OperationalStatus `json:"status"`
}

type Scheduling struct {
	Kind        SchedulingKind `json:"kind"`
	Transitions []Transition   `json:"transitions,omitempty"`
	Iterations  int            `json:"iterations,omitempty"`
}

// Counters counts activities per lifecycle status. Status responses carry both
// the running transition totals and the current split.
type Counters struct {
	Assigned   int `json:"assigned"`
	Assessed   int `json:"assessed"`
	Unassigned int `json:"unassigned"`
}

func (c *Counters) add(s model.OperationalStatus) {
	switch s {
	case model.StatusAssign:
		c.Assigned++
	case model.StatusAssess:
		c.Assessed++
	case model.StatusUnassign:
		c.Unassigned++
	}
}

type ActivityState struct {
	Activity model.ActivityKey       `json:"activity"`
	Day      model.Day               `json:"day"`
	Resource model.Resource          `json:"resource"`
	Work     model.Work              `json:"work"`
	Status   model.OperationalStatus `json:"status"`
}

// DayState is the operational state as of one day.
type DayState struct {
	Day      model.Day  `json:"day"`
	Loading  model.Work `json:"loading"`
	Hours    model.Work `json:"hours"`
	Overtime model.Work `json:"overtime"`
}

type Status struct {
	ID          model.Id        `json:"id"`
	Objective   float64         `json:"objective"`
	Transitions Counters        `json:"transitions"`
	Current     Counters        `json:"current"`
	Day         *DayState       `json:"day,omitempty"`
	Activities  []ActivityState `json:"activities,omitempty"`
}

type (
	Request  = message.Request[Scheduling]
	Response = message.Response[Status]
)
