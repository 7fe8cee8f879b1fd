package orchestrator

import (
	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/operational"
	"basegraph.app/scheduler/internal/strategic"
	"basegraph.app/scheduler/internal/supervisor"
	"basegraph.app/scheduler/internal/tactical"
)

type Kind string

const (
	KindAgentStatus       Kind = "agent_status"
	KindWorkOrderStatus   Kind = "work_order_status"
	KindReloadOptions     Kind = "reload_options"
	KindReloadEnvironment Kind = "reload_environment"
)

// Command is addressed to the orchestrator itself.
type Command struct {
	Kind      Kind                   `json:"kind"`
	WorkOrder *model.WorkOrderNumber `json:"work_order_number,omitempty"`
	Options   *agent.Options         `json:"options,omitempty"`
	Snapshot  *environment.Snapshot  `json:"snapshot,omitempty"`
}

// Request is the tagged inbound envelope. Exactly the payload matching Level
// is read; OperationalID selects the operational agent.
type Request struct {
	Level         model.Level          `json:"level"`
	OperationalID model.Id             `json:"operational_id,omitempty"`
	Orchestrator  *Command             `json:"orchestrator,omitempty"`
	Strategic     *strategic.Request   `json:"strategic,omitempty"`
	Tactical      *tactical.Request    `json:"tactical,omitempty"`
	Supervisor    *supervisor.Request  `json:"supervisor,omitempty"`
	Operational   *operational.Request `json:"operational,omitempty"`
}

type AgentStatus struct {
	Strategic   *strategic.Status                `json:"strategic,omitempty"`
	Tactical    *tactical.Status                 `json:"tactical,omitempty"`
	Supervisor  *supervisor.Status               `json:"supervisor,omitempty"`
	Operational map[model.Id]*operational.Status `json:"operational,omitempty"`
}

type ActivityView struct {
	Activity   model.ActivityKey      `json:"activity"`
	Resource   model.Resource         `json:"resource"`
	Work       model.Work             `json:"work"`
	Assignment environment.Assignment `json:"assignment"`
}

// WorkOrderStatus is the cross-level view of one work order.
type WorkOrderStatus struct {
	WorkOrder  model.WorkOrderNumber `json:"work_order_number"`
	Info       model.WorkOrderInfo   `json:"info"`
	Activities []ActivityView        `json:"activities"`
}

type CommandResult struct {
	Kind      Kind             `json:"kind"`
	Agents    *AgentStatus     `json:"agents,omitempty"`
	WorkOrder *WorkOrderStatus `json:"work_order,omitempty"`
	Options   *agent.Options   `json:"options,omitempty"`
	Version   uint64           `json:"version,omitempty"`
	// AddedOperationalIds lists the agents a reload created.
	AddedOperationalIds []model.Id `json:"added_operational_ids,omitempty"`
}

// ErrorEnvelope is the generic failure reply for any level.
type ErrorEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Response struct {
	RequestID    int64                 `json:"request_id,string"`
	Level        model.Level           `json:"level"`
	Orchestrator *CommandResult        `json:"orchestrator,omitempty"`
	Strategic    *strategic.Response   `json:"strategic,omitempty"`
	Tactical     *tactical.Response    `json:"tactical,omitempty"`
	Supervisor   *supervisor.Response  `json:"supervisor,omitempty"`
	Operational  *operational.Response `json:"operational,omitempty"`
	Error        *ErrorEnvelope        `json:"error,omitempty"`
}
