package model

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
)

type (
	WorkOrderNumber uint64
	ActivityNumber  uint64
)

func (n WorkOrderNumber) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

func (n ActivityNumber) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

// ActivityKey identifies one operation of one work order. It is the unit every
// scheduling level assigns.
type ActivityKey struct {
	WorkOrder WorkOrderNumber `json:"work_order_number" yaml:"work_order_number"`
	Activity  ActivityNumber  `json:"activity_number" yaml:"activity_number"`
}

func (k ActivityKey) String() string {
	return fmt.Sprintf("%d/%d", k.WorkOrder, k.Activity)
}

func (k ActivityKey) Compare(o ActivityKey) int {
	if c := cmp.Compare(k.WorkOrder, o.WorkOrder); c != 0 {
		return c
	}
	return cmp.Compare(k.Activity, o.Activity)
}

// Work is an amount of resource time in hours.
type Work float64

// Resource is a work center or skill category, e.g. "MTN-MECH".
type Resource string

type SystemCondition string

const (
	SystemConditionRunning  SystemCondition = "running"
	SystemConditionShutdown SystemCondition = "shutdown"
	SystemConditionUnknown  SystemCondition = "unknown"
)

// Priority 1 is the most urgent.
type Priority int

// Weight scales the penalty of leaving a work order unscheduled.
func (p Priority) Weight() float64 {
	w := 5 - int(p)
	if w < 1 {
		w = 1
	}
	return float64(w)
}

type Revision struct {
	Code     string `json:"code" yaml:"code"`
	Shutdown bool   `json:"shutdown" yaml:"shutdown"`
}

type WorkOrderInfo struct {
	Revision           Revision        `json:"revision" yaml:"revision"`
	FunctionalLocation string          `json:"functional_location" yaml:"functional_location"`
	Priority           Priority        `json:"priority" yaml:"priority"`
	SystemCondition    SystemCondition `json:"system_condition" yaml:"system_condition"`
	Vendor             bool            `json:"vendor" yaml:"vendor"`
}

// Operation is a single activity of a work order with its analytic fields.
type Operation struct {
	Number         ActivityNumber `json:"number" yaml:"number"`
	Resource       Resource       `json:"resource" yaml:"resource"`
	Work           Work           `json:"work" yaml:"work"`
	Preparation    Work           `json:"preparation" yaml:"preparation"`
	Duration       Work           `json:"duration" yaml:"duration"`
	NumberOfPeople int            `json:"number_of_people" yaml:"number_of_people"`
}

type WorkOrder struct {
	Number     WorkOrderNumber `json:"number" yaml:"number"`
	Info       WorkOrderInfo   `json:"info" yaml:"info"`
	Operations []Operation     `json:"operations" yaml:"operations"`
}

func (w *WorkOrder) Operation(n ActivityNumber) (Operation, bool) {
	for _, op := range w.Operations {
		if op.Number == n {
			return op, true
		}
	}
	return Operation{}, false
}

func (w *WorkOrder) Keys() []ActivityKey {
	keys := make([]ActivityKey, 0, len(w.Operations))
	for _, op := range w.Operations {
		keys = append(keys, ActivityKey{WorkOrder: w.Number, Activity: op.Number})
	}
	return keys
}

// Load sums the work of all operations per resource.
func (w *WorkOrder) Load() map[Resource]Work {
	load := make(map[Resource]Work)
	for _, op := range w.Operations {
		load[op.Resource] += op.Work
	}
	return load
}

// Validate checks the structural rules ingestion must uphold: a work order has at
// least one operation and operation numbers are unique.
func (w *WorkOrder) Validate() error {
	if len(w.Operations) == 0 {
		return fmt.Errorf("work order %d has no operations", w.Number)
	}
	seen := make(map[ActivityNumber]struct{}, len(w.Operations))
	for _, op := range w.Operations {
		if _, ok := seen[op.Number]; ok {
			return fmt.Errorf("work order %d has duplicate activity %d", w.Number, op.Number)
		}
		if op.Work < 0 {
			return fmt.Errorf("work order %d activity %d has negative work", w.Number, op.Number)
		}
		seen[op.Number] = struct{}{}
	}
	return nil
}

// SortOperations orders operations by activity number.
func (w *WorkOrder) SortOperations() {
	slices.SortFunc(w.Operations, func(a, b Operation) int {
		return cmp.Compare(a.Number, b.Number)
	})
}
