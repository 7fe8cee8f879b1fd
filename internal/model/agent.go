package model

import (
	"fmt"
	"slices"
)

// Id is the opaque identity of a supervisor or operational agent.
type Id string

// OperationalResource describes one technician identity the supervisor can
// delegate to.
type OperationalResource struct {
	ID          Id         `json:"id" yaml:"id"`
	Resources   []Resource `json:"resources" yaml:"resources"`
	HoursPerDay Work       `json:"hours_per_day" yaml:"hours_per_day"`
}

func (o OperationalResource) Skilled(r Resource) bool {
	return slices.Contains(o.Resources, r)
}

// Level is the closed set of scheduling horizons plus the orchestrator itself.
type Level int

const (
	LevelOrchestrator Level = iota
	LevelStrategic
	LevelTactical
	LevelSupervisor
	LevelOperational
)

var levelNames = map[Level]string{
	LevelOrchestrator: "orchestrator",
	LevelStrategic:    "strategic",
	LevelTactical:     "tactical",
	LevelSupervisor:   "supervisor",
	LevelOperational:  "operational",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) MarshalText() ([]byte, error) {
	if _, ok := levelNames[l]; !ok {
		return nil, fmt.Errorf("unknown level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	for level, name := range levelNames {
		if name == string(text) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", string(text))
}

// OperationalStatus is the per-activity lifecycle tracked by operational agents.
type OperationalStatus int

const (
	StatusNone OperationalStatus = iota
	StatusAssign
	StatusAssess
	StatusUnassign
)

var statusNames = map[OperationalStatus]string{
	StatusNone:     "none",
	StatusAssign:   "assign",
	StatusAssess:   "assess",
	StatusUnassign: "unassign",
}

// Assign -> Assess -> Unassign, and back to Assign on reassessment. An activity
// that is assigned but not yet assessed may also be released directly.
var statusTransitions = map[OperationalStatus][]OperationalStatus{
	StatusNone:     {StatusAssign, StatusUnassign},
	StatusAssign:   {StatusAssess, StatusUnassign},
	StatusAssess:   {StatusUnassign, StatusAssign},
	StatusUnassign: {StatusAssign},
}

func (s OperationalStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s OperationalStatus) CanTransition(to OperationalStatus) bool {
	if s == to {
		return true
	}
	return slices.Contains(statusTransitions[s], to)
}

func (s OperationalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OperationalStatus) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown operational status %q", string(text))
}
