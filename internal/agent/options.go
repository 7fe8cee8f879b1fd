package agent

import (
	"fmt"
	"sync"
	"time"

	"basegraph.app/scheduler/internal/environment"
)

// Options are the system-wide knobs every level reads before each iteration.
type Options struct {
	Seed uint64 `json:"seed"`

	// Destroy-step sizes.
	NumberOfUnassignedWorkOrders int `json:"number_of_unassigned_work_orders"` // strategic and supervisor
	NumberOfRemovedWorkOrders    int `json:"number_of_removed_work_orders"`    // tactical
	NumberOfRemovedActivities    int `json:"number_of_removed_activities"`     // operational

	// IterationBudget caps the iterations a single optimise request may run.
	IterationBudget int `json:"iteration_budget"`
	// IterationsPerStep is the batch size of a background step.
	IterationsPerStep int `json:"iterations_per_step"`
	// Tolerance is how much worse a candidate objective may be and still be accepted.
	Tolerance float64 `json:"tolerance"`

	CrossAgentTimeout time.Duration `json:"cross_agent_timeout"`
}

func DefaultOptions() Options {
	return Options{
		Seed:                         1,
		NumberOfUnassignedWorkOrders: 5,
		NumberOfRemovedWorkOrders:    5,
		NumberOfRemovedActivities:    3,
		IterationBudget:              1000,
		IterationsPerStep:            10,
		Tolerance:                    0,
		CrossAgentTimeout:            2 * time.Second,
	}
}

func (o Options) Validate() error {
	switch {
	case o.NumberOfUnassignedWorkOrders < 0:
		return fmt.Errorf("%w: number_of_unassigned_work_orders must not be negative", environment.ErrConfiguration)
	case o.NumberOfRemovedWorkOrders < 0:
		return fmt.Errorf("%w: number_of_removed_work_orders must not be negative", environment.ErrConfiguration)
	case o.NumberOfRemovedActivities < 0:
		return fmt.Errorf("%w: number_of_removed_activities must not be negative", environment.ErrConfiguration)
	case o.IterationBudget <= 0:
		return fmt.Errorf("%w: iteration_budget must be positive", environment.ErrConfiguration)
	case o.IterationsPerStep < 0:
		return fmt.Errorf("%w: iterations_per_step must not be negative", environment.ErrConfiguration)
	case o.Tolerance < 0:
		return fmt.Errorf("%w: tolerance must not be negative", environment.ErrConfiguration)
	case o.CrossAgentTimeout <= 0:
		return fmt.Errorf("%w: cross_agent_timeout must be positive", environment.ErrConfiguration)
	}
	return nil
}

// SharedOptions is read by every agent on every iteration and replaced on
// explicit reloads only. A pending Set blocks new readers, so reloads are not
// starved by the steady stream of agent reads.
type SharedOptions struct {
	mu   sync.RWMutex
	opts Options
}

func NewSharedOptions(opts Options) (*SharedOptions, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &SharedOptions{opts: opts}, nil
}

func (s *SharedOptions) Get() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Set replaces the options. The seed is only read when an agent is built, so a
// reload never reseeds a running agent.
func (s *SharedOptions) Set(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
	return nil
}
