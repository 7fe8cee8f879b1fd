package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"basegraph.app/scheduler/common/logger"
	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
)

// Agent delegates day-scheduled activities to operational identities.
type Agent struct {
	mailbox *agent.Mailbox[Request, Response]
	runner  *agent.Runner[Request, Response]
}

type handler struct {
	env      *environment.Environment
	writer   *environment.SupervisorWriter
	tactical TacticalQuerier
	options  *agent.SharedOptions
	alg      *Algorithm
}

// NewAgent builds the supervisor for resources; an empty list covers every
// resource in the environment.
func NewAgent(env *environment.Environment, tactical TacticalQuerier, resources []model.Resource, options *agent.SharedOptions, cfg agent.RunnerConfig) (*Agent, error) {
	if tactical == nil {
		return nil, fmt.Errorf("%w: supervisor agent needs a tactical querier", environment.ErrConfiguration)
	}
	writer, err := env.ClaimSupervisor()
	if err != nil {
		return nil, err
	}
	if cfg.Component == "" {
		cfg.Component = "scheduler.supervisor.agent"
	}

	h := &handler{
		env:      env,
		writer:   writer,
		tactical: tactical,
		options:  options,
		alg:      NewAlgorithm(agent.NewRNG(options.Get().Seed, model.LevelSupervisor, ""), resources),
	}
	h.alg.Sync(env.View())

	mailbox := agent.NewMailbox[Request, Response](cfg.MailboxSize)
	return &Agent{
		mailbox: mailbox,
		runner:  agent.NewRunner(mailbox, agent.Handler[Request, Response](h), cfg),
	}, nil
}

func (a *Agent) Run(ctx context.Context) error {
	return a.runner.Run(ctx)
}

func (a *Agent) Stop() {
	a.runner.Stop()
}

func (a *Agent) Ask(ctx context.Context, req Request) (Response, error) {
	return a.mailbox.Ask(ctx, req, 0)
}

func (h *handler) Handle(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	h.syncIfStale()

	resp := Response{Kind: req.Kind}
	var err error
	switch req.Kind {
	case message.KindStatus:
		resp.Status, err = h.status(*req.Status)
	case message.KindScheduling:
		resp.Scheduling, err = h.schedule(ctx, *req.Scheduling)
	case message.KindTime:
		resp.Time, err = h.time(*req.Time)
	default:
		err = message.Unsupported(req.Kind)
	}
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (h *handler) Step(ctx context.Context) {
	opts := h.options.Get()
	if opts.IterationsPerStep == 0 {
		return
	}
	h.syncIfStale()
	h.optimize(ctx, opts.IterationsPerStep, opts)
}

func (h *handler) syncIfStale() {
	if h.env.Version() != h.alg.Version() {
		h.alg.Sync(h.env.View())
	}
}

func (h *handler) status(q message.StatusQuery) (*Status, error) {
	st := &Status{
		Objective: h.alg.Objective(),
		Load:      make(map[model.Id]model.Work, len(h.alg.techs)),
	}
	for _, tech := range h.alg.techs {
		st.OperationalIds = append(st.OperationalIds, tech.ID)
		st.Load[tech.ID] = h.alg.load[tech.ID]
	}

	include := func(model.ActivityKey, *activity) bool { return true }
	switch q.Kind {
	case message.StatusGeneral:
	case message.StatusWorkOrder:
		if q.WorkOrder == nil {
			return nil, fmt.Errorf("%w: work order status without work order", environment.ErrInvalidRequest)
		}
		if _, ok := h.env.WorkOrder(*q.WorkOrder); !ok {
			return nil, fmt.Errorf("%w: work order %d", environment.ErrNotFound, *q.WorkOrder)
		}
		include = func(key model.ActivityKey, _ *activity) bool { return key.WorkOrder == *q.WorkOrder }
	case message.StatusDay:
		if q.Day == nil {
			return nil, fmt.Errorf("%w: day status without day", environment.ErrInvalidRequest)
		}
		include = func(_ model.ActivityKey, act *activity) bool { return act.day == *q.Day }
	default:
		return nil, message.Unsupported(q.Kind)
	}

	for _, key := range h.alg.keys {
		act := h.alg.acts[key]
		id, delegated := h.alg.synced[key]
		if delegated {
			// Delegated but not yet completed: not assessed and not released.
			if act.status == model.StatusNone || act.status == model.StatusAssign {
				st.DelegatedOpen++
			}
		} else {
			st.Undelegated++
		}
		if !include(key, act) {
			continue
		}
		d := Delegation{
			Activity: key,
			Day:      act.day,
			Resource: act.resource,
			Work:     act.work,
			Status:   act.status,
		}
		if delegated {
			d.Delegate = &id
		}
		st.Delegations = append(st.Delegations, d)
	}
	return st, nil
}

func (h *handler) schedule(ctx context.Context, s Scheduling) (*message.SchedulingResult, error) {
	switch s.Kind {
	case KindDelegate:
		if len(s.Delegations) == 0 {
			return nil, fmt.Errorf("%w: delegate without delegations", environment.ErrInvalidRequest)
		}
		return h.delegate(ctx, s.Delegations), nil
	case KindOptimize:
		if s.Iterations <= 0 {
			return nil, fmt.Errorf("%w: optimize needs a positive iteration count", environment.ErrInvalidRequest)
		}
		return &message.SchedulingResult{Accepted: true, Optimization: h.optimize(ctx, s.Iterations, h.options.Get())}, nil
	default:
		return nil, message.Unsupported(s.Kind)
	}
}

// delegate validates every activity's day with the tactical agent, then
// applies the batch. Re-sending for the same activity replaces the delegate.
func (h *handler) delegate(ctx context.Context, msgs []SupervisorSchedulingMessage) *message.SchedulingResult {
	changes := make([]environment.DelegationChange, 0, len(msgs))
	var err error
	for _, m := range msgs {
		key := m.Key()
		if err = h.admit(m); err != nil {
			break
		}
		if m.IdOperational == "" {
			changes = append(changes, environment.DelegationChange{Activity: key})
			continue
		}
		var day *model.Day
		day, err = h.tactical.DayOf(ctx, key)
		if err != nil {
			break
		}
		if day == nil {
			err = &environment.ScheduleError{
				Err:      environment.ErrStaleAssignment,
				Activity: &key,
				Detail:   "activity has no tactical day",
			}
			break
		}
		id := m.IdOperational
		changes = append(changes, environment.DelegationChange{Activity: key, Delegate: &id, ExpectedDay: day})
	}
	if err == nil {
		err = h.writer.Apply(changes)
	}
	if err != nil {
		slog.InfoContext(ctx, "supervisor delegation rejected", "error", err)
	}

	items := make([]message.ItemResult, 0, len(msgs))
	for _, m := range msgs {
		if err != nil {
			items = append(items, message.RejectedActivity(m.Key(), err))
		} else {
			items = append(items, message.AcceptedActivity(m.Key()))
		}
	}
	h.alg.Sync(h.env.View())
	return message.Collect(items...)
}

// admit keeps a delegation inside the supervisor's resources and the
// identities serving them. Unknown identities are left to the environment.
func (h *handler) admit(m SupervisorSchedulingMessage) error {
	key := m.Key()
	wo, ok := h.env.WorkOrder(key.WorkOrder)
	if !ok {
		return &environment.ScheduleError{Err: environment.ErrNotFound, WorkOrder: &key.WorkOrder}
	}
	op, ok := wo.Operation(key.Activity)
	if !ok {
		return &environment.ScheduleError{Err: environment.ErrNotFound, Activity: &key}
	}
	if !h.alg.inScope(op.Resource) {
		return &environment.ScheduleError{
			Err:      environment.ErrInvariantViolation,
			Activity: &key,
			Detail:   fmt.Sprintf("resource %s is outside this supervisor", op.Resource),
		}
	}
	if m.IdOperational == "" {
		return nil
	}
	if len(h.alg.techs) == 0 {
		return &environment.ScheduleError{
			Err:      environment.ErrCapacityExceeded,
			Activity: &key,
			Detail:   "no operational identity serves this supervisor",
		}
	}
	if slices.ContainsFunc(h.alg.techs, func(t model.OperationalResource) bool { return t.ID == m.IdOperational }) {
		return nil
	}
	if slices.ContainsFunc(h.env.OperationalResources(), func(t model.OperationalResource) bool { return t.ID == m.IdOperational }) {
		return &environment.ScheduleError{
			Err:      environment.ErrInvariantViolation,
			Activity: &key,
			Detail:   fmt.Sprintf("operational %s does not serve this supervisor", m.IdOperational),
		}
	}
	return nil
}

func (h *handler) optimize(ctx context.Context, iterations int, opts agent.Options) *message.OptimizeSummary {
	sc := logger.StartSpan(ctx, "supervisor.optimize")
	defer sc.End()
	ctx = sc.Context()

	sum := &message.OptimizeSummary{Requested: iterations}
	n := min(iterations, opts.IterationBudget)
	sum.BestEffort = iterations > opts.IterationBudget

	var last IterationTrace
	for range n {
		if ctx.Err() != nil {
			sum.BestEffort = true
			break
		}
		h.syncIfStale()
		last = h.alg.Iterate(opts.NumberOfUnassignedWorkOrders, opts.Tolerance)
		sum.Iterations++
		if !last.Accepted {
			sum.Rejected++
			continue
		}
		if err := h.commit(); err != nil {
			sum.Conflicts++
			slog.DebugContext(ctx, "supervisor commit conflicted", "error", err)
			continue
		}
		sum.Accepted++
	}
	for _, key := range last.Unplaced {
		sum.Unplaced = append(sum.Unplaced, key.String())
	}
	sum.Objective = h.alg.Objective()
	sc.SetAttributes(sum.Attributes()...)
	return sum
}

func (h *handler) commit() error {
	changes := h.alg.Changes()
	if len(changes) == 0 {
		return nil
	}
	err := h.writer.Apply(changes)
	if err == nil {
		h.alg.Committed()
	}
	h.alg.Sync(h.env.View())
	return err
}

func (h *handler) time(q message.TimeQuery) (*message.TimeReport, error) {
	switch q.Kind {
	case message.TimeOperationalIds:
		report := &message.TimeReport{}
		for _, tech := range h.alg.techs {
			report.OperationalIds = append(report.OperationalIds, tech.ID)
		}
		return report, nil
	case message.TimeDays:
		if q.Period != nil {
			return &message.TimeReport{Days: h.env.DaysInPeriod(*q.Period)}, nil
		}
		return &message.TimeReport{Days: h.env.Days()}, nil
	default:
		return nil, message.Unsupported(q.Kind)
	}
}
