package tactical

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

// Agent owns the day assignment of every activity.
type Agent struct {
	mailbox *agent.Mailbox[Request, Response]
	runner  *agent.Runner[Request, Response]
	options *agent.SharedOptions
}

type handler struct {
	env       *environment.Environment
	writer    *environment.TacticalWriter
	strategic StrategicQuerier
	options   *agent.SharedOptions
	alg       *Algorithm
}

func NewAgent(env *environment.Environment, strategic StrategicQuerier, options *agent.SharedOptions, cfg agent.RunnerConfig) (*Agent, error) {
	if strategic == nil {
		return nil, fmt.Errorf("%w: tactical agent needs a strategic querier", environment.ErrConfiguration)
	}
	writer, err := env.ClaimTactical()
	if err != nil {
		return nil, err
	}
	if cfg.Component == "" {
		cfg.Component = "scheduler.tactical.agent"
	}

	h := &handler{
		env:       env,
		writer:    writer,
		strategic: strategic,
		options:   options,
		alg:       NewAlgorithm(agent.NewRNG(options.Get().Seed, model.LevelTactical, "")),
	}
	h.alg.Sync(env.View())

	mailbox := agent.NewMailbox[Request, Response](cfg.MailboxSize)
	return &Agent{
		mailbox: mailbox,
		runner:  agent.NewRunner(mailbox, agent.Handler[Request, Response](h), cfg),
		options: options,
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

// DayOf is the read-only query the supervisor uses to validate an activity's
// day before it delegates.
func (a *Agent) DayOf(ctx context.Context, key model.ActivityKey) (*model.Day, error) {
	n := key.WorkOrder
	req := message.StatusRequest[Scheduling](message.StatusQuery{Kind: message.StatusWorkOrder, WorkOrder: &n})
	resp, err := a.mailbox.Ask(ctx, req, a.options.Get().CrossAgentTimeout)
	if err != nil {
		return nil, fmt.Errorf("querying tactical day of %s: %w", key, err)
	}
	if resp.Status != nil {
		for _, st := range resp.Status.Activities {
			if st.Activity == key {
				return st.Day, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: activity %s", environment.ErrNotFound, key)
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
	case message.KindResources:
		resp.Resources, err = h.resources(*req.Resources)
	case message.KindTime:
		resp.Time, err = h.time(*req.Time)
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
	var keys []model.ActivityKey
	switch q.Kind {
	case message.StatusGeneral:
		keys = h.alg.keys
	case message.StatusDay:
		if q.Day == nil {
			return nil, fmt.Errorf("%w: day status without day", environment.ErrInvalidRequest)
		}
		keys = h.env.ActivitiesOnDay(*q.Day)
	case message.StatusWorkOrder:
		if q.WorkOrder == nil {
			return nil, fmt.Errorf("%w: work order status without work order", environment.ErrInvalidRequest)
		}
		wo, ok := h.env.WorkOrder(*q.WorkOrder)
		if !ok {
			return nil, fmt.Errorf("%w: work order %d", environment.ErrNotFound, *q.WorkOrder)
		}
		keys = wo.Keys()
	default:
		return nil, message.Unsupported(q.Kind)
	}

	st := &Status{Objective: h.alg.Objective()}
	for _, key := range keys {
		as, err := h.env.Assignment(key)
		if err != nil {
			return nil, err
		}
		act := h.alg.acts[key]
		s := ActivityState{
			Activity:  key,
			Period:    as.Period,
			Day:       as.Day,
			Excluded:  as.Excluded,
			Delegated: as.Delegate != nil,
		}
		if act != nil {
			s.Resource, s.Work = act.resource, act.work
		}
		switch {
		case as.Day != nil:
			s.State = StateAssigned
			st.Assigned++
		case len(as.Excluded) > 0:
			s.State = StateExcluded
			st.Excluded++
		default:
			s.State = StateUnassigned
			st.Unassigned++
		}
		st.Activities = append(st.Activities, s)
	}
	return st, nil
}

func (h *handler) schedule(ctx context.Context, s Scheduling) (*message.SchedulingResult, error) {
	var (
		changes []environment.DayChange
		err     error
	)
	switch s.Kind {
	case KindSchedule:
		if len(s.Assignments) != 1 {
			return nil, fmt.Errorf("%w: schedule takes exactly one assignment", environment.ErrInvalidRequest)
		}
		changes, err = h.placements(ctx, s.Assignments)
	case KindScheduleMultiple:
		if len(s.Assignments) == 0 {
			return nil, fmt.Errorf("%w: schedule_multiple without assignments", environment.ErrInvalidRequest)
		}
		changes, err = h.placements(ctx, s.Assignments)
	case KindExcludeFromDay:
		if len(s.Assignments) == 0 {
			return nil, fmt.Errorf("%w: exclude_from_day without assignments", environment.ErrInvalidRequest)
		}
		changes, err = h.exclusions(s.Assignments)
	case KindUnschedule:
		if len(s.Activities) == 0 {
			return nil, fmt.Errorf("%w: unschedule without activities", environment.ErrInvalidRequest)
		}
		for _, key := range s.Activities {
			changes = append(changes, environment.DayChange{Activity: key})
		}
	case KindOptimize:
		if s.Iterations <= 0 {
			return nil, fmt.Errorf("%w: optimize needs a positive iteration count", environment.ErrInvalidRequest)
		}
		return &message.SchedulingResult{Accepted: true, Optimization: h.optimize(ctx, s.Iterations, h.options.Get())}, nil
	default:
		return nil, message.Unsupported(s.Kind)
	}

	if err == nil {
		err = h.writer.Apply(changes)
	}
	if err != nil {
		slog.InfoContext(ctx, "tactical scheduling rejected", "kind", s.Kind, "error", err)
	}
	items := make([]message.ItemResult, 0, len(changes))
	for _, key := range requestKeys(s) {
		if err != nil {
			items = append(items, message.RejectedActivity(key, err))
		} else {
			items = append(items, message.AcceptedActivity(key))
		}
	}
	h.alg.Sync(h.env.View())
	return message.Collect(items...), nil
}

func requestKeys(s Scheduling) []model.ActivityKey {
	if len(s.Assignments) == 0 {
		return s.Activities
	}
	keys := make([]model.ActivityKey, 0, len(s.Assignments))
	for _, a := range s.Assignments {
		keys = append(keys, a.Activity)
	}
	return keys
}

// placements validates each work order's period with the strategic agent and
// turns the assignments into changes. A new Schedule clears exclusions.
func (h *handler) placements(ctx context.Context, assignments []ActivityDay) ([]environment.DayChange, error) {
	periods := make(map[model.WorkOrderNumber]*model.PeriodID)
	changes := make([]environment.DayChange, 0, len(assignments))
	horizon := h.env.Days()
	for _, a := range assignments {
		if !slices.Contains(horizon, a.Day) {
			return nil, &environment.ScheduleError{
				Err:      environment.ErrCapacityExceeded,
				Activity: &a.Activity,
				Detail:   fmt.Sprintf("day %s is not in the horizon", a.Day),
			}
		}
		period, queried := periods[a.Activity.WorkOrder]
		if !queried {
			p, err := h.strategic.PeriodOf(ctx, a.Activity.WorkOrder)
			if err != nil {
				return nil, err
			}
			periods[a.Activity.WorkOrder] = p
			period = p
		}
		if period == nil {
			return nil, &environment.ScheduleError{
				Err:      environment.ErrInvariantViolation,
				Activity: &a.Activity,
				Detail:   "work order has no strategic period",
			}
		}
		d := a.Day
		changes = append(changes, environment.DayChange{
			Activity:       a.Activity,
			Day:            &d,
			Exclusions:     []model.Day{},
			ExpectedPeriod: period,
		})
	}
	return changes, nil
}

// exclusions adds each day to the activity's sticky exclusion set, moving the
// activity off that day when it currently sits there.
func (h *handler) exclusions(assignments []ActivityDay) ([]environment.DayChange, error) {
	staged := make(map[model.ActivityKey]*environment.DayChange)
	var order []model.ActivityKey
	for _, a := range assignments {
		c, ok := staged[a.Activity]
		if !ok {
			as, err := h.env.Assignment(a.Activity)
			if err != nil {
				return nil, err
			}
			c = &environment.DayChange{Activity: a.Activity, Day: as.Day, Exclusions: slices.Clone(as.Excluded)}
			if c.Exclusions == nil {
				c.Exclusions = []model.Day{}
			}
			staged[a.Activity] = c
			order = append(order, a.Activity)
		}
		if !slices.Contains(c.Exclusions, a.Day) {
			c.Exclusions = append(c.Exclusions, a.Day)
		}
		if c.Day != nil && *c.Day == a.Day {
			c.Day = nil
		}
	}
	changes := make([]environment.DayChange, 0, len(order))
	for _, key := range order {
		changes = append(changes, *staged[key])
	}
	return changes, nil
}

func (h *handler) optimize(ctx context.Context, iterations int, opts agent.Options) *message.OptimizeSummary {
	sc := logger.StartSpan(ctx, "tactical.optimize")
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
		last = h.alg.Iterate(opts.NumberOfRemovedWorkOrders, opts.Tolerance)
		sum.Iterations++
		if !last.Accepted {
			sum.Rejected++
			continue
		}
		if err := h.commit(); err != nil {
			sum.Conflicts++
			slog.DebugContext(ctx, "tactical commit conflicted", "error", err)
			continue
		}
		sum.Accepted++
	}
	for _, key := range last.Unplaced {
		sum.Unplaced = append(sum.Unplaced, key.String())
	}
	sum.Objective = h.alg.Objective()
	sc.SetAttributes(sum.Attributes()...)

	slog.DebugContext(ctx, "tactical optimisation finished",
		"iterations", sum.Iterations,
		"accepted", sum.Accepted,
		"conflicts", sum.Conflicts,
		"objective", sum.Objective)
	return sum
}

// commit relies on the expected periods carried by the changes: a work order
// the strategic agent moved since the last sync rejects the whole batch.
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

func (h *handler) resources(q message.ResourceQuery) (*message.ResourceReport, error) {
	switch q.Kind {
	case message.ResourceLoading, message.ResourceCapacity, message.ResourcePercentage:
	case message.ResourceSetCapacity:
		if q.Resource == nil || q.Day == nil {
			return nil, fmt.Errorf("%w: set_capacity needs resource and day", environment.ErrInvalidRequest)
		}
		if err := h.writer.SetCapacity(*q.Resource, *q.Day, q.Capacity); err != nil {
			return nil, err
		}
		h.alg.Sync(h.env.View())
	default:
		return nil, message.Unsupported(q.Kind)
	}

	days := h.env.Days()
	if q.Period != nil {
		days = h.env.DaysInPeriod(*q.Period)
	}
	report := &message.ResourceReport{Kind: q.Kind}
	for _, r := range h.env.Resources() {
		if q.Resource != nil && *q.Resource != r {
			continue
		}
		for _, d := range days {
			if q.Day != nil && *q.Day != d {
				continue
			}
			e := message.NewLoadingEntry(r, h.env.TacticalLoading(r, d), h.env.TacticalCapacity(r, d))
			e.Day = &d
			report.Entries = append(report.Entries, e)
		}
	}
	return report, nil
}

func (h *handler) time(q message.TimeQuery) (*message.TimeReport, error) {
	switch q.Kind {
	case message.TimePeriods:
		return &message.TimeReport{Periods: h.env.Periods()}, nil
	case message.TimeDays:
		if q.Period != nil {
			return &message.TimeReport{Days: h.env.DaysInPeriod(*q.Period)}, nil
		}
		return &message.TimeReport{Days: h.env.Days()}, nil
	case message.TimeOperationalIds:
		report := &message.TimeReport{}
		for _, tech := range h.env.OperationalResources() {
			report.OperationalIds = append(report.OperationalIds, tech.ID)
		}
		return report, nil
	default:
		return nil, message.Unsupported(q.Kind)
	}
}
