package strategic

import (
	"context"
	"fmt"
	"log/slog"

	"basegraph.app/scheduler/common/logger"
	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
)

// Agent owns the period assignment of every work order.
type Agent struct {
	mailbox *agent.Mailbox[Request, Response]
	runner  *agent.Runner[Request, Response]
	options *agent.SharedOptions
}

type handler struct {
	env     *environment.Environment
	writer  *environment.StrategicWriter
	options *agent.SharedOptions
	alg     *Algorithm
}

func NewAgent(env *environment.Environment, options *agent.SharedOptions, cfg agent.RunnerConfig) (*Agent, error) {
	writer, err := env.ClaimStrategic()
	if err != nil {
		return nil, err
	}
	if cfg.Component == "" {
		cfg.Component = "scheduler.strategic.agent"
	}

	h := &handler{
		env:     env,
		writer:  writer,
		options: options,
		alg:     NewAlgorithm(agent.NewRNG(options.Get().Seed, model.LevelStrategic, "")),
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

// Ask sends req through the agent's mailbox and waits for the reply.
func (a *Agent) Ask(ctx context.Context, req Request) (Response, error) {
	return a.mailbox.Ask(ctx, req, 0)
}

// PeriodOf is the read-only query the tactical agent uses to validate a work
// order's period before it commits days. It is bounded by the cross-agent
// timeout.
func (a *Agent) PeriodOf(ctx context.Context, n model.WorkOrderNumber) (*model.PeriodID, error) {
	req := message.StatusRequest[Scheduling](message.StatusQuery{Kind: message.StatusWorkOrder, WorkOrder: &n})
	resp, err := a.mailbox.Ask(ctx, req, a.options.Get().CrossAgentTimeout)
	if err != nil {
		return nil, fmt.Errorf("querying strategic period of %d: %w", n, err)
	}
	if resp.Status == nil || len(resp.Status.WorkOrders) != 1 {
		return nil, fmt.Errorf("querying strategic period of %d: empty status", n)
	}
	return resp.Status.WorkOrders[0].Period, nil
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
	switch q.Kind {
	case message.StatusGeneral:
		st := &Status{Objective: h.alg.Objective(), Periods: len(h.alg.periods)}
		for _, n := range h.alg.numbers {
			ws := h.workOrderState(n)
			if ws.Period != nil {
				st.Scheduled++
			} else {
				st.Unscheduled++
			}
			st.WorkOrders = append(st.WorkOrders, ws)
		}
		return st, nil
	case message.StatusWorkOrder:
		if q.WorkOrder == nil {
			return nil, fmt.Errorf("%w: work order status without work order", environment.ErrInvalidRequest)
		}
		if _, ok := h.alg.workOrders[*q.WorkOrder]; !ok {
			return nil, fmt.Errorf("%w: work order %d", environment.ErrNotFound, *q.WorkOrder)
		}
		ws := h.workOrderState(*q.WorkOrder)
		st := &Status{Objective: h.alg.Objective(), Periods: len(h.alg.periods), WorkOrders: []WorkOrderState{ws}}
		if ws.Period != nil {
			st.Scheduled = 1
		} else {
			st.Unscheduled = 1
		}
		return st, nil
	default:
		return nil, message.Unsupported(q.Kind)
	}
}

func (h *handler) workOrderState(n model.WorkOrderNumber) WorkOrderState {
	wo := h.alg.workOrders[n]
	ws := WorkOrderState{
		WorkOrder:  n,
		Priority:   wo.Info.Priority,
		Activities: len(wo.Operations),
		Pinned:     h.alg.pinned[n],
	}
	if p, ok := h.alg.synced[n]; ok {
		ws.Period = &p
	}
	return ws
}

func (h *handler) schedule(ctx context.Context, s Scheduling) (*message.SchedulingResult, error) {
	var changes []environment.PeriodChange
	switch s.Kind {
	case KindSchedule:
		for _, pl := range s.Placements {
			p := pl.Period
			changes = append(changes, environment.PeriodChange{WorkOrder: pl.WorkOrder, Period: &p})
		}
	case KindUnschedule:
		for _, n := range s.WorkOrders {
			changes = append(changes, environment.PeriodChange{WorkOrder: n})
		}
	case KindOptimize:
		if s.Iterations <= 0 {
			return nil, fmt.Errorf("%w: optimize needs a positive iteration count", environment.ErrInvalidRequest)
		}
		opts := h.options.Get()
		return &message.SchedulingResult{Accepted: true, Optimization: h.optimize(ctx, s.Iterations, opts)}, nil
	default:
		return nil, message.Unsupported(s.Kind)
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: %s without work orders", environment.ErrInvalidRequest, s.Kind)
	}

	err := h.writer.Apply(changes)
	items := make([]message.ItemResult, 0, len(changes))
	for _, c := range changes {
		if err != nil {
			items = append(items, message.RejectedWorkOrder(c.WorkOrder, err))
		} else {
			items = append(items, message.AcceptedWorkOrder(c.WorkOrder))
		}
	}
	if err != nil {
		slog.InfoContext(ctx, "strategic scheduling rejected", "kind", s.Kind, "error", err)
	}
	h.alg.Sync(h.env.View())
	return message.Collect(items...), nil
}

// optimize runs up to iterations destroy/repair steps, capped by the iteration
// budget. Each accepted candidate is committed before the next step.
func (h *handler) optimize(ctx context.Context, iterations int, opts agent.Options) *message.OptimizeSummary {
	sc := logger.StartSpan(ctx, "strategic.optimize")
	defer sc.End()
	ctx = sc.Context()

	sum := &message.OptimizeSummary{Requested: iterations}
	n := iterations
	if n > opts.IterationBudget {
		n = opts.IterationBudget
		sum.BestEffort = true
	}

	var last IterationTrace
	for i := 0; i < n; i++ {
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
			slog.DebugContext(ctx, "strategic commit conflicted", "error", err)
			continue
		}
		sum.Accepted++
	}
	for _, won := range last.Unplaced {
		sum.Unplaced = append(sum.Unplaced, won.String())
	}
	sum.Objective = h.alg.Objective()
	sc.SetAttributes(sum.Attributes()...)

	slog.DebugContext(ctx, "strategic optimisation finished",
		"iterations", sum.Iterations,
		"accepted", sum.Accepted,
		"conflicts", sum.Conflicts,
		"objective", sum.Objective)
	return sum
}

// commit pushes the candidate to the environment. On conflict the candidate
// is dropped and the algorithm resyncs.
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
	if q.Kind == message.ResourceSetCapacity {
		if q.Resource == nil || q.Period == nil {
			return nil, fmt.Errorf("%w: set_capacity needs resource and period", environment.ErrInvalidRequest)
		}
		if err := h.writer.SetCapacity(*q.Resource, *q.Period, q.Capacity); err != nil {
			return nil, err
		}
		h.alg.Sync(h.env.View())
	}
	switch q.Kind {
	case message.ResourceLoading, message.ResourceCapacity, message.ResourcePercentage, message.ResourceSetCapacity:
	default:
		return nil, message.Unsupported(q.Kind)
	}

	report := &message.ResourceReport{Kind: q.Kind}
	for _, r := range h.env.Resources() {
		if q.Resource != nil && *q.Resource != r {
			continue
		}
		for _, p := range h.alg.periods {
			if q.Period != nil && *q.Period != p {
				continue
			}
			e := message.NewLoadingEntry(r, h.env.StrategicLoading(r, p), h.env.StrategicCapacity(r, p))
			e.Period = &p
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
	default:
		return nil, message.Unsupported(q.Kind)
	}
}
