package operational

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

// Agent tracks the activities delegated to one operational identity.
type Agent struct {
	id      model.Id
	mailbox *agent.Mailbox[Request, Response]
	runner  *agent.Runner[Request, Response]
}

type handler struct {
	env         *environment.Environment
	writer      *environment.OperationalWriter
	options     *agent.SharedOptions
	alg         *Algorithm
	transitions Counters
}

func NewAgent(env *environment.Environment, id model.Id, options *agent.SharedOptions, cfg agent.RunnerConfig) (*Agent, error) {
	writer, err := env.ClaimOperational(id)
	if err != nil {
		return nil, err
	}
	if cfg.Component == "" {
		cfg.Component = "scheduler.operational.agent"
	}

	h := &handler{
		env:     env,
		writer:  writer,
		options: options,
		alg:     NewAlgorithm(agent.NewRNG(options.Get().Seed, model.LevelOperational, id), id),
	}
	h.alg.Sync(env.View())

	mailbox := agent.NewMailbox[Request, Response](cfg.MailboxSize)
	return &Agent{
		id:      id,
		mailbox: mailbox,
		runner:  agent.NewRunner(mailbox, agent.Handler[Request, Response](&identified{h: h, id: id}), cfg),
	}, nil
}

func (a *Agent) ID() model.Id {
	return a.id
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

// identified tags every log line of the agent with its operational id.
type identified struct {
	h  *handler
	id model.Id
}

func (i *identified) Handle(ctx context.Context, req Request) (Response, error) {
	return i.h.Handle(logger.WithLogFields(ctx, logger.LogFields{AgentID: logger.Ptr(string(i.id))}), req)
}

func (i *identified) Step(ctx context.Context) {
	i.h.Step(logger.WithLogFields(ctx, logger.LogFields{AgentID: logger.Ptr(string(i.id))}))
}

func (h *handler) Handle(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	h.refresh(ctx)

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
		h.refresh(ctx)
		return
	}
	h.optimize(ctx, opts.IterationsPerStep, opts)
}

// refresh resyncs after foreign writes and adopts newly delegated activities.
func (h *handler) refresh(ctx context.Context) {
	if h.env.Version() != h.alg.Version() {
		h.alg.Sync(h.env.View())
	}
	if !h.alg.Adopt() {
		return
	}
	if err := h.commit(); err != nil {
		slog.WarnContext(ctx, "adopting delegated activities failed", "error", err)
	}
}

func (h *handler) status(q message.StatusQuery) (*Status, error) {
	st := &Status{
		ID:          h.alg.id,
		Objective:   h.alg.Objective(),
		Transitions: h.transitions,
	}
	for _, key := range h.alg.keys {
		st.Current.add(h.alg.synced[key])
	}

	switch q.Kind {
	case message.StatusGeneral:
		for _, key := range h.alg.keys {
			st.Activities = append(st.Activities, h.activityState(key))
		}
	case message.StatusDay:
		if q.Day == nil {
			return nil, fmt.Errorf("%w: operational state without day", environment.ErrInvalidRequest)
		}
		d := *q.Day
		st.Day = &DayState{
			Day:      d,
			Loading:  h.alg.loading(d),
			Hours:    h.alg.hours,
			Overtime: h.alg.overtime(d),
		}
		for _, key := range h.alg.keys {
			if h.alg.acts[key].day == d {
				st.Activities = append(st.Activities, h.activityState(key))
			}
		}
	case message.StatusWorkOrder:
		if q.WorkOrder == nil {
			return nil, fmt.Errorf("%w: work order status without work order", environment.ErrInvalidRequest)
		}
		for _, key := range h.alg.keys {
			if key.WorkOrder == *q.WorkOrder {
				st.Activities = append(st.Activities, h.activityState(key))
			}
		}
	default:
		return nil, message.Unsupported(q.Kind)
	}
	return st, nil
}

func (h *handler) activityState(key model.ActivityKey) ActivityState {
	act := h.alg.acts[key]
	return ActivityState{
		Activity: key,
		Day:      act.day,
		Resource: act.resource,
		Work:     act.work,
		Status:   h.alg.synced[key],
	}
}

func (h *handler) schedule(ctx context.Context, s Scheduling) (*message.SchedulingResult, error) {
	switch s.Kind {
	case KindTransition:
		if len(s.Transitions) == 0 {
			return nil, fmt.Errorf("%w: transition without activities", environment.ErrInvalidRequest)
		}
	case KindOptimize:
		if s.Iterations <= 0 {
			return nil, fmt.Errorf("%w: optimize needs a positive iteration count", environment.ErrInvalidRequest)
		}
		return &message.SchedulingResult{Accepted: true, Optimization: h.optimize(ctx, s.Iterations, h.options.Get())}, nil
	default:
		return nil, message.Unsupported(s.Kind)
	}

	changes := make([]environment.StatusChange, 0, len(s.Transitions))
	for _, t := range s.Transitions {
		changes = append(changes, environment.StatusChange{Activity: t.Activity, Status: t.Status})
	}
	err := h.writer.Apply(changes)
	items := make([]message.ItemResult, 0, len(changes))
	for _, c := range changes {
		if err != nil {
			items = append(items, message.RejectedActivity(c.Activity, err))
			continue
		}
		items = append(items, message.AcceptedActivity(c.Activity))
		if h.alg.synced[c.Activity] != c.Status {
			h.transitions.add(c.Status)
		}
	}
	if err != nil {
		slog.InfoContext(ctx, "operational transition rejected", "error", err)
	}
	h.alg.Sync(h.env.View())
	return message.Collect(items...), nil
}

func (h *handler) optimize(ctx context.Context, iterations int, opts agent.Options) *message.OptimizeSummary {
	sc := logger.StartSpan(ctx, "operational.optimize")
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
		h.refresh(ctx)
		last = h.alg.Iterate(opts.NumberOfRemovedActivities, opts.Tolerance)
		sum.Iterations++
		if !last.Accepted {
			sum.Rejected++
			continue
		}
		if err := h.commit(); err != nil {
			sum.Conflicts++
			slog.DebugContext(ctx, "operational commit conflicted", "error", err)
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
		for _, c := range changes {
			h.transitions.add(c.Status)
		}
		h.alg.Committed()
	}
	h.alg.Sync(h.env.View())
	return err
}

func (h *handler) time(q message.TimeQuery) (*message.TimeReport, error) {
	if q.Kind != message.TimeOperationalIds {
		return nil, message.Unsupported(q.Kind)
	}
	return &message.TimeReport{OperationalIds: []model.Id{h.alg.id}}, nil
}
