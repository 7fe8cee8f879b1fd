package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"basegraph.app/scheduler/common/id"
	"basegraph.app/scheduler/common/logger"
	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
	"basegraph.app/scheduler/internal/operational"
	"basegraph.app/scheduler/internal/strategic"
	"basegraph.app/scheduler/internal/supervisor"
	"basegraph.app/scheduler/internal/tactical"
)

type Config struct {
	Options             agent.Options
	SupervisorResources []model.Resource
	// StepInterval paces background optimisation; zero disables it.
	StepInterval time.Duration
	MailboxSize  int
}

// Orchestrator routes leveled requests to the agent that owns the level. It
// holds no scheduling state of its own.
type Orchestrator struct {
	env     *environment.Environment
	options *agent.SharedOptions
	cfg     Config

	strategic  *strategic.Agent
	tactical   *tactical.Agent
	supervisor *supervisor.Agent

	// mu guards the operational set, which grows when a reload adds
	// technicians, and the run state below.
	mu          sync.RWMutex
	operational map[model.Id]*operational.Agent
	ids         []model.Id
	group       *errgroup.Group
	runCtx      context.Context
	stopped     bool
}

func New(env *environment.Environment, cfg Config) (*Orchestrator, error) {
	options, err := agent.NewSharedOptions(cfg.Options)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		env:         env,
		options:     options,
		cfg:         cfg,
		operational: make(map[model.Id]*operational.Agent),
	}
	if o.strategic, err = strategic.NewAgent(env, options, o.runner("scheduler.strategic.agent")); err != nil {
		return nil, fmt.Errorf("creating strategic agent: %w", err)
	}
	if o.tactical, err = tactical.NewAgent(env, o.strategic, options, o.runner("scheduler.tactical.agent")); err != nil {
		return nil, fmt.Errorf("creating tactical agent: %w", err)
	}
	if o.supervisor, err = supervisor.NewAgent(env, o.tactical, cfg.SupervisorResources, options, o.runner("scheduler.supervisor.agent")); err != nil {
		return nil, fmt.Errorf("creating supervisor agent: %w", err)
	}
	if _, err := o.addOperational(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) runner(component string) agent.RunnerConfig {
	return agent.RunnerConfig{Component: component, MailboxSize: o.cfg.MailboxSize, Interval: o.cfg.StepInterval}
}

// addOperational creates an agent for every technician of the environment
// that has none yet. Agents added while the orchestrator runs start at once.
func (o *Orchestrator) addOperational() ([]model.Id, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var added []model.Id
	for _, tech := range o.env.OperationalResources() {
		if _, ok := o.operational[tech.ID]; ok {
			continue
		}
		a, err := operational.NewAgent(o.env, tech.ID, o.options, o.runner("scheduler.operational.agent"))
		if err != nil {
			return added, fmt.Errorf("creating operational agent %s: %w", tech.ID, err)
		}
		o.operational[tech.ID] = a
		o.ids = append(o.ids, tech.ID)
		added = append(added, tech.ID)
		if o.group != nil && !o.stopped {
			runCtx := o.runCtx
			o.group.Go(func() error { return a.Run(runCtx) })
		}
	}
	slices.Sort(o.ids)
	return added, nil
}

// Start runs every agent on its own goroutine. The first agent to fail
// cancels the others.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.strategic.Run(gctx) })
	g.Go(func() error { return o.tactical.Run(gctx) })
	g.Go(func() error { return o.supervisor.Run(gctx) })
	for _, opID := range o.ids {
		a := o.operational[opID]
		g.Go(func() error { return a.Run(gctx) })
	}
	o.group, o.runCtx = g, gctx
	slog.InfoContext(ctx, "scheduling agents started", "operational_agents", len(o.ids))
}

// Stop stops the agents downstream first and waits for all of them.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	o.stopped = true
	for _, opID := range o.ids {
		o.operational[opID].Stop()
	}
	g := o.group
	o.mu.Unlock()

	o.supervisor.Stop()
	o.tactical.Stop()
	o.strategic.Stop()
	if g == nil {
		return nil
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (o *Orchestrator) OperationalIDs() []model.Id {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.ids)
}

func (o *Orchestrator) operationalAgent(opID model.Id) (*operational.Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.operational[opID]
	return a, ok
}

func (o *Orchestrator) Handle(ctx context.Context, req Request) Response {
	requestID := id.New()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: &requestID,
		Level:     logger.Ptr(req.Level.String()),
		Component: "scheduler.orchestrator",
	})
	if req.Level == model.LevelOperational {
		ctx = logger.WithLogFields(ctx, logger.LogFields{AgentID: logger.Ptr(string(req.OperationalID))})
	}
	sc := logger.StartSpan(ctx, "orchestrator.handle")
	defer sc.End()
	ctx = sc.Context()

	resp, err := o.route(ctx, req)
	if err == nil {
		err = timedOut(resp)
	}
	resp.RequestID = requestID
	resp.Level = req.Level
	if err != nil {
		slog.WarnContext(ctx, "request failed", "error", err, "kind", environment.Kind(err))
		sc.Fail(environment.Kind(err), err)
		return Response{
			RequestID: requestID,
			Level:     req.Level,
			Error:     &ErrorEnvelope{Kind: environment.Kind(err), Message: err.Error()},
		}
	}
	return resp
}

func (o *Orchestrator) route(ctx context.Context, req Request) (Response, error) {
	var resp Response
	switch req.Level {
	case model.LevelOrchestrator:
		if req.Orchestrator == nil {
			return resp, missingPayload(req.Level)
		}
		r, err := o.command(ctx, *req.Orchestrator)
		resp.Orchestrator = r
		return resp, err
	case model.LevelStrategic:
		if req.Strategic == nil {
			return resp, missingPayload(req.Level)
		}
		r, err := o.strategic.Ask(ctx, *req.Strategic)
		resp.Strategic = &r
		return resp, err
	case model.LevelTactical:
		if req.Tactical == nil {
			return resp, missingPayload(req.Level)
		}
		r, err := o.tactical.Ask(ctx, *req.Tactical)
		resp.Tactical = &r
		return resp, err
	case model.LevelSupervisor:
		if req.Supervisor == nil {
			return resp, missingPayload(req.Level)
		}
		r, err := o.supervisor.Ask(ctx, *req.Supervisor)
		resp.Supervisor = &r
		return resp, err
	case model.LevelOperational:
		if req.Operational == nil {
			return resp, missingPayload(req.Level)
		}
		a, ok := o.operationalAgent(req.OperationalID)
		if !ok {
			return resp, fmt.Errorf("%w: operational agent %q", environment.ErrNotFound, req.OperationalID)
		}
		r, err := a.Ask(ctx, *req.Operational)
		resp.Operational = &r
		return resp, err
	default:
		return resp, fmt.Errorf("%w: unknown level %s", environment.ErrInvalidRequest, req.Level)
	}
}

// timedOut turns a scheduling result that peers never answered into a
// request error, so queued requests are retried instead of answered.
func timedOut(resp Response) error {
	var res *message.SchedulingResult
	switch {
	case resp.Tactical != nil:
		res = resp.Tactical.Scheduling
	case resp.Supervisor != nil:
		res = resp.Supervisor.Scheduling
	}
	if !res.TimedOut() {
		return nil
	}
	return fmt.Errorf("%w: %s", environment.ErrCrossAgentTimeout, res.Items[0].Detail)
}

func missingPayload(level model.Level) error {
	return fmt.Errorf("%w: %s request without payload", environment.ErrInvalidRequest, level)
}

func (o *Orchestrator) command(ctx context.Context, c Command) (*CommandResult, error) {
	res := &CommandResult{Kind: c.Kind}
	switch c.Kind {
	case KindAgentStatus:
		agents, err := o.agentStatus(ctx)
		if err != nil {
			return nil, err
		}
		res.Agents = agents
	case KindWorkOrderStatus:
		if c.WorkOrder == nil {
			return nil, fmt.Errorf("%w: work_order_status without work order", environment.ErrInvalidRequest)
		}
		st, err := o.workOrderStatus(*c.WorkOrder)
		if err != nil {
			return nil, err
		}
		res.WorkOrder = st
	case KindReloadOptions:
		if c.Options == nil {
			return nil, fmt.Errorf("%w: reload_options without options", environment.ErrInvalidRequest)
		}
		if err := o.options.Set(*c.Options); err != nil {
			return nil, err
		}
		opts := o.options.Get()
		res.Options = &opts
		slog.InfoContext(ctx, "options reloaded")
	case KindReloadEnvironment:
		if c.Snapshot == nil {
			return nil, fmt.Errorf("%w: reload_environment without snapshot", environment.ErrInvalidRequest)
		}
		if err := o.env.Reload(*c.Snapshot); err != nil {
			return nil, err
		}
		added, err := o.addOperational()
		if err != nil {
			return nil, err
		}
		res.Version = o.env.Version()
		res.AddedOperationalIds = added
		slog.InfoContext(ctx, "environment reloaded", "version", res.Version, "added_operational_agents", len(added))
	default:
		return nil, message.Unsupported(c.Kind)
	}
	return res, nil
}

// AgentStatus asks every agent for its general status.
func (o *Orchestrator) AgentStatus(ctx context.Context) (*AgentStatus, error) {
	return o.agentStatus(ctx)
}

func (o *Orchestrator) agentStatus(ctx context.Context) (*AgentStatus, error) {
	general := message.StatusQuery{Kind: message.StatusGeneral}
	ids := o.OperationalIDs()
	st := &AgentStatus{Operational: make(map[model.Id]*operational.Status, len(ids))}

	sr, err := o.strategic.Ask(ctx, message.StatusRequest[strategic.Scheduling](general))
	if err != nil {
		return nil, fmt.Errorf("strategic status: %w", err)
	}
	st.Strategic = sr.Status

	tr, err := o.tactical.Ask(ctx, message.StatusRequest[tactical.Scheduling](general))
	if err != nil {
		return nil, fmt.Errorf("tactical status: %w", err)
	}
	st.Tactical = tr.Status

	vr, err := o.supervisor.Ask(ctx, message.StatusRequest[supervisor.Scheduling](general))
	if err != nil {
		return nil, fmt.Errorf("supervisor status: %w", err)
	}
	st.Supervisor = vr.Status

	for _, opID := range ids {
		a, _ := o.operationalAgent(opID)
		r, err := a.Ask(ctx, message.StatusRequest[operational.Scheduling](general))
		if err != nil {
			return nil, fmt.Errorf("operational status %s: %w", opID, err)
		}
		st.Operational[opID] = r.Status
	}
	return st, nil
}

func (o *Orchestrator) workOrderStatus(n model.WorkOrderNumber) (*WorkOrderStatus, error) {
	wo, ok := o.env.WorkOrder(n)
	if !ok {
		return nil, fmt.Errorf("%w: work order %d", environment.ErrNotFound, n)
	}
	st := &WorkOrderStatus{WorkOrder: n, Info: wo.Info}
	for _, op := range wo.Operations {
		key := model.ActivityKey{WorkOrder: n, Activity: op.Number}
		as, err := o.env.Assignment(key)
		if err != nil {
			return nil, err
		}
		st.Activities = append(st.Activities, ActivityView{
			Activity:   key,
			Resource:   op.Resource,
			Work:       op.Work,
			Assignment: as,
		})
	}
	return st, nil
}
