package supervisor

import (
	"maps"
	"math/rand/v2"
	"slices"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

type IterationTrace struct {
	Removed    []model.ActivityKey `json:"removed"`
	Reinserted []model.ActivityKey `json:"reinserted"`
	Unplaced   []model.ActivityKey `json:"unplaced"`
	Accepted   bool                `json:"accepted"`
	Objective  float64             `json:"objective"`
}

type activity struct {
	resource model.Resource
	work     model.Work
	weight   float64
	day      model.Day
	status   model.OperationalStatus
}

// Algorithm balances delegated work across the operational identities that
// serve the supervisor's resources. Only activities with a tactical day are in
// scope.
type Algorithm struct {
	rng   *rand.Rand
	scope map[model.Resource]bool

	version uint64
	techs   []model.OperationalResource
	keys    []model.ActivityKey
	acts    map[model.ActivityKey]*activity

	synced    map[model.ActivityKey]model.Id
	assigned  map[model.ActivityKey]model.Id
	load      map[model.Id]model.Work
	dayLoad   map[model.Id]map[model.Day]model.Work
	objective float64
}

// NewAlgorithm scopes the supervisor to resources; none means every resource.
func NewAlgorithm(rng *rand.Rand, resources []model.Resource) *Algorithm {
	a := &Algorithm{
		rng:      rng,
		acts:     make(map[model.ActivityKey]*activity),
		synced:   make(map[model.ActivityKey]model.Id),
		assigned: make(map[model.ActivityKey]model.Id),
		load:     make(map[model.Id]model.Work),
		dayLoad:  make(map[model.Id]map[model.Day]model.Work),
	}
	if len(resources) > 0 {
		a.scope = make(map[model.Resource]bool, len(resources))
		for _, r := range resources {
			a.scope[r] = true
		}
	}
	return a
}

func (a *Algorithm) inScope(r model.Resource) bool {
	return a.scope == nil || a.scope[r]
}

func (a *Algorithm) Sync(v environment.View) {
	a.version = v.Version
	a.techs = a.techs[:0]
	for _, tech := range v.Technicians {
		if slices.ContainsFunc(tech.Resources, a.inScope) {
			a.techs = append(a.techs, tech)
		}
	}

	a.keys = a.keys[:0]
	clear(a.acts)
	clear(a.assigned)
	clear(a.load)
	clear(a.dayLoad)
	for _, wo := range v.WorkOrders {
		for _, op := range wo.Operations {
			key := model.ActivityKey{WorkOrder: wo.Number, Activity: op.Number}
			as := v.Activities[key]
			if as.Day == nil || !a.inScope(op.Resource) {
				continue
			}
			act := &activity{
				resource: op.Resource,
				work:     op.Work,
				weight:   wo.Info.Priority.Weight(),
				day:      *as.Day,
				status:   as.Status,
			}
			a.keys = append(a.keys, key)
			a.acts[key] = act
			if as.Delegate != nil {
				a.assigned[key] = *as.Delegate
				a.addLoad(*as.Delegate, act, 1)
			}
		}
	}
	slices.SortFunc(a.keys, model.ActivityKey.Compare)
	a.synced = maps.Clone(a.assigned)
	a.objective = a.evaluate()
}

func (a *Algorithm) Version() uint64 {
	return a.version
}

func (a *Algorithm) Objective() float64 {
	return a.objective
}

func (a *Algorithm) Delegate(key model.ActivityKey) (model.Id, bool) {
	id, ok := a.assigned[key]
	return id, ok
}

// Iterate withdraws up to remove delegations (activities under assessment are
// left alone) and redelegates every open activity.
func (a *Algorithm) Iterate(remove int, tolerance float64) IterationTrace {
	prevAssigned := maps.Clone(a.assigned)

	var candidates []model.ActivityKey
	for _, key := range a.keys {
		if _, ok := a.assigned[key]; ok && a.acts[key].status != model.StatusAssess {
			candidates = append(candidates, key)
		}
	}

	var trace IterationTrace
	trace.Removed = agent.Sample(a.rng, candidates, remove)
	for _, key := range trace.Removed {
		a.addLoad(a.assigned[key], a.acts[key], -1)
		delete(a.assigned, key)
	}

	var open []model.ActivityKey
	for _, key := range a.keys {
		if _, ok := a.assigned[key]; !ok {
			open = append(open, key)
		}
	}
	order := agent.RepairOrder(a.rng, open, func(key model.ActivityKey) float64 {
		return a.acts[key].weight
	})
	for _, key := range order {
		id, ok := a.bestTechnician(a.acts[key])
		if !ok {
			trace.Unplaced = append(trace.Unplaced, key)
			continue
		}
		a.assigned[key] = id
		a.addLoad(id, a.acts[key], 1)
		trace.Reinserted = append(trace.Reinserted, key)
	}

	candidate := a.evaluate()
	if agent.Accept(candidate, a.objective, tolerance) {
		a.objective = candidate
		trace.Accepted = true
	} else {
		a.assigned = prevAssigned
		a.rebuildLoad()
	}
	trace.Objective = a.objective
	return trace
}

// bestTechnician prefers skilled identities with hours left on the activity's
// day, then the one with the least delegated work.
func (a *Algorithm) bestTechnician(act *activity) (model.Id, bool) {
	var (
		best     model.Id
		bestFits bool
		bestLoad model.Work
		found    bool
	)
	for _, tech := range a.techs {
		if !tech.Skilled(act.resource) {
			continue
		}
		fits := a.dayLoad[tech.ID][act.day]+act.work <= tech.HoursPerDay
		load := a.load[tech.ID]
		better := !found ||
			(fits && !bestFits) ||
			(fits == bestFits && load < bestLoad)
		if better {
			best, bestFits, bestLoad, found = tech.ID, fits, load, true
		}
	}
	return best, found
}

func (a *Algorithm) evaluate() float64 {
	loads := make([]float64, 0, len(a.techs))
	for _, tech := range a.techs {
		loads = append(loads, float64(a.load[tech.ID]))
	}
	total := agent.Deviation(loads)
	for _, key := range a.keys {
		if _, ok := a.assigned[key]; !ok {
			total += agent.PenaltyUnplaced
		}
	}
	return total
}

func (a *Algorithm) addLoad(id model.Id, act *activity, sign model.Work) {
	a.load[id] += sign * act.work
	inner, ok := a.dayLoad[id]
	if !ok {
		inner = make(map[model.Day]model.Work)
		a.dayLoad[id] = inner
	}
	inner[act.day] += sign * act.work
}

func (a *Algorithm) rebuildLoad() {
	clear(a.load)
	clear(a.dayLoad)
	for _, key := range a.keys {
		if id, ok := a.assigned[key]; ok {
			a.addLoad(id, a.acts[key], 1)
		}
	}
}

// Changes carries the day each delegation was computed against so that a
// concurrent tactical move rejects the batch.
func (a *Algorithm) Changes() []environment.DelegationChange {
	var changes []environment.DelegationChange
	for _, key := range a.keys {
		old, had := a.synced[key]
		cur, has := a.assigned[key]
		if had == has && old == cur {
			continue
		}
		day := a.acts[key].day
		c := environment.DelegationChange{Activity: key, ExpectedDay: &day}
		if has {
			id := cur
			c.Delegate = &id
		}
		changes = append(changes, c)
	}
	return changes
}

func (a *Algorithm) Committed() {
	a.synced = maps.Clone(a.assigned)
}
