package tactical

import (
	"maps"
	"math/rand/v2"
	"slices"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

const capacityEpsilon = 1e-9

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
	period   *model.PeriodID
	excluded map[model.Day]struct{}
	// pinned activities are delegated and keep their day.
	pinned bool
}

// Algorithm holds the tactical agent's candidate day assignment.
type Algorithm struct {
	rng *rand.Rand

	version  uint64
	periods  []model.PeriodID
	days     map[model.PeriodID][]model.Day
	keys     []model.ActivityKey
	acts     map[model.ActivityKey]*activity
	capacity map[model.Resource]map[model.Day]model.Work
	load     map[model.Resource]map[model.Day]model.Work
	demand   []model.Resource

	synced    map[model.ActivityKey]model.Day
	assigned  map[model.ActivityKey]model.Day
	objective float64
}

func NewAlgorithm(rng *rand.Rand) *Algorithm {
	return &Algorithm{
		rng:      rng,
		days:     make(map[model.PeriodID][]model.Day),
		acts:     make(map[model.ActivityKey]*activity),
		capacity: make(map[model.Resource]map[model.Day]model.Work),
		load:     make(map[model.Resource]map[model.Day]model.Work),
		synced:   make(map[model.ActivityKey]model.Day),
		assigned: make(map[model.ActivityKey]model.Day),
	}
}

func (a *Algorithm) Sync(v environment.View) {
	a.version = v.Version
	a.periods = a.periods[:0]
	clear(a.days)
	for _, p := range v.Periods {
		a.periods = append(a.periods, p.ID)
	}
	for _, d := range v.Days {
		a.days[d.Period] = append(a.days[d.Period], d)
	}
	a.capacity = v.TacticalCapacity
	a.demand = environment.SortedKeys(v.TacticalCapacity)

	a.keys = a.keys[:0]
	clear(a.acts)
	clear(a.assigned)
	a.load = make(map[model.Resource]map[model.Day]model.Work)
	for _, wo := range v.WorkOrders {
		for _, op := range wo.Operations {
			key := model.ActivityKey{WorkOrder: wo.Number, Activity: op.Number}
			as := v.Activities[key]
			act := &activity{
				resource: op.Resource,
				work:     op.Work,
				weight:   wo.Info.Priority.Weight(),
				period:   as.Period,
				pinned:   as.Delegate != nil,
			}
			if len(as.Excluded) > 0 {
				act.excluded = make(map[model.Day]struct{}, len(as.Excluded))
				for _, d := range as.Excluded {
					act.excluded[d] = struct{}{}
				}
			}
			a.keys = append(a.keys, key)
			a.acts[key] = act
			if as.Day != nil {
				a.assigned[key] = *as.Day
				a.addLoad(act, *as.Day, 1)
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

func (a *Algorithm) Day(key model.ActivityKey) (model.Day, bool) {
	d, ok := a.assigned[key]
	return d, ok
}

// Iterate perturbs up to remove assigned activities and reinserts every
// activity whose work order has a period but no day.
func (a *Algorithm) Iterate(remove int, tolerance float64) IterationTrace {
	prevAssigned := maps.Clone(a.assigned)
	prevLoad := cloneLoad(a.load)

	var candidates []model.ActivityKey
	for _, key := range a.keys {
		if _, ok := a.assigned[key]; ok && !a.acts[key].pinned {
			candidates = append(candidates, key)
		}
	}

	var trace IterationTrace
	trace.Removed = agent.Sample(a.rng, candidates, remove)
	for _, key := range trace.Removed {
		a.addLoad(a.acts[key], a.assigned[key], -1)
		delete(a.assigned, key)
	}

	var open []model.ActivityKey
	for _, key := range a.keys {
		if _, ok := a.assigned[key]; !ok && a.acts[key].period != nil {
			open = append(open, key)
		}
	}
	order := agent.RepairOrder(a.rng, open, func(key model.ActivityKey) float64 {
		return a.acts[key].weight
	})
	for _, key := range order {
		d, ok := a.bestDay(a.acts[key])
		if !ok {
			trace.Unplaced = append(trace.Unplaced, key)
			continue
		}
		a.assigned[key] = d
		a.addLoad(a.acts[key], d, 1)
		trace.Reinserted = append(trace.Reinserted, key)
	}

	candidate := a.evaluate()
	if agent.Accept(candidate, a.objective, tolerance) {
		a.objective = candidate
		trace.Accepted = true
	} else {
		a.assigned = prevAssigned
		a.load = prevLoad
	}
	trace.Objective = a.objective
	return trace
}

// bestDay picks the feasible, non-excluded day of the activity's period that
// raises the period's imbalance least.
func (a *Algorithm) bestDay(act *activity) (model.Day, bool) {
	var (
		best     model.Day
		bestCost float64
		found    bool
	)
	p := *act.period
	for _, d := range a.days[p] {
		if _, excluded := act.excluded[d]; excluded {
			continue
		}
		if act.work > 0 && a.load[act.resource][d]+act.work > a.capacity[act.resource][d]+capacityEpsilon {
			continue
		}
		before := a.imbalance(act.resource, p)
		a.addLoad(act, d, 1)
		cost := a.imbalance(act.resource, p) - before
		a.addLoad(act, d, -1)
		if !found || cost < bestCost {
			best, bestCost, found = d, cost, true
		}
	}
	return best, found
}

func (a *Algorithm) evaluate() float64 {
	var total float64
	for _, r := range a.demand {
		for _, p := range a.periods {
			total += a.imbalance(r, p)
		}
	}
	for _, key := range a.keys {
		if _, ok := a.assigned[key]; !ok && a.acts[key].period != nil {
			total += agent.PenaltyUnplaced
		}
	}
	return total
}

func (a *Algorithm) imbalance(r model.Resource, p model.PeriodID) float64 {
	var utilisation []float64
	for _, d := range a.days[p] {
		capacity := a.capacity[r][d]
		if capacity <= 0 {
			continue
		}
		utilisation = append(utilisation, float64(a.load[r][d]/capacity))
	}
	return agent.Deviation(utilisation) * 100
}

func (a *Algorithm) addLoad(act *activity, d model.Day, sign model.Work) {
	inner, ok := a.load[act.resource]
	if !ok {
		inner = make(map[model.Day]model.Work)
		a.load[act.resource] = inner
	}
	inner[d] += sign * act.work
}

// Changes lists unassignments first, then insertions carrying the period the
// candidate was computed against.
func (a *Algorithm) Changes() []environment.DayChange {
	var removals, insertions []environment.DayChange
	for _, key := range a.keys {
		old, had := a.synced[key]
		cur, has := a.assigned[key]
		if had == has && old == cur {
			continue
		}
		if had {
			removals = append(removals, environment.DayChange{Activity: key})
		}
		if has {
			d := cur
			period := d.Period
			insertions = append(insertions, environment.DayChange{Activity: key, Day: &d, ExpectedPeriod: &period})
		}
	}
	return append(removals, insertions...)
}

func (a *Algorithm) Committed() {
	a.synced = maps.Clone(a.assigned)
}

func cloneLoad(m map[model.Resource]map[model.Day]model.Work) map[model.Resource]map[model.Day]model.Work {
	out := make(map[model.Resource]map[model.Day]model.Work, len(m))
	for r, inner := range m {
		out[r] = maps.Clone(inner)
	}
	return out
}
