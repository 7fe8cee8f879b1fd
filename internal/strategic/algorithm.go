package strategic

import (
	"maps"
	"math/rand/v2"
	"slices"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

const capacityEpsilon = 1e-9

// IterationTrace records what one destroy/repair iteration did.
type IterationTrace struct {
	Removed    []model.WorkOrderNumber `json:"removed"`
	Reinserted []model.WorkOrderNumber `json:"reinserted"`
	Unplaced   []model.WorkOrderNumber `json:"unplaced"`
	Accepted   bool                    `json:"accepted"`
	Objective  float64                 `json:"objective"`
}

// Algorithm is the strategic agent's private copy of the period assignment. It
// is mutated freely by Iterate and only reaches the environment through the
// diff returned by Changes.
type Algorithm struct {
	rng *rand.Rand

	version    uint64
	periods    []model.PeriodID
	resources  []model.Resource
	numbers    []model.WorkOrderNumber
	workOrders map[model.WorkOrderNumber]*model.WorkOrder
	pinned     map[model.WorkOrderNumber]bool
	capacity   map[model.Resource]map[model.PeriodID]model.Work
	load       map[model.Resource]map[model.PeriodID]model.Work

	synced    map[model.WorkOrderNumber]model.PeriodID
	assigned  map[model.WorkOrderNumber]model.PeriodID
	objective float64
}

func NewAlgorithm(rng *rand.Rand) *Algorithm {
	return &Algorithm{
		rng:        rng,
		workOrders: make(map[model.WorkOrderNumber]*model.WorkOrder),
		pinned:     make(map[model.WorkOrderNumber]bool),
		capacity:   make(map[model.Resource]map[model.PeriodID]model.Work),
		load:       make(map[model.Resource]map[model.PeriodID]model.Work),
		synced:     make(map[model.WorkOrderNumber]model.PeriodID),
		assigned:   make(map[model.WorkOrderNumber]model.PeriodID),
	}
}

// Sync discards any uncommitted candidate and reloads the state from v.
func (a *Algorithm) Sync(v environment.View) {
	a.version = v.Version
	a.periods = a.periods[:0]
	for _, p := range v.Periods {
		a.periods = append(a.periods, p.ID)
	}
	a.resources = environment.SortedKeys(v.StrategicCapacity)
	a.capacity = v.StrategicCapacity

	a.numbers = a.numbers[:0]
	clear(a.workOrders)
	clear(a.pinned)
	clear(a.assigned)
	a.load = make(map[model.Resource]map[model.PeriodID]model.Work)
	for _, wo := range v.WorkOrders {
		a.numbers = append(a.numbers, wo.Number)
		a.workOrders[wo.Number] = wo
		for _, key := range wo.Keys() {
			as := v.Activities[key]
			if as.Period != nil {
				a.assigned[wo.Number] = *as.Period
			}
			if as.Day != nil {
				a.pinned[wo.Number] = true
			}
		}
		if p, ok := a.assigned[wo.Number]; ok {
			a.addLoad(wo, p, 1)
		}
	}
	a.synced = maps.Clone(a.assigned)
	a.objective = a.evaluate()
}

func (a *Algorithm) Version() uint64 {
	return a.version
}

func (a *Algorithm) Objective() float64 {
	return a.objective
}

// Period returns the candidate period of a work order.
func (a *Algorithm) Period(n model.WorkOrderNumber) (model.PeriodID, bool) {
	p, ok := a.assigned[n]
	return p, ok
}

// Iterate runs one destroy/repair step and keeps the candidate only when its
// objective is no worse than the current one plus tolerance.
func (a *Algorithm) Iterate(remove int, tolerance float64) IterationTrace {
	prevAssigned := maps.Clone(a.assigned)
	prevLoad := cloneLoad(a.load)

	var candidates []model.WorkOrderNumber
	for _, n := range a.numbers {
		if _, ok := a.assigned[n]; ok && !a.pinned[n] {
			candidates = append(candidates, n)
		}
	}

	var trace IterationTrace
	trace.Removed = agent.Sample(a.rng, candidates, remove)
	for _, n := range trace.Removed {
		a.addLoad(a.workOrders[n], a.assigned[n], -1)
		delete(a.assigned, n)
	}

	var open []model.WorkOrderNumber
	for _, n := range a.numbers {
		if _, ok := a.assigned[n]; !ok {
			open = append(open, n)
		}
	}
	order := agent.RepairOrder(a.rng, open, func(n model.WorkOrderNumber) float64 {
		return a.workOrders[n].Info.Priority.Weight()
	})
	for _, n := range order {
		p, ok := a.bestPeriod(a.workOrders[n])
		if !ok {
			trace.Unplaced = append(trace.Unplaced, n)
			continue
		}
		a.assigned[n] = p
		a.addLoad(a.workOrders[n], p, 1)
		trace.Reinserted = append(trace.Reinserted, n)
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

// bestPeriod tries every period in horizon order and keeps the feasible one
// with the smallest imbalance increase. Ties go to the earliest period.
func (a *Algorithm) bestPeriod(wo *model.WorkOrder) (model.PeriodID, bool) {
	demand := sortedDemand(wo)
	var (
		best     model.PeriodID
		bestCost float64
		found    bool
	)
	for _, p := range a.periods {
		if !a.fits(demand, p) {
			continue
		}
		before := a.imbalanceOf(demand)
		a.addLoad(wo, p, 1)
		cost := a.imbalanceOf(demand) - before
		a.addLoad(wo, p, -1)
		if !found || cost < bestCost {
			best, bestCost, found = p, cost, true
		}
	}
	return best, found
}

func (a *Algorithm) fits(demand []resourceWork, p model.PeriodID) bool {
	for _, d := range demand {
		if d.work <= 0 {
			continue
		}
		if a.load[d.resource][p]+d.work > a.capacity[d.resource][p]+capacityEpsilon {
			return false
		}
	}
	return true
}

func (a *Algorithm) evaluate() float64 {
	var total float64
	for _, r := range a.resources {
		total += a.imbalance(r)
	}
	for _, n := range a.numbers {
		if _, ok := a.assigned[n]; !ok {
			total += a.workOrders[n].Info.Priority.Weight() * agent.PenaltyUnplaced
		}
	}
	return total
}

func (a *Algorithm) imbalanceOf(demand []resourceWork) float64 {
	var total float64
	for _, d := range demand {
		total += a.imbalance(d.resource)
	}
	return total
}

// imbalance is the utilisation spread of r across the periods that have
// capacity for it, in percentage points.
func (a *Algorithm) imbalance(r model.Resource) float64 {
	var utilisation []float64
	for _, p := range a.periods {
		capacity := a.capacity[r][p]
		if capacity <= 0 {
			continue
		}
		utilisation = append(utilisation, float64(a.load[r][p]/capacity))
	}
	return agent.Deviation(utilisation) * 100
}

func (a *Algorithm) addLoad(wo *model.WorkOrder, p model.PeriodID, sign model.Work) {
	for r, w := range wo.Load() {
		inner, ok := a.load[r]
		if !ok {
			inner = make(map[model.PeriodID]model.Work)
			a.load[r] = inner
		}
		inner[p] += sign * w
	}
}

// Changes is the diff between the candidate and the state last synced or
// committed. Work orders leave their old period before any is inserted so the
// environment checks capacity against the freed buckets.
func (a *Algorithm) Changes() []environment.PeriodChange {
	var removals, insertions []environment.PeriodChange
	for _, n := range a.numbers {
		old, had := a.synced[n]
		cur, has := a.assigned[n]
		if had == has && old == cur {
			continue
		}
		if had {
			removals = append(removals, environment.PeriodChange{WorkOrder: n})
		}
		if has {
			p := cur
			insertions = append(insertions, environment.PeriodChange{WorkOrder: n, Period: &p})
		}
	}
	return append(removals, insertions...)
}

// Committed marks the candidate as the state the environment now holds.
func (a *Algorithm) Committed() {
	a.synced = maps.Clone(a.assigned)
}

type resourceWork struct {
	resource model.Resource
	work     model.Work
}

func sortedDemand(wo *model.WorkOrder) []resourceWork {
	load := wo.Load()
	out := make([]resourceWork, 0, len(load))
	for _, r := range slices.Sorted(maps.Keys(load)) {
		out = append(out, resourceWork{resource: r, work: load[r]})
	}
	return out
}

func cloneLoad(m map[model.Resource]map[model.PeriodID]model.Work) map[model.Resource]map[model.PeriodID]model.Work {
	out := make(map[model.Resource]map[model.PeriodID]model.Work, len(m))
	for r, inner := range m {
		out[r] = maps.Clone(inner)
	}
	return out
}
