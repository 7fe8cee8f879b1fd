package operational

import (
	"maps"
	"math/rand/v2"
	"slices"

	"basegraph.app/scheduler/internal/agent"
	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

// overtimeWeight is charged per hour planned beyond a day's hours.
const overtimeWeight = 10.0

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
}

// Algorithm tracks the lifecycle of the activities delegated to one identity.
type Algorithm struct {
	rng *rand.Rand
	id  model.Id

	version uint64
	hours   model.Work
	keys    []model.ActivityKey
	acts    map[model.ActivityKey]*activity

	synced    map[model.ActivityKey]model.OperationalStatus
	status    map[model.ActivityKey]model.OperationalStatus
	objective float64
}

func NewAlgorithm(rng *rand.Rand, id model.Id) *Algorithm {
	return &Algorithm{
		rng:    rng,
		id:     id,
		acts:   make(map[model.ActivityKey]*activity),
		synced: make(map[model.ActivityKey]model.OperationalStatus),
		status: make(map[model.ActivityKey]model.OperationalStatus),
	}
}

// Sync keeps only the activities currently delegated to this identity, so
// ones re-delegated elsewhere drop out.
func (a *Algorithm) Sync(v environment.View) {
	a.version = v.Version
	a.hours = 0
	for _, tech := range v.Technicians {
		if tech.ID == a.id {
			a.hours = tech.HoursPerDay
		}
	}

	a.keys = a.keys[:0]
	clear(a.acts)
	clear(a.status)
	for _, wo := range v.WorkOrders {
		for _, op := range wo.Operations {
			key := model.ActivityKey{WorkOrder: wo.Number, Activity: op.Number}
			as := v.Activities[key]
			if as.Delegate == nil || *as.Delegate != a.id || as.Day == nil {
				continue
			}
			a.keys = append(a.keys, key)
			a.acts[key] = &activity{
				resource: op.Resource,
				work:     op.Work,
				weight:   wo.Info.Priority.Weight(),
				day:      *as.Day,
			}
			a.status[key] = as.Status
		}
	}
	slices.SortFunc(a.keys, model.ActivityKey.Compare)
	a.synced = maps.Clone(a.status)
	a.objective = a.evaluate()
}

func (a *Algorithm) Version() uint64 {
	return a.version
}

func (a *Algorithm) Objective() float64 {
	return a.objective
}

// Adopt moves newly delegated activities out of None: they are assigned when
// their day still has hours, unassigned otherwise. It reports whether anything
// changed.
func (a *Algorithm) Adopt() bool {
	changed := false
	for _, key := range a.keys {
		if a.status[key] != model.StatusNone {
			continue
		}
		act := a.acts[key]
		if a.loading(act.day)+act.work <= a.hours {
			a.status[key] = model.StatusAssign
		} else {
			a.status[key] = model.StatusUnassign
		}
		changed = true
	}
	if changed {
		a.objective = a.evaluate()
	}
	return changed
}

// Iterate releases up to remove assigned activities and re-assigns every
// released activity whose day has room.
func (a *Algorithm) Iterate(remove int, tolerance float64) IterationTrace {
	prev := maps.Clone(a.status)

	var candidates []model.ActivityKey
	for _, key := range a.keys {
		if a.status[key] == model.StatusAssign {
			candidates = append(candidates, key)
		}
	}

	var trace IterationTrace
	trace.Removed = agent.Sample(a.rng, candidates, remove)
	for _, key := range trace.Removed {
		a.status[key] = model.StatusUnassign
	}

	var open []model.ActivityKey
	for _, key := range a.keys {
		if a.status[key] == model.StatusUnassign {
			open = append(open, key)
		}
	}
	order := agent.RepairOrder(a.rng, open, func(key model.ActivityKey) float64 {
		return a.acts[key].weight
	})
	for _, key := range order {
		act := a.acts[key]
		if a.loading(act.day)+act.work > a.hours {
			trace.Unplaced = append(trace.Unplaced, key)
			continue
		}
		a.status[key] = model.StatusAssign
		trace.Reinserted = append(trace.Reinserted, key)
	}

	candidate := a.evaluate()
	if agent.Accept(candidate, a.objective, tolerance) {
		a.objective = candidate
		trace.Accepted = true
	} else {
		a.status = prev
	}
	trace.Objective = a.objective
	return trace
}

// loading is the work planned on d: assigned and assessed activities.
func (a *Algorithm) loading(d model.Day) model.Work {
	var total model.Work
	for _, key := range a.keys {
		act := a.acts[key]
		if act.day != d {
			continue
		}
		if s := a.status[key]; s == model.StatusAssign || s == model.StatusAssess {
			total += act.work
		}
	}
	return total
}

func (a *Algorithm) overtime(d model.Day) model.Work {
	return max(0, a.loading(d)-a.hours)
}

func (a *Algorithm) days() []model.Day {
	seen := make(map[model.Day]struct{})
	for _, act := range a.acts {
		seen[act.day] = struct{}{}
	}
	return slices.SortedFunc(maps.Keys(seen), model.Day.Compare)
}

func (a *Algorithm) evaluate() float64 {
	var total float64
	for _, key := range a.keys {
		if s := a.status[key]; s == model.StatusUnassign || s == model.StatusNone {
			total += agent.PenaltyUnplaced
		}
	}
	for _, d := range a.days() {
		total += overtimeWeight * float64(a.overtime(d))
	}
	return total
}

func (a *Algorithm) Changes() []environment.StatusChange {
	var changes []environment.StatusChange
	for _, key := range a.keys {
		if a.status[key] != a.synced[key] {
			changes = append(changes, environment.StatusChange{Activity: key, Status: a.status[key]})
		}
	}
	return changes
}

func (a *Algorithm) Committed() {
	a.synced = maps.Clone(a.status)
}
