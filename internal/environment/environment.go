package environment

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"basegraph.app/scheduler/internal/model"
)

// capacityEpsilon absorbs float rounding when summing hours.
const capacityEpsilon = 1e-9

// Snapshot is everything ingestion hands to the core before any agent starts.
// Days are derived from the periods.
type Snapshot struct {
	Periods              []model.Period                                   `json:"periods" yaml:"periods"`
	WorkOrders           []model.WorkOrder                                `json:"work_orders" yaml:"work_orders"`
	StrategicCapacity    map[model.Resource]map[model.PeriodID]model.Work `json:"strategic_capacity" yaml:"strategic_capacity"`
	TacticalCapacity     map[model.Resource]map[string]model.Work         `json:"tactical_capacity" yaml:"tactical_capacity"` // keyed by date
	OperationalResources []model.OperationalResource                      `json:"operational_resources" yaml:"operational_resources"`
}

// Assignment is a copy of one activity's row in the invariant backbone.
type Assignment struct {
	Period   *model.PeriodID         `json:"period,omitempty"`
	Day      *model.Day              `json:"day,omitempty"`
	Excluded []model.Day             `json:"excluded,omitempty"`
	Delegate *model.Id               `json:"delegate,omitempty"`
	Status   model.OperationalStatus `json:"status"`
}

type activityState struct {
	resource model.Resource
	work     model.Work
	day      *model.Day
	excluded map[model.Day]struct{}
	delegate *model.Id
	status   model.OperationalStatus
}

func (a *activityState) clone() *activityState {
	c := *a
	c.excluded = maps.Clone(a.excluded)
	return &c
}

type state struct {
	periods           []model.Period
	periodByID        map[model.PeriodID]model.Period
	days              []model.Day
	dayIndex          map[model.Day]int
	workOrders        map[model.WorkOrderNumber]*model.WorkOrder
	numbers           []model.WorkOrderNumber
	period            map[model.WorkOrderNumber]model.PeriodID
	activities        map[model.ActivityKey]*activityState
	strategicCapacity map[model.Resource]map[model.PeriodID]model.Work
	tacticalCapacity  map[model.Resource]map[model.Day]model.Work
	strategicLoad     map[model.Resource]map[model.PeriodID]model.Work
	tacticalLoad      map[model.Resource]map[model.Day]model.Work
	technicians       map[model.Id]model.OperationalResource
	technicianIDs     []model.Id
}

// Environment is the single source of truth for work orders, the time horizon,
// resource capacities and the per-level assignment fields. Reads are shared;
// each level writes only through the writer it claimed.
type Environment struct {
	mu      sync.RWMutex
	st      *state
	version uint64
	claims  claims
}

type claims struct {
	strategic   bool
	tactical    bool
	supervisor  bool
	operational map[model.Id]bool
}

func New(snapshot Snapshot) (*Environment, error) {
	st, err := build(snapshot)
	if err != nil {
		return nil, err
	}
	return &Environment{
		st:     st,
		claims: claims{operational: make(map[model.Id]bool)},
	}, nil
}

func build(s Snapshot) (*state, error) {
	st := &state{
		periodByID:        make(map[model.PeriodID]model.Period),
		dayIndex:          make(map[model.Day]int),
		workOrders:        make(map[model.WorkOrderNumber]*model.WorkOrder),
		period:            make(map[model.WorkOrderNumber]model.PeriodID),
		activities:        make(map[model.ActivityKey]*activityState),
		strategicCapacity: make(map[model.Resource]map[model.PeriodID]model.Work),
		tacticalCapacity:  make(map[model.Resource]map[model.Day]model.Work),
		strategicLoad:     make(map[model.Resource]map[model.PeriodID]model.Work),
		tacticalLoad:      make(map[model.Resource]map[model.Day]model.Work),
		technicians:       make(map[model.Id]model.OperationalResource),
	}

	st.periods = slices.Clone(s.Periods)
	slices.SortFunc(st.periods, model.Period.Compare)
	dayByDate := make(map[string]model.Day)
	for i, p := range st.periods {
		if _, dup := st.periodByID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate period id %d", ErrConfiguration, p.ID)
		}
		if !p.End.After(p.Start) {
			return nil, fmt.Errorf("%w: period %d ends before it starts", ErrConfiguration, p.ID)
		}
		if i > 0 && p.Start.Before(st.periods[i-1].End) {
			return nil, fmt.Errorf("%w: period %d overlaps period %d", ErrConfiguration, p.ID, st.periods[i-1].ID)
		}
		st.periodByID[p.ID] = p
		for _, d := range p.Days() {
			st.dayIndex[d] = len(st.days)
			st.days = append(st.days, d)
			dayByDate[d.Date] = d
		}
	}

	for i := range s.WorkOrders {
		wo := s.WorkOrders[i]
		wo.Operations = slices.Clone(wo.Operations)
		wo.SortOperations()
		if err := wo.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		if _, dup := st.workOrders[wo.Number]; dup {
			return nil, fmt.Errorf("%w: duplicate work order %d", ErrConfiguration, wo.Number)
		}
		st.workOrders[wo.Number] = &wo
		st.numbers = append(st.numbers, wo.Number)
		for _, op := range wo.Operations {
			key := model.ActivityKey{WorkOrder: wo.Number, Activity: op.Number}
			st.activities[key] = &activityState{resource: op.Resource, work: op.Work}
		}
	}
	slices.Sort(st.numbers)

	for r, byPeriod := range s.StrategicCapacity {
		for p, w := range byPeriod {
			if _, ok := st.periodByID[p]; !ok {
				return nil, fmt.Errorf("%w: strategic capacity for unknown period %d", ErrConfiguration, p)
			}
			if w < 0 {
				return nil, fmt.Errorf("%w: negative strategic capacity for %s", ErrConfiguration, r)
			}
			setNested(st.strategicCapacity, r, p, w)
		}
	}
	for r, byDate := range s.TacticalCapacity {
		for date, w := range byDate {
			d, ok := dayByDate[date]
			if !ok {
				return nil, fmt.Errorf("%w: tactical capacity for unknown day %s", ErrConfiguration, date)
			}
			if w < 0 {
				return nil, fmt.Errorf("%w: negative tactical capacity for %s", ErrConfiguration, r)
			}
			setNested(st.tacticalCapacity, r, d, w)
		}
	}

	for _, tech := range s.OperationalResources {
		if tech.ID == "" {
			return nil, fmt.Errorf("%w: operational resource without id", ErrConfiguration)
		}
		if _, dup := st.technicians[tech.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate operational id %s", ErrConfiguration, tech.ID)
		}
		tech.Resources = slices.Clone(tech.Resources)
		st.technicians[tech.ID] = tech
		st.technicianIDs = append(st.technicianIDs, tech.ID)
	}
	slices.Sort(st.technicianIDs)

	return st, nil
}

// Reload replaces the whole environment. Writers stay claimed; a claimed
// operational identity missing from the new snapshot rejects the reload.
func (e *Environment) Reload(snapshot Snapshot) error {
	st, err := build(snapshot)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.claims.operational {
		if _, ok := st.technicians[id]; !ok {
			return fmt.Errorf("%w: operational agent %s is missing from the reloaded environment", ErrConfiguration, id)
		}
	}
	e.st = st
	e.version++
	return nil
}

// Version increments on every successful mutation.
func (e *Environment) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func (e *Environment) Periods() []model.Period {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.st.periods)
}

func (e *Environment) Days() []model.Day {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.st.days)
}

func (e *Environment) DaysInPeriod(p model.PeriodID) []model.Day {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var days []model.Day
	for _, d := range e.st.days {
		if d.Period == p {
			days = append(days, d)
		}
	}
	return days
}

// WorkOrder returns the shared, read-only definition of a work order.
func (e *Environment) WorkOrder(n model.WorkOrderNumber) (*model.WorkOrder, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wo, ok := e.st.workOrders[n]
	return wo, ok
}

func (e *Environment) WorkOrders() []*model.WorkOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.WorkOrder, 0, len(e.st.numbers))
	for _, n := range e.st.numbers {
		out = append(out, e.st.workOrders[n])
	}
	return out
}

func (e *Environment) OperationalResources() []model.OperationalResource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.OperationalResource, 0, len(e.st.technicianIDs))
	for _, id := range e.st.technicianIDs {
		out = append(out, e.st.technicians[id])
	}
	return out
}

// Resources lists every resource that has capacity or demand.
func (e *Environment) Resources() []model.Resource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.resources()
}

func (st *state) resources() []model.Resource {
	set := make(map[model.Resource]struct{})
	for r := range st.strategicCapacity {
		set[r] = struct{}{}
	}
	for r := range st.tacticalCapacity {
		set[r] = struct{}{}
	}
	for _, a := range st.activities {
		set[a.resource] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

func (e *Environment) ActivitiesInPeriod(p model.PeriodID) []model.ActivityKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var keys []model.ActivityKey
	for n, assigned := range e.st.period {
		if assigned == p {
			keys = append(keys, e.st.workOrders[n].Keys()...)
		}
	}
	slices.SortFunc(keys, model.ActivityKey.Compare)
	return keys
}

func (e *Environment) ActivitiesOnDay(d model.Day) []model.ActivityKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var keys []model.ActivityKey
	for key, a := range e.st.activities {
		if a.day != nil && *a.day == d {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, model.ActivityKey.Compare)
	return keys
}

func (e *Environment) StrategicLoading(r model.Resource, p model.PeriodID) model.Work {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.strategicLoad[r][p]
}

func (e *Environment) StrategicCapacity(r model.Resource, p model.PeriodID) model.Work {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.strategicCapacity[r][p]
}

func (e *Environment) TacticalLoading(r model.Resource, d model.Day) model.Work {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.tacticalLoad[r][d]
}

func (e *Environment) TacticalCapacity(r model.Resource, d model.Day) model.Work {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.tacticalCapacity[r][d]
}

// Percentage is loading/capacity in percent. ok is false when the capacity is
// zero and the ratio is undefined.
func Percentage(loading, capacity model.Work) (pct float64, ok bool) {
	if capacity <= 0 {
		return 0, false
	}
	return float64(loading/capacity) * 100, true
}

func (e *Environment) StrategicPercentage(r model.Resource, p model.PeriodID) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Percentage(e.st.strategicLoad[r][p], e.st.strategicCapacity[r][p])
}

func (e *Environment) TacticalPercentage(r model.Resource, d model.Day) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Percentage(e.st.tacticalLoad[r][d], e.st.tacticalCapacity[r][d])
}

func (e *Environment) Assignment(key model.ActivityKey) (Assignment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.st.activities[key]
	if !ok {
		return Assignment{}, activityError(ErrNotFound, key, "unknown activity")
	}
	return e.st.assignment(key, a), nil
}

func (st *state) assignment(key model.ActivityKey, a *activityState) Assignment {
	out := Assignment{Status: a.status}
	if p, ok := st.period[key.WorkOrder]; ok {
		out.Period = &p
	}
	if a.day != nil {
		d := *a.day
		out.Day = &d
	}
	if a.delegate != nil {
		id := *a.delegate
		out.Delegate = &id
	}
	if len(a.excluded) > 0 {
		out.Excluded = slices.SortedFunc(maps.Keys(a.excluded), model.Day.Compare)
	}
	return out
}

// View is a consistent copy of the environment taken under a single read lock.
// Work order pointers are shared and must be treated as read-only.
type View struct {
	Version           uint64
	Periods           []model.Period
	Days              []model.Day
	WorkOrders        []*model.WorkOrder
	Activities        map[model.ActivityKey]Assignment
	StrategicCapacity map[model.Resource]map[model.PeriodID]model.Work
	TacticalCapacity  map[model.Resource]map[model.Day]model.Work
	StrategicLoad     map[model.Resource]map[model.PeriodID]model.Work
	TacticalLoad      map[model.Resource]map[model.Day]model.Work
	Technicians       []model.OperationalResource
	Resources         []model.Resource
}

func (e *Environment) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.st

	v := View{
		Version:           e.version,
		Periods:           slices.Clone(st.periods),
		Days:              slices.Clone(st.days),
		WorkOrders:        make([]*model.WorkOrder, 0, len(st.numbers)),
		Activities:        make(map[model.ActivityKey]Assignment, len(st.activities)),
		StrategicCapacity: cloneNested(st.strategicCapacity),
		TacticalCapacity:  cloneNested(st.tacticalCapacity),
		StrategicLoad:     cloneNested(st.strategicLoad),
		TacticalLoad:      cloneNested(st.tacticalLoad),
		Resources:         st.resources(),
	}
	for _, n := range st.numbers {
		v.WorkOrders = append(v.WorkOrders, st.workOrders[n])
	}
	for key, a := range st.activities {
		v.Activities[key] = st.assignment(key, a)
	}
	for _, id := range st.technicianIDs {
		v.Technicians = append(v.Technicians, st.technicians[id])
	}
	return v
}

// DaysInPeriod filters the view's horizon.
func (v View) DaysInPeriod(p model.PeriodID) []model.Day {
	var days []model.Day
	for _, d := range v.Days {
		if d.Period == p {
			days = append(days, d)
		}
	}
	return days
}

func setNested[K1, K2 comparable, V any](m map[K1]map[K2]V, k1 K1, k2 K2, v V) {
	inner, ok := m[k1]
	if !ok {
		inner = make(map[K2]V)
		m[k1] = inner
	}
	inner[k2] = v
}

func addNested[K1, K2 comparable](m map[K1]map[K2]model.Work, k1 K1, k2 K2, delta model.Work) {
	inner, ok := m[k1]
	if !ok {
		inner = make(map[K2]model.Work)
		m[k1] = inner
	}
	inner[k2] += delta
}

func cloneNested[K1, K2 comparable, V any](m map[K1]map[K2]V) map[K1]map[K2]V {
	out := make(map[K1]map[K2]V, len(m))
	for k, inner := range m {
		out[k] = maps.Clone(inner)
	}
	return out
}

// SortedKeys is a small helper shared by the agents' report builders.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
