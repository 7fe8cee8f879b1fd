package environment

import (
	"fmt"
	"maps"

	"basegraph.app/scheduler/internal/model"
)

// PeriodChange moves a work order to Period, or unassigns it when Period is nil.
type PeriodChange struct {
	WorkOrder model.WorkOrderNumber
	Period    *model.PeriodID
}

// DayChange sets the complete tactical row of an activity. Day is the target
// day (nil unassigns). A non-nil Exclusions replaces the sticky exclusion set.
// ExpectedPeriod, when set, must match the activity's current period.
type DayChange struct {
	Activity       model.ActivityKey
	Day            *model.Day
	Exclusions     []model.Day
	ExpectedPeriod *model.PeriodID
}

// DelegationChange delegates an activity to Delegate, or withdraws the
// delegation when Delegate is nil. ExpectedDay, when set, must match the
// activity's current tactical day.
type DelegationChange struct {
	Activity    model.ActivityKey
	Delegate    *model.Id
	ExpectedDay *model.Day
}

type StatusChange struct {
	Activity model.ActivityKey
	Status   model.OperationalStatus
}

type StrategicWriter struct{ env *Environment }

type TacticalWriter struct{ env *Environment }

type SupervisorWriter struct{ env *Environment }

type OperationalWriter struct {
	env *Environment
	id  model.Id
}

func (e *Environment) ClaimStrategic() (*StrategicWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claims.strategic {
		return nil, fmt.Errorf("%w: strategic writer already claimed", ErrConfiguration)
	}
	e.claims.strategic = true
	return &StrategicWriter{env: e}, nil
}

func (e *Environment) ClaimTactical() (*TacticalWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claims.tactical {
		return nil, fmt.Errorf("%w: tactical writer already claimed", ErrConfiguration)
	}
	e.claims.tactical = true
	return &TacticalWriter{env: e}, nil
}

func (e *Environment) ClaimSupervisor() (*SupervisorWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claims.supervisor {
		return nil, fmt.Errorf("%w: supervisor writer already claimed", ErrConfiguration)
	}
	e.claims.supervisor = true
	return &SupervisorWriter{env: e}, nil
}

func (e *Environment) ClaimOperational(id model.Id) (*OperationalWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.st.technicians[id]; !ok {
		return nil, fmt.Errorf("%w: unknown operational id %s", ErrConfiguration, id)
	}
	if e.claims.operational[id] {
		return nil, fmt.Errorf("%w: operational writer %s already claimed", ErrConfiguration, id)
	}
	e.claims.operational[id] = true
	return &OperationalWriter{env: e, id: id}, nil
}

// Apply commits a batch of period changes atomically. Changes are validated in
// order against the state the earlier changes of the batch produce.
func (w *StrategicWriter) Apply(changes []PeriodChange) error {
	e := w.env
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st

	overlay := make(map[model.WorkOrderNumber]*model.PeriodID)
	delta := make(map[model.Resource]map[model.PeriodID]model.Work)

	current := func(n model.WorkOrderNumber) *model.PeriodID {
		if p, ok := overlay[n]; ok {
			return p
		}
		if p, ok := st.period[n]; ok {
			return &p
		}
		return nil
	}

	for _, c := range changes {
		if c.Period != nil {
			if _, ok := st.periodByID[*c.Period]; !ok {
				return workOrderError(ErrCapacityExceeded, c.WorkOrder, "period %d is not in the horizon", *c.Period)
			}
		}
		wo, ok := st.workOrders[c.WorkOrder]
		if !ok {
			return workOrderError(ErrNotFound, c.WorkOrder, "unknown work order")
		}

		cur := current(c.WorkOrder)
		if samePeriod(cur, c.Period) {
			continue
		}
		for _, key := range wo.Keys() {
			if st.activities[key].day != nil {
				return workOrderError(ErrInvariantViolation, c.WorkOrder, "activity %d is scheduled on a tactical day", key.Activity)
			}
		}

		load := wo.Load()
		if cur != nil {
			for r, work := range load {
				addNested(delta, r, *cur, -work)
			}
		}
		if c.Period != nil {
			p := *c.Period
			for r, work := range load {
				if work <= 0 {
					continue
				}
				next := st.strategicLoad[r][p] + delta[r][p] + work
				if next > st.strategicCapacity[r][p]+capacityEpsilon {
					return workOrderError(ErrCapacityExceeded, c.WorkOrder,
						"%s in period %d would load %.2f of %.2f", r, p, next, st.strategicCapacity[r][p])
				}
			}
			for r, work := range load {
				addNested(delta, r, p, work)
			}
		}
		overlay[c.WorkOrder] = c.Period
	}

	if len(overlay) == 0 {
		return nil
	}
	for r, byPeriod := range delta {
		for p, d := range byPeriod {
			addNested(st.strategicLoad, r, p, d)
		}
	}
	for n, p := range overlay {
		if p == nil {
			delete(st.period, n)
		} else {
			st.period[n] = *p
		}
	}
	e.version++
	return nil
}

// SetCapacity never re-evaluates existing assignments; only later insertions
// are checked against the new value.
func (w *StrategicWriter) SetCapacity(r model.Resource, p model.PeriodID, capacity model.Work) error {
	e := w.env
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.st.periodByID[p]; !ok {
		return fmt.Errorf("%w: period %d", ErrNotFound, p)
	}
	if capacity < 0 {
		return fmt.Errorf("%w: capacity must not be negative", ErrInvariantViolation)
	}
	setNested(e.st.strategicCapacity, r, p, capacity)
	e.version++
	return nil
}

func (w *TacticalWriter) Apply(changes []DayChange) error {
	e := w.env
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st

	overlay := make(map[model.ActivityKey]*activityState)
	delta := make(map[model.Resource]map[model.Day]model.Work)

	for _, c := range changes {
		if c.Day != nil {
			if _, ok := st.dayIndex[*c.Day]; !ok {
				return activityError(ErrCapacityExceeded, c.Activity, "day %s is not in the horizon", c.Day)
			}
		}
		base, ok := st.activities[c.Activity]
		if !ok {
			return activityError(ErrNotFound, c.Activity, "unknown activity")
		}
		a, staged := overlay[c.Activity]
		if !staged {
			a = base.clone()
		}

		period, hasPeriod := st.period[c.Activity.WorkOrder]
		if c.ExpectedPeriod != nil && (!hasPeriod || period != *c.ExpectedPeriod) {
			return activityError(ErrStaleAssignment, c.Activity, "strategic period changed")
		}

		if c.Exclusions != nil {
			a.excluded = make(map[model.Day]struct{}, len(c.Exclusions))
			for _, d := range c.Exclusions {
				a.excluded[d] = struct{}{}
			}
		}

		if c.Day != nil {
			d := *c.Day
			if !hasPeriod {
				return activityError(ErrInvariantViolation, c.Activity, "no strategic period for day %s", d)
			}
			if d.Period != period {
				return activityError(ErrInvariantViolation, c.Activity, "day %s lies outside period %d", d, period)
			}
			if _, excluded := a.excluded[d]; excluded {
				return activityError(ErrInvariantViolation, c.Activity, "day %s is excluded", d)
			}
		}

		if !sameDay(a.day, c.Day) {
			if a.delegate != nil {
				return activityError(ErrInvariantViolation, c.Activity, "activity is delegated to %s", *a.delegate)
			}
			if a.day != nil {
				addNested(delta, a.resource, *a.day, -a.work)
			}
			if c.Day != nil {
				d := *c.Day
				next := st.tacticalLoad[a.resource][d] + delta[a.resource][d] + a.work
				if a.work > 0 && next > st.tacticalCapacity[a.resource][d]+capacityEpsilon {
					return activityError(ErrCapacityExceeded, c.Activity,
						"%s on %s would load %.2f of %.2f", a.resource, d, next, st.tacticalCapacity[a.resource][d])
				}
				addNested(delta, a.resource, d, a.work)
				a.day = &d
			} else {
				a.day = nil
			}
		}
		overlay[c.Activity] = a
	}

	if len(overlay) == 0 {
		return nil
	}
	for r, byDay := range delta {
		for d, w := range byDay {
			addNested(st.tacticalLoad, r, d, w)
		}
	}
	maps.Copy(st.activities, overlay)
	e.version++
	return nil
}

func (w *TacticalWriter) SetCapacity(r model.Resource, d model.Day, capacity model.Work) error {
	e := w.env
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.st.dayIndex[d]; !ok {
		return fmt.Errorf("%w: day %s", ErrNotFound, d)
	}
	if capacity < 0 {
		return fmt.Errorf("%w: capacity must not be negative", ErrInvariantViolation)
	}
	setNested(e.st.tacticalCapacity, r, d, capacity)
	e.version++
	return nil
}

// Apply re-delegation is last-write-wins; a changed delegate resets the
// operational status.
func (w *SupervisorWriter) Apply(changes []DelegationChange) error {
	e := w.env
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st

	overlay := make(map[model.ActivityKey]*activityState)
	for _, c := range changes {
		base, ok := st.activities[c.Activity]
		if !ok {
			return activityError(ErrNotFound, c.Activity, "unknown activity")
		}
		a, staged := overlay[c.Activity]
		if !staged {
			a = base.clone()
		}

		if c.ExpectedDay != nil && !sameDay(a.day, c.ExpectedDay) {
			return activityError(ErrStaleAssignment, c.Activity, "tactical day changed")
		}
		if c.Delegate != nil {
			if a.day == nil {
				return activityError(ErrStaleAssignment, c.Activity, "activity has no tactical day")
			}
			tech, ok := st.technicians[*c.Delegate]
			if !ok {
				return activityError(ErrNotFound, c.Activity, "unknown operational id %s", *c.Delegate)
			}
			if !tech.Skilled(a.resource) {
				return activityError(ErrInvariantViolation, c.Activity, "%s lacks resource %s", tech.ID, a.resource)
			}
		}

		if sameID(a.delegate, c.Delegate) {
			continue
		}
		if c.Delegate != nil {
			id := *c.Delegate
			a.delegate = &id
		} else {
			a.delegate = nil
		}
		a.status = model.StatusNone
		overlay[c.Activity] = a
	}

	if len(overlay) == 0 {
		return nil
	}
	maps.Copy(st.activities, overlay)
	e.version++
	return nil
}

func (w *OperationalWriter) ID() model.Id {
	return w.id
}

func (w *OperationalWriter) Apply(changes []StatusChange) error {
	e := w.env
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st

	overlay := make(map[model.ActivityKey]*activityState)
	for _, c := range changes {
		base, ok := st.activities[c.Activity]
		if !ok {
			return activityError(ErrNotFound, c.Activity, "unknown activity")
		}
		a, staged := overlay[c.Activity]
		if !staged {
			a = base.clone()
		}
		if a.delegate == nil || *a.delegate != w.id {
			return activityError(ErrStaleAssignment, c.Activity, "activity is not delegated to %s", w.id)
		}
		if !a.status.CanTransition(c.Status) {
			return activityError(ErrInvariantViolation, c.Activity, "illegal transition %s -> %s", a.status, c.Status)
		}
		a.status = c.Status
		overlay[c.Activity] = a
	}

	if len(overlay) == 0 {
		return nil
	}
	maps.Copy(st.activities, overlay)
	e.version++
	return nil
}

func samePeriod(a, b *model.PeriodID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameDay(a, b *model.Day) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameID(a, b *model.Id) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
