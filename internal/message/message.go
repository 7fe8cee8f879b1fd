// Package message defines the request/response family every scheduling level
// speaks. A level only supplies its own scheduling payload and status shape;
// status, resource and time queries are shared.
package message

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

type (
	Kind         string
	StatusKind   string
	ResourceKind string
	TimeKind     string
)

const (
	KindStatus     Kind = "status"
	KindScheduling Kind = "scheduling"
	KindResources  Kind = "resources"
	KindTime       Kind = "time"
)

const (
	StatusGeneral   StatusKind = "general"
	StatusWorkOrder StatusKind = "work_order"
	StatusDay       StatusKind = "day"
)

const (
	ResourceLoading     ResourceKind = "loading"
	ResourceCapacity    ResourceKind = "capacity"
	ResourcePercentage  ResourceKind = "percentage"
	ResourceSetCapacity ResourceKind = "set_capacity"
)

const (
	TimePeriods        TimeKind = "periods"
	TimeDays           TimeKind = "days"
	TimeOperationalIds TimeKind = "operational_ids"
)

type StatusQuery struct {
	Kind      StatusKind             `json:"kind"`
	WorkOrder *model.WorkOrderNumber `json:"work_order,omitempty"`
	Day       *model.Day             `json:"day,omitempty"`
}

// ResourceQuery addresses loading/capacity buckets. Nil filters select every
// resource and every bucket of the level's resolution.
type ResourceQuery struct {
	Kind     ResourceKind    `json:"kind"`
	Resource *model.Resource `json:"resource,omitempty"`
	Period   *model.PeriodID `json:"period,omitempty"`
	Day      *model.Day      `json:"day,omitempty"`
	Capacity model.Work      `json:"capacity,omitempty"`
}

type TimeQuery struct {
	Kind   TimeKind        `json:"kind"`
	Period *model.PeriodID `json:"period,omitempty"`
}

// Request is parameterised by the level's scheduling payload S.
type Request[S any] struct {
	Kind       Kind           `json:"kind"`
	Status     *StatusQuery   `json:"status,omitempty"`
	Scheduling *S             `json:"scheduling,omitempty"`
	Resources  *ResourceQuery `json:"resources,omitempty"`
	Time       *TimeQuery     `json:"time,omitempty"`
}

func StatusRequest[S any](q StatusQuery) Request[S] {
	return Request[S]{Kind: KindStatus, Status: &q}
}

func SchedulingRequest[S any](s S) Request[S] {
	return Request[S]{Kind: KindScheduling, Scheduling: &s}
}

func ResourcesRequest[S any](q ResourceQuery) Request[S] {
	return Request[S]{Kind: KindResources, Resources: &q}
}

func TimeRequest[S any](q TimeQuery) Request[S] {
	return Request[S]{Kind: KindTime, Time: &q}
}

// Validate checks that the payload matching Kind is present.
func (r Request[S]) Validate() error {
	var missing bool
	switch r.Kind {
	case KindStatus:
		missing = r.Status == nil
	case KindScheduling:
		missing = r.Scheduling == nil
	case KindResources:
		missing = r.Resources == nil
	case KindTime:
		missing = r.Time == nil
	default:
		return fmt.Errorf("%w: unknown request kind %q", environment.ErrInvalidRequest, r.Kind)
	}
	if missing {
		return fmt.Errorf("%w: %s request without payload", environment.ErrInvalidRequest, r.Kind)
	}
	return nil
}

// Unsupported is the error a level returns for a query kind it does not serve.
func Unsupported[T ~string](kind T) error {
	return fmt.Errorf("%w: unsupported %q", environment.ErrInvalidRequest, string(kind))
}

// Response is parameterised by the level's status shape St.
type Response[St any] struct {
	Kind       Kind              `json:"kind"`
	Status     *St               `json:"status,omitempty"`
	Scheduling *SchedulingResult `json:"scheduling,omitempty"`
	Resources  *ResourceReport   `json:"resources,omitempty"`
	Time       *TimeReport       `json:"time,omitempty"`
}

// ItemResult reports the outcome for one work order or activity of a request.
type ItemResult struct {
	WorkOrder *model.WorkOrderNumber `json:"work_order,omitempty"`
	Activity  *model.ActivityKey     `json:"activity,omitempty"`
	Accepted  bool                   `json:"accepted"`
	Error     string                 `json:"error,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

func AcceptedActivity(key model.ActivityKey) ItemResult {
	return ItemResult{Activity: &key, Accepted: true}
}

func RejectedActivity(key model.ActivityKey, err error) ItemResult {
	return ItemResult{Activity: &key, Error: environment.Kind(err), Detail: err.Error()}
}

func AcceptedWorkOrder(n model.WorkOrderNumber) ItemResult {
	return ItemResult{WorkOrder: &n, Accepted: true}
}

func RejectedWorkOrder(n model.WorkOrderNumber, err error) ItemResult {
	return ItemResult{WorkOrder: &n, Error: environment.Kind(err), Detail: err.Error()}
}

// OptimizeSummary is the best-effort outcome of a bounded optimisation request.
type OptimizeSummary struct {
	Requested  int      `json:"requested"`
	Iterations int      `json:"iterations"`
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
	Conflicts  int      `json:"conflicts"`
	Objective  float64  `json:"objective"`
	BestEffort bool     `json:"best_effort"`
	Unplaced   []string `json:"unplaced,omitempty"`
}

// Attributes describes the run for the optimisation span.
func (s *OptimizeSummary) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("scheduler.optimize.requested", s.Requested),
		attribute.Int("scheduler.optimize.iterations", s.Iterations),
		attribute.Int("scheduler.optimize.accepted", s.Accepted),
		attribute.Int("scheduler.optimize.conflicts", s.Conflicts),
		attribute.Float64("scheduler.optimize.objective", s.Objective),
		attribute.Bool("scheduler.optimize.best_effort", s.BestEffort),
	}
}

type SchedulingResult struct {
	Accepted     bool             `json:"accepted"`
	Items        []ItemResult     `json:"items,omitempty"`
	Optimization *OptimizeSummary `json:"optimization,omitempty"`
}

// Collect folds per-item outcomes into a result that is accepted only when
// every item was.
func Collect(items ...ItemResult) *SchedulingResult {
	res := &SchedulingResult{Accepted: len(items) > 0, Items: items}
	for _, it := range items {
		if !it.Accepted {
			res.Accepted = false
		}
	}
	return res
}

var timeoutKind = environment.Kind(environment.ErrCrossAgentTimeout)

// TimedOut reports whether every item was rejected because a peer agent did
// not answer in time. Such a result changed nothing.
func (r *SchedulingResult) TimedOut() bool {
	if r == nil || r.Accepted || len(r.Items) == 0 {
		return false
	}
	for _, it := range r.Items {
		if it.Error != timeoutKind {
			return false
		}
	}
	return true
}

type LoadingEntry struct {
	Resource   model.Resource  `json:"resource"`
	Period     *model.PeriodID `json:"period,omitempty"`
	Day        *model.Day      `json:"day,omitempty"`
	Loading    model.Work      `json:"loading"`
	Capacity   model.Work      `json:"capacity"`
	Percentage *float64        `json:"percentage,omitempty"`
}

// NewLoadingEntry fills Percentage when capacity makes the ratio defined.
func NewLoadingEntry(r model.Resource, loading, capacity model.Work) LoadingEntry {
	e := LoadingEntry{Resource: r, Loading: loading, Capacity: capacity}
	if pct, ok := environment.Percentage(loading, capacity); ok {
		e.Percentage = &pct
	}
	return e
}

type ResourceReport struct {
	Kind    ResourceKind   `json:"kind"`
	Entries []LoadingEntry `json:"entries"`
}

type TimeReport struct {
	Periods        []model.Period `json:"periods,omitempty"`
	Days           []model.Day    `json:"days,omitempty"`
	OperationalIds []model.Id     `json:"operational_ids,omitempty"`
}
