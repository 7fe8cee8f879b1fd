package model

import (
	"cmp"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

type PeriodID int

// Period is a strategic time bucket covering [Start, End).
type Period struct {
	ID    PeriodID  `json:"id" yaml:"id"`
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

func (p Period) Compare(o Period) int {
	if c := p.Start.Compare(o.Start); c != 0 {
		return c
	}
	return cmp.Compare(p.ID, o.ID)
}

func (p Period) String() string {
	return fmt.Sprintf("P%d[%s..%s)", p.ID, p.Start.Format(dateLayout), p.End.Format(dateLayout))
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Days enumerates the calendar days of the period.
func (p Period) Days() []Day {
	var days []Day
	start := time.Date(p.Start.Year(), p.Start.Month(), p.Start.Day(), 0, 0, 0, 0, time.UTC)
	for d := start; d.Before(p.End); d = d.AddDate(0, 0, 1) {
		days = append(days, Day{Date: d.Format(dateLayout), Period: p.ID})
	}
	return days
}

// Day is a tactical time bucket nested in exactly one period. It is comparable
// and used directly as a map key.
type Day struct {
	Date   string   `json:"date" yaml:"date"`
	Period PeriodID `json:"period" yaml:"period"`
}

func NewDay(t time.Time, period PeriodID) Day {
	return Day{Date: t.UTC().Format(dateLayout), Period: period}
}

// Compare orders days chronologically. Periods never overlap, so a date
// belongs to one period and the order agrees with the period order.
func (d Day) Compare(o Day) int {
	if c := cmp.Compare(d.Date, o.Date); c != 0 {
		return c
	}
	return cmp.Compare(d.Period, o.Period)
}

func (d Day) Time() (time.Time, error) {
	return time.Parse(dateLayout, d.Date)
}

func (d Day) String() string {
	return d.Date
}
