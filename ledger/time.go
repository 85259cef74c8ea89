package ledger

import (
	"time"
)

// =============================================================================
// TIME POINT - Calendar date with no time component
// =============================================================================

// TimePoint is a calendar date. The ledger only ever reasons in whole days,
// so every constructor normalizes to midnight UTC.
type TimePoint struct {
	Time time.Time
}

const dateLayout = "2006-01-02"

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// StartOfDay drops the clock part of t, keeping t's calendar date in its own
// location.
func StartOfDay(t time.Time) TimePoint {
	if t.IsZero() {
		return TimePoint{}
	}
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (TimePoint, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return TimePoint{}, err
	}
	return StartOfDay(t), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.Time.Before(other.Time) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.Time.Equal(other.Time) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.Time.After(other.Time) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

// Arithmetic. Month and year addition follow time.AddDate normalization:
// Jan 31 + 1 month is Mar 3 (or Mar 2 in leap years).
func (tp TimePoint) AddDays(n int) TimePoint   { return TimePoint{Time: tp.Time.AddDate(0, 0, n)} }
func (tp TimePoint) SubDays(n int) TimePoint   { return tp.AddDays(-n) }
func (tp TimePoint) AddMonths(n int) TimePoint { return TimePoint{Time: tp.Time.AddDate(0, n, 0)} }
func (tp TimePoint) AddYears(n int) TimePoint  { return TimePoint{Time: tp.Time.AddDate(n, 0, 0)} }

// Properties
func (tp TimePoint) Year() int         { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month { return tp.Time.Month() }
func (tp TimePoint) Day() int          { return tp.Time.Day() }
func (tp TimePoint) IsZero() bool      { return tp.Time.IsZero() }

func (tp TimePoint) String() string {
	if tp.IsZero() {
		return ""
	}
	return tp.Time.Format(dateLayout)
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// MonthsBetween returns the number of completed calendar months from start
// to end. It is zero when end is before start.
func MonthsBetween(start, end TimePoint) int {
	if end.Before(start) {
		return 0
	}
	months := (end.Year()-start.Year())*12 + int(end.Month()-start.Month())
	if start.AddMonths(months).After(end) {
		months--
	}
	return months
}
