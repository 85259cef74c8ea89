package accrual

import (
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// GRANT SCHEDULE - Statutory milestones
// =============================================================================

// MaxEntitlement is the most leave an employee can hold at once.
var MaxEntitlement = decimal.NewFromInt(40)

const (
	firstGrantMonth = 6  // first grant six months after the start date
	grantInterval   = 12 // every later grant follows yearly
)

// milestoneDays lists the grants at months 6, 18, 30, 42, 54, 66 and 78.
// Every later yearly milestone grants the last value.
var milestoneDays = []int64{10, 11, 12, 14, 16, 18, 20}

// GrantEvent is one statutory grant: Months after the start date, effective
// At, worth Days.
type GrantEvent struct {
	Months int
	At     ledger.TimePoint
	Days   decimal.Decimal
}

// GrantDaysAt returns the statutory grant for a milestone reached after the
// given number of months of service. ok is false when months is not a
// milestone.
func GrantDaysAt(months int) (days decimal.Decimal, ok bool) {
	if months < firstGrantMonth || (months-firstGrantMonth)%grantInterval != 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(daysForIndex((months - firstGrantMonth) / grantInterval)), true
}

func daysForIndex(i int) int64 {
	if i >= len(milestoneDays) {
		return milestoneDays[len(milestoneDays)-1]
	}
	return milestoneDays[i]
}

func milestoneAt(start ledger.TimePoint, i int) GrantEvent {
	months := firstGrantMonth + i*grantInterval
	return GrantEvent{
		Months: months,
		At:     start.AddMonths(months),
		Days:   decimal.NewFromInt(daysForIndex(i)),
	}
}

// GrantEvents returns every milestone with an effective date on or before
// through, oldest first. Each date is computed from start directly so month
// end clamping never accumulates.
func GrantEvents(start, through ledger.TimePoint) []GrantEvent {
	if start.IsZero() {
		return nil
	}
	var events []GrantEvent
	for i := 0; ; i++ {
		ev := milestoneAt(start, i)
		if ev.At.After(through) {
			return events
		}
		events = append(events, ev)
	}
}

// NextGrant returns the date of the first milestone strictly after last.
// With no previous grant it is the six-month milestone.
func NextGrant(start, last ledger.TimePoint) ledger.TimePoint {
	return NextGrantEvent(start, last).At
}

// NextGrantEvent is NextGrant with the milestone's day count.
func NextGrantEvent(start, last ledger.TimePoint) GrantEvent {
	if last.IsZero() {
		return milestoneAt(start, 0)
	}
	for i := 0; ; i++ {
		if ev := milestoneAt(start, i); ev.At.After(last) {
			return ev
		}
	}
}

// ExpiryDate is the last day a grant effective at is usable.
func ExpiryDate(at ledger.TimePoint) ledger.TimePoint {
	return at.AddYears(ledger.ExpiryYears).AddDays(-1)
}

// Expired reports whether a grant effective at has lapsed by asOf.
func Expired(at, asOf ledger.TimePoint) bool {
	return ExpiryDate(at).Before(asOf)
}

// ProratedDays scales a full-time grant to a part-time week.
// It is shown to users only; ledger writes always use the full amount.
func ProratedDays(days decimal.Decimal, workDaysPerWeek int) decimal.Decimal {
	if workDaysPerWeek <= 0 || workDaysPerWeek >= ledger.FullTimeWorkDays {
		return days
	}
	scaled := days.Mul(decimal.NewFromInt(int64(workDaysPerWeek))).
		Div(decimal.NewFromInt(ledger.FullTimeWorkDays)).
		Round(0)
	return decimal.Max(decimal.NewFromInt(1), scaled)
}
