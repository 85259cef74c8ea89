package accrual

import (
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// Entitlement is the sum of the milestone grants still live on today,
// capped at MaxEntitlement. Only milestones effective in
// (today - 2y, today] count and each one counts once.
func Entitlement(start, today ledger.TimePoint) decimal.Decimal {
	window := ledger.TrailingWindow(today, ledger.ExpiryYears)

	total := decimal.Zero
	for _, ev := range GrantEvents(start, today) {
		if window.Contains(ev.At) {
			total = total.Add(ev.Days)
		}
	}
	return decimal.Min(total, MaxEntitlement)
}
