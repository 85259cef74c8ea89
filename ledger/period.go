package ledger

// =============================================================================
// WINDOW - The trailing range used for expiry and entitlement
// =============================================================================

// Window is the half-open date range (After, Through].
//
// Statutory leave expires two years after it is granted, so the "live"
// part of the ledger on a given day is everything effective strictly after
// the same date two years earlier, up to and including the day itself.
type Window struct {
	After   TimePoint
	Through TimePoint
}

// ExpiryYears is how long granted leave stays usable.
const ExpiryYears = 2

// TrailingWindow returns (asOf - years, asOf].
func TrailingWindow(asOf TimePoint, years int) Window {
	return Window{After: asOf.AddYears(-years), Through: asOf}
}

// Contains returns true if t is within (After, Through].
func (w Window) Contains(t TimePoint) bool {
	return t.After(w.After) && t.BeforeOrEqual(w.Through)
}

// Filter returns the transactions whose effective date falls in the window.
func (w Window) Filter(txs []Transaction) []Transaction {
	var result []Transaction
	for _, tx := range txs {
		if w.Contains(tx.EffectiveAt) {
			result = append(result, tx)
		}
	}
	return result
}

// String returns a string representation of the window.
func (w Window) String() string {
	return "(" + w.After.String() + ", " + w.Through.String() + "]"
}
