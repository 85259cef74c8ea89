/*
Package ledger provides the data model and storage contracts of the leave ledger.

PURPOSE:
  This package holds the types every other package speaks: the employee
  profile the accrual rules read, the append-only transaction log, and the
  per-user balance row that caches the log. It has no business rules of its
  own beyond date arithmetic and the trailing window.

KEY CONCEPTS IN THIS FILE (types.go):
  - Profile: Employment facts the accrual rules depend on (start date)
  - Transaction: An immutable ledger entry (grant, consume, adjust)
  - Balance: Materialized view of the ledger, one row per user

DESIGN PRINCIPLES:
  1. Append-only: Transactions are never modified or deleted
  2. Precision: Day amounts use decimal.Decimal (half days exist)
  3. Derived balance: Balance.CurrentDays can always be recomputed
  4. Idempotency: Machine-generated entries carry a deterministic key

USAGE:
  tx := ledger.Transaction{
      UserID:      "emp-123",
      Type:        ledger.TxGrant,
      AmountDays:  decimal.NewFromInt(10),
      EffectiveAt: ledger.NewTimePoint(2020, time.July, 1),
      Note:        ledger.NoteBackfillGrant,
  }

SEE ALSO:
  - time.go: Day-granular dates and calendar arithmetic
  - period.go: Trailing window used for expiry
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// PROFILE - Employment facts (read-only to the accrual core)
// =============================================================================

// Profile is the slice of an employee record the accrual rules consume.
// A zero StartDate means the start date has not been configured yet.
type Profile struct {
	UserID          UserID
	Name            string
	Email           string
	StartDate       TimePoint
	WorkDaysPerWeek int
	CreatedAt       time.Time
}

// HasStartDate reports whether the accrual schedule can be anchored.
func (p *Profile) HasStartDate() bool {
	return p != nil && !p.StartDate.IsZero()
}

// FullTimeWorkDays is the weekly work-day count the statutory table assumes.
const FullTimeWorkDays = 5

// =============================================================================
// TRANSACTION - Append-only ledger entry
// =============================================================================

type TransactionType string

const (
	TxGrant   TransactionType = "grant"   // Statutory, manual or top-up grant
	TxConsume TransactionType = "consume" // Leave taken (approved request)
	TxAdjust  TransactionType = "adjust"  // Expiry or admin correction
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxGrant, TxConsume, TxAdjust:
		return true
	}
	return false
}

// Sentinel notes. The accrual core recognizes its own entries by these.
const (
	NoteBackfillGrant = "periodic grant"
	NoteExpired       = "expired"
	NoteManualGrant   = "manual grant"
	NoteAutoTopUp     = "auto grant (cap40-top-up)"
)

// Transaction is one entry of the leave ledger.
//
// EffectiveAt is the ledger date: balances, windows and duplicate detection
// all use it. CreatedAt is only the audit timestamp of the insert.
type Transaction struct {
	ID               TransactionID
	UserID           UserID
	Type             TransactionType
	AmountDays       decimal.Decimal
	EffectiveAt      TimePoint
	Note             string
	RelatedRequestID string
	IdempotencyKey   string
	CreatedAt        time.Time
}

// Sum adds up the amounts of txs.
func Sum(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.AmountDays)
	}
	return total
}

// LatestOfType returns the effective date of the newest transaction of the
// given type, or the zero TimePoint when there is none.
func LatestOfType(txs []Transaction, t TransactionType) TimePoint {
	var latest TimePoint
	for _, tx := range txs {
		if tx.Type != t {
			continue
		}
		if latest.IsZero() || tx.EffectiveAt.After(latest) {
			latest = tx.EffectiveAt
		}
	}
	return latest
}

// =============================================================================
// BALANCE - Materialized view over the ledger
// =============================================================================

// Balance is the cached per-user summary. CurrentDays must always be
// re-derivable from the transactions; LastGrantDate and NextGrantDate are
// informational and zero when unknown.
type Balance struct {
	ID            string
	UserID        UserID
	CurrentDays   decimal.Decimal
	LastGrantDate TimePoint
	NextGrantDate TimePoint
	UpdatedAt     time.Time
}
