/*
store.go - Persistence interfaces for profiles, transactions and balances

PURPOSE:
  Defines the interface between the accrual rules and the database.
  Transactions are append-only; the balance row is the only mutable record
  and is always rewritten from a recomputation, never patched in place.

KEY INTERFACES:
  Store:      What the accrual core reads and writes inside one unit
  TxStore:    Store plus atomic units (WithTx)
  Directory:  Employee and reporting queries used by the HTTP layer
  Repository: TxStore + Directory, what the server is wired with

IDEMPOTENCY:
  A transaction may carry an idempotency key. If the key already exists,
  Append returns ErrDuplicateIdempotencyKey and writes nothing.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - accrual/service.go: Runs every orchestrator inside WithTx
*/
package ledger

import "context"

// =============================================================================
// STORE - Core persistence contract
// =============================================================================

// Store handles persistence of the ledger.
// Transactions are APPEND-ONLY. Corrections are made via ADJUST entries.
type Store interface {
	// Profile returns the employee profile, or (nil, nil) if it doesn't exist.
	Profile(ctx context.Context, userID UserID) (*Profile, error)

	// Append persists a transaction. An empty ID is generated and a zero
	// CreatedAt is set to the current time.
	Append(ctx context.Context, tx Transaction) error

	// Transactions returns every transaction of a user ordered by EffectiveAt.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// TransactionsInRange returns transactions effective in the window,
	// optionally restricted to the given types.
	TransactionsInRange(ctx context.Context, userID UserID, w Window, types ...TransactionType) ([]Transaction, error)

	// GetOrCreateBalance returns the balance row, creating it with zero days.
	GetOrCreateBalance(ctx context.Context, userID UserID) (Balance, error)

	// SaveBalance overwrites the balance row of b.UserID.
	SaveBalance(ctx context.Context, b Balance) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// DIRECTORY - Employee and reporting queries
// =============================================================================

// EmployeeBalance pairs a profile with its stored balance (nil if none yet).
type EmployeeBalance struct {
	Profile Profile
	Balance *Balance
}

type Directory interface {
	SaveProfile(ctx context.Context, p Profile) error
	ListProfiles(ctx context.Context) ([]Profile, error)
	ListBalances(ctx context.Context) ([]EmployeeBalance, error)

	// History returns up to limit transactions, newest first.
	History(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
}

// Repository is everything the server needs from storage.
type Repository interface {
	TxStore
	Directory
}

// MatchesTypes reports whether t is in types. An empty list matches all.
func MatchesTypes(t TransactionType, types []TransactionType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
