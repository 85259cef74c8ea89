package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func periodicGrant(user ledger.UserID, at ledger.TimePoint, days int64) ledger.Transaction {
	return ledger.Transaction{
		UserID:         user,
		Type:           ledger.TxGrant,
		AmountDays:     decimal.NewFromInt(days),
		EffectiveAt:    at,
		Note:           ledger.NoteBackfillGrant,
		IdempotencyKey: "backfill:grant:" + string(user) + ":" + at.String(),
	}
}

// =============================================================================
// PROFILES
// =============================================================================

func TestProfile_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveProfile(ctx, ledger.Profile{
		UserID:    "u1",
		Name:      "Aiko Tanaka",
		Email:     "aiko@example.com",
		StartDate: ledger.NewTimePoint(2020, time.January, 1),
	}))

	p, err := s.Profile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Aiko Tanaka", p.Name)
	assert.Equal(t, "2020-01-01", p.StartDate.String())
	assert.Equal(t, ledger.FullTimeWorkDays, p.WorkDaysPerWeek)

	missing, err := s.Profile(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProfile_WithoutStartDate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveProfile(ctx, ledger.Profile{UserID: "u2", Name: "New Hire", WorkDaysPerWeek: 3}))

	p, err := s.Profile(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.HasStartDate())
	assert.Equal(t, 3, p.WorkDaysPerWeek)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestAppend_RoundTripAndOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Append(ctx, periodicGrant("u1", ledger.NewTimePoint(2021, 7, 1), 11)))
	require.NoError(t, s.Append(ctx, periodicGrant("u1", ledger.NewTimePoint(2020, 7, 1), 10)))
	require.NoError(t, s.Append(ctx, ledger.Transaction{
		UserID:      "u1",
		Type:        ledger.TxConsume,
		AmountDays:  decimal.RequireFromString("-0.5"),
		EffectiveAt: ledger.NewTimePoint(2021, 8, 2),
		Note:        "half day",
	}))

	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "2020-07-01", txs[0].EffectiveAt.String())
	assert.True(t, txs[0].AmountDays.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, ledger.TxConsume, txs[2].Type)
	assert.True(t, txs[2].AmountDays.Equal(decimal.RequireFromString("-0.5")))
	assert.Empty(t, txs[2].IdempotencyKey)

	history, err := s.History(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2021-08-02", history[0].EffectiveAt.String())
}

func TestAppend_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx := periodicGrant("u1", ledger.NewTimePoint(2020, 7, 1), 10)
	require.NoError(t, s.Append(ctx, tx))
	assert.ErrorIs(t, s.Append(ctx, tx), ledger.ErrDuplicateIdempotencyKey)

	// Entries without a key never collide.
	manual := ledger.Transaction{UserID: "u1", Type: ledger.TxGrant, AmountDays: decimal.NewFromInt(1),
		EffectiveAt: ledger.NewTimePoint(2020, 8, 1), Note: ledger.NoteManualGrant}
	require.NoError(t, s.Append(ctx, manual))
	require.NoError(t, s.Append(ctx, manual))
}

func TestTransactionsInRange_HalfOpenWindowAndTypes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Append(ctx, periodicGrant("u1", ledger.NewTimePoint(2022, 6, 1), 10)))
	require.NoError(t, s.Append(ctx, periodicGrant("u1", ledger.NewTimePoint(2022, 6, 2), 11)))
	require.NoError(t, s.Append(ctx, ledger.Transaction{UserID: "u1", Type: ledger.TxAdjust,
		AmountDays: decimal.NewFromInt(-1), EffectiveAt: ledger.NewTimePoint(2024, 6, 1)}))

	w := ledger.TrailingWindow(ledger.NewTimePoint(2024, 6, 1), 2)
	all, err := s.TransactionsInRange(ctx, "u1", w)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2022-06-02", all[0].EffectiveAt.String())

	adjusts, err := s.TransactionsInRange(ctx, "u1", w, ledger.TxAdjust, ledger.TxConsume)
	require.NoError(t, err)
	require.Len(t, adjusts, 1)
	assert.Equal(t, ledger.TxAdjust, adjusts[0].Type)
}

// =============================================================================
// BALANCES
// =============================================================================

func TestBalance_GetOrCreateThenSave(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveProfile(ctx, ledger.Profile{UserID: "u1", Name: "A"}))
	require.NoError(t, s.SaveProfile(ctx, ledger.Profile{UserID: "u2", Name: "B"}))

	b, err := s.GetOrCreateBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.CurrentDays.IsZero())
	assert.NotEmpty(t, b.ID)

	b.CurrentDays = decimal.NewFromInt(21)
	b.LastGrantDate = ledger.NewTimePoint(2021, 7, 1)
	b.NextGrantDate = ledger.NewTimePoint(2022, 7, 1)
	require.NoError(t, s.SaveBalance(ctx, b))

	again, err := s.GetOrCreateBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)
	assert.True(t, again.CurrentDays.Equal(decimal.NewFromInt(21)))
	assert.Equal(t, "2022-07-01", again.NextGrantDate.String())

	all, err := s.ListBalances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].Balance)
	assert.Nil(t, all[1].Balance, "u2 has no balance row yet")
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.Append(ctx, periodicGrant("u1", ledger.NewTimePoint(2020, 7, 1), 10)))

		// Reads inside the unit see its own writes.
		txs, err := tx.Transactions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, txs, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)

	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestWithTx_CommitFailureWrapsTransactionFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO leave_transactions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	s := sqlite.NewWithDB(db)
	err = s.WithTx(context.Background(), func(tx ledger.Store) error {
		return tx.Append(context.Background(), periodicGrant("u1", ledger.NewTimePoint(2020, 7, 1), 10))
	})

	assert.ErrorIs(t, err, ledger.ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_UniqueViolationMapsToDuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO leave_transactions").
		WillReturnError(errors.New("UNIQUE constraint failed: leave_transactions.idempotency_key"))
	mock.ExpectRollback()

	s := sqlite.NewWithDB(db)
	err = s.WithTx(context.Background(), func(tx ledger.Store) error {
		return tx.Append(context.Background(), periodicGrant("u1", ledger.NewTimePoint(2020, 7, 1), 10))
	})

	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}
