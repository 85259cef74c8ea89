package ledger_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// TIME POINT TESTS
// =============================================================================

func TestStartOfDay_DropsClock(t *testing.T) {
	got := ledger.StartOfDay(time.Date(2024, time.March, 5, 17, 42, 0, 0, time.UTC))
	want := ledger.NewTimePoint(2024, time.March, 5)
	if !got.Equal(want) {
		t.Errorf("StartOfDay = %s, want %s", got, want)
	}
}

func TestStartOfDay_ZeroStaysZero(t *testing.T) {
	if !ledger.StartOfDay(time.Time{}).IsZero() {
		t.Error("zero time should map to zero TimePoint")
	}
}

func TestParseDate(t *testing.T) {
	got, err := ledger.ParseDate("2020-07-01")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if got.String() != "2020-07-01" {
		t.Errorf("String() = %q", got.String())
	}

	if _, err := ledger.ParseDate("07/01/2020"); err == nil {
		t.Error("expected error for non ISO date")
	}
}

func TestAddMonths_EndOfMonthNormalizes(t *testing.T) {
	// Aug 31 + 6 months has no Feb 31, AddDate rolls into March.
	got := ledger.NewTimePoint(2019, time.August, 31).AddMonths(6)
	want := ledger.NewTimePoint(2020, time.March, 2)
	if !got.Equal(want) {
		t.Errorf("AddMonths = %s, want %s", got, want)
	}
}

func TestMonthsBetween(t *testing.T) {
	tests := []struct {
		start, end ledger.TimePoint
		want       int
	}{
		{ledger.NewTimePoint(2020, 1, 1), ledger.NewTimePoint(2020, 7, 1), 6},
		{ledger.NewTimePoint(2020, 1, 1), ledger.NewTimePoint(2020, 6, 30), 5},
		{ledger.NewTimePoint(2020, 1, 31), ledger.NewTimePoint(2020, 2, 29), 0},
		{ledger.NewTimePoint(2020, 1, 1), ledger.NewTimePoint(2019, 1, 1), 0},
		{ledger.NewTimePoint(2020, 1, 1), ledger.NewTimePoint(2027, 7, 1), 90},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.start, tt.end), func(t *testing.T) {
			if got := ledger.MonthsBetween(tt.start, tt.end); got != tt.want {
				t.Errorf("MonthsBetween = %d, want %d", got, tt.want)
			}
		})
	}
}

// =============================================================================
// WINDOW TESTS
// =============================================================================

func TestTrailingWindow_HalfOpen(t *testing.T) {
	w := ledger.TrailingWindow(ledger.NewTimePoint(2024, time.June, 1), ledger.ExpiryYears)

	if w.Contains(ledger.NewTimePoint(2022, time.June, 1)) {
		t.Error("lower bound must be exclusive")
	}
	if !w.Contains(ledger.NewTimePoint(2022, time.June, 2)) {
		t.Error("day after lower bound must be included")
	}
	if !w.Contains(ledger.NewTimePoint(2024, time.June, 1)) {
		t.Error("upper bound must be inclusive")
	}
	if w.Contains(ledger.NewTimePoint(2024, time.June, 2)) {
		t.Error("future dates must be excluded")
	}
}

func TestWindowFilterAndSum(t *testing.T) {
	txs := []ledger.Transaction{
		{Type: ledger.TxGrant, AmountDays: decimal.NewFromInt(10), EffectiveAt: ledger.NewTimePoint(2021, 1, 1)},
		{Type: ledger.TxGrant, AmountDays: decimal.NewFromInt(11), EffectiveAt: ledger.NewTimePoint(2023, 1, 1)},
		{Type: ledger.TxConsume, AmountDays: decimal.RequireFromString("-1.5"), EffectiveAt: ledger.NewTimePoint(2023, 3, 1)},
	}
	w := ledger.TrailingWindow(ledger.NewTimePoint(2024, 1, 1), 2)

	got := ledger.Sum(w.Filter(txs))
	if !got.Equal(decimal.RequireFromString("9.5")) {
		t.Errorf("windowed sum = %s, want 9.5", got)
	}
	if latest := ledger.LatestOfType(txs, ledger.TxGrant); !latest.Equal(ledger.NewTimePoint(2023, 1, 1)) {
		t.Errorf("LatestOfType = %s", latest)
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestStructuredErrors_Unwrap(t *testing.T) {
	capErr := fmt.Errorf("manual grant: %w", &ledger.CapacityError{
		UserID:    "u1",
		Current:   decimal.NewFromInt(38),
		Requested: decimal.NewFromInt(5),
		Cap:       decimal.NewFromInt(40),
	})
	if !errors.Is(capErr, ledger.ErrCapacityExceeded) || !ledger.IsConflict(capErr) {
		t.Error("CapacityError should unwrap to ErrCapacityExceeded")
	}

	valErr := &ledger.ValidationError{Field: "days", Message: "must be positive"}
	if !ledger.IsClientError(valErr) {
		t.Error("ValidationError should be a client error")
	}
	if valErr.Error() != "invalid days: must be positive" {
		t.Errorf("unexpected message %q", valErr.Error())
	}

	if !ledger.IsNotFound(fmt.Errorf("x: %w", ledger.ErrProfileNotFound)) {
		t.Error("expected not found")
	}
}
