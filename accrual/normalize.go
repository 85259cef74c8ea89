package accrual

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// NormalizeResult reports one reconciliation of the stored balance.
type NormalizeResult struct {
	Previous     decimal.Decimal
	Theoretical  decimal.Decimal
	AdjustedDown decimal.Decimal // max(0, Previous - Theoretical)
}

// normalize rewrites CurrentDays as the sum of entries effective in
// (today - 2y, today], leaving out expiry entries. The window already
// drops lapsed grants.
func normalize(ctx context.Context, s ledger.Store, userID ledger.UserID, today ledger.TimePoint) (NormalizeResult, error) {
	bal, err := s.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return NormalizeResult{}, err
	}

	window := ledger.TrailingWindow(today, ledger.ExpiryYears)
	txs, err := s.TransactionsInRange(ctx, userID, window, ledger.TxGrant, ledger.TxConsume, ledger.TxAdjust)
	if err != nil {
		return NormalizeResult{}, err
	}

	theoretical := decimal.Zero
	for _, tx := range txs {
		if tx.Note == ledger.NoteExpired {
			continue
		}
		theoretical = theoretical.Add(tx.AmountDays)
	}

	result := NormalizeResult{
		Previous:     bal.CurrentDays,
		Theoretical:  theoretical,
		AdjustedDown: decimal.Max(decimal.Zero, bal.CurrentDays.Sub(theoretical)),
	}

	bal.CurrentDays = theoretical
	if err := s.SaveBalance(ctx, bal); err != nil {
		return NormalizeResult{}, err
	}
	return result, nil
}
