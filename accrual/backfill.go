package accrual

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// ReasonStartDateNotSet is reported when a ledger cannot be anchored.
const ReasonStartDateNotSet = "startDate not set"

// BackfillResult describes the state after a backfill run.
type BackfillResult struct {
	OK            bool
	Balance       ledger.Balance
	LastGrantDate ledger.TimePoint
	NextGrantDate ledger.TimePoint
	Reason        string
	Created       int // entries written by this run
}

// backfill materializes every statutory grant up to asOf, and the expiry
// of every grant that lapsed before asOf, then rewrites the balance as the
// sum of the whole ledger. Running it again writes nothing.
func backfill(ctx context.Context, s ledger.Store, userID ledger.UserID, asOf ledger.TimePoint) (BackfillResult, error) {
	profile, err := s.Profile(ctx, userID)
	if err != nil {
		return BackfillResult{}, err
	}
	if !profile.HasStartDate() {
		bal, err := s.GetOrCreateBalance(ctx, userID)
		if err != nil {
			return BackfillResult{}, err
		}
		return BackfillResult{OK: false, Balance: bal, Reason: ReasonStartDateNotSet}, nil
	}

	txs, err := s.Transactions(ctx, userID)
	if err != nil {
		return BackfillResult{}, err
	}
	existing := indexLedger(txs)

	created := 0
	for _, ev := range GrantEvents(profile.StartDate, asOf) {
		if !existing.hasGrant(ev.At) {
			wrote, err := appendOnce(ctx, s, ledger.Transaction{
				UserID:         userID,
				Type:           ledger.TxGrant,
				AmountDays:     ev.Days,
				EffectiveAt:    ev.At,
				Note:           ledger.NoteBackfillGrant,
				IdempotencyKey: fmt.Sprintf("backfill:grant:%s:%s", userID, ev.At),
			})
			if err != nil {
				return BackfillResult{}, fmt.Errorf("backfill grant %s: %w", ev.At, err)
			}
			if wrote {
				created++
			}
		}

		if !Expired(ev.At, asOf) {
			continue
		}
		expiry := ExpiryDate(ev.At)
		lapsed := ev.Days.Neg()
		if existing.hasAdjust(expiry, lapsed) {
			continue
		}
		wrote, err := appendOnce(ctx, s, ledger.Transaction{
			UserID:         userID,
			Type:           ledger.TxAdjust,
			AmountDays:     lapsed,
			EffectiveAt:    expiry,
			Note:           ledger.NoteExpired,
			IdempotencyKey: fmt.Sprintf("backfill:expire:%s:%s:%s", userID, ev.At, ev.Days),
		})
		if err != nil {
			return BackfillResult{}, fmt.Errorf("backfill expiry %s: %w", expiry, err)
		}
		if wrote {
			created++
		}
	}

	if created > 0 {
		if txs, err = s.Transactions(ctx, userID); err != nil {
			return BackfillResult{}, err
		}
	}

	bal, err := s.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return BackfillResult{}, err
	}
	bal.CurrentDays = ledger.Sum(txs)
	bal.LastGrantDate = ledger.LatestOfType(txs, ledger.TxGrant)
	bal.NextGrantDate = NextGrant(profile.StartDate, bal.LastGrantDate)
	if err := s.SaveBalance(ctx, bal); err != nil {
		return BackfillResult{}, err
	}

	return BackfillResult{
		OK:            true,
		Balance:       bal,
		LastGrantDate: bal.LastGrantDate,
		NextGrantDate: bal.NextGrantDate,
		Created:       created,
	}, nil
}

// appendOnce appends tx, treating a duplicate idempotency key as already
// written.
func appendOnce(ctx context.Context, s ledger.Store, tx ledger.Transaction) (bool, error) {
	err := s.Append(ctx, tx)
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return false, nil
	}
	return err == nil, err
}

// ledgerIndex answers the duplicate checks of a backfill run.
type ledgerIndex struct {
	grants  map[string]bool
	adjusts map[string][]decimal.Decimal
}

func indexLedger(txs []ledger.Transaction) ledgerIndex {
	idx := ledgerIndex{
		grants:  make(map[string]bool),
		adjusts: make(map[string][]decimal.Decimal),
	}
	for _, tx := range txs {
		day := tx.EffectiveAt.String()
		switch tx.Type {
		case ledger.TxGrant:
			idx.grants[day] = true
		case ledger.TxAdjust:
			idx.adjusts[day] = append(idx.adjusts[day], tx.AmountDays)
		}
	}
	return idx
}

func (idx ledgerIndex) hasGrant(at ledger.TimePoint) bool {
	return idx.grants[at.String()]
}

func (idx ledgerIndex) hasAdjust(at ledger.TimePoint, amount decimal.Decimal) bool {
	for _, a := range idx.adjusts[at.String()] {
		if a.Equal(amount) {
			return true
		}
	}
	return false
}
