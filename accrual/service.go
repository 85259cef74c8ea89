/*
Package accrual implements statutory leave accrual on top of the ledger.

PURPOSE:
  Turns an employee's start date into ledger entries: one grant per
  statutory milestone, one expiry adjustment per lapsed grant, and a cached
  balance that always equals what the ledger says is still usable.

KEY CONCEPTS:
  - Milestones: 10 days at 6 months, then yearly up to 20 days (schedule.go)
  - Expiry: a grant is usable for two years minus a day
  - Backfill: idempotent materialization of milestones and expiries
  - Normalize: reconcile CurrentDays with the trailing two-year window
  - Entitlement: live milestone days, capped at 40

ORCHESTRATORS (service.go):
  BackfillLedger    - Backfill only
  ManualGrant       - Admin grant, rejected above the cap
  AutoGrant         - Top-up towards the entitlement
  RecordTransaction - Consumption or correction from the request workflow

ATOMICITY:
  Every orchestrator holds the per-user Locker and runs its whole body in
  one TxStore.WithTx unit. Any error rolls back every write of the call.

USAGE:
  svc := accrual.NewService(store,
      accrual.WithLogger(log),
      accrual.WithLocker(accrual.NewKeyedMutex()),
  )
  res, err := svc.ManualGrant(ctx, "emp-123", accrual.ManualGrantRequest{
      Days: decimal.NewFromInt(3),
  })

SEE ALSO:
  - ledger/store.go: Storage contract
  - api/handlers.go: HTTP surface
*/
package accrual

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store        ledger.TxStore
	locker       Locker
	clock        func() time.Time
	log          logrus.FieldLogger
	persistTopUp bool
}

type Option func(*Service)

// WithLocker replaces the default in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithClock injects the current time.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithTopUpPersistence makes AutoGrant write the top-up grant. When off,
// AutoGrant only reports the amount it would grant.
func WithTopUpPersistence(enabled bool) Option {
	return func(s *Service) { s.persistTopUp = enabled }
}

func NewService(store ledger.TxStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: NewKeyedMutex(),
		clock:  time.Now,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) today() ledger.TimePoint {
	return ledger.StartOfDay(s.clock())
}

// atomically runs fn holding the user's lock inside one storage unit.
func (s *Service) atomically(ctx context.Context, userID ledger.UserID, fn func(ledger.Store) error) error {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.store.WithTx(ctx, fn)
}

// =============================================================================
// BACKFILL
// =============================================================================

// BackfillLedger brings the ledger of userID up to date as of asOf (the
// service clock when zero). Employees without a start date get a zero
// balance and OK=false; that is not an error.
func (s *Service) BackfillLedger(ctx context.Context, userID ledger.UserID, asOf time.Time) (BackfillResult, error) {
	if userID == "" {
		return BackfillResult{}, &ledger.ValidationError{Field: "user_id", Message: "required"}
	}
	if asOf.IsZero() {
		asOf = s.clock()
	}
	day := ledger.StartOfDay(asOf)

	var result BackfillResult
	err := s.atomically(ctx, userID, func(tx ledger.Store) error {
		var err error
		result, err = backfill(ctx, tx, userID, day)
		return err
	})
	if err != nil {
		return BackfillResult{}, fmt.Errorf("backfill %s: %w", userID, err)
	}

	log := s.log.WithFields(logrus.Fields{"user_id": userID, "as_of": day.String()})
	if !result.OK {
		log.WithField("reason", result.Reason).Info("backfill skipped")
	} else {
		log.WithFields(logrus.Fields{
			"created":      result.Created,
			"current_days": result.Balance.CurrentDays.String(),
			"next_grant":   result.NextGrantDate.String(),
		}).Debug("backfill complete")
	}
	return result, nil
}

// =============================================================================
// MANUAL GRANT
// =============================================================================

type ManualGrantRequest struct {
	On   time.Time // effective date; zero means today
	Days decimal.Decimal
	Note string
}

type ManualGrantResult struct {
	OK            bool
	Balance       ledger.Balance
	TransactionID ledger.TransactionID
}

// ManualGrant adds an administrator grant. The balance is backfilled and
// normalized first, and the grant is refused with a *ledger.CapacityError
// when it would lift the balance above MaxEntitlement. On may lie before
// the trailing window; such a grant is recorded but normalizes to nothing.
func (s *Service) ManualGrant(ctx context.Context, userID ledger.UserID, req ManualGrantRequest) (ManualGrantResult, error) {
	today := s.today()
	on := today
	if !req.On.IsZero() {
		on = ledger.StartOfDay(req.On)
	}
	if err := validateManualGrant(userID, req.Days, on, today); err != nil {
		return ManualGrantResult{}, err
	}
	note := req.Note
	if note == "" {
		note = ledger.NoteManualGrant
	}

	txID := ledger.TransactionID(uuid.NewString())
	var result ManualGrantResult
	err := s.atomically(ctx, userID, func(tx ledger.Store) error {
		bf, err := backfill(ctx, tx, userID, today)
		if err != nil {
			return err
		}
		if _, err := normalize(ctx, tx, userID, today); err != nil {
			return err
		}

		bal, err := tx.GetOrCreateBalance(ctx, userID)
		if err != nil {
			return err
		}
		if bal.CurrentDays.Add(req.Days).GreaterThan(MaxEntitlement) {
			return &ledger.CapacityError{
				UserID:    userID,
				Current:   bal.CurrentDays,
				Requested: req.Days,
				Cap:       MaxEntitlement,
			}
		}

		if err := tx.Append(ctx, ledger.Transaction{
			ID:          txID,
			UserID:      userID,
			Type:        ledger.TxGrant,
			AmountDays:  req.Days,
			EffectiveAt: on,
			Note:        note,
		}); err != nil {
			return err
		}
		if _, err := normalize(ctx, tx, userID, today); err != nil {
			return err
		}

		if bal, err = tx.GetOrCreateBalance(ctx, userID); err != nil {
			return err
		}
		if bf.OK {
			profile, err := tx.Profile(ctx, userID)
			if err != nil {
				return err
			}
			bal.LastGrantDate = latest(bal.LastGrantDate, on)
			bal.NextGrantDate = NextGrant(profile.StartDate, bal.LastGrantDate)
			if err := tx.SaveBalance(ctx, bal); err != nil {
				return err
			}
		}

		result = ManualGrantResult{OK: true, Balance: bal, TransactionID: txID}
		return nil
	})
	if err != nil {
		return ManualGrantResult{}, fmt.Errorf("manual grant %s: %w", userID, err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id":      userID,
		"days":         req.Days.String(),
		"on":           on.String(),
		"current_days": result.Balance.CurrentDays.String(),
	}).Info("manual grant recorded")
	return result, nil
}

func validateManualGrant(userID ledger.UserID, days decimal.Decimal, on, today ledger.TimePoint) error {
	switch {
	case userID == "":
		return &ledger.ValidationError{Field: "user_id", Message: "required"}
	case !days.IsPositive():
		return &ledger.ValidationError{Field: "days", Message: "must be greater than zero"}
	case on.After(today):
		// A future row could take a milestone's date and hide it from backfill.
		return &ledger.ValidationError{Field: "on", Message: "must not be in the future"}
	}
	return nil
}

// =============================================================================
// AUTOMATIC TOP-UP
// =============================================================================

type AutoGrantResult struct {
	OK                 bool
	Granted            decimal.Decimal
	Entitlement        decimal.Decimal
	ExpiredAdjusted    decimal.Decimal
	Balance            ledger.Balance
	Reason             string
	GrantTransactionID ledger.TransactionID // empty unless a grant was written
}

// AutoGrant computes how far the balance is below the entitlement after
// backfill and normalization. The shortfall is written as a grant only
// when top-up persistence is enabled; otherwise it is reported.
func (s *Service) AutoGrant(ctx context.Context, userID ledger.UserID, now time.Time) (AutoGrantResult, error) {
	if userID == "" {
		return AutoGrantResult{}, &ledger.ValidationError{Field: "user_id", Message: "required"}
	}
	if now.IsZero() {
		now = s.clock()
	}
	today := ledger.StartOfDay(now)

	var result AutoGrantResult
	err := s.atomically(ctx, userID, func(tx ledger.Store) error {
		bf, err := backfill(ctx, tx, userID, today)
		if err != nil {
			return err
		}
		if !bf.OK {
			result = AutoGrantResult{OK: false, Reason: bf.Reason, Balance: bf.Balance}
			return nil
		}

		norm, err := normalize(ctx, tx, userID, today)
		if err != nil {
			return err
		}
		profile, err := tx.Profile(ctx, userID)
		if err != nil {
			return err
		}
		bal, err := tx.GetOrCreateBalance(ctx, userID)
		if err != nil {
			return err
		}

		entitlement := Entitlement(profile.StartDate, today)
		delta := decimal.Max(decimal.Zero, entitlement.Sub(bal.CurrentDays))
		result = AutoGrantResult{
			OK:              true,
			Granted:         delta,
			Entitlement:     entitlement,
			ExpiredAdjusted: norm.AdjustedDown,
			Balance:         bal,
		}
		if !delta.IsPositive() || !s.persistTopUp {
			return nil
		}

		note := ledger.NoteAutoTopUp
		if norm.AdjustedDown.IsPositive() {
			note = fmt.Sprintf("%s; expired %s", note, norm.AdjustedDown)
		}
		txID := ledger.TransactionID(uuid.NewString())
		if err := tx.Append(ctx, ledger.Transaction{
			ID:          txID,
			UserID:      userID,
			Type:        ledger.TxGrant,
			AmountDays:  delta,
			EffectiveAt: today,
			Note:        note,
		}); err != nil {
			return err
		}

		if _, err := normalize(ctx, tx, userID, today); err != nil {
			return err
		}
		if bal, err = tx.GetOrCreateBalance(ctx, userID); err != nil {
			return err
		}
		bal.LastGrantDate = today
		bal.NextGrantDate = NextGrant(profile.StartDate, today)
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}
		result.Balance = bal
		result.GrantTransactionID = txID
		return nil
	})
	if err != nil {
		return AutoGrantResult{}, fmt.Errorf("auto grant %s: %w", userID, err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id":          userID,
		"ok":               result.OK,
		"granted":          result.Granted.String(),
		"entitlement":      result.Entitlement.String(),
		"expired_adjusted": result.ExpiredAdjusted.String(),
		"persisted":        result.GrantTransactionID != "",
	}).Info("auto grant evaluated")
	return result, nil
}

// =============================================================================
// WORKFLOW ENTRIES
// =============================================================================

// RecordTransaction appends a consumption or correction produced outside
// the accrual rules. The ledger is backfilled first and the balance is
// normalized after. Grants must go through
// ManualGrant or AutoGrant.
func (s *Service) RecordTransaction(ctx context.Context, entry ledger.Transaction) (ledger.Balance, error) {
	today := s.today()
	if entry.EffectiveAt.IsZero() {
		entry.EffectiveAt = today
	}
	if err := validateEntry(entry); err != nil {
		return ledger.Balance{}, err
	}

	var bal ledger.Balance
	err := s.atomically(ctx, entry.UserID, func(tx ledger.Store) error {
		profile, err := tx.Profile(ctx, entry.UserID)
		if err != nil {
			return err
		}
		if profile == nil {
			return ledger.ErrProfileNotFound
		}
		if _, err := backfill(ctx, tx, entry.UserID, today); err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		if _, err := normalize(ctx, tx, entry.UserID, today); err != nil {
			return err
		}
		bal, err = tx.GetOrCreateBalance(ctx, entry.UserID)
		return err
	})
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("record %s for %s: %w", entry.Type, entry.UserID, err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id":      entry.UserID,
		"type":         entry.Type,
		"days":         entry.AmountDays.String(),
		"current_days": bal.CurrentDays.String(),
	}).Info("transaction recorded")
	return bal, nil
}

func validateEntry(entry ledger.Transaction) error {
	switch {
	case entry.UserID == "":
		return &ledger.ValidationError{Field: "user_id", Message: "required"}
	case entry.Type != ledger.TxConsume && entry.Type != ledger.TxAdjust:
		return &ledger.ValidationError{Field: "type", Message: "must be consume or adjust"}
	case entry.AmountDays.IsZero():
		return &ledger.ValidationError{Field: "amount_days", Message: "must not be zero"}
	case entry.Type == ledger.TxConsume && entry.AmountDays.IsPositive():
		return &ledger.ValidationError{Field: "amount_days", Message: "consumption must be negative"}
	case entry.Note == ledger.NoteExpired:
		return &ledger.ValidationError{Field: "note", Message: "reserved note"}
	}
	return nil
}

func latest(a, b ledger.TimePoint) ledger.TimePoint {
	if a.After(b) {
		return a
	}
	return b
}
