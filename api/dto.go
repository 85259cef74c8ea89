/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  Handler.decode, which rejects malformed JSON and failed tags with 400.
  Business rules (cap, dates) stay in the accrual service.

AMOUNTS:
  Day amounts are exposed as JSON numbers. Half days are the smallest unit
  in practice, so float64 round-trips them exactly.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// EMPLOYEES
// =============================================================================

// EmployeeDTO represents an employee in API responses.
type EmployeeDTO struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	StartDate       string    `json:"start_date,omitempty"`
	WorkDaysPerWeek int       `json:"work_days_per_week"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateEmployeeRequest creates or updates an employee profile.
type CreateEmployeeRequest struct {
	ID              string `json:"id" validate:"required,max=64"`
	Name            string `json:"name" validate:"required"`
	Email           string `json:"email" validate:"omitempty,email"`
	StartDate       string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	WorkDaysPerWeek int    `json:"work_days_per_week" validate:"omitempty,min=1,max=5"`
}

// =============================================================================
// BALANCES
// =============================================================================

// BalanceDTO is the stored balance plus the upcoming statutory grant.
type BalanceDTO struct {
	UserID        string    `json:"user_id"`
	CurrentDays   float64   `json:"current_days"`
	LastGrantDate string    `json:"last_grant_date,omitempty"`
	NextGrantDate string    `json:"next_grant_date,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Display only: the next milestone scaled to the employee's week.
	NextGrantDays *float64 `json:"next_grant_days,omitempty"`
}

type EmployeeBalanceDTO struct {
	Employee EmployeeDTO `json:"employee"`
	Balance  *BalanceDTO `json:"balance"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Type             string    `json:"type"`
	AmountDays       float64   `json:"amount_days"`
	EffectiveAt      string    `json:"effective_at"`
	Note             string    `json:"note,omitempty"`
	RelatedRequestID string    `json:"related_request_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RecordTransactionRequest records a consumption or correction.
type RecordTransactionRequest struct {
	Type             string  `json:"type" validate:"required,oneof=consume adjust"`
	AmountDays       float64 `json:"amount_days" validate:"ne=0"`
	EffectiveAt      string  `json:"effective_at" validate:"omitempty,datetime=2006-01-02"`
	Note             string  `json:"note" validate:"max=200"`
	RelatedRequestID string  `json:"related_request_id" validate:"max=64"`
}

type BackfillRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

type BackfillResponse struct {
	OK            bool       `json:"ok"`
	Reason        string     `json:"reason,omitempty"`
	Created       int        `json:"created"`
	LastGrantDate string     `json:"last_grant_date,omitempty"`
	NextGrantDate string     `json:"next_grant_date,omitempty"`
	Balance       BalanceDTO `json:"balance"`
}

// =============================================================================
// ADMIN GRANTS
// =============================================================================

type ManualGrantRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required"`
	Days    float64  `json:"days" validate:"gt=0"`
	On      string   `json:"on" validate:"omitempty,datetime=2006-01-02"`
	Note    string   `json:"note" validate:"max=200"`
}

type AutoGrantRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required"`
	Date    string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// ManualGrantResultDTO is one user's outcome of a batch manual grant.
type ManualGrantResultDTO struct {
	UserID        string      `json:"user_id"`
	OK            bool        `json:"ok"`
	Error         string      `json:"error,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Balance       *BalanceDTO `json:"balance,omitempty"`
}

// AutoGrantResultDTO is one user's outcome of a batch top-up.
type AutoGrantResultDTO struct {
	UserID          string      `json:"user_id"`
	OK              bool        `json:"ok"`
	Error           string      `json:"error,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	Granted         float64     `json:"granted"`
	Entitlement     float64     `json:"entitlement"`
	ExpiredAdjusted float64     `json:"expired_adjusted"`
	TransactionID   string      `json:"transaction_id,omitempty"`
	Balance         *BalanceDTO `json:"balance,omitempty"`
}

type GrantBatchResponse[T any] struct {
	Results []T `json:"results"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEmployeeDTO(p ledger.Profile) EmployeeDTO {
	workDays := p.WorkDaysPerWeek
	if workDays == 0 {
		workDays = ledger.FullTimeWorkDays
	}
	return EmployeeDTO{
		ID:              string(p.UserID),
		Name:            p.Name,
		Email:           p.Email,
		StartDate:       p.StartDate.String(),
		WorkDaysPerWeek: workDays,
		CreatedAt:       p.CreatedAt,
	}
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:        string(b.UserID),
		CurrentDays:   b.CurrentDays.InexactFloat64(),
		LastGrantDate: b.LastGrantDate.String(),
		NextGrantDate: b.NextGrantDate.String(),
		UpdatedAt:     b.UpdatedAt,
	}
}

// toBalanceDTOWithNext adds the prorated size of the next milestone.
func toBalanceDTOWithNext(b ledger.Balance, p *ledger.Profile) BalanceDTO {
	dto := toBalanceDTO(b)
	if !p.HasStartDate() {
		return dto
	}
	next := accrual.NextGrantEvent(p.StartDate, b.LastGrantDate)
	days := accrual.ProratedDays(next.Days, p.WorkDaysPerWeek).InexactFloat64()
	dto.NextGrantDate = next.At.String()
	dto.NextGrantDays = &days
	return dto
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               string(tx.ID),
		UserID:           string(tx.UserID),
		Type:             string(tx.Type),
		AmountDays:       tx.AmountDays.InexactFloat64(),
		EffectiveAt:      tx.EffectiveAt.String(),
		Note:             tx.Note,
		RelatedRequestID: tx.RelatedRequestID,
		CreatedAt:        tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	result := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		result = append(result, toTransactionDTO(tx))
	}
	return result
}

func days(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
