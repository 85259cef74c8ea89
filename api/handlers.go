/*
handlers.go - HTTP request handlers for the leave ledger API

PURPOSE:
  Implements all REST API endpoints. Handlers are thin: decode and validate
  the request, call the accrual service or the repository, convert results
  to DTOs.

ENDPOINT GROUPS:
  Employees:    List, create/update, get
  Balances:     Stored balance with next grant, all balances (admin)
  Transactions: Grant history, record consumption/correction
  Accrual:      Backfill one employee, batch manual and automatic grants

ERROR HANDLING:
  Errors are mapped with the ledger error helpers:
  - 400 Bad Request: malformed body, failed validation
  - 404 Not Found: unknown employee
  - 409 Conflict: entitlement cap exceeded
  - 500 Internal Server Error: storage and everything else

  Batch grant endpoints answer 200 with a per-user result; a failure for
  one user is reported in that user's entry.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route configuration
  - accrual/service.go: Orchestrators
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/ledger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 50
)

// Handler contains HTTP handlers for the API.
type Handler struct {
	Repo     ledger.Repository
	Service  *accrual.Service
	validate *validator.Validate
	log      logrus.FieldLogger
}

// NewHandler creates a new handler with dependencies.
func NewHandler(repo ledger.Repository, svc *accrual.Service, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Repo:     repo,
		Service:  svc,
		validate: validator.New(),
		log:      log,
	}
}

// =============================================================================
// EMPLOYEE ENDPOINTS
// =============================================================================

// ListEmployees returns all employees.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Repo.ListProfiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
		return
	}

	result := make([]EmployeeDTO, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, toEmployeeDTO(p))
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateEmployee creates or updates an employee profile.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !h.decode(w, r, &req) {
		return
	}

	profile := ledger.Profile{
		UserID:          ledger.UserID(req.ID),
		Name:            req.Name,
		Email:           req.Email,
		WorkDaysPerWeek: req.WorkDaysPerWeek,
	}
	if profile.WorkDaysPerWeek == 0 {
		profile.WorkDaysPerWeek = ledger.FullTimeWorkDays
	}
	if req.StartDate != "" {
		// Format already checked by the validator.
		profile.StartDate, _ = ledger.ParseDate(req.StartDate)
	}

	if err := h.Repo.SaveProfile(r.Context(), profile); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save employee", err)
		return
	}

	saved, err := h.Repo.Profile(r.Context(), profile.UserID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(*saved))
}

// GetEmployee returns a single employee.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.loadProfile(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*profile))
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

// GetBalance returns the stored balance and the next statutory grant.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.loadProfile(w, r)
	if !ok {
		return
	}

	bal, err := h.Repo.GetOrCreateBalance(r.Context(), profile.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTOWithNext(bal, profile))
}

// ListBalances returns every employee with their stored balance.
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Repo.ListBalances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list balances", err)
		return
	}

	result := make([]EmployeeBalanceDTO, 0, len(rows))
	for _, row := range rows {
		dto := EmployeeBalanceDTO{Employee: toEmployeeDTO(row.Profile)}
		if row.Balance != nil {
			b := toBalanceDTO(*row.Balance)
			dto.Balance = &b
		}
		result = append(result, dto)
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// GetTransactions returns the grant history of an employee, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 50", err)
			return
		}
		limit = n
	}

	profile, ok := h.loadProfile(w, r)
	if !ok {
		return
	}

	txs, err := h.Repo.History(r.Context(), profile.UserID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// RecordTransaction records a consumption or correction for an employee.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry := ledger.Transaction{
		UserID:           ledger.UserID(chi.URLParam(r, "id")),
		Type:             ledger.TransactionType(req.Type),
		AmountDays:       days(req.AmountDays),
		Note:             req.Note,
		RelatedRequestID: req.RelatedRequestID,
	}
	if req.EffectiveAt != "" {
		entry.EffectiveAt, _ = ledger.ParseDate(req.EffectiveAt)
	}

	bal, err := h.Service.RecordTransaction(r.Context(), entry)
	if err != nil {
		writeServiceError(w, "Failed to record transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(bal))
}

// =============================================================================
// ACCRUAL ENDPOINTS
// =============================================================================

// Backfill materializes the statutory grants and expiries of an employee.
func (h *Handler) Backfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	profile, ok := h.loadProfile(w, r)
	if !ok {
		return
	}

	var asOf time.Time
	if req.AsOf != "" {
		tp, _ := ledger.ParseDate(req.AsOf)
		asOf = tp.Time
	}

	res, err := h.Service.BackfillLedger(r.Context(), profile.UserID, asOf)
	if err != nil {
		writeServiceError(w, "Failed to backfill ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, BackfillResponse{
		OK:            res.OK,
		Reason:        res.Reason,
		Created:       res.Created,
		LastGrantDate: res.LastGrantDate.String(),
		NextGrantDate: res.NextGrantDate.String(),
		Balance:       toBalanceDTO(res.Balance),
	})
}

// ManualGrant grants days to each listed employee.
func (h *Handler) ManualGrant(w http.ResponseWriter, r *http.Request) {
	var req ManualGrantRequest
	if !h.decode(w, r, &req) {
		return
	}

	grant := accrual.ManualGrantRequest{Days: days(req.Days), Note: req.Note}
	if req.On != "" {
		tp, _ := ledger.ParseDate(req.On)
		grant.On = tp.Time
	}

	results := make([]ManualGrantResultDTO, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		item := ManualGrantResultDTO{UserID: id}
		res, err := h.Service.ManualGrant(r.Context(), ledger.UserID(id), grant)
		if err != nil {
			item.Error = err.Error()
			h.log.WithError(err).WithField("user_id", id).Warn("manual grant failed")
		} else {
			b := toBalanceDTO(res.Balance)
			item.OK = true
			item.TransactionID = string(res.TransactionID)
			item.Balance = &b
		}
		results = append(results, item)
	}
	writeJSON(w, http.StatusOK, GrantBatchResponse[ManualGrantResultDTO]{Results: results})
}

// AutoGrant runs the entitlement top-up for each listed employee.
func (h *Handler) AutoGrant(w http.ResponseWriter, r *http.Request) {
	var req AutoGrantRequest
	if !h.decode(w, r, &req) {
		return
	}

	var now time.Time
	if req.Date != "" {
		tp, _ := ledger.ParseDate(req.Date)
		now = tp.Time
	}

	results := make([]AutoGrantResultDTO, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		item := AutoGrantResultDTO{UserID: id}
		res, err := h.Service.AutoGrant(r.Context(), ledger.UserID(id), now)
		if err != nil {
			item.Error = err.Error()
			h.log.WithError(err).WithField("user_id", id).Warn("auto grant failed")
			results = append(results, item)
			continue
		}
		b := toBalanceDTO(res.Balance)
		item.OK = res.OK
		item.Reason = res.Reason
		item.Balance = &b
		if res.OK {
			item.Granted = res.Granted.InexactFloat64()
			item.Entitlement = res.Entitlement.InexactFloat64()
			item.ExpiredAdjusted = res.ExpiredAdjusted.InexactFloat64()
			item.TransactionID = string(res.GrantTransactionID)
		}
		results = append(results, item)
	}
	writeJSON(w, http.StatusOK, GrantBatchResponse[AutoGrantResultDTO]{Results: results})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// loadProfile resolves the {id} URL parameter, answering 404 when unknown.
func (h *Handler) loadProfile(w http.ResponseWriter, r *http.Request) (*ledger.Profile, bool) {
	id := ledger.UserID(chi.URLParam(r, "id"))
	profile, err := h.Repo.Profile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load employee", err)
		return nil, false
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "Employee not found", nil)
		return nil, false
	}
	return profile, true
}

// decode reads a JSON body into dst and validates its tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
