/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Employee create/get and request validation
- Balance, history and backfill endpoints
- Batch manual and automatic grants (per-user results, cap conflicts)
- Error to status mapping
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/sqlite"
)

// testNow is 79 months after 2015-01-01: milestones 66 (18) and 78 (20) are live.
var testNow = time.Date(2021, time.August, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (http.Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	svc := accrual.NewService(store,
		accrual.WithClock(func() time.Time { return testNow }),
		accrual.WithLogger(logger),
	)
	return NewRouter(NewHandler(store, svc, logger), nil), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createEmployee(t *testing.T, h http.Handler, id, startDate string) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/employees", CreateEmployeeRequest{
		ID: id, Name: "Employee " + id, Email: id + "@example.com", StartDate: startDate,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func TestCreateAndGetEmployee(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "u1", "2015-01-01")

	rec := do(t, h, http.MethodGet, "/api/employees/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	emp := decodeBody[EmployeeDTO](t, rec)
	assert.Equal(t, "2015-01-01", emp.StartDate)
	assert.Equal(t, 5, emp.WorkDaysPerWeek)

	rec = do(t, h, http.MethodGet, "/api/employees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EmployeeDTO](t, rec), 1)
}

func TestCreateEmployee_ValidationFailure(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/employees", CreateEmployeeRequest{
		ID: "u1", Name: "Bad", StartDate: "01/01/2015", WorkDaysPerWeek: 7,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}](t, rec)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Equal(t, "datetime", resp.Details["StartDate"])
	assert.Equal(t, "max", resp.Details["WorkDaysPerWeek"])
}

func TestGetEmployee_NotFound(t *testing.T) {
	h, _ := newTestServer(t)
	for _, path := range []string{"/api/employees/ghost", "/api/employees/ghost/balance", "/api/employees/ghost/transactions"} {
		rec := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

// =============================================================================
// BACKFILL, BALANCE, HISTORY
// =============================================================================

func TestBackfillThenBalanceAndHistory(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "u1", "2020-01-01")

	// WHEN: backfilling as of the six-month anniversary
	rec := do(t, h, http.MethodPost, "/api/employees/u1/backfill", BackfillRequest{AsOf: "2020-07-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bf := decodeBody[BackfillResponse](t, rec)

	// THEN: one grant of 10, next grant a year later
	assert.True(t, bf.OK)
	assert.Equal(t, 1, bf.Created)
	assert.Equal(t, 10.0, bf.Balance.CurrentDays)
	assert.Equal(t, "2021-07-01", bf.NextGrantDate)

	rec = do(t, h, http.MethodGet, "/api/employees/u1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "2021-07-01", bal.NextGrantDate)
	require.NotNil(t, bal.NextGrantDays)
	assert.Equal(t, 11.0, *bal.NextGrantDays)

	rec = do(t, h, http.MethodGet, "/api/employees/u1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "grant", txs[0].Type)
	assert.Equal(t, ledger.NoteBackfillGrant, txs[0].Note)
}

func TestBackfill_NoStartDate(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "u1", "")

	rec := do(t, h, http.MethodPost, "/api/employees/u1/backfill", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bf := decodeBody[BackfillResponse](t, rec)
	assert.False(t, bf.OK)
	assert.Equal(t, accrual.ReasonStartDateNotSet, bf.Reason)
}

func TestGetTransactions_Limit(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "u1", "2015-01-01")
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/employees/u1/backfill", nil).Code)

	for _, bad := range []string{"0", "51", "abc"} {
		rec := do(t, h, http.MethodGet, "/api/employees/u1/transactions?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	rec := do(t, h, http.MethodGet, "/api/employees/u1/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]TransactionDTO](t, rec)
	require.Len(t, txs, 2)
	assert.Equal(t, "2021-07-01", txs[0].EffectiveAt, "newest first")
	assert.Equal(t, "2021-06-30", txs[1].EffectiveAt)
}

func TestRecordTransaction(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "u1", "2015-01-01")

	rec := do(t, h, http.MethodPost, "/api/employees/u1/transactions", RecordTransactionRequest{
		Type: "consume", AmountDays: -1.5, RelatedRequestID: "req-42",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 36.5, decodeBody[BalanceDTO](t, rec).CurrentDays)

	// Grants are not accepted here.
	rec = do(t, h, http.MethodPost, "/api/employees/u1/transactions", RecordTransactionRequest{Type: "grant", AmountDays: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Positive consumption is rejected by the service.
	rec = do(t, h, http.MethodPost, "/api/employees/u1/transactions", RecordTransactionRequest{Type: "consume", AmountDays: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/employees/ghost/transactions", RecordTransactionRequest{Type: "adjust", AmountDays: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN GRANTS
// =============================================================================

func TestManualGrant_PerUserResults(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "veteran", "2015-01-01") // balance 38
	createEmployee(t, h, "junior", "2020-01-01")  // balance 21

	rec := do(t, h, http.MethodPost, "/api/admin/grants/manual", ManualGrantRequest{
		UserIDs: []string{"veteran", "junior"},
		Days:    5,
		Note:    "project bonus",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[GrantBatchResponse[ManualGrantResultDTO]](t, rec)
	require.Len(t, resp.Results, 2)

	assert.False(t, resp.Results[0].OK)
	assert.Contains(t, resp.Results[0].Error, "exceed cap")

	assert.True(t, resp.Results[1].OK)
	assert.NotEmpty(t, resp.Results[1].TransactionID)
	require.NotNil(t, resp.Results[1].Balance)
	assert.Equal(t, 26.0, resp.Results[1].Balance.CurrentDays)
}

func TestManualGrant_InvalidDays(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/admin/grants/manual", ManualGrantRequest{UserIDs: []string{"u1"}, Days: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/admin/grants/manual", ManualGrantRequest{Days: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "user_ids required")
}

func TestAutoGrant_ReportsEntitlement(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "u1", "2015-01-01")
	createEmployee(t, h, "nostart", "")

	rec := do(t, h, http.MethodPost, "/api/admin/grants/auto", AutoGrantRequest{UserIDs: []string{"u1", "nostart"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[GrantBatchResponse[AutoGrantResultDTO]](t, rec)
	require.Len(t, resp.Results, 2)

	assert.True(t, resp.Results[0].OK)
	assert.Equal(t, 38.0, resp.Results[0].Entitlement)
	assert.Equal(t, 0.0, resp.Results[0].Granted)

	assert.False(t, resp.Results[1].OK)
	assert.Equal(t, accrual.ReasonStartDateNotSet, resp.Results[1].Reason)
}

func TestListBalances(t *testing.T) {
	h, _ := newTestServer(t)
	createEmployee(t, h, "a", "2015-01-01")
	createEmployee(t, h, "b", "2015-01-01")
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/employees/a/backfill", nil).Code)

	rec := do(t, h, http.MethodGet, "/api/admin/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]EmployeeBalanceDTO](t, rec)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].Balance)
	assert.Equal(t, 38.0, rows[0].Balance.CurrentDays)
	assert.Nil(t, rows[1].Balance)
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ledger.ValidationError{Field: "days", Message: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("x: %w", ledger.ErrProfileNotFound), http.StatusNotFound},
		{&ledger.CapacityError{}, http.StatusConflict},
		{fmt.Errorf("x: %w", ledger.ErrTransactionFailed), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
