/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.Repository (TxStore + Directory) on database/sql with
  the mattn/go-sqlite3 driver. Every orchestrator unit maps to exactly one
  SQL transaction.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on leave_transactions
  - No DELETE statements on leave_transactions
  - Corrections are ADJUST rows
  leave_balances is the only table rewritten in place; it is a cache.

KEY TABLES:
  employees:          Profiles (start date, weekly work days)
  leave_transactions: Immutable ledger of all balance changes
  leave_balances:     One cached balance row per user

INDEXES:
  - idempotency_key UNIQUE: backs the backfill duplicate check
  - idx_leave_tx_user_date: every ledger read is per user by date

CONCURRENCY:
  sync.RWMutex serializes writers inside the process. Transactions are
  opened with _txlock=immediate so SQLite takes its write lock at BEGIN and
  two processes sharing a file cannot interleave check-then-insert.

DATES:
  Ledger dates are stored as YYYY-MM-DD text so range predicates compare
  lexically. Amounts are decimal strings.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := accrual.NewService(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

const dateLayout = "2006-01-02"

// Store implements ledger.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db)
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an already opened database. The caller owns the schema.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		start_date TEXT,
		work_days_per_week INTEGER NOT NULL DEFAULT 5,
		created_at TEXT NOT NULL
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS leave_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount_days TEXT NOT NULL,
		effective_on TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		related_request_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_tx_user_date
		ON leave_transactions(user_id, effective_on);
	CREATE INDEX IF NOT EXISTS idx_leave_tx_user_type_date
		ON leave_transactions(user_id, tx_type, effective_on);

	CREATE TABLE IF NOT EXISTS leave_balances (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		current_days TEXT NOT NULL,
		last_grant_date TEXT,
		next_grant_date TEXT,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// QUERIES - Shared by the store and the transactional view
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const transactionColumns = `id, user_id, tx_type, amount_days, effective_on, note,
	related_request_id, idempotency_key, created_at`

func (qs queries) profile(ctx context.Context, userID ledger.UserID) (*ledger.Profile, error) {
	row := qs.q.QueryRowContext(ctx,
		"SELECT user_id, name, email, start_date, work_days_per_week, created_at FROM employees WHERE user_id = ?",
		string(userID),
	)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return &p, nil
}

func (qs queries) append(ctx context.Context, tx ledger.Transaction) error {
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(uuid.NewString())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO leave_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		string(tx.UserID),
		string(tx.Type),
		tx.AmountDays.String(),
		tx.EffectiveAt.Time.Format(dateLayout),
		tx.Note,
		nullString(tx.RelatedRequestID),
		nullString(tx.IdempotencyKey),
		tx.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (qs queries) transactions(ctx context.Context, userID ledger.UserID, w *ledger.Window, types []ledger.TransactionType) ([]ledger.Transaction, error) {
	var (
		sb   strings.Builder
		args = []any{string(userID)}
	)
	sb.WriteString("SELECT " + transactionColumns + " FROM leave_transactions WHERE user_id = ?")
	if w != nil {
		sb.WriteString(" AND effective_on > ? AND effective_on <= ?")
		args = append(args, w.After.Time.Format(dateLayout), w.Through.Time.Format(dateLayout))
	}
	if len(types) > 0 {
		sb.WriteString(" AND tx_type IN (?" + strings.Repeat(", ?", len(types)-1) + ")")
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	sb.WriteString(" ORDER BY effective_on ASC, rowid ASC")

	return qs.queryTransactions(ctx, sb.String(), args...)
}

func (qs queries) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (qs queries) getOrCreateBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	b, err := qs.balance(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, fmt.Errorf("failed to load balance: %w", err)
	}

	b = ledger.Balance{
		ID:          uuid.NewString(),
		UserID:      userID,
		CurrentDays: decimal.Zero,
		UpdatedAt:   time.Now().UTC(),
	}
	_, err = qs.q.ExecContext(ctx,
		"INSERT INTO leave_balances (id, user_id, current_days, updated_at) VALUES (?, ?, ?, ?)",
		b.ID, string(b.UserID), b.CurrentDays.String(), b.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to create balance: %w", err)
	}
	return b, nil
}

func (qs queries) balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	row := qs.q.QueryRowContext(ctx,
		"SELECT id, user_id, current_days, last_grant_date, next_grant_date, updated_at FROM leave_balances WHERE user_id = ?",
		string(userID),
	)
	return scanBalance(row)
}

func (qs queries) saveBalance(ctx context.Context, b ledger.Balance) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO leave_balances (id, user_id, current_days, last_grant_date, next_grant_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_days = excluded.current_days,
			last_grant_date = excluded.last_grant_date,
			next_grant_date = excluded.next_grant_date,
			updated_at = excluded.updated_at`,
		b.ID,
		string(b.UserID),
		b.CurrentDays.String(),
		nullDate(b.LastGrantDate),
		nullDate(b.NextGrantDate),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Profile(ctx context.Context, userID ledger.UserID) (*ledger.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.profile(ctx, userID)
}

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.append(ctx, tx)
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.transactions(ctx, userID, nil, nil)
}

func (s *Store) TransactionsInRange(ctx context.Context, userID ledger.UserID, w ledger.Window, types ...ledger.TransactionType) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.transactions(ctx, userID, &w, types)
}

func (s *Store) GetOrCreateBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.getOrCreateBalance(ctx, userID)
}

func (s *Store) SaveBalance(ctx context.Context, b ledger.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.saveBalance(ctx, b)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The view handed to fn reads and writes through the same *sql.Tx, so it
// sees its own uncommitted rows and never re-enters the store mutex.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrTransactionFailed, err)
	}
	return nil
}

type txStore struct {
	qs queries
}

func (ts *txStore) Profile(ctx context.Context, userID ledger.UserID) (*ledger.Profile, error) {
	return ts.qs.profile(ctx, userID)
}

func (ts *txStore) Append(ctx context.Context, tx ledger.Transaction) error {
	return ts.qs.append(ctx, tx)
}

func (ts *txStore) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return ts.qs.transactions(ctx, userID, nil, nil)
}

func (ts *txStore) TransactionsInRange(ctx context.Context, userID ledger.UserID, w ledger.Window, types ...ledger.TransactionType) ([]ledger.Transaction, error) {
	return ts.qs.transactions(ctx, userID, &w, types)
}

func (ts *txStore) GetOrCreateBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return ts.qs.getOrCreateBalance(ctx, userID)
}

func (ts *txStore) SaveBalance(ctx context.Context, b ledger.Balance) error {
	return ts.qs.saveBalance(ctx, b)
}

// =============================================================================
// DIRECTORY (ledger.Directory interface)
// =============================================================================

// SaveProfile creates or updates an employee profile.
func (s *Store) SaveProfile(ctx context.Context, p ledger.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.WorkDaysPerWeek == 0 {
		p.WorkDaysPerWeek = ledger.FullTimeWorkDays
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (user_id, name, email, start_date, work_days_per_week, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			start_date = excluded.start_date,
			work_days_per_week = excluded.work_days_per_week`,
		string(p.UserID), p.Name, p.Email,
		nullDate(p.StartDate),
		p.WorkDaysPerWeek,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// ListProfiles returns all employees ordered by user ID.
func (s *Store) ListProfiles(ctx context.Context) ([]ledger.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, name, email, start_date, work_days_per_week, created_at FROM employees ORDER BY user_id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []ledger.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// ListBalances returns every employee with their stored balance, if any.
func (s *Store) ListBalances(ctx context.Context) ([]ledger.EmployeeBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.user_id, e.name, e.email, e.start_date, e.work_days_per_week, e.created_at,
		       b.id, b.current_days, b.last_grant_date, b.next_grant_date, b.updated_at
		FROM employees e
		LEFT JOIN leave_balances b ON b.user_id = e.user_id
		ORDER BY e.user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var result []ledger.EmployeeBalance
	for rows.Next() {
		var (
			p                      ledger.Profile
			startDate              sql.NullString
			createdAt              string
			balanceID, currentDays sql.NullString
			lastGrant, nextGrant   sql.NullString
			updatedAt              sql.NullString
		)
		if err := rows.Scan(
			&p.UserID, &p.Name, &p.Email, &startDate, &p.WorkDaysPerWeek, &createdAt,
			&balanceID, &currentDays, &lastGrant, &nextGrant, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		p.StartDate = parseNullDate(startDate)
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		eb := ledger.EmployeeBalance{Profile: p}
		if balanceID.Valid {
			days, err := decimal.NewFromString(currentDays.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse balance of %s: %w", p.UserID, err)
			}
			b := ledger.Balance{
				ID:            balanceID.String,
				UserID:        p.UserID,
				CurrentDays:   days,
				LastGrantDate: parseNullDate(lastGrant),
				NextGrantDate: parseNullDate(nextGrant),
			}
			b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
			eb.Balance = &b
		}
		result = append(result, eb)
	}
	return result, rows.Err()
}

// History returns up to limit transactions of a user, newest first.
func (s *Store) History(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return queries{s.db}.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM leave_transactions WHERE user_id = ? ORDER BY effective_on DESC, rowid DESC LIMIT ?",
		string(userID), limit,
	)
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (ledger.Profile, error) {
	var (
		p         ledger.Profile
		startDate sql.NullString
		createdAt string
	)
	if err := row.Scan(&p.UserID, &p.Name, &p.Email, &startDate, &p.WorkDaysPerWeek, &createdAt); err != nil {
		return p, err
	}
	p.StartDate = parseNullDate(startDate)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return p, nil
}

func scanTransaction(rows scanner) (ledger.Transaction, error) {
	var (
		tx               ledger.Transaction
		amount           string
		effectiveOn      string
		relatedRequestID sql.NullString
		idempotencyKey   sql.NullString
		createdAt        string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &amount, &effectiveOn, &tx.Note,
		&relatedRequestID, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.AmountDays, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("failed to parse amount of %s: %w", tx.ID, err)
	}
	if tx.EffectiveAt, err = ledger.ParseDate(effectiveOn); err != nil {
		return tx, fmt.Errorf("failed to parse date of %s: %w", tx.ID, err)
	}
	tx.RelatedRequestID = relatedRequestID.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return tx, nil
}

func scanBalance(row scanner) (ledger.Balance, error) {
	var (
		b                    ledger.Balance
		currentDays          string
		lastGrant, nextGrant sql.NullString
		updatedAt            string
	)
	if err := row.Scan(&b.ID, &b.UserID, &currentDays, &lastGrant, &nextGrant, &updatedAt); err != nil {
		return b, err
	}
	days, err := decimal.NewFromString(currentDays)
	if err != nil {
		return b, fmt.Errorf("failed to parse balance of %s: %w", b.UserID, err)
	}
	b.CurrentDays = days
	b.LastGrantDate = parseNullDate(lastGrant)
	b.NextGrantDate = parseNullDate(nextGrant)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDate(tp ledger.TimePoint) sql.NullString {
	if tp.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: tp.Time.Format(dateLayout), Valid: true}
}

func parseNullDate(s sql.NullString) ledger.TimePoint {
	if !s.Valid || s.String == "" {
		return ledger.TimePoint{}
	}
	tp, err := ledger.ParseDate(s.String)
	if err != nil {
		return ledger.TimePoint{}
	}
	return tp
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ ledger.Repository = (*Store)(nil)
