// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	profiles     map[ledger.UserID]ledger.Profile
	transactions map[ledger.UserID][]ledger.Transaction
	balances     map[ledger.UserID]ledger.Balance
	idempotency  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{state: memoryState{
		profiles:     make(map[ledger.UserID]ledger.Profile),
		transactions: make(map[ledger.UserID][]ledger.Transaction),
		balances:     make(map[ledger.UserID]ledger.Balance),
		idempotency:  make(map[string]bool),
	}}
}

func (m *Memory) Profile(_ context.Context, userID ledger.UserID) (*ledger.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.profile(userID), nil
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.append(tx)
}

func (m *Memory) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.load(userID, nil, nil), nil
}

func (m *Memory) TransactionsInRange(_ context.Context, userID ledger.UserID, w ledger.Window, types ...ledger.TransactionType) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.load(userID, &w, types), nil
}

func (m *Memory) GetOrCreateBalance(_ context.Context, userID ledger.UserID) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getOrCreateBalance(userID), nil
}

func (m *Memory) SaveBalance(_ context.Context, b ledger.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.saveBalance(b)
	return nil
}

// SaveProfile creates or replaces a profile.
func (m *Memory) SaveProfile(_ context.Context, p ledger.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.state.profiles[p.UserID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.state.profiles[p.UserID] = p
	return nil
}

func (m *Memory) ListProfiles(_ context.Context) ([]ledger.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Profile, 0, len(m.state.profiles))
	for _, p := range m.state.profiles {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *Memory) ListBalances(ctx context.Context) ([]ledger.EmployeeBalance, error) {
	profiles, err := m.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.EmployeeBalance, 0, len(profiles))
	for _, p := range profiles {
		eb := ledger.EmployeeBalance{Profile: p}
		if b, ok := m.state.balances[p.UserID]; ok {
			eb.Balance = &b
		}
		result = append(result, eb)
	}
	return result, nil
}

// History returns up to limit transactions, newest first.
func (m *Memory) History(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := m.state.transactions[userID]
	result := make([]ledger.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		result = append(result, txs[i])
	}
	return result, nil
}

// =============================================================================
// STATE - Unlocked operations shared by Memory and the transactional view
// =============================================================================

func (s *memoryState) profile(userID ledger.UserID) *ledger.Profile {
	p, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	return &p
}

func (s *memoryState) append(tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(uuid.NewString())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	txs := s.transactions[tx.UserID]

	// Keep the slice ordered by EffectiveAt; equal dates keep insertion order.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})
	txs = append(txs, ledger.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	s.transactions[tx.UserID] = txs

	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (s *memoryState) load(userID ledger.UserID, w *ledger.Window, types []ledger.TransactionType) []ledger.Transaction {
	result := make([]ledger.Transaction, 0, len(s.transactions[userID]))
	for _, tx := range s.transactions[userID] {
		if w != nil && !w.Contains(tx.EffectiveAt) {
			continue
		}
		if !ledger.MatchesTypes(tx.Type, types) {
			continue
		}
		result = append(result, tx)
	}
	return result
}

func (s *memoryState) getOrCreateBalance(userID ledger.UserID) ledger.Balance {
	if b, ok := s.balances[userID]; ok {
		return b
	}
	b := ledger.Balance{
		ID:          uuid.NewString(),
		UserID:      userID,
		CurrentDays: decimal.Zero,
		UpdatedAt:   time.Now().UTC(),
	}
	s.balances[userID] = b
	return b
}

func (s *memoryState) saveBalance(b ledger.Balance) {
	if b.ID == "" {
		if existing, ok := s.balances[b.UserID]; ok {
			b.ID = existing.ID
		} else {
			b.ID = uuid.NewString()
		}
	}
	b.UpdatedAt = time.Now().UTC()
	s.balances[b.UserID] = b
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		profiles:     make(map[ledger.UserID]ledger.Profile, len(s.profiles)),
		transactions: make(map[ledger.UserID][]ledger.Transaction, len(s.transactions)),
		balances:     make(map[ledger.UserID]ledger.Balance, len(s.balances)),
		idempotency:  make(map[string]bool, len(s.idempotency)),
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]ledger.Transaction{}, v...)
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole of fn, so units never interleave.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()

	if err := fn(&txMemoryView{state: &tm.state}); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

type txMemoryView struct {
	state *memoryState
}

func (tv *txMemoryView) Profile(_ context.Context, userID ledger.UserID) (*ledger.Profile, error) {
	return tv.state.profile(userID), nil
}

func (tv *txMemoryView) Append(_ context.Context, tx ledger.Transaction) error {
	return tv.state.append(tx)
}

func (tv *txMemoryView) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return tv.state.load(userID, nil, nil), nil
}

func (tv *txMemoryView) TransactionsInRange(_ context.Context, userID ledger.UserID, w ledger.Window, types ...ledger.TransactionType) ([]ledger.Transaction, error) {
	return tv.state.load(userID, &w, types), nil
}

func (tv *txMemoryView) GetOrCreateBalance(_ context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return tv.state.getOrCreateBalance(userID), nil
}

func (tv *txMemoryView) SaveBalance(_ context.Context, b ledger.Balance) error {
	tv.state.saveBalance(b)
	return nil
}

var (
	_ ledger.Repository = (*TxMemory)(nil)
	_ ledger.Store      = (*txMemoryView)(nil)
)
