package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store. Each account has its own lock so that
// mutations on different accounts run in parallel while mutations on the same
// account are serialised.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*Account
	transactions map[string]*Transaction
	order        []string
	idempotency  map[string]string

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		transactions: make(map[string]*Transaction),
		idempotency:  make(map[string]string),
		locks:        make(map[string]chan struct{}),
	}
}

func idempotencyIndex(subjectID, key string) string {
	return subjectID + "\x00" + key
}

// accountLock returns the per-account semaphore, creating it on first use.
func (m *MemoryStore) accountLock(id string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[id] = l
	}
	return l
}

func (m *MemoryStore) OpenAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acct.ID]; exists {
		return fmt.Errorf("%w: account %s already exists", ErrValidationFailed, acct.ID)
	}
	cp := *acct
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) DeactivateAccount(ctx context.Context, id string) (*Account, error) {
	var out *Account
	err := m.withLocks(ctx, []string{id}, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		a, ok := m.accounts[id]
		if !ok {
			return ErrAccountNotFound
		}
		if !a.Balance.IsZero() {
			return ErrNonZeroBalance
		}
		if a.Status != AccountDeactivated {
			a.Status = AccountDeactivated
			a.Version++
		}
		cp := *a
		out = &cp
		return nil
	})
	return out, err
}

// withLocks acquires the account locks in ascending id order, honouring ctx
// while waiting, and releases them when fn returns.
func (m *MemoryStore) withLocks(ctx context.Context, ids []string, fn func() error) error {
	ids = SortedUnique(ids)
	held := make([]chan struct{}, 0, len(ids))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}()

	for _, id := range ids {
		l := m.accountLock(id)
		select {
		case l <- struct{}{}:
			held = append(held, l)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn()
}

func (m *MemoryStore) Atomic(ctx context.Context, lockAccountIDs []string, fn func(Tx) error) error {
	return m.withLocks(ctx, lockAccountIDs, func() error {
		tx := &memoryTx{
			store:   m,
			locked:  make(map[string]struct{}, len(lockAccountIDs)),
			pending: make(map[string]decimal.Decimal),
		}
		for _, id := range lockAccountIDs {
			tx.locked[id] = struct{}{}
		}

		if err := fn(tx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return tx.commit()
	})
}

func (m *MemoryStore) RecordFailed(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := txn.Clone()
	rec.IdempotencyKey = ""
	m.insertLocked(rec)
	return nil
}

func (m *MemoryStore) insertLocked(txn *Transaction) {
	m.transactions[txn.ID] = txn
	m.order = append(m.order, txn.ID)
	if txn.IdempotencyKey != "" {
		m.idempotency[idempotencyIndex(txn.SubjectID, txn.IdempotencyKey)] = txn.ID
	}
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, subjectID, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[idempotencyIndex(subjectID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.transactions[id].Clone(), nil
}

func (m *MemoryStore) matching(subjectID string, f TransactionFilter) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, id := range m.order {
		t := m.transactions[id]
		if f.Matches(subjectID, t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (m *MemoryStore) ListTransactions(ctx context.Context, subjectID string, f TransactionFilter) ([]*Transaction, int, error) {
	items := m.matching(subjectID, f)
	SortTransactions(items, f)

	total := len(items)
	start := f.Offset()
	if start >= total {
		return []*Transaction{}, total, nil
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return items[start:end], total, nil
}

func (m *MemoryStore) ScanTransactions(ctx context.Context, subjectID string, f TransactionFilter, fn func(*Transaction) error) error {
	items := m.matching(subjectID, f)
	SortTransactions(items, f)
	for _, t := range items {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// memoryTx stages balance changes and records; nothing is visible to readers
// until commit publishes all of it under the store lock.
type memoryTx struct {
	store   *MemoryStore
	locked  map[string]struct{}
	pending map[string]decimal.Decimal
	records []*Transaction
}

func (tx *memoryTx) ApplyMutation(ctx context.Context, accountID string, delta, minBalance decimal.Decimal) (decimal.Decimal, error) {
	if _, ok := tx.locked[accountID]; !ok {
		return decimal.Zero, fmt.Errorf("account %s mutated without a hold", accountID)
	}

	tx.store.mu.RLock()
	a, ok := tx.store.accounts[accountID]
	var balance decimal.Decimal
	var active bool
	if ok {
		balance, active = a.Balance, a.IsActive()
	}
	tx.store.mu.RUnlock()

	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	if !active {
		return decimal.Zero, ErrAccountInactive
	}
	if staged, ok := tx.pending[accountID]; ok {
		balance = staged
	}

	next := balance.Add(delta)
	if next.LessThan(minBalance) {
		return decimal.Zero, ErrInsufficientFunds
	}
	tx.pending[accountID] = next
	return next, nil
}

func (tx *memoryTx) CreateTransactionRecord(ctx context.Context, txn *Transaction) error {
	tx.records = append(tx.records, txn.Clone())
	return nil
}

func (tx *memoryTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range tx.records {
		if _, exists := s.transactions[r.ID]; exists {
			return fmt.Errorf("%w: transaction %s already recorded", ErrValidationFailed, r.ID)
		}
		if r.IdempotencyKey == "" {
			continue
		}
		if _, dup := s.idempotency[idempotencyIndex(r.SubjectID, r.IdempotencyKey)]; dup {
			return ErrDuplicateIdempotencyKey
		}
	}

	for id, balance := range tx.pending {
		a := s.accounts[id]
		a.Balance = balance
		a.Version++
	}
	for _, r := range tx.records {
		s.insertLocked(r)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
