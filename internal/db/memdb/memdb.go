// Package memdb is an in-memory implementation of db.Store. Every
// transaction works on a lazily cloned copy of each table and installs it
// on commit, so a failed transaction leaves no trace. Transactions are
// serialized by a store-wide mutex.
package memdb

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/models"
)

const degree = 16

type row[T any] struct {
	id uuid.UUID
	v  T
}

func rowLess[T any](a, b row[T]) bool {
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// table is an id-keyed btree of records
type table[T any] struct {
	name string
	tree *btree.BTreeG[row[T]]
}

func newTable[T any](name string) *table[T] {
	return &table[T]{name: name, tree: btree.NewG[row[T]](degree, rowLess[T])}
}

func (t *table[T]) clone() *table[T] {
	return &table[T]{name: t.name, tree: t.tree.Clone()}
}

func (t *table[T]) get(id uuid.UUID) (*T, error) {
	r, ok := t.tree.Get(row[T]{id: id})
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t.name, id, models.ErrNotFound)
	}
	v := r.v
	return &v, nil
}

func (t *table[T]) insert(id uuid.UUID, v T) error {
	if t.tree.Has(row[T]{id: id}) {
		return fmt.Errorf("%s %s already exists: %w", t.name, id, models.ErrConflict)
	}
	t.tree.ReplaceOrInsert(row[T]{id: id, v: v})
	return nil
}

func (t *table[T]) update(id uuid.UUID, v T) error {
	if !t.tree.Has(row[T]{id: id}) {
		return fmt.Errorf("%s %s: %w", t.name, id, models.ErrNotFound)
	}
	t.tree.ReplaceOrInsert(row[T]{id: id, v: v})
	return nil
}

func (t *table[T]) filter(keep func(*T) bool) []T {
	var out []T
	t.tree.Ascend(func(r row[T]) bool {
		if keep(&r.v) {
			out = append(out, r.v)
		}
		return true
	})
	return out
}

type tables struct {
	users        *table[models.User]
	currencies   *table[models.Currency]
	wallets      *table[models.Wallet]
	orders       *table[models.Order]
	trades       *table[models.Trade]
	deposits     *table[models.Deposit]
	withdrawals  *table[models.Withdrawal]
	transfers    *table[models.Transfer]
	transactions *table[models.Transaction]
}

func (t *tables) clone() *tables {
	return &tables{
		users:        t.users.clone(),
		currencies:   t.currencies.clone(),
		wallets:      t.wallets.clone(),
		orders:       t.orders.clone(),
		trades:       t.trades.clone(),
		deposits:     t.deposits.clone(),
		withdrawals:  t.withdrawals.clone(),
		transfers:    t.transfers.clone(),
		transactions: t.transactions.clone(),
	}
}

// Store is an in-memory ledger
type Store struct {
	mu   sync.Mutex
	data *tables
}

var _ db.Store = (*Store)(nil)

// New returns an empty store
func New() *Store {
	return &Store{data: &tables{
		users:        newTable[models.User]("user"),
		currencies:   newTable[models.Currency]("currency"),
		wallets:      newTable[models.Wallet]("wallet"),
		orders:       newTable[models.Order]("order"),
		trades:       newTable[models.Trade]("trade"),
		deposits:     newTable[models.Deposit]("deposit"),
		withdrawals:  newTable[models.Withdrawal]("withdrawal"),
		transfers:    newTable[models.Transfer]("transfer"),
		transactions: newTable[models.Transaction]("transaction"),
	}}
}

// WithTx runs fn against a private copy of the data and publishes the copy
// only if fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(tx db.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(&tx{t: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// Close is a no-op
func (s *Store) Close() {}

// Transactions returns every history record, for inspection in tests
func (s *Store) Transactions() []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.transactions.filter(func(*models.Transaction) bool { return true })
}

// Wallets returns every wallet, for inspection in tests
func (s *Store) Wallets() []models.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.wallets.filter(func(*models.Wallet) bool { return true })
}

// Orders returns every order, for inspection in tests
func (s *Store) Orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.orders.filter(func(*models.Order) bool { return true })
}
