// Package ledgertest provides an in-memory ledger.Store for tests.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/models"
)

type walletKey struct {
	user uuid.UUID
	role models.Role
}

// Store mimics the Postgres repository: increments are serialized, keys are
// claimed once and audit inserts ignore duplicate ids.
type Store struct {
	mu      sync.Mutex
	wallets map[walletKey]*models.Wallet
	txs     map[uuid.UUID]*models.Transaction
	keys    map[string]bool

	// NoProcedure makes Increment fail with ledger.ErrAtomicUnavailable.
	NoProcedure bool
	// IncrementErr and AppendErr, when set, are returned instead of writing.
	IncrementErr error
	AppendErr    error
	// BeforeCAS runs between the fallback's read and its compare-and-set.
	BeforeCAS func()

	Increments int
	CASCalls   int
}

func New() *Store {
	return &Store{
		wallets: make(map[walletKey]*models.Wallet),
		txs:     make(map[uuid.UUID]*models.Transaction),
		keys:    make(map[string]bool),
	}
}

var _ ledger.Store = (*Store)(nil)

// Seed sets a wallet's balance directly.
func (s *Store) Seed(userID uuid.UUID, role models.Role, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallet(userID, role, models.DefaultCurrency)
	w.Balance = balance
}

// Freeze marks the wallet frozen.
func (s *Store) Freeze(userID uuid.UUID, role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet(userID, role, models.DefaultCurrency).Status = models.WalletStatusFrozen
}

// Balance returns the stored balance, zero when there is no wallet.
func (s *Store) Balance(userID uuid.UUID, role models.Role) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[walletKey{userID, role}]; ok {
		return w.Balance
	}
	return decimal.Zero
}

// Transactions returns all audit rows for the wallet, oldest first.
func (s *Store) Transactions(userID uuid.UUID, role models.Role) []*models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(userID, role, false)
}

func (s *Store) wallet(userID uuid.UUID, role models.Role, currency string) *models.Wallet {
	k := walletKey{userID, role}
	w, ok := s.wallets[k]
	if !ok {
		w = &models.Wallet{
			ID:        uuid.New(),
			UserID:    userID,
			Role:      role,
			Balance:   decimal.Zero,
			Currency:  currency,
			Status:    models.WalletStatusActive,
			UpdatedAt: time.Now().UTC(),
		}
		s.wallets[k] = w
	}
	return w
}

func (s *Store) GetOrCreate(_ context.Context, userID uuid.UUID, role models.Role, currency string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := *s.wallet(userID, role, currency)
	return &w, nil
}

func (s *Store) Get(_ context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletKey{userID, role}]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) Increment(_ context.Context, key string, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NoProcedure {
		return decimal.Zero, ledger.ErrAtomicUnavailable
	}
	if s.IncrementErr != nil {
		return decimal.Zero, s.IncrementErr
	}
	w, ok := s.wallets[walletKey{userID, role}]
	if !ok {
		return decimal.Zero, ledger.ErrWalletNotFound
	}
	if w.Status != models.WalletStatusActive {
		return decimal.Zero, ledger.ErrWalletFrozen
	}
	if key != "" {
		if s.keys[key] {
			return decimal.Zero, ledger.ErrAlreadyApplied
		}
		s.keys[key] = true
	}
	s.Increments++
	w.Balance = w.Balance.Add(delta)
	w.UpdatedAt = time.Now().UTC()
	return w.Balance, nil
}

func (s *Store) CompareAndSet(_ context.Context, key string, userID uuid.UUID, role models.Role, expected, next decimal.Decimal) error {
	if s.BeforeCAS != nil {
		s.BeforeCAS()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CASCalls++
	if key != "" && s.keys[key] {
		return ledger.ErrAlreadyApplied
	}
	w, ok := s.wallets[walletKey{userID, role}]
	if !ok || !w.Balance.Equal(expected) || w.Status != models.WalletStatusActive {
		return ledger.ErrConcurrentUpdate
	}
	if key != "" {
		s.keys[key] = true
	}
	w.Balance = next
	return nil
}

func (s *Store) Applied(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key], nil
}

func (s *Store) AppendTransaction(_ context.Context, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	if _, dup := s.txs[t.ID]; dup {
		return nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	s.txs[t.ID] = &cp
	return nil
}

func (s *Store) ListTransactions(_ context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.list(userID, role, true)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Store) list(userID uuid.UUID, role models.Role, newestFirst bool) []*models.Transaction {
	var out []*models.Transaction
	for _, t := range s.txs {
		if t.UserID == userID && t.Role == role {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
