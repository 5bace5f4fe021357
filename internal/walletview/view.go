// Package walletview is a client-side cache of one wallet and its recent
// transactions. It is never the source of truth: every mutation is followed
// by a Refresh and the cached balance must not gate further top-ups.
package walletview

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
)

// Source fetches the authoritative wallet state.
type Source interface {
	Wallet(ctx context.Context, role models.Role) (*models.Wallet, error)
	Transactions(ctx context.Context, role models.Role, limit int) ([]*models.Transaction, error)
}

// Snapshot is a copy of the view at one instant.
type Snapshot struct {
	Wallet       *models.Wallet
	Transactions []*models.Transaction // most recent first
	Loading      bool
	Err          error
	Stale        bool
	FetchedAt    time.Time
	InDebt       bool
}

type View struct {
	src   Source
	role  models.Role
	limit int
	now   func() time.Time

	mu        sync.Mutex
	wallet    *models.Wallet
	txs       []*models.Transaction
	loading   bool
	err       error
	stale     bool
	fetchedAt time.Time
}

func New(src Source, role models.Role, limit int) *View {
	return &View{src: src, role: role, limit: limit, now: time.Now, stale: true}
}

// Refresh replaces the cached state with a fresh fetch. On failure the old
// snapshot is kept, the error recorded and the view marked stale.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	v.loading = true
	v.mu.Unlock()

	wallet, txs, err := v.fetch(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.loading = false
	if err != nil {
		v.err = err
		v.stale = true
		return err
	}
	v.wallet = wallet
	v.txs = txs
	v.err = nil
	v.stale = false
	v.fetchedAt = v.now()
	return nil
}

func (v *View) fetch(ctx context.Context) (*models.Wallet, []*models.Transaction, error) {
	wallet, err := v.src.Wallet(ctx, v.role)
	if err != nil {
		return nil, nil, err
	}
	if wallet == nil {
		return nil, nil, nil
	}
	txs, err := v.src.Transactions(ctx, v.role, v.limit)
	if err != nil {
		return nil, nil, err
	}
	return wallet, txs, nil
}

// ApplyOptimisticCredit adds amount to the cached balance until the next
// Refresh overwrites it.
func (v *View) ApplyOptimisticCredit(amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stale = true
	if v.wallet == nil {
		return
	}
	w := *v.wallet
	w.Balance = w.Balance.Add(amount)
	v.wallet = &w
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Snapshot{
		Loading:   v.loading,
		Err:       v.err,
		Stale:     v.stale,
		FetchedAt: v.fetchedAt,
	}
	if v.wallet != nil {
		w := *v.wallet
		s.Wallet = &w
		s.InDebt = w.InDebt()
	}
	if v.txs != nil {
		s.Transactions = make([]*models.Transaction, len(v.txs))
		for i, t := range v.txs {
			cp := *t
			s.Transactions[i] = &cp
		}
	}
	return s
}
