package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/ledger/ledgertest"
	"github.com/boleia/backend/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetBalance_CreatesZeroWalletOnce(t *testing.T) {
	store := ledgertest.New()
	svc := ledger.NewService(store, ledger.Options{})
	user := uuid.New()

	w, err := svc.GetBalance(context.Background(), user, models.RolePassenger)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, models.DefaultCurrency, w.Currency)
	assert.Equal(t, models.WalletStatusActive, w.Status)

	again, err := svc.GetBalance(context.Background(), user, models.RolePassenger)
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	driver, err := svc.GetBalance(context.Background(), user, models.RoleDriver)
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, driver.ID, "roles hold separate wallets")
}

func TestGetBalance_RejectsUnknownRole(t *testing.T) {
	svc := ledger.NewService(ledgertest.New(), ledger.Options{})
	_, err := svc.GetBalance(context.Background(), uuid.New(), models.Role("admin"))
	assert.Error(t, err)
}

func TestIncrement_ConcurrentCreditsAreNotLost(t *testing.T) {
	store := ledgertest.New()
	svc := ledger.NewService(store, ledger.Options{})
	user := uuid.New()
	store.Seed(user, models.RoleDriver, d("-450"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Increment(context.Background(), "", user, models.RoleDriver, d("10.50"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, d("75").Equal(store.Balance(user, models.RoleDriver)), "got %s", store.Balance(user, models.RoleDriver))
}

func TestIncrement_KeyAppliesOnce(t *testing.T) {
	store := ledgertest.New()
	svc := ledger.NewService(store, ledger.Options{})
	user := uuid.New()
	store.Seed(user, models.RolePassenger, decimal.Zero)

	bal, err := svc.Increment(context.Background(), "topup:a1", user, models.RolePassenger, d("100"))
	require.NoError(t, err)
	assert.True(t, d("100").Equal(bal))

	_, err = svc.Increment(context.Background(), "topup:a1", user, models.RolePassenger, d("100"))
	assert.ErrorIs(t, err, ledger.ErrAlreadyApplied)
	assert.True(t, d("100").Equal(store.Balance(user, models.RolePassenger)))
}

func TestIncrement_FrozenWallet(t *testing.T) {
	store := ledgertest.New()
	svc := ledger.NewService(store, ledger.Options{})
	user := uuid.New()
	store.Freeze(user, models.RoleDriver)

	_, err := svc.Increment(context.Background(), "", user, models.RoleDriver, d("5"))
	assert.ErrorIs(t, err, ledger.ErrWalletFrozen)
}

func TestIncrement_NoProcedureWithoutFallback(t *testing.T) {
	store := ledgertest.New()
	store.NoProcedure = true
	svc := ledger.NewService(store, ledger.Options{})
	user := uuid.New()
	store.Seed(user, models.RolePassenger, d("20"))

	_, err := svc.Increment(context.Background(), "k", user, models.RolePassenger, d("5"))
	assert.ErrorIs(t, err, ledger.ErrAtomicUnavailable)
	assert.Zero(t, store.CASCalls)
	assert.True(t, d("20").Equal(store.Balance(user, models.RolePassenger)))
}

func TestIncrement_FallbackCompareAndSet(t *testing.T) {
	store := ledgertest.New()
	store.NoProcedure = true
	svc := ledger.NewService(store, ledger.Options{AllowUnsafeFallback: true})
	user := uuid.New()
	store.Seed(user, models.RolePassenger, d("20"))

	bal, err := svc.Increment(context.Background(), "k", user, models.RolePassenger, d("5.25"))
	require.NoError(t, err)
	assert.True(t, d("25.25").Equal(bal))
	assert.Equal(t, 1, store.CASCalls)

	_, err = svc.Increment(context.Background(), "k", user, models.RolePassenger, d("5.25"))
	assert.ErrorIs(t, err, ledger.ErrAlreadyApplied)
}

func TestIncrement_FallbackDetectsLostUpdate(t *testing.T) {
	store := ledgertest.New()
	store.NoProcedure = true
	svc := ledger.NewService(store, ledger.Options{AllowUnsafeFallback: true})
	user := uuid.New()
	store.Seed(user, models.RolePassenger, d("20"))

	// Another writer lands between the fallback's read and write.
	store.BeforeCAS = func() { store.Seed(user, models.RolePassenger, d("30")) }

	_, err := svc.Increment(context.Background(), "", user, models.RolePassenger, d("5"))
	assert.ErrorIs(t, err, ledger.ErrConcurrentUpdate)
	assert.True(t, d("30").Equal(store.Balance(user, models.RolePassenger)))
}

func TestIncrement_OtherErrorsDoNotFallBack(t *testing.T) {
	store := ledgertest.New()
	store.IncrementErr = errors.New("connection reset")
	svc := ledger.NewService(store, ledger.Options{AllowUnsafeFallback: true})

	_, err := svc.Increment(context.Background(), "", uuid.New(), models.RoleDriver, d("1"))
	assert.EqualError(t, err, "connection reset")
	assert.Zero(t, store.CASCalls)
}

func TestAppendTransaction_AssignsIDAndIgnoresReplays(t *testing.T) {
	store := ledgertest.New()
	svc := ledger.NewService(store, ledger.Options{})
	user := uuid.New()

	tx := &models.Transaction{
		UserID: user,
		Role:   models.RolePassenger,
		Amount: d("100"),
		Type:   models.TxTopUp,
		Status: models.TxStatusCompleted,
	}
	require.NoError(t, svc.AppendTransaction(context.Background(), tx))
	assert.NotEqual(t, uuid.Nil, tx.ID)

	replay := *tx
	require.NoError(t, svc.AppendTransaction(context.Background(), &replay))
	assert.Len(t, store.Transactions(user, models.RolePassenger), 1)
}

func TestListTransactions_ClampsLimit(t *testing.T) {
	store := ledgertest.New()
	svc := ledger.NewService(store, ledger.Options{})
	user := uuid.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AppendTransaction(context.Background(), &models.Transaction{
			UserID: user, Role: models.RoleDriver, Amount: d("1"), Type: models.TxTripPayment, Status: models.TxStatusCompleted,
		}))
	}

	list, err := svc.ListTransactions(context.Background(), user, models.RoleDriver, 0)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = svc.ListTransactions(context.Background(), user, models.RoleDriver, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
