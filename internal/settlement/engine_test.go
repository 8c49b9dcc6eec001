package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtrntr/cryptodesk/internal/db"
	"github.com/xtrntr/cryptodesk/internal/ledger"
	"github.com/xtrntr/cryptodesk/internal/models"
)

type recordingNotifier struct {
	mu    sync.Mutex
	users []uuid.UUID
}

func (n *recordingNotifier) HoldingsChanged(userID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.users)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStore(t *testing.T) *db.SQLite {
	t.Helper()
	store, err := db.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newUser(t *testing.T, store ledger.Store, name, balance string) uuid.UUID {
	t.Helper()
	user, err := store.CreateUser(context.Background(), name, "hash", dec(balance))
	require.NoError(t, err)
	return user.ID
}

func balanceOf(t *testing.T, store ledger.Store, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	user, err := store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user.Balance
}

func TestEngine_BuyThenSellScenario(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	boughtAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	soldAt := boughtAt.Add(26 * time.Hour)
	clock := boughtAt
	engine := NewEngine(store, DefaultPolicy, zap.NewNop(), WithNotifier(notifier), WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	userID := newUser(t, store, "alice", "1000.00")

	bought, err := engine.Buy(ctx, userID, BuyRequest{
		Currency:       "Bitcoin",
		FiatAmount:     dec("250.00"),
		ReferencePrice: dec("50000"),
	})
	require.NoError(t, err)

	assert.True(t, bought.Lot.EntryPrice.Equal(dec("49000")), "entry price %s", bought.Lot.EntryPrice)
	assert.True(t, bought.Lot.Fee.Equal(dec("0.5")), "fee %s", bought.Lot.Fee)
	assert.Equal(t, models.OrderTypeBuy, bought.Order.Type)
	assert.Equal(t, models.OrderStatusSuccess, bought.Order.Status)
	assert.True(t, bought.Lot.Open())
	assert.Equal(t, boughtAt, bought.Lot.BoughtAt)
	assert.Equal(t, boughtAt, bought.Order.CreatedAt)
	assert.Equal(t, "0.0051020", bought.Quantity.StringFixed(7))
	assert.True(t, balanceOf(t, store, userID).Equal(dec("750")))

	holdings, err := store.OpenHoldings(ctx, userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, bought.Lot.ID, holdings[0].Lot.ID)
	assert.True(t, holdings[0].HasBuyOrder)

	orders, err := store.ListOrders(ctx, userID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusSuccess, orders[0].Status, "status flip committed with the ledger write")

	clock = soldAt
	sold, err := engine.Sell(ctx, userID, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("51000")})
	require.NoError(t, err)
	assert.Equal(t, soldAt, sold.Order.CreatedAt)

	assert.True(t, sold.Quantity.Equal(bought.Quantity), "quantity derived identically on both sides")
	assert.True(t, sold.Proceeds.Equal(sold.Quantity.Mul(dec("51000"))))
	assert.Equal(t, "260.20", sold.Proceeds.StringFixed(2))
	assert.Equal(t, models.OrderTypeSell, sold.Order.Type)
	assert.Equal(t, models.OrderStatusSuccess, sold.Order.Status)
	assert.True(t, sold.Order.Amount.Equal(sold.Proceeds))
	require.NotNil(t, sold.Lot.SoldAt)
	assert.Equal(t, soldAt, *sold.Lot.SoldAt)
	require.NotNil(t, sold.Lot.SoldPrice)
	assert.True(t, sold.Lot.SoldPrice.Equal(dec("51000")))

	balance := balanceOf(t, store, userID)
	assert.Equal(t, "1010.20", balance.StringFixed(2))
	assert.True(t, balance.Equal(dec("750").Add(sold.Proceeds)))

	holdings, err = store.OpenHoldings(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	assert.Equal(t, 2, notifier.count())
}

func TestEngine_BuyValidation(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, DefaultPolicy, zap.NewNop())
	userID := newUser(t, store, "alice", "1000")

	tests := []struct {
		name        string
		userID      uuid.UUID
		req         BuyRequest
		expectError error
	}{
		{
			name:        "Unauthenticated",
			userID:      uuid.Nil,
			req:         BuyRequest{Currency: "Bitcoin", FiatAmount: dec("10"), ReferencePrice: dec("50000")},
			expectError: ledger.ErrUnauthenticated,
		},
		{
			name:        "UnknownUser",
			userID:      uuid.New(),
			req:         BuyRequest{Currency: "Bitcoin", FiatAmount: dec("10"), ReferencePrice: dec("50000")},
			expectError: ledger.ErrNotFound,
		},
		{
			name:        "ZeroAmount",
			userID:      userID,
			req:         BuyRequest{Currency: "Bitcoin", FiatAmount: decimal.Zero, ReferencePrice: dec("50000")},
			expectError: ledger.ErrInvalidInput,
		},
		{
			name:        "NegativeAmount",
			userID:      userID,
			req:         BuyRequest{Currency: "Bitcoin", FiatAmount: dec("-5"), ReferencePrice: dec("50000")},
			expectError: ledger.ErrInvalidInput,
		},
		{
			name:        "ZeroPrice",
			userID:      userID,
			req:         BuyRequest{Currency: "Bitcoin", FiatAmount: dec("10"), ReferencePrice: decimal.Zero},
			expectError: ledger.ErrInvalidInput,
		},
		{
			name:        "MissingCurrency",
			userID:      userID,
			req:         BuyRequest{FiatAmount: dec("10"), ReferencePrice: dec("50000")},
			expectError: ledger.ErrInvalidInput,
		},
		{
			name:        "InsufficientBalance",
			userID:      userID,
			req:         BuyRequest{Currency: "Bitcoin", FiatAmount: dec("1000.01"), ReferencePrice: dec("50000")},
			expectError: ledger.ErrInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Buy(context.Background(), tt.userID, tt.req)
			assert.ErrorIs(t, err, tt.expectError)

			// nothing was written
			assert.True(t, balanceOf(t, store, userID).Equal(dec("1000")))
			holdings, err := store.OpenHoldings(context.Background(), userID)
			require.NoError(t, err)
			assert.Empty(t, holdings)
		})
	}
}

func TestEngine_BuyExactBalance(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, DefaultPolicy, zap.NewNop())
	userID := newUser(t, store, "alice", "100")

	_, err := engine.Buy(context.Background(), userID, BuyRequest{
		Currency: "Solana", FiatAmount: dec("100"), ReferencePrice: dec("150"),
	})
	require.NoError(t, err)
	assert.True(t, balanceOf(t, store, userID).IsZero())
}

func TestEngine_SellErrors(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, DefaultPolicy, zap.NewNop())
	ctx := context.Background()
	alice := newUser(t, store, "alice", "1000")
	bob := newUser(t, store, "bob", "1000")

	bought, err := engine.Buy(ctx, alice, BuyRequest{Currency: "Ethereum", FiatAmount: dec("300"), ReferencePrice: dec("3000")})
	require.NoError(t, err)

	t.Run("ForeignLot", func(t *testing.T) {
		_, err := engine.Sell(ctx, bob, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("3100")})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("UnknownLot", func(t *testing.T) {
		_, err := engine.Sell(ctx, alice, SellRequest{LotID: uuid.New(), ReferencePrice: dec("3100")})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := engine.Sell(ctx, uuid.New(), SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("3100")})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		_, err := engine.Sell(ctx, uuid.Nil, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("3100")})
		assert.ErrorIs(t, err, ledger.ErrUnauthenticated)
	})

	t.Run("NonPositivePrice", func(t *testing.T) {
		_, err := engine.Sell(ctx, alice, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("-1")})
		assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	})

	t.Run("AlreadySold", func(t *testing.T) {
		_, err := engine.Sell(ctx, alice, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("3100")})
		require.NoError(t, err)

		balance := balanceOf(t, store, alice)
		orders, err := store.ListOrders(ctx, alice)
		require.NoError(t, err)

		_, err = engine.Sell(ctx, alice, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("9999")})
		assert.ErrorIs(t, err, ledger.ErrAlreadySold)

		assert.True(t, balanceOf(t, store, alice).Equal(balance), "no double credit")
		after, err := store.ListOrders(ctx, alice)
		require.NoError(t, err)
		assert.Len(t, after, len(orders))
	})
}

func TestEngine_SellWithoutBuyOrder(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, DefaultPolicy, zap.NewNop())
	ctx := context.Background()
	userID := newUser(t, store, "alice", "1000")

	orphan := models.Lot{
		ID:         uuid.New(),
		UserID:     userID,
		Currency:   "Bitcoin",
		EntryPrice: dec("49000"),
		Fee:        decimal.Zero,
		BoughtAt:   time.Now(),
	}
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertLot(ctx, &orphan)
	}))

	_, err := engine.Sell(ctx, userID, SellRequest{LotID: orphan.ID, ReferencePrice: dec("50000")})
	assert.ErrorIs(t, err, ledger.ErrDataIntegrity)
	assert.False(t, errors.Is(err, ledger.ErrTransient))

	assert.True(t, balanceOf(t, store, userID).Equal(dec("1000")))
	holdings, err := store.OpenHoldings(ctx, userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1, "lot stays open")
}

func TestEngine_RoundTripAtSamePrice(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, Policy{EntryDiscount: decimal.Zero, FeeRate: decimal.Zero}, zap.NewNop())
	ctx := context.Background()
	userID := newUser(t, store, "alice", "500")

	for _, price := range []string{"52000", "3100.55", "0.3333", "150"} {
		bought, err := engine.Buy(ctx, userID, BuyRequest{Currency: "X", FiatAmount: dec("100"), ReferencePrice: dec(price)})
		require.NoError(t, err)
		assert.True(t, bought.Lot.EntryPrice.Equal(dec(price)))

		sold, err := engine.Sell(ctx, userID, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec(price)})
		require.NoError(t, err)

		assert.True(t, sold.Quantity.Equal(bought.Quantity), "price %s", price)
		assert.True(t, sold.Proceeds.Equal(sold.Quantity.Mul(dec(price))), "price %s", price)
		assert.True(t, sold.Proceeds.Sub(dec("100")).Abs().LessThan(dec("0.000001")), "price %s proceeds %s", price, sold.Proceeds)
	}
}

func TestEngine_ConcurrentSellSameLot(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, DefaultPolicy, zap.NewNop())
	ctx := context.Background()
	userID := newUser(t, store, "alice", "1000")

	bought, err := engine.Buy(ctx, userID, BuyRequest{Currency: "Bitcoin", FiatAmount: dec("250"), ReferencePrice: dec("50000")})
	require.NoError(t, err)

	const sellers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < sellers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Sell(ctx, userID, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("51000")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ledger.ErrAlreadySold), errors.Is(err, ledger.ErrConflict):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, sellers-1, rejected)
	assert.Equal(t, "1010.20", balanceOf(t, store, userID).StringFixed(2))
}

// faultyStore fails the named Tx step, as an I/O error would.
type faultyStore struct {
	ledger.Store
	failAt string
}

func (s *faultyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, failAt: s.failAt})
	})
}

type faultyTx struct {
	ledger.Tx
	failAt string
}

var errDiskGone = errors.New("disk gone")

func (t *faultyTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if t.failAt == "InsertOrder" {
		return errDiskGone
	}
	return t.Tx.InsertOrder(ctx, order)
}

func (t *faultyTx) SetOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error {
	if t.failAt == "SetOrderStatus" {
		return errDiskGone
	}
	return t.Tx.SetOrderStatus(ctx, id, status)
}

func (t *faultyTx) AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error {
	if t.failAt == "AdjustBalance" {
		return errDiskGone
	}
	return t.Tx.AdjustBalance(ctx, userID, delta)
}

func TestEngine_RollbackOnFailure(t *testing.T) {
	for _, step := range []string{"InsertOrder", "AdjustBalance", "SetOrderStatus"} {
		t.Run("Buy/"+step, func(t *testing.T) {
			store := newTestStore(t)
			notifier := &recordingNotifier{}
			engine := NewEngine(&faultyStore{Store: store, failAt: step}, DefaultPolicy, zap.NewNop(), WithNotifier(notifier))
			userID := newUser(t, store, "alice", "1000")

			_, err := engine.Buy(context.Background(), userID, BuyRequest{Currency: "Bitcoin", FiatAmount: dec("250"), ReferencePrice: dec("50000")})
			assert.ErrorIs(t, err, ledger.ErrTransient)
			assert.ErrorIs(t, err, errDiskGone)

			assert.True(t, balanceOf(t, store, userID).Equal(dec("1000")))
			holdings, err := store.OpenHoldings(context.Background(), userID)
			require.NoError(t, err)
			assert.Empty(t, holdings)
			orders, err := store.ListOrders(context.Background(), userID)
			require.NoError(t, err)
			assert.Empty(t, orders)
			assert.Zero(t, notifier.count())
		})
	}

	for _, step := range []string{"InsertOrder", "AdjustBalance"} {
		t.Run("Sell/"+step, func(t *testing.T) {
			store := newTestStore(t)
			userID := newUser(t, store, "alice", "1000")
			bought, err := NewEngine(store, DefaultPolicy, zap.NewNop()).
				Buy(context.Background(), userID, BuyRequest{Currency: "Bitcoin", FiatAmount: dec("250"), ReferencePrice: dec("50000")})
			require.NoError(t, err)

			engine := NewEngine(&faultyStore{Store: store, failAt: step}, DefaultPolicy, zap.NewNop())
			_, err = engine.Sell(context.Background(), userID, SellRequest{LotID: bought.Lot.ID, ReferencePrice: dec("51000")})
			assert.ErrorIs(t, err, ledger.ErrTransient)

			assert.True(t, balanceOf(t, store, userID).Equal(dec("750")))
			holdings, err := store.OpenHoldings(context.Background(), userID)
			require.NoError(t, err)
			require.Len(t, holdings, 1, "lot was not closed")
		})
	}
}
