// Package settlement executes market Buy and Sell orders against the ledger.
// Every order is settled in a single ledger transaction: the lot, the order,
// its terminal status and the balance change commit together or not at all.
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/cryptodesk/internal/ledger"
	"github.com/xtrntr/cryptodesk/internal/models"
)

// Notifier is told when a user's holdings changed so live sessions can refresh.
type Notifier interface {
	HoldingsChanged(userID uuid.UUID)
}

// Policy holds the pricing constants applied to fills
type Policy struct {
	// EntryDiscount is the fraction taken off the reference price on buys.
	EntryDiscount decimal.Decimal
	// FeeRate is recorded on the lot as a fraction of the fiat amount.
	FeeRate decimal.Decimal
}

// DefaultPolicy is a 2% entry discount and a 0.2% recorded fee
var DefaultPolicy = Policy{
	EntryDiscount: decimal.RequireFromString("0.02"),
	FeeRate:       decimal.RequireFromString("0.002"),
}

// BuyRequest buys FiatAmount worth of Currency at ReferencePrice
type BuyRequest struct {
	Currency       string
	FiatAmount     decimal.Decimal
	ReferencePrice decimal.Decimal
}

// SellRequest liquidates an open lot at ReferencePrice
type SellRequest struct {
	LotID          uuid.UUID
	ReferencePrice decimal.Decimal
}

// Result is the outcome of a settled order
type Result struct {
	Order    models.Order    `json:"order"`
	Lot      models.Lot      `json:"lot"`
	Quantity decimal.Decimal `json:"quantity"`
	// Proceeds is the fiat credited by a Sell; zero for a Buy.
	Proceeds decimal.Decimal `json:"proceeds"`
}

// Engine settles orders
type Engine struct {
	store    ledger.Store
	policy   Policy
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
	newID    func() uuid.UUID
}

// Option configures an Engine
type Option func(*Engine)

// WithNotifier registers the receiver of holdings-changed events
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a settlement engine over store
func NewEngine(store ledger.Store, policy Policy, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: policy,
		log:    log,
		now:    time.Now,
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EntryPrice applies the entry discount to a reference price
func (e *Engine) EntryPrice(referencePrice decimal.Decimal) decimal.Decimal {
	return referencePrice.Mul(decimal.NewFromInt(1).Sub(e.policy.EntryDiscount))
}

// Buy debits FiatAmount from the user and opens a new lot priced at the
// discounted reference price.
func (e *Engine) Buy(ctx context.Context, userID uuid.UUID, req BuyRequest) (*Result, error) {
	if userID == uuid.Nil {
		return nil, ledger.ErrUnauthenticated
	}
	if req.Currency == "" {
		return nil, errors.Wrap(ledger.ErrInvalidInput, "currency is required")
	}
	if !req.FiatAmount.IsPositive() {
		return nil, errors.Wrapf(ledger.ErrInvalidInput, "amount %s must be positive", req.FiatAmount)
	}
	if !req.ReferencePrice.IsPositive() {
		return nil, errors.Wrapf(ledger.ErrInvalidInput, "reference price %s must be positive", req.ReferencePrice)
	}

	now := e.now().UTC()
	lot := models.Lot{
		ID:         e.newID(),
		UserID:     userID,
		Currency:   req.Currency,
		EntryPrice: e.EntryPrice(req.ReferencePrice),
		Fee:        req.FiatAmount.Mul(e.policy.FeeRate),
		BoughtAt:   now,
	}
	order := models.Order{
		ID:        e.newID(),
		UserID:    userID,
		LotID:     lot.ID,
		Type:      models.OrderTypeBuy,
		Amount:    req.FiatAmount,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
	}

	err := e.store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return errors.Wrapf(err, "user %s", userID)
		}
		if user.Balance.LessThan(req.FiatAmount) {
			return errors.Wrapf(ledger.ErrInsufficientBalance, "balance %s, need %s", user.Balance, req.FiatAmount)
		}
		if err := tx.InsertLot(ctx, &lot); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}
		if err := tx.AdjustBalance(ctx, userID, req.FiatAmount.Neg()); err != nil {
			return err
		}
		return tx.SetOrderStatus(ctx, order.ID, models.OrderStatusSuccess)
	})
	if err != nil {
		return nil, e.fail("buy", userID, classify(err))
	}
	order.Status = models.OrderStatusSuccess

	quantity, err := ledger.Quantity(order.Amount, lot.EntryPrice)
	if err != nil {
		// committed but not derivable: entry price came from a validated positive input
		e.log.Error("bought lot has no derivable quantity", zap.Stringer("lot_id", lot.ID), zap.Error(err))
	}

	e.log.Info("buy settled",
		zap.Stringer("user_id", userID),
		zap.Stringer("order_id", order.ID),
		zap.Stringer("lot_id", lot.ID),
		zap.String("currency", lot.Currency),
		zap.Stringer("amount", order.Amount),
		zap.Stringer("entry_price", lot.EntryPrice),
	)
	e.notify(userID)

	return &Result{Order: order, Lot: lot, Quantity: quantity, Proceeds: decimal.Zero}, nil
}

// Sell closes an open lot and credits quantity * ReferencePrice to its owner.
func (e *Engine) Sell(ctx context.Context, userID uuid.UUID, req SellRequest) (*Result, error) {
	if userID == uuid.Nil {
		return nil, ledger.ErrUnauthenticated
	}
	if req.LotID == uuid.Nil {
		return nil, errors.Wrap(ledger.ErrInvalidInput, "lot id is required")
	}
	if !req.ReferencePrice.IsPositive() {
		return nil, errors.Wrapf(ledger.ErrInvalidInput, "reference price %s must be positive", req.ReferencePrice)
	}

	var res Result
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return errors.Wrapf(err, "user %s", userID)
		}
		lot, err := tx.LockLot(ctx, req.LotID)
		if err != nil {
			return errors.Wrapf(err, "lot %s", req.LotID)
		}
		// a lot owned by someone else is reported exactly like a missing one
		if lot.UserID != userID {
			return errors.Wrapf(ledger.ErrNotFound, "lot %s", req.LotID)
		}
		if !lot.Open() {
			return errors.Wrapf(ledger.ErrAlreadySold, "lot %s sold at %s", lot.ID, lot.SoldAt.Format(time.RFC3339))
		}

		buy, err := tx.BuyOrderForLot(ctx, lot.ID)
		if errors.Is(err, ledger.ErrNotFound) {
			return errors.Wrapf(ledger.ErrDataIntegrity, "lot %s has no originating buy order", lot.ID)
		}
		if err != nil {
			return err
		}

		quantity, err := ledger.Quantity(buy.Amount, lot.EntryPrice)
		if err != nil {
			return errors.Wrapf(err, "lot %s", lot.ID)
		}
		proceeds := quantity.Mul(req.ReferencePrice)
		now := e.now().UTC()

		if err := tx.CloseLot(ctx, lot.ID, req.ReferencePrice, now); err != nil {
			return err
		}
		order := models.Order{
			ID:        e.newID(),
			UserID:    userID,
			LotID:     lot.ID,
			Type:      models.OrderTypeSell,
			Amount:    proceeds,
			Status:    models.OrderStatusSuccess,
			CreatedAt: now,
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}
		if err := tx.AdjustBalance(ctx, userID, proceeds); err != nil {
			return err
		}

		soldPrice := req.ReferencePrice
		lot.SoldPrice = &soldPrice
		lot.SoldAt = &now
		res = Result{Order: order, Lot: *lot, Quantity: quantity, Proceeds: proceeds}
		return nil
	})
	if err != nil {
		return nil, e.fail("sell", userID, classify(err))
	}

	e.log.Info("sell settled",
		zap.Stringer("user_id", userID),
		zap.Stringer("order_id", res.Order.ID),
		zap.Stringer("lot_id", res.Lot.ID),
		zap.Stringer("quantity", res.Quantity),
		zap.Stringer("proceeds", res.Proceeds),
	)
	e.notify(userID)

	return &res, nil
}

func (e *Engine) notify(userID uuid.UUID) {
	if e.notifier != nil {
		e.notifier.HoldingsChanged(userID)
	}
}

// fail logs by severity and returns err unchanged
func (e *Engine) fail(op string, userID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, ledger.ErrDataIntegrity):
		e.log.Error("ledger integrity violation", zap.String("op", op), zap.Stringer("user_id", userID), zap.Error(err))
	case errors.Is(err, ledger.ErrTransient):
		e.log.Warn("settlement aborted", zap.String("op", op), zap.Stringer("user_id", userID), zap.Error(err))
	default:
		e.log.Debug("settlement rejected", zap.String("op", op), zap.Stringer("user_id", userID), zap.Error(err))
	}
	return err
}

// classify wraps I/O failures as transient; domain outcomes pass through
func classify(err error) error {
	if ledger.IsDomain(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return &transientError{err: err}
}

type transientError struct {
	err error
}

func (t *transientError) Error() string {
	return ledger.ErrTransient.Error() + ": " + t.err.Error()
}

func (t *transientError) Is(target error) bool {
	return target == ledger.ErrTransient
}

func (t *transientError) Unwrap() error {
	return t.err
}
