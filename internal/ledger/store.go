// Package ledger defines the contract of the relational store that holds users,
// lots and orders, together with the error taxonomy and the quantity rule
// shared by every component that reads it.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/cryptodesk/internal/models"
)

// Store is the ledger. Reads outside RunInTx see committed state only.
type Store interface {
	// RunInTx executes fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; nothing fn wrote survives a rollback.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// OpenHoldings returns the user's unsold lots, each joined with its Buy order amount.
	OpenHoldings(ctx context.Context, userID uuid.UUID) ([]models.Holding, error)
	ListOrders(ctx context.Context, userID uuid.UUID) ([]models.OrderWithLot, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.OrderWithLot, error)
	// GetLot returns one of the user's lots. A lot owned by someone else is ErrNotFound.
	GetLot(ctx context.Context, userID, lotID uuid.UUID) (*models.Lot, error)

	Close() error
}

// Tx is the write side of the ledger, only reachable inside Store.RunInTx.
type Tx interface {
	// LockUser reads the user row and holds it until the transaction ends.
	LockUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	// LockLot reads the lot row and holds it until the transaction ends.
	LockLot(ctx context.Context, id uuid.UUID) (*models.Lot, error)
	// BuyOrderForLot returns the order that created the lot, or ErrNotFound.
	BuyOrderForLot(ctx context.Context, lotID uuid.UUID) (*models.Order, error)

	InsertLot(ctx context.Context, lot *models.Lot) error
	InsertOrder(ctx context.Context, order *models.Order) error
	// SetOrderStatus moves a Pending order to a terminal status. ErrConflict if
	// the order is no longer Pending.
	SetOrderStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus) error
	// AdjustBalance adds delta to the balance. ErrInsufficientBalance if the
	// result would be negative.
	AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error
	// CloseLot marks an open lot sold. ErrAlreadySold if it was closed already.
	CloseLot(ctx context.Context, lotID uuid.UUID, soldPrice decimal.Decimal, soldAt time.Time) error
}
