package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType is the direction of an order
type OrderType string

const (
	OrderTypeBuy  OrderType = "Buy"
	OrderTypeSell OrderType = "Sell"
)

// OrderStatus is the lifecycle state of an order. Success and Failed are terminal.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "Pending"
	OrderStatusSuccess OrderStatus = "Success"
	OrderStatusFailed  OrderStatus = "Failed"
)

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusSuccess || s == OrderStatusFailed
}

// User represents a registered user
type User struct {
	ID           uuid.UUID       `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Lot is one purchased quantity of a currency, open until SoldAt is set
type Lot struct {
	ID         uuid.UUID        `json:"id"`
	UserID     uuid.UUID        `json:"userId"`
	Currency   string           `json:"currency"`
	EntryPrice decimal.Decimal  `json:"entryPrice"`
	Fee        decimal.Decimal  `json:"fee"`
	BoughtAt   time.Time        `json:"boughtAt"`
	SoldPrice  *decimal.Decimal `json:"soldPrice,omitempty"`
	SoldAt     *time.Time       `json:"soldAt,omitempty"`
}

// Open reports whether the lot can still be sold
func (l *Lot) Open() bool {
	return l.SoldAt == nil
}

// Order is the record of one Buy or Sell attempt
type Order struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"userId"`
	LotID     uuid.UUID       `json:"lotId"`
	Type      OrderType       `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// OrderWithLot is an order together with the lot it references
type OrderWithLot struct {
	Order
	Lot Lot `json:"lot"`
}

// Holding is an open lot joined with the amount of its originating Buy order.
// HasBuyOrder is false when no such order exists.
type Holding struct {
	Lot         Lot
	BuyAmount   decimal.Decimal
	HasBuyOrder bool
}

// PositionPnL is the unrealized profit/loss of one open lot
type PositionPnL struct {
	ID            uuid.UUID       `json:"id"`
	Currency      string          `json:"currency"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	Quantity      decimal.Decimal `json:"quantity"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercentage decimal.Decimal `json:"pnlPercentage"`
}
