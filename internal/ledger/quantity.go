package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/cryptodesk/internal/models"
)

// Quantity derives the size of a lot from the fiat amount of its Buy order.
// quantity = buyAmount / entryPrice
func Quantity(buyAmount, entryPrice decimal.Decimal) (decimal.Decimal, error) {
	if !entryPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: entry price %s is not positive", ErrDataIntegrity, entryPrice)
	}
	q := buyAmount.Div(entryPrice)
	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: buy amount %s yields quantity %s", ErrInvalidQuantity, buyAmount, q)
	}
	return q, nil
}

// HoldingQuantity applies Quantity to a holding, failing when the lot has no Buy order
func HoldingQuantity(h models.Holding) (decimal.Decimal, error) {
	if !h.HasBuyOrder {
		return decimal.Zero, fmt.Errorf("%w: lot %s has no originating buy order", ErrDataIntegrity, h.Lot.ID)
	}
	return Quantity(h.BuyAmount, h.Lot.EntryPrice)
}
