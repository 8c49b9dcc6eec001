// Package pnl projects unrealized profit and loss for open lots.
package pnl

import (
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/cryptodesk/internal/ledger"
	"github.com/xtrntr/cryptodesk/internal/models"
	"github.com/xtrntr/cryptodesk/internal/prices"
)

var hundred = decimal.NewFromInt(100)

// Compute returns one PositionPnL per open holding, sorted by currency then
// lot id. It performs no I/O. A holding whose quantity cannot be derived is
// left out and reported in the returned error (ErrDataIntegrity), while the
// rest are still projected. A nil priceOf, or an unknown currency, values the
// lot at its entry price.
func Compute(holdings []models.Holding, priceOf prices.Lookup) ([]models.PositionPnL, error) {
	out := make([]models.PositionPnL, 0, len(holdings))
	var errs []error

	for _, h := range holdings {
		if !h.Lot.Open() {
			continue
		}
		quantity, err := ledger.HoldingQuantity(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, Position(h.Lot, quantity, currentPrice(h.Lot, priceOf)))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})
	return out, errors.Join(errs...)
}

// Position values quantity units of lot at current.
func Position(lot models.Lot, quantity, current decimal.Decimal) models.PositionPnL {
	pnl := current.Sub(lot.EntryPrice).Mul(quantity)
	cost := lot.EntryPrice.Mul(quantity)

	pct := decimal.Zero
	if !cost.IsZero() {
		pct = pnl.Div(cost).Mul(hundred)
	}

	return models.PositionPnL{
		ID:            lot.ID,
		Currency:      lot.Currency,
		PurchasePrice: lot.EntryPrice,
		CurrentPrice:  current,
		Quantity:      quantity,
		PnL:           pnl,
		PnLPercentage: pct,
	}
}

func currentPrice(lot models.Lot, priceOf prices.Lookup) decimal.Decimal {
	if priceOf == nil {
		return lot.EntryPrice
	}
	if p, ok := priceOf(lot.Currency); ok && p.IsPositive() {
		return p
	}
	return lot.EntryPrice
}
