package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/cryptodesk/internal/models"
)

// lotRow and orderRow hold scanned columns before numeric text is parsed.
// Numerics are selected as text so no precision is lost on the way to decimal.
type lotRow struct {
	id, userID      uuid.UUID
	currency        string
	entryPrice, fee string
	boughtAt        time.Time
	soldPrice       *string
	soldAt          *time.Time
}

func (r *lotRow) dest() []any {
	return []any{&r.id, &r.userID, &r.currency, &r.entryPrice, &r.fee, &r.boughtAt, &r.soldPrice, &r.soldAt}
}

func (r *lotRow) lot() (models.Lot, error) {
	entry, err := decimal.NewFromString(r.entryPrice)
	if err != nil {
		return models.Lot{}, fmt.Errorf("parse entry price: %w", err)
	}
	fee, err := decimal.NewFromString(r.fee)
	if err != nil {
		return models.Lot{}, fmt.Errorf("parse fee: %w", err)
	}
	soldPrice, err := parseOptionalDecimal(r.soldPrice)
	if err != nil {
		return models.Lot{}, fmt.Errorf("parse sold price: %w", err)
	}
	return models.Lot{
		ID:         r.id,
		UserID:     r.userID,
		Currency:   r.currency,
		EntryPrice: entry,
		Fee:        fee,
		BoughtAt:   r.boughtAt,
		SoldPrice:  soldPrice,
		SoldAt:     r.soldAt,
	}, nil
}

func (r *lotRow) holding(buyAmount *string) (models.Holding, error) {
	lot, err := r.lot()
	if err != nil {
		return models.Holding{}, err
	}
	amount, err := parseOptionalDecimal(buyAmount)
	if err != nil {
		return models.Holding{}, fmt.Errorf("parse buy amount: %w", err)
	}
	h := models.Holding{Lot: lot}
	if amount != nil {
		h.BuyAmount = *amount
		h.HasBuyOrder = true
	}
	return h, nil
}

type orderRow struct {
	id, userID, lotID uuid.UUID
	typ               string
	amount            string
	status            string
	createdAt         time.Time
}

func (r *orderRow) dest() []any {
	return []any{&r.id, &r.userID, &r.lotID, &r.typ, &r.amount, &r.status, &r.createdAt}
}

func (r *orderRow) order() (models.Order, error) {
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return models.Order{}, fmt.Errorf("parse order amount: %w", err)
	}
	return models.Order{
		ID:        r.id,
		UserID:    r.userID,
		LotID:     r.lotID,
		Type:      models.OrderType(r.typ),
		Amount:    amount,
		Status:    models.OrderStatus(r.status),
		CreatedAt: r.createdAt,
	}, nil
}

func joinOrderLot(o orderRow, l lotRow) (models.OrderWithLot, error) {
	order, err := o.order()
	if err != nil {
		return models.OrderWithLot{}, err
	}
	lot, err := l.lot()
	if err != nil {
		return models.OrderWithLot{}, err
	}
	return models.OrderWithLot{Order: order, Lot: lot}, nil
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
