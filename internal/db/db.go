package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/cryptodesk/internal/ledger"
	"github.com/xtrntr/cryptodesk/internal/models"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ ledger.Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate applies the schema. Safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// RunInTx runs fn inside a transaction and commits if it returns nil
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// CreateUser inserts a new user with an opening balance
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	row := db.Pool.QueryRow(ctx,
		"INSERT INTO users (id, username, password_hash, balance) VALUES ($1, $2, $3, $4) "+
			"RETURNING "+userColumns,
		uuid.New(), username, passwordHash, balance.String())
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username %q is taken", ledger.ErrConflict, username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// OpenHoldings retrieves the user's unsold lots with their Buy order amounts
func (db *DB) OpenHoldings(ctx context.Context, userID uuid.UUID) ([]models.Holding, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+lotColumns("l")+", o.amount::text "+
			"FROM lots l LEFT JOIN orders o ON o.lot_id = l.id AND o.type = 'Buy' "+
			"WHERE l.user_id = $1 AND l.sold_at IS NULL "+
			"ORDER BY l.bought_at ASC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		var (
			r         lotRow
			buyAmount *string
		)
		if err := rows.Scan(append(r.dest(), &buyAmount)...); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		h, err := r.holding(buyAmount)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	return holdings, nil
}

// ListOrders retrieves all orders for a user, newest first
func (db *DB) ListOrders(ctx context.Context, userID uuid.UUID) ([]models.OrderWithLot, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns("o")+", "+lotColumns("l")+" "+
			"FROM orders o JOIN lots l ON l.id = o.lot_id "+
			"WHERE o.user_id = $1 ORDER BY o.created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.OrderWithLot
	for rows.Next() {
		var (
			o orderRow
			l lotRow
		)
		if err := rows.Scan(append(o.dest(), l.dest()...)...); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		owl, err := joinOrderLot(o, l)
		if err != nil {
			return nil, err
		}
		orders = append(orders, owl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return orders, nil
}

// GetOrder retrieves one order with its lot
func (db *DB) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.OrderWithLot, error) {
	var (
		o orderRow
		l lotRow
	)
	err := db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns("o")+", "+lotColumns("l")+" "+
			"FROM orders o JOIN lots l ON l.id = o.lot_id WHERE o.id = $1",
		orderID).Scan(append(o.dest(), l.dest()...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", notFound(err))
	}
	owl, err := joinOrderLot(o, l)
	if err != nil {
		return nil, err
	}
	return &owl, nil
}

// GetLot retrieves a lot owned by userID
func (db *DB) GetLot(ctx context.Context, userID, lotID uuid.UUID) (*models.Lot, error) {
	var r lotRow
	err := db.Pool.QueryRow(ctx,
		"SELECT "+lotColumns("l")+" FROM lots l WHERE l.id = $1 AND l.user_id = $2",
		lotID, userID).Scan(r.dest()...)
	if err != nil {
		return nil, fmt.Errorf("failed to get lot: %w", notFound(err))
	}
	lot, err := r.lot()
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanUser(t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return user, nil
}

func (t *pgTx) LockLot(ctx context.Context, id uuid.UUID) (*models.Lot, error) {
	var r lotRow
	err := t.tx.QueryRow(ctx, "SELECT "+lotColumns("l")+" FROM lots l WHERE l.id = $1 FOR UPDATE", id).Scan(r.dest()...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock lot: %w", notFound(err))
	}
	lot, err := r.lot()
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (t *pgTx) BuyOrderForLot(ctx context.Context, lotID uuid.UUID) (*models.Order, error) {
	var r orderRow
	err := t.tx.QueryRow(ctx,
		"SELECT "+orderColumns("o")+" FROM orders o WHERE o.lot_id = $1 AND o.type = 'Buy'",
		lotID).Scan(r.dest()...)
	if err != nil {
		return nil, fmt.Errorf("failed to get buy order: %w", notFound(err))
	}
	order, err := r.order()
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *pgTx) InsertLot(ctx context.Context, lot *models.Lot) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO lots (id, user_id, currency, entry_price, fee, bought_at) VALUES ($1, $2, $3, $4, $5, $6)",
		lot.ID, lot.UserID, lot.Currency, lot.EntryPrice.String(), lot.Fee.String(), lot.BoughtAt)
	if err != nil {
		return fmt.Errorf("failed to create lot: %w", err)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO orders (id, user_id, lot_id, type, amount, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		order.ID, order.UserID, order.LotID, string(order.Type), order.Amount.String(), string(order.Status), order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: order %s cannot move to %s", ledger.ErrInvalidInput, orderID, status)
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1 WHERE id = $2 AND status = 'Pending'",
		string(status), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s is not pending", ledger.ErrConflict, orderID)
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE users SET balance = balance + $1::numeric WHERE id = $2 AND balance + $1::numeric >= 0",
		delta.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ledger.ErrInsufficientBalance, userID)
	}
	return nil
}

func (t *pgTx) CloseLot(ctx context.Context, lotID uuid.UUID, soldPrice decimal.Decimal, soldAt time.Time) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE lots SET sold_price = $1, sold_at = $2 WHERE id = $3 AND sold_at IS NULL",
		soldPrice.String(), soldAt, lotID)
	if err != nil {
		return fmt.Errorf("failed to close lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lot %s", ledger.ErrAlreadySold, lotID)
	}
	return nil
}

const userColumns = "id, username, password_hash, balance::text, created_at"

func lotColumns(alias string) string {
	return fmt.Sprintf("%[1]s.id, %[1]s.user_id, %[1]s.currency, %[1]s.entry_price::text, %[1]s.fee::text, "+
		"%[1]s.bought_at, %[1]s.sold_price::text, %[1]s.sold_at", alias)
}

func orderColumns(alias string) string {
	return fmt.Sprintf("%[1]s.id, %[1]s.user_id, %[1]s.lot_id, %[1]s.type, %[1]s.amount::text, "+
		"%[1]s.status, %[1]s.created_at", alias)
}

func scanUser(row pgx.Row) (*models.User, error) {
	var (
		user    models.User
		balance string
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &balance, &user.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	user.Balance = b
	return &user, nil
}

// notFound maps a missing row onto the ledger taxonomy
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}
