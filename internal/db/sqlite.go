package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/xtrntr/cryptodesk/internal/ledger"
	"github.com/xtrntr/cryptodesk/internal/models"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// timeLayout sorts lexically, so ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is the embedded ledger used for development and tests.
// One connection is held, which serializes every transaction.
type SQLite struct {
	DB *sql.DB
}

var _ ledger.Store = (*SQLite)(nil)

// NewSQLite opens (and creates if needed) the database file at path and applies the schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{DB: db}, nil
}

// Close releases the underlying handle
func (s *SQLite) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunInTx runs fn inside a transaction and commits if it returns nil
func (s *SQLite) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// CreateUser inserts a new user with an opening balance
func (s *SQLite) CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		Balance:      balance,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, balance, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID.String(), username, passwordHash, balance.String(), formatTime(user.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: username %q is taken", ledger.ErrConflict, username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id
func (s *SQLite) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanSQLiteUser(s.DB.QueryRowContext(ctx, "SELECT "+sqliteUserColumns+" FROM users WHERE id = ?", id.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanSQLiteUser(s.DB.QueryRowContext(ctx, "SELECT "+sqliteUserColumns+" FROM users WHERE username = ?", username))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// OpenHoldings retrieves the user's unsold lots with their Buy order amounts
func (s *SQLite) OpenHoldings(ctx context.Context, userID uuid.UUID) ([]models.Holding, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+sqliteLotColumns+", o.amount "+
			"FROM lots l LEFT JOIN orders o ON o.lot_id = l.id AND o.type = 'Buy' "+
			"WHERE l.user_id = ? AND l.sold_at IS NULL "+
			"ORDER BY l.bought_at ASC",
		userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		var (
			r         sqliteLotRow
			buyAmount sql.NullString
		)
		if err := rows.Scan(append(r.dest(), &buyAmount)...); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		lr, err := r.decode()
		if err != nil {
			return nil, err
		}
		h, err := lr.holding(nullString(buyAmount))
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
func (s *SQLite) ListOrders(ctx context.Context, userID uuid.UUID) ([]models.OrderWithLot, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+sqliteOrderColumns+", "+sqliteLotColumns+" "+
			"FROM orders o JOIN lots l ON l.id = o.lot_id "+
			"WHERE o.user_id = ? ORDER BY o.created_at DESC",
		userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.OrderWithLot
	for rows.Next() {
		var (
			o sqliteOrderRow
			l sqliteLotRow
		)
		if err := rows.Scan(append(o.dest(), l.dest()...)...); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		owl, err := joinSQLiteOrderLot(o, l)
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
func (s *SQLite) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.OrderWithLot, error) {
	var (
		o sqliteOrderRow
		l sqliteLotRow
	)
	err := s.DB.QueryRowContext(ctx,
		"SELECT "+sqliteOrderColumns+", "+sqliteLotColumns+" "+
			"FROM orders o JOIN lots l ON l.id = o.lot_id WHERE o.id = ?",
		orderID.String()).Scan(append(o.dest(), l.dest()...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", sqlNotFound(err))
	}
	owl, err := joinSQLiteOrderLot(o, l)
	if err != nil {
		return nil, err
	}
	return &owl, nil
}

// GetLot retrieves a lot owned by userID
func (s *SQLite) GetLot(ctx context.Context, userID, lotID uuid.UUID) (*models.Lot, error) {
	var r sqliteLotRow
	err := s.DB.QueryRowContext(ctx,
		"SELECT "+sqliteLotColumns+" FROM lots l WHERE l.id = ? AND l.user_id = ?",
		lotID.String(), userID.String()).Scan(r.dest()...)
	if err != nil {
		return nil, fmt.Errorf("failed to get lot: %w", sqlNotFound(err))
	}
	lr, err := r.decode()
	if err != nil {
		return nil, err
	}
	lot, err := lr.lot()
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

// LockUser is a plain read: the single connection already excludes other writers.
func (t *sqliteTx) LockUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanSQLiteUser(t.tx.QueryRowContext(ctx, "SELECT "+sqliteUserColumns+" FROM users WHERE id = ?", id.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return user, nil
}

func (t *sqliteTx) LockLot(ctx context.Context, id uuid.UUID) (*models.Lot, error) {
	var r sqliteLotRow
	err := t.tx.QueryRowContext(ctx, "SELECT "+sqliteLotColumns+" FROM lots l WHERE l.id = ?", id.String()).Scan(r.dest()...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock lot: %w", sqlNotFound(err))
	}
	lr, err := r.decode()
	if err != nil {
		return nil, err
	}
	lot, err := lr.lot()
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (t *sqliteTx) BuyOrderForLot(ctx context.Context, lotID uuid.UUID) (*models.Order, error) {
	var r sqliteOrderRow
	err := t.tx.QueryRowContext(ctx,
		"SELECT "+sqliteOrderColumns+" FROM orders o WHERE o.lot_id = ? AND o.type = 'Buy'",
		lotID.String()).Scan(r.dest()...)
	if err != nil {
		return nil, fmt.Errorf("failed to get buy order: %w", sqlNotFound(err))
	}
	or, err := r.decode()
	if err != nil {
		return nil, err
	}
	order, err := or.order()
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *sqliteTx) InsertLot(ctx context.Context, lot *models.Lot) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO lots (id, user_id, currency, entry_price, fee, bought_at) VALUES (?, ?, ?, ?, ?, ?)",
		lot.ID.String(), lot.UserID.String(), lot.Currency, lot.EntryPrice.String(), lot.Fee.String(), formatTime(lot.BoughtAt))
	if err != nil {
		return fmt.Errorf("failed to create lot: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertOrder(ctx context.Context, order *models.Order) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO orders (id, user_id, lot_id, type, amount, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		order.ID.String(), order.UserID.String(), order.LotID.String(), string(order.Type),
		order.Amount.String(), string(order.Status), formatTime(order.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (t *sqliteTx) SetOrderStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: order %s cannot move to %s", ledger.ErrInvalidInput, orderID, status)
	}
	res, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = ? WHERE id = ? AND status = 'Pending'",
		string(status), orderID.String())
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return fmt.Errorf("%w: order %s is not pending", ledger.ErrConflict, orderID)
	}
	return nil
}

func (t *sqliteTx) AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error {
	var current string
	err := t.tx.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = ?", userID.String()).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", sqlNotFound(err))
	}
	balance, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("parse balance: %w", err)
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: user %s", ledger.ErrInsufficientBalance, userID)
	}
	if _, err := t.tx.ExecContext(ctx, "UPDATE users SET balance = ? WHERE id = ?", next.String(), userID.String()); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *sqliteTx) CloseLot(ctx context.Context, lotID uuid.UUID, soldPrice decimal.Decimal, soldAt time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE lots SET sold_price = ?, sold_at = ? WHERE id = ? AND sold_at IS NULL",
		soldPrice.String(), formatTime(soldAt), lotID.String())
	if err != nil {
		return fmt.Errorf("failed to close lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to close lot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lot %s", ledger.ErrAlreadySold, lotID)
	}
	return nil
}

const (
	sqliteUserColumns  = "id, username, password_hash, balance, created_at"
	sqliteLotColumns   = "l.id, l.user_id, l.currency, l.entry_price, l.fee, l.bought_at, l.sold_price, l.sold_at"
	sqliteOrderColumns = "o.id, o.user_id, o.lot_id, o.type, o.amount, o.status, o.created_at"
)

// sqliteLotRow mirrors lotRow with timestamps still in their text form.
type sqliteLotRow struct {
	id, userID      uuid.UUID
	currency        string
	entryPrice, fee string
	boughtAt        string
	soldPrice       sql.NullString
	soldAt          sql.NullString
}

func (r *sqliteLotRow) dest() []any {
	return []any{&r.id, &r.userID, &r.currency, &r.entryPrice, &r.fee, &r.boughtAt, &r.soldPrice, &r.soldAt}
}

func (r *sqliteLotRow) decode() (lotRow, error) {
	boughtAt, err := parseTime(r.boughtAt)
	if err != nil {
		return lotRow{}, fmt.Errorf("parse bought_at: %w", err)
	}
	lr := lotRow{
		id:         r.id,
		userID:     r.userID,
		currency:   r.currency,
		entryPrice: r.entryPrice,
		fee:        r.fee,
		boughtAt:   boughtAt,
		soldPrice:  nullString(r.soldPrice),
	}
	if r.soldAt.Valid {
		soldAt, err := parseTime(r.soldAt.String)
		if err != nil {
			return lotRow{}, fmt.Errorf("parse sold_at: %w", err)
		}
		lr.soldAt = &soldAt
	}
	return lr, nil
}

type sqliteOrderRow struct {
	id, userID, lotID uuid.UUID
	typ               string
	amount            string
	status            string
	createdAt         string
}

func (r *sqliteOrderRow) dest() []any {
	return []any{&r.id, &r.userID, &r.lotID, &r.typ, &r.amount, &r.status, &r.createdAt}
}

func (r *sqliteOrderRow) decode() (orderRow, error) {
	createdAt, err := parseTime(r.createdAt)
	if err != nil {
		return orderRow{}, fmt.Errorf("parse created_at: %w", err)
	}
	return orderRow{
		id:        r.id,
		userID:    r.userID,
		lotID:     r.lotID,
		typ:       r.typ,
		amount:    r.amount,
		status:    r.status,
		createdAt: createdAt,
	}, nil
}

func joinSQLiteOrderLot(o sqliteOrderRow, l sqliteLotRow) (models.OrderWithLot, error) {
	or, err := o.decode()
	if err != nil {
		return models.OrderWithLot{}, err
	}
	lr, err := l.decode()
	if err != nil {
		return models.OrderWithLot{}, err
	}
	return joinOrderLot(or, lr)
}

func scanSQLiteUser(row *sql.Row) (*models.User, error) {
	var (
		user               models.User
		balance, createdAt string
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &balance, &createdAt); err != nil {
		return nil, sqlNotFound(err)
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	user.Balance = b
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &user, nil
}

func sqlNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
