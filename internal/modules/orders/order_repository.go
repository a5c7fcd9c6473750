package orders

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

// orderColumns is the column list shared by every order query. Order must
// match scanOrder.
const orderColumns = `id, account_id, transaction_id, symbol, side, quantity, type,
	limit_price, stop_price, status, filled_quantity, open_price, broker_order_id,
	depends_on_order, depends_order_status_trigger, good_for, comment, data, created_at`

// OrderRepository handles trading order database operations.
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repository", "orders").Logger(),
	}
}

// Create inserts an order and returns it with the assigned ID.
func (r *OrderRepository) Create(o Order) (Order, error) {
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	if o.GoodFor == "" {
		o.GoodFor = domain.TIFGoodTillCanceled
	}

	now := time.Now()
	dataJSON, err := encodeData(o.Data)
	if err != nil {
		return Order{}, err
	}

	res, err := r.db.Exec(`
		INSERT INTO orders
			(account_id, transaction_id, symbol, side, quantity, type, limit_price, stop_price,
			 status, filled_quantity, open_price, broker_order_id, depends_on_order,
			 depends_order_status_trigger, good_for, comment, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.AccountID, nullInt64Ptr(o.TransactionID), strings.ToUpper(o.Symbol), string(o.Side),
		o.Quantity, string(o.Type), nullFloatPtr(o.LimitPrice), nullFloatPtr(o.StopPrice),
		string(o.Status), o.FilledQuantity, nullFloatPtr(o.OpenPrice), nullString(o.BrokerOrderID),
		nullInt64Ptr(o.DependsOnOrder), nullStatusPtr(o.DependsOrderStatusTrigger),
		string(o.GoodFor), nullString(o.Comment), dataJSON, now.Unix())
	if err != nil {
		return Order{}, fmt.Errorf("failed to create order: %w", err)
	}

	o.ID, _ = res.LastInsertId()
	o.Symbol = strings.ToUpper(o.Symbol)
	o.CreatedAt = now
	return o, nil
}

// Get retrieves an order by ID.
func (r *OrderRepository) Get(id int64) (*Order, error) {
	row := r.db.QueryRow("SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("order %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

// Update persists the mutable fields of an order. Status transitions away
// from a terminal state are refused: terminal orders are immutable history.
// ERROR is the one exception - a failed order stays retryable so the close
// path can cancel or resubmit it.
func (r *OrderRepository) Update(o Order) error {
	current, err := r.Get(o.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() && current.Status != domain.OrderStatusError && o.Status != current.Status {
		return domain.ValidationErrorf("order %d is terminal (%s), refusing status change to %s",
			o.ID, current.Status, o.Status)
	}

	dataJSON, err := encodeData(o.Data)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		UPDATE orders SET
			transaction_id = ?, quantity = ?, limit_price = ?, stop_price = ?, status = ?,
			filled_quantity = ?, open_price = ?, broker_order_id = ?, depends_on_order = ?,
			depends_order_status_trigger = ?, good_for = ?, comment = ?, data = ?
		WHERE id = ?
	`, nullInt64Ptr(o.TransactionID), o.Quantity, nullFloatPtr(o.LimitPrice), nullFloatPtr(o.StopPrice),
		string(o.Status), o.FilledQuantity, nullFloatPtr(o.OpenPrice), nullString(o.BrokerOrderID),
		nullInt64Ptr(o.DependsOnOrder), nullStatusPtr(o.DependsOrderStatusTrigger),
		string(o.GoodFor), nullString(o.Comment), dataJSON, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	if o.Status != current.Status {
		r.log.Info().
			Int64("order_id", o.ID).
			Str("from", string(current.Status)).
			Str("to", string(o.Status)).
			Msg("Order status changed")
	}
	return nil
}

// ListByTransaction retrieves all orders of a transaction in creation order.
func (r *OrderRepository) ListByTransaction(transactionID int64) ([]Order, error) {
	return r.list("SELECT "+orderColumns+" FROM orders WHERE transaction_id = ? ORDER BY id", transactionID)
}

// ListNonTerminalByAccount retrieves every order of an account still in a
// non-terminal status. Used by refresh_orders.
func (r *OrderRepository) ListNonTerminalByAccount(accountID int64) ([]Order, error) {
	return r.list(`
		SELECT `+orderColumns+` FROM orders
		WHERE account_id = ?
		  AND status NOT IN ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED', 'ERROR', 'CLOSED')
		ORDER BY id
	`, accountID)
}

// ListDependents retrieves non-terminal orders waiting on the given parent.
func (r *OrderRepository) ListDependents(parentID int64) ([]Order, error) {
	return r.list(`
		SELECT `+orderColumns+` FROM orders
		WHERE depends_on_order = ?
		  AND status NOT IN ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED', 'ERROR', 'CLOSED')
		ORDER BY id
	`, parentID)
}

// OldestFilledEntryOrder retrieves the oldest filled entry order of a
// transaction, or nil when none has filled yet.
func (r *OrderRepository) OldestFilledEntryOrder(transactionID int64) (*Order, error) {
	row := r.db.QueryRow(`
		SELECT `+orderColumns+` FROM orders
		WHERE transaction_id = ? AND depends_on_order IS NULL AND status = 'FILLED'
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, transactionID)

	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest filled entry order: %w", err)
	}
	return &o, nil
}

// LastFilledOrder retrieves the most recently filled order of a transaction.
func (r *OrderRepository) LastFilledOrder(transactionID int64) (*Order, error) {
	row := r.db.QueryRow(`
		SELECT `+orderColumns+` FROM orders
		WHERE transaction_id = ? AND status = 'FILLED'
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, transactionID)

	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last filled order: %w", err)
	}
	return &o, nil
}

// AccountIDsWithOrders lists the distinct accounts holding orders for the
// given transaction.
func (r *OrderRepository) AccountIDsWithOrders(transactionID int64) ([]int64, error) {
	rows, err := r.db.Query("SELECT DISTINCT account_id FROM orders WHERE transaction_id = ?", transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account IDs for transaction: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransactionIDsWithOrdersOnAccount lists the distinct transactions that have
// at least one order on the given account.
func (r *OrderRepository) TransactionIDsWithOrdersOnAccount(accountID int64) ([]int64, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT transaction_id FROM orders
		WHERE account_id = ? AND transaction_id IS NOT NULL
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for account: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *OrderRepository) list(query string, args ...interface{}) ([]Order, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return result, nil
}

func scanOrder(scan func(dest ...interface{}) error) (Order, error) {
	var o Order
	var transactionID, dependsOn sql.NullInt64
	var limitPrice, stopPrice, openPrice sql.NullFloat64
	var brokerID, trigger, comment, dataJSON sql.NullString
	var createdAt int64

	err := scan(&o.ID, &o.AccountID, &transactionID, &o.Symbol, &o.Side, &o.Quantity, &o.Type,
		&limitPrice, &stopPrice, &o.Status, &o.FilledQuantity, &openPrice, &brokerID,
		&dependsOn, &trigger, &o.GoodFor, &comment, &dataJSON, &createdAt)
	if err != nil {
		return o, err
	}

	if transactionID.Valid {
		o.TransactionID = &transactionID.Int64
	}
	if limitPrice.Valid {
		o.LimitPrice = &limitPrice.Float64
	}
	if stopPrice.Valid {
		o.StopPrice = &stopPrice.Float64
	}
	if openPrice.Valid {
		o.OpenPrice = &openPrice.Float64
	}
	o.BrokerOrderID = brokerID.String
	if dependsOn.Valid {
		o.DependsOnOrder = &dependsOn.Int64
	}
	if trigger.Valid {
		status := domain.OrderStatus(trigger.String)
		o.DependsOrderStatusTrigger = &status
	}
	o.Comment = comment.String
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &o.Data); err != nil {
			return o, fmt.Errorf("malformed order data JSON: %w", err)
		}
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	return o, nil
}

func encodeData(data map[string]interface{}) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order data: %w", err)
	}
	return string(encoded), nil
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStatusPtr(s *domain.OrderStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}
