package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

const transactionColumns = `id, symbol, quantity, side, open_price, close_price, open_date,
	close_date, status, take_profit, stop_loss, expert_id, close_reason, created_at`

// TransactionRepository handles transaction database operations.
type TransactionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log.With().Str("repository", "transactions").Logger(),
	}
}

// Create inserts a transaction and returns it with the assigned ID.
func (r *TransactionRepository) Create(t Transaction) (Transaction, error) {
	if !t.Side.Valid() {
		return Transaction{}, domain.ValidationErrorf("transaction requires a valid side, got %q", t.Side)
	}
	if t.Status == "" {
		t.Status = domain.TxWaiting
	}

	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO transactions
			(symbol, quantity, side, open_price, close_price, open_date, close_date,
			 status, take_profit, stop_loss, expert_id, close_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, strings.ToUpper(t.Symbol), t.Quantity, string(t.Side),
		nullFloatPtr(t.OpenPrice), nullFloatPtr(t.ClosePrice),
		nullTimePtr(t.OpenDate), nullTimePtr(t.CloseDate),
		string(t.Status), nullFloatPtr(t.TakeProfit), nullFloatPtr(t.StopLoss),
		nullInt64Ptr(t.ExpertID), nullString(t.CloseReason), now.Unix())
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to create transaction: %w", err)
	}

	t.ID, _ = res.LastInsertId()
	t.Symbol = strings.ToUpper(t.Symbol)
	t.CreatedAt = now

	r.log.Info().
		Int64("transaction_id", t.ID).
		Str("symbol", t.Symbol).
		Str("side", string(t.Side)).
		Msg("Transaction created")
	return t, nil
}

// Get retrieves a transaction by ID.
func (r *TransactionRepository) Get(id int64) (*Transaction, error) {
	row := r.db.QueryRow("SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	t, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("transaction %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &t, nil
}

// Update persists the mutable fields of a transaction.
func (r *TransactionRepository) Update(t Transaction) error {
	_, err := r.db.Exec(`
		UPDATE transactions SET
			quantity = ?, open_price = ?, close_price = ?, open_date = ?, close_date = ?,
			status = ?, take_profit = ?, stop_loss = ?, close_reason = ?
		WHERE id = ?
	`, t.Quantity, nullFloatPtr(t.OpenPrice), nullFloatPtr(t.ClosePrice),
		nullTimePtr(t.OpenDate), nullTimePtr(t.CloseDate), string(t.Status),
		nullFloatPtr(t.TakeProfit), nullFloatPtr(t.StopLoss), nullString(t.CloseReason), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

// ListOpenByExpertSymbol retrieves WAITING/OPENED transactions of one expert
// on one symbol. Used by the enter-market duplicate check.
func (r *TransactionRepository) ListOpenByExpertSymbol(expertID int64, symbol string) ([]Transaction, error) {
	return r.list(`
		SELECT `+transactionColumns+` FROM transactions
		WHERE expert_id = ? AND symbol = ? AND status IN ('WAITING', 'OPENED')
		ORDER BY id
	`, expertID, strings.ToUpper(symbol))
}

// DistinctOpenSymbols lists the symbols for which the expert has WAITING or
// OPENED transactions. Used by OPEN_POSITIONS expansion.
func (r *TransactionRepository) DistinctOpenSymbols(expertID int64) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT symbol FROM transactions
		WHERE expert_id = ? AND status IN ('WAITING', 'OPENED')
		ORDER BY symbol
	`, expertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// ListByStatus retrieves transactions in any of the given statuses.
func (r *TransactionRepository) ListByStatus(statuses ...domain.TransactionStatus) ([]Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	return r.list(
		"SELECT "+transactionColumns+" FROM transactions WHERE status IN ("+placeholders+") ORDER BY id",
		args...)
}

func (r *TransactionRepository) list(query string, args ...interface{}) ([]Transaction, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var result []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return result, nil
}

func scanTransaction(scan func(dest ...interface{}) error) (Transaction, error) {
	var t Transaction
	var openPrice, closePrice, takeProfit, stopLoss sql.NullFloat64
	var openDate, closeDate, expertID sql.NullInt64
	var closeReason sql.NullString
	var createdAt int64

	err := scan(&t.ID, &t.Symbol, &t.Quantity, &t.Side, &openPrice, &closePrice,
		&openDate, &closeDate, &t.Status, &takeProfit, &stopLoss, &expertID,
		&closeReason, &createdAt)
	if err != nil {
		return t, err
	}

	if openPrice.Valid {
		t.OpenPrice = &openPrice.Float64
	}
	if closePrice.Valid {
		t.ClosePrice = &closePrice.Float64
	}
	if openDate.Valid {
		ts := time.Unix(openDate.Int64, 0).UTC()
		t.OpenDate = &ts
	}
	if closeDate.Valid {
		ts := time.Unix(closeDate.Int64, 0).UTC()
		t.CloseDate = &ts
	}
	if takeProfit.Valid {
		t.TakeProfit = &takeProfit.Float64
	}
	if stopLoss.Valid {
		t.StopLoss = &stopLoss.Float64
	}
	if expertID.Valid {
		t.ExpertID = &expertID.Int64
	}
	t.CloseReason = closeReason.String
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return t, nil
}

func nullTimePtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
