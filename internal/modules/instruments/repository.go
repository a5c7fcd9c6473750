// Package instruments provides the instrument catalogue. Symbols are
// auto-added when first seen by an analysis or order.
package instruments

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Instrument is one tradable symbol.
type Instrument struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	Categories []string  `json:"categories,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository handles instrument database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new instrument repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "instruments").Logger(),
	}
}

// Ensure returns the instrument for a symbol, creating it when first seen.
func (r *Repository) Ensure(symbol, kind string) (Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Instrument{}, fmt.Errorf("symbol cannot be empty")
	}
	if kind == "" {
		kind = "stock"
	}

	existing, err := r.GetBySymbol(symbol)
	if err != nil {
		return Instrument{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO instruments (symbol, kind, created_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO NOTHING
	`, symbol, kind, now.Unix())
	if err != nil {
		return Instrument{}, fmt.Errorf("failed to create instrument %s: %w", symbol, err)
	}

	id, _ := res.LastInsertId()
	if id == 0 {
		// Lost a race with a concurrent insert; read back.
		existing, err = r.GetBySymbol(symbol)
		if err != nil || existing == nil {
			return Instrument{}, fmt.Errorf("failed to read back instrument %s: %w", symbol, err)
		}
		return *existing, nil
	}

	r.log.Debug().Str("symbol", symbol).Msg("Instrument auto-added")
	return Instrument{ID: id, Symbol: symbol, Kind: kind, CreatedAt: now}, nil
}

// GetBySymbol retrieves an instrument by symbol. Returns nil when absent.
func (r *Repository) GetBySymbol(symbol string) (*Instrument, error) {
	row := r.db.QueryRow(`
		SELECT id, symbol, kind, categories, labels, created_at
		FROM instruments WHERE symbol = ?
	`, strings.ToUpper(strings.TrimSpace(symbol)))

	inst, err := scanInstrument(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument %s: %w", symbol, err)
	}
	return &inst, nil
}

// List retrieves all instruments.
func (r *Repository) List() ([]Instrument, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, kind, categories, labels, created_at
		FROM instruments ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var result []Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		result = append(result, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}
	return result, nil
}

// SetTags replaces the categories and labels of an instrument.
func (r *Repository) SetTags(id int64, categories, labels []string) error {
	catJSON, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	labelJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	_, err = r.db.Exec(`
		UPDATE instruments SET categories = ?, labels = ? WHERE id = ?
	`, string(catJSON), string(labelJSON), id)
	if err != nil {
		return fmt.Errorf("failed to set instrument tags: %w", err)
	}
	return nil
}

func scanInstrument(scan func(dest ...interface{}) error) (Instrument, error) {
	var inst Instrument
	var categories, labels sql.NullString
	var createdAt int64

	err := scan(&inst.ID, &inst.Symbol, &inst.Kind, &categories, &labels, &createdAt)
	if err != nil {
		return inst, err
	}

	if categories.Valid && categories.String != "" {
		_ = json.Unmarshal([]byte(categories.String), &inst.Categories)
	}
	if labels.Valid && labels.String != "" {
		_ = json.Unmarshal([]byte(labels.String), &inst.Labels)
	}
	inst.CreatedAt = time.Unix(createdAt, 0).UTC()
	return inst, nil
}
