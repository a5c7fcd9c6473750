// Package settings provides the application-wide settings repository.
// Settings are key-value rows in the core database and take precedence over
// environment variables, allowing runtime configuration changes without a
// restart.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles settings database operations. Values are stored as
// strings and converted to the requested type on read.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new settings repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting value by key. Returns nil if the setting does not
// exist (not an error).
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set stores a setting value, inserting or updating as needed.
func (r *Repository) Set(key, value string, description *string) error {
	now := time.Now().Unix()

	if description != nil {
		_, err := r.db.Exec(`
			INSERT INTO settings (key, value, description, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				description = excluded.description,
				updated_at = excluded.updated_at
		`, key, value, *description, now)
		return err
	}

	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

// GetFloat retrieves a setting as float64, returning the fallback when the
// setting is absent or unparseable.
func (r *Repository) GetFloat(key string, fallback float64) float64 {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return fallback
	}
	f, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("Setting is not a float, using fallback")
		return fallback
	}
	return f
}

// GetInt retrieves a setting as int, returning the fallback when the setting
// is absent or unparseable.
func (r *Repository) GetInt(key string, fallback int) int {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return fallback
	}
	i, err := strconv.Atoi(*value)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("Setting is not an int, using fallback")
		return fallback
	}
	return i
}

// GetBool retrieves a setting as bool, returning the fallback when the
// setting is absent or unparseable.
func (r *Repository) GetBool(key string, fallback bool) bool {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return fallback
	}
	b, err := strconv.ParseBool(*value)
	if err != nil {
		return fallback
	}
	return b
}

// GetAll retrieves all settings as a map.
func (r *Repository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return result, nil
}

// SeedDefaults inserts every default setting that is not already present.
// Existing values are never overwritten.
func (r *Repository) SeedDefaults() error {
	now := time.Now().Unix()

	for key, def := range Defaults {
		_, err := r.db.Exec(`
			INSERT INTO settings (key, value, description, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, def.Value, def.Description, now)
		if err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}

	r.log.Debug().Int("count", len(Defaults)).Msg("Default settings seeded")
	return nil
}
