// Package activity provides the append-only activity log and LLM usage log.
// Every user-visible state transition in the core emits an entry here.
package activity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Severity grades an activity entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Entry is one row of the activity stream.
type Entry struct {
	ID          int64                  `json:"id"`
	Severity    Severity               `json:"severity"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"`
	AccountID   *int64                 `json:"account_id,omitempty"`
	ExpertID    *int64                 `json:"expert_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Repository handles activity log database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger

	listeners []func(Entry)
}

// NewRepository creates a new activity repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "activity").Logger(),
	}
}

// Subscribe registers a listener notified after every appended entry.
// Registration is not safe for concurrent use; subscribe during startup.
func (r *Repository) Subscribe(fn func(Entry)) {
	r.listeners = append(r.listeners, fn)
}

// Log appends an entry to the activity stream.
func (r *Repository) Log(severity Severity, entryType, description string, data map[string]interface{}, accountID, expertID *int64) error {
	now := time.Now()

	var dataJSON interface{}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode activity data: %w", err)
		}
		dataJSON = string(encoded)
	}

	res, err := r.db.Exec(`
		INSERT INTO activity_log (severity, type, description, data, account_id, expert_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(severity), entryType, description, dataJSON, nullInt64Ptr(accountID), nullInt64Ptr(expertID), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}

	id, _ := res.LastInsertId()
	entry := Entry{
		ID:          id,
		Severity:    severity,
		Type:        entryType,
		Description: description,
		Data:        data,
		AccountID:   accountID,
		ExpertID:    expertID,
		CreatedAt:   now,
	}
	for _, fn := range r.listeners {
		fn(entry)
	}

	r.log.Debug().Str("type", entryType).Str("description", description).Msg("Activity logged")
	return nil
}

// Info appends an info entry; errors are logged, not propagated, so that
// observability never interrupts the operation being observed.
func (r *Repository) Info(entryType, description string, data map[string]interface{}, accountID, expertID *int64) {
	if err := r.Log(SeverityInfo, entryType, description, data, accountID, expertID); err != nil {
		r.log.Error().Err(err).Str("type", entryType).Msg("Failed to append activity entry")
	}
}

// Warn appends a warning entry with the same fire-and-forget contract as Info.
func (r *Repository) Warn(entryType, description string, data map[string]interface{}, accountID, expertID *int64) {
	if err := r.Log(SeverityWarning, entryType, description, data, accountID, expertID); err != nil {
		r.log.Error().Err(err).Str("type", entryType).Msg("Failed to append activity entry")
	}
}

// Error appends an error entry with the same fire-and-forget contract as Info.
func (r *Repository) Error(entryType, description string, data map[string]interface{}, accountID, expertID *int64) {
	if err := r.Log(SeverityError, entryType, description, data, accountID, expertID); err != nil {
		r.log.Error().Err(err).Str("type", entryType).Msg("Failed to append activity entry")
	}
}

// Recent retrieves the most recent entries, newest first.
func (r *Repository) Recent(limit int) ([]Entry, error) {
	rows, err := r.db.Query(`
		SELECT id, severity, type, description, data, account_id, expert_id, created_at
		FROM activity_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent activity: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var dataJSON sql.NullString
		var accountID, expertID sql.NullInt64
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.Severity, &e.Type, &e.Description, &dataJSON, &accountID, &expertID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity entry: %w", err)
		}

		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
				r.log.Warn().Err(err).Int64("id", e.ID).Msg("Malformed activity data JSON")
			}
		}
		if accountID.Valid {
			e.AccountID = &accountID.Int64
		}
		if expertID.Valid {
			e.ExpertID = &expertID.Int64
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity entries: %w", err)
	}

	return entries, nil
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
