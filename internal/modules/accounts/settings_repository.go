package accounts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

// SettingsRepository handles polymorphic instance settings attached to
// accounts and expert instances.
type SettingsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSettingsRepository creates a new instance settings repository.
func NewSettingsRepository(db *sql.DB, log zerolog.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:  db,
		log: log.With().Str("repository", "instance_settings").Logger(),
	}
}

// Set stores a setting row, replacing any previous value for the key.
func (r *SettingsRepository) Set(s Setting) error {
	if s.Key == "" {
		return domain.ValidationErrorf("setting key cannot be empty")
	}
	switch s.Type {
	case ValueString, ValueFloat, ValueBool, ValueJSON:
	default:
		return domain.ValidationErrorf("unknown setting value type %q", s.Type)
	}

	_, err := r.db.Exec(`
		INSERT INTO instance_settings
			(owner_type, owner_id, key, value_type, value_text, value_float, value_bool, value_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_type, owner_id, key) DO UPDATE SET
			value_type  = excluded.value_type,
			value_text  = excluded.value_text,
			value_float = excluded.value_float,
			value_bool  = excluded.value_bool,
			value_json  = excluded.value_json,
			updated_at  = excluded.updated_at
	`, string(s.OwnerType), s.OwnerID, s.Key, string(s.Type),
		nullStringPtr(s.Text), nullFloatPtr(s.Float), nullBoolPtr(s.Bool), nullStringPtr(s.JSON),
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set instance setting %s: %w", s.Key, err)
	}
	return nil
}

// Get retrieves one setting row. Returns nil when absent.
func (r *SettingsRepository) Get(ownerType OwnerType, ownerID int64, key string) (*Setting, error) {
	row := r.db.QueryRow(`
		SELECT id, owner_type, owner_id, key, value_type, value_text, value_float, value_bool, value_json, updated_at
		FROM instance_settings
		WHERE owner_type = ? AND owner_id = ? AND key = ?
	`, string(ownerType), ownerID, key)

	s, err := scanSetting(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance setting %s: %w", key, err)
	}
	return &s, nil
}

// GetString returns the string value of a setting, or empty when absent or of
// a different type.
func (r *SettingsRepository) GetString(ownerType OwnerType, ownerID int64, key string) (string, error) {
	s, err := r.Get(ownerType, ownerID, key)
	if err != nil || s == nil || s.Text == nil {
		return "", err
	}
	return *s.Text, nil
}

// GetFloat returns the float value of a setting. ok is false when the setting
// is absent or not a float.
func (r *SettingsRepository) GetFloat(ownerType OwnerType, ownerID int64, key string) (float64, bool, error) {
	s, err := r.Get(ownerType, ownerID, key)
	if err != nil || s == nil || s.Float == nil {
		return 0, false, err
	}
	return *s.Float, true, nil
}

// GetJSON returns the raw JSON value of a setting, or empty when absent.
func (r *SettingsRepository) GetJSON(ownerType OwnerType, ownerID int64, key string) (string, error) {
	s, err := r.Get(ownerType, ownerID, key)
	if err != nil || s == nil || s.JSON == nil {
		return "", err
	}
	return *s.JSON, nil
}

// ListForOwner retrieves every setting row of one owner.
func (r *SettingsRepository) ListForOwner(ownerType OwnerType, ownerID int64) ([]Setting, error) {
	rows, err := r.db.Query(`
		SELECT id, owner_type, owner_id, key, value_type, value_text, value_float, value_bool, value_json, updated_at
		FROM instance_settings
		WHERE owner_type = ? AND owner_id = ?
		ORDER BY key
	`, string(ownerType), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance settings: %w", err)
	}
	defer rows.Close()

	var result []Setting
	for rows.Next() {
		s, err := scanSetting(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance setting: %w", err)
		}
		result = append(result, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instance settings: %w", err)
	}
	return result, nil
}

// Delete removes one setting row.
func (r *SettingsRepository) Delete(ownerType OwnerType, ownerID int64, key string) error {
	_, err := r.db.Exec(`
		DELETE FROM instance_settings WHERE owner_type = ? AND owner_id = ? AND key = ?
	`, string(ownerType), ownerID, key)
	if err != nil {
		return fmt.Errorf("failed to delete instance setting %s: %w", key, err)
	}
	return nil
}

func scanSetting(scan func(dest ...interface{}) error) (Setting, error) {
	var s Setting
	var text, jsonValue sql.NullString
	var float sql.NullFloat64
	var boolValue sql.NullInt64
	var updatedAt int64

	err := scan(&s.ID, &s.OwnerType, &s.OwnerID, &s.Key, &s.Type, &text, &float, &boolValue, &jsonValue, &updatedAt)
	if err != nil {
		return s, err
	}

	if text.Valid {
		s.Text = &text.String
	}
	if float.Valid {
		s.Float = &float.Float64
	}
	if boolValue.Valid {
		b := boolValue.Int64 != 0
		s.Bool = &b
	}
	if jsonValue.Valid {
		s.JSON = &jsonValue.String
	}
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return s, nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullBoolPtr(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	v := int64(0)
	if *b {
		v = 1
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
