package experts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

// Repository handles expert instance database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new expert instance repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "experts").Logger(),
	}
}

// Create inserts a new expert instance and returns it with the assigned ID.
func (r *Repository) Create(instance Instance) (Instance, error) {
	if instance.Class == "" {
		return Instance{}, domain.ValidationErrorf("expert instance requires a class tag")
	}
	if instance.VirtualEquityPct < 0 || instance.VirtualEquityPct > 100 {
		return Instance{}, domain.ValidationErrorf("virtual equity percent must be in [0, 100], got %v", instance.VirtualEquityPct)
	}

	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO experts (account_id, class, alias, enabled, virtual_equity_pct, ruleset_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, instance.AccountID, instance.Class, instance.Alias, boolToInt(instance.Enabled),
		instance.VirtualEquityPct, nullInt64Ptr(instance.RulesetID), now.Unix())
	if err != nil {
		return Instance{}, fmt.Errorf("failed to create expert instance: %w", err)
	}

	instance.ID, _ = res.LastInsertId()
	instance.CreatedAt = now

	r.log.Info().Int64("expert_id", instance.ID).Str("class", instance.Class).Msg("Expert instance created")
	return instance, nil
}

// Get retrieves an expert instance by ID.
func (r *Repository) Get(id int64) (*Instance, error) {
	row := r.db.QueryRow(`
		SELECT id, account_id, class, alias, enabled, virtual_equity_pct, ruleset_id, created_at
		FROM experts WHERE id = ?
	`, id)

	instance, err := scanInstance(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("expert instance %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expert instance: %w", err)
	}
	return &instance, nil
}

// Update persists mutable fields of an instance.
func (r *Repository) Update(instance Instance) error {
	if instance.VirtualEquityPct < 0 || instance.VirtualEquityPct > 100 {
		return domain.ValidationErrorf("virtual equity percent must be in [0, 100], got %v", instance.VirtualEquityPct)
	}

	_, err := r.db.Exec(`
		UPDATE experts
		SET account_id = ?, class = ?, alias = ?, enabled = ?, virtual_equity_pct = ?, ruleset_id = ?
		WHERE id = ?
	`, instance.AccountID, instance.Class, instance.Alias, boolToInt(instance.Enabled),
		instance.VirtualEquityPct, nullInt64Ptr(instance.RulesetID), instance.ID)
	if err != nil {
		return fmt.Errorf("failed to update expert instance: %w", err)
	}
	return nil
}

// List retrieves all expert instances.
func (r *Repository) List() ([]Instance, error) {
	return r.list("SELECT id, account_id, class, alias, enabled, virtual_equity_pct, ruleset_id, created_at FROM experts ORDER BY id")
}

// ListEnabled retrieves all enabled expert instances.
func (r *Repository) ListEnabled() ([]Instance, error) {
	return r.list("SELECT id, account_id, class, alias, enabled, virtual_equity_pct, ruleset_id, created_at FROM experts WHERE enabled = 1 ORDER BY id")
}

// Delete removes an expert instance.
func (r *Repository) Delete(id int64) error {
	_, err := r.db.Exec("DELETE FROM experts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete expert instance: %w", err)
	}
	return nil
}

func (r *Repository) list(query string) ([]Instance, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list expert instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		instance, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expert instance: %w", err)
		}
		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expert instances: %w", err)
	}
	return instances, nil
}

func scanInstance(scan func(dest ...interface{}) error) (Instance, error) {
	var i Instance
	var alias sql.NullString
	var enabled int
	var rulesetID sql.NullInt64
	var createdAt int64

	err := scan(&i.ID, &i.AccountID, &i.Class, &alias, &enabled, &i.VirtualEquityPct, &rulesetID, &createdAt)
	if err != nil {
		return i, err
	}

	i.Alias = alias.String
	i.Enabled = enabled != 0
	if rulesetID.Valid {
		i.RulesetID = &rulesetID.Int64
	}
	i.CreatedAt = time.Unix(createdAt, 0).UTC()
	return i, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
