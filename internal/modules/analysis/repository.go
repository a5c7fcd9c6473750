package analysis

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

// Repository handles market analysis database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new analysis repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "analysis").Logger(),
	}
}

// Create inserts a new analysis row (normally PENDING) and returns it with
// the assigned ID.
func (r *Repository) Create(ma MarketAnalysis) (MarketAnalysis, error) {
	if !ma.UseCase.Valid() {
		return MarketAnalysis{}, domain.ValidationErrorf("unknown use case %q", ma.UseCase)
	}
	if ma.Status == "" {
		ma.Status = domain.AnalysisPending
	}

	now := time.Now()
	stateJSON, err := encodeState(ma.State)
	if err != nil {
		return MarketAnalysis{}, err
	}

	res, err := r.db.Exec(`
		INSERT INTO analyses (symbol, expert_id, status, use_case, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ma.Symbol, ma.ExpertID, string(ma.Status), string(ma.UseCase), stateJSON, now.Unix(), now.Unix())
	if err != nil {
		return MarketAnalysis{}, fmt.Errorf("failed to create analysis: %w", err)
	}

	ma.ID, _ = res.LastInsertId()
	ma.CreatedAt = now
	ma.UpdatedAt = now
	return ma, nil
}

// Get retrieves an analysis by ID.
func (r *Repository) Get(id int64) (*MarketAnalysis, error) {
	row := r.db.QueryRow(`
		SELECT id, symbol, expert_id, status, use_case, state, created_at, updated_at
		FROM analyses WHERE id = ?
	`, id)

	ma, err := scanAnalysis(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("analysis %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return &ma, nil
}

// UpdateStatus moves an analysis to a new status, merging the supplied state
// keys into the stored state mapping.
func (r *Repository) UpdateStatus(id int64, status domain.AnalysisStatus, state map[string]interface{}) error {
	current, err := r.Get(id)
	if err != nil {
		return err
	}

	merged := current.State
	if merged == nil {
		merged = make(map[string]interface{})
	}
	for k, v := range state {
		merged[k] = v
	}

	stateJSON, err := encodeState(merged)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		UPDATE analyses SET status = ?, state = ?, updated_at = ? WHERE id = ?
	`, string(status), stateJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update analysis status: %w", err)
	}
	return nil
}

// FailRunning moves every RUNNING analysis to FAILED. Used by the startup
// cleanup pass after a restart. Goes through the merging status update per
// row, so whatever partial state the interrupted run recorded survives.
// Returns the number of rows repaired.
func (r *Repository) FailRunning(reason string) (int64, error) {
	rows, err := r.db.Query(`
		SELECT id FROM analyses WHERE status = ?
	`, string(domain.AnalysisRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to list running analyses: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to scan running analysis: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating running analyses: %w", err)
	}

	var count int64
	for _, id := range ids {
		if err := r.UpdateStatus(id, domain.AnalysisFailed, map[string]interface{}{
			StateStartupCleanup: true,
			StateFailureReason:  reason,
		}); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		r.log.Warn().Int64("count", count).Msg("Repaired analyses left RUNNING by previous process")
	}
	return count, nil
}

// ListByExpert retrieves the most recent analyses of one expert, newest first.
func (r *Repository) ListByExpert(expertID int64, limit int) ([]MarketAnalysis, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, expert_id, status, use_case, state, created_at, updated_at
		FROM analyses WHERE expert_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, expertID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var result []MarketAnalysis
	for rows.Next() {
		ma, err := scanAnalysis(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		result = append(result, ma)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return result, nil
}

// AddOutput appends an artefact to an analysis.
func (r *Repository) AddOutput(o Output) (Output, error) {
	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO analysis_outputs (analysis_id, name, type, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, o.AnalysisID, o.Name, o.Type, o.Content, now.Unix())
	if err != nil {
		return Output{}, fmt.Errorf("failed to add analysis output: %w", err)
	}
	o.ID, _ = res.LastInsertId()
	o.CreatedAt = now
	return o, nil
}

// Outputs retrieves the artefacts of one analysis in insert order.
func (r *Repository) Outputs(analysisID int64) ([]Output, error) {
	rows, err := r.db.Query(`
		SELECT id, analysis_id, name, type, content, created_at
		FROM analysis_outputs WHERE analysis_id = ? ORDER BY id
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis outputs: %w", err)
	}
	defer rows.Close()

	var outputs []Output
	for rows.Next() {
		var o Output
		var content sql.NullString
		var createdAt int64
		if err := rows.Scan(&o.ID, &o.AnalysisID, &o.Name, &o.Type, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis output: %w", err)
		}
		o.Content = content.String
		o.CreatedAt = time.Unix(createdAt, 0).UTC()
		outputs = append(outputs, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analysis outputs: %w", err)
	}
	return outputs, nil
}

func scanAnalysis(scan func(dest ...interface{}) error) (MarketAnalysis, error) {
	var ma MarketAnalysis
	var stateJSON sql.NullString
	var createdAt, updatedAt int64

	err := scan(&ma.ID, &ma.Symbol, &ma.ExpertID, &ma.Status, &ma.UseCase, &stateJSON, &createdAt, &updatedAt)
	if err != nil {
		return ma, err
	}

	if stateJSON.Valid && stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &ma.State); err != nil {
			return ma, fmt.Errorf("malformed analysis state JSON: %w", err)
		}
	}
	ma.CreatedAt = time.Unix(createdAt, 0).UTC()
	ma.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return ma, nil
}

func encodeState(state map[string]interface{}) (interface{}, error) {
	if state == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis state: %w", err)
	}
	return string(encoded), nil
}
