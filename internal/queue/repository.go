package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

const taskColumns = `id, task_id, kind, dedup_key, priority, payload, status, error,
	batch_id, retries, submitted_at, claimed_at, completed_at`

// Repository persists queue tasks so pending work survives a process restart.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new queue task repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "queue_tasks").Logger(),
	}
}

// Insert writes a freshly submitted task and returns its surrogate ID.
func (r *Repository) Insert(taskID string, kind TaskKind, dedupKey string, priority int, payload []byte, batchID string) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO queue_tasks (task_id, kind, dedup_key, priority, payload, status, batch_id, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, taskID, string(kind), dedupKey, priority, payload, string(StatusPending),
		nullableString(batchID), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to persist queue task: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// MarkRunning records a worker's claim.
func (r *Repository) MarkRunning(id int64) error {
	_, err := r.db.Exec(`
		UPDATE queue_tasks SET status = ?, claimed_at = ? WHERE id = ?
	`, string(StatusRunning), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	return nil
}

// Finalize records a task's terminal state with an optional error message.
func (r *Repository) Finalize(id int64, status TaskStatus, errMsg string) error {
	_, err := r.db.Exec(`
		UPDATE queue_tasks SET status = ?, error = ?, completed_at = ? WHERE id = ?
	`, string(status), nullableString(errMsg), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to finalize task: %w", err)
	}
	return nil
}

// IncrementRetries bumps the retry counter of a task.
func (r *Repository) IncrementRetries(id int64) error {
	_, err := r.db.Exec("UPDATE queue_tasks SET retries = retries + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to increment retries: %w", err)
	}
	return nil
}

// FailRunning moves every RUNNING task to FAILED with the given reason.
// Called once at startup: a task marked RUNNING at boot was orphaned by the
// previous process.
func (r *Repository) FailRunning(reason string) (int64, error) {
	res, err := r.db.Exec(`
		UPDATE queue_tasks SET status = ?, error = ?, completed_at = ?
		WHERE status = ?
	`, string(StatusFailed), reason, time.Now().Unix(), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to fail running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Warn().Int64("count", n).Msg("Orphaned running tasks marked failed")
	}
	return n, nil
}

// Get retrieves one task row.
func (r *Repository) Get(id int64) (*Snapshot, []byte, error) {
	row := r.db.QueryRow("SELECT "+taskColumns+" FROM queue_tasks WHERE id = ?", id)
	snapshot, payload, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.NotFoundErrorf("queue task %d", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get queue task: %w", err)
	}
	return &snapshot, payload, nil
}

// ListByStatus retrieves task rows in the given statuses, oldest first, with
// their raw payloads.
func (r *Repository) ListByStatus(statuses ...TaskStatus) ([]Snapshot, [][]byte, error) {
	if len(statuses) == 0 {
		return nil, nil, nil
	}

	query := "SELECT " + taskColumns + " FROM queue_tasks WHERE status IN ("
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = string(s)
	}
	query += ") ORDER BY priority, id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list queue tasks: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	var payloads [][]byte
	for rows.Next() {
		snapshot, payload, err := scanTask(rows.Scan)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan queue task: %w", err)
		}
		snapshots = append(snapshots, snapshot)
		payloads = append(payloads, payload)
	}
	return snapshots, payloads, rows.Err()
}

func scanTask(scan func(dest ...interface{}) error) (Snapshot, []byte, error) {
	var s Snapshot
	var payload []byte
	var errMsg, batchID sql.NullString
	var submittedAt int64
	var claimedAt, completedAt sql.NullInt64

	err := scan(&s.ID, &s.TaskID, &s.Kind, &s.DedupKey, &s.Priority, &payload,
		&s.Status, &errMsg, &batchID, &s.Retries, &submittedAt, &claimedAt, &completedAt)
	if err != nil {
		return s, nil, err
	}

	s.Error = errMsg.String
	s.BatchID = batchID.String
	s.SubmittedAt = time.Unix(submittedAt, 0).UTC()
	if claimedAt.Valid {
		ts := time.Unix(claimedAt.Int64, 0).UTC()
		s.ClaimedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0).UTC()
		s.CompletedAt = &ts
	}
	return s, payload, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
