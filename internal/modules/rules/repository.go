package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/database"
	"github.com/akrivos/helmsman/internal/domain"
)

// Repository handles ruleset and event-action database operations, including
// the ordered membership of event-actions within a ruleset.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new rules repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "rules").Logger(),
	}
}

// CreateRuleset inserts a ruleset and returns it with the assigned ID.
func (r *Repository) CreateRuleset(rs Ruleset) (Ruleset, error) {
	if rs.Name == "" {
		return Ruleset{}, domain.ValidationErrorf("ruleset requires a name")
	}

	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO rulesets (name, kind, subtype, created_at) VALUES (?, ?, ?, ?)
	`, rs.Name, rs.Kind, rs.Subtype, now.Unix())
	if err != nil {
		return Ruleset{}, fmt.Errorf("failed to create ruleset: %w", err)
	}

	rs.ID, _ = res.LastInsertId()
	rs.CreatedAt = now
	return rs, nil
}

// GetRuleset retrieves a ruleset by ID.
func (r *Repository) GetRuleset(id int64) (*Ruleset, error) {
	row := r.db.QueryRow("SELECT id, name, kind, subtype, created_at FROM rulesets WHERE id = ?", id)

	var rs Ruleset
	var createdAt int64
	err := row.Scan(&rs.ID, &rs.Name, &rs.Kind, &rs.Subtype, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("ruleset %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ruleset: %w", err)
	}
	rs.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rs, nil
}

// ListRulesets retrieves all rulesets.
func (r *Repository) ListRulesets() ([]Ruleset, error) {
	rows, err := r.db.Query("SELECT id, name, kind, subtype, created_at FROM rulesets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}
	defer rows.Close()

	var result []Ruleset
	for rows.Next() {
		var rs Ruleset
		var createdAt int64
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.Kind, &rs.Subtype, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ruleset: %w", err)
		}
		rs.CreatedAt = time.Unix(createdAt, 0).UTC()
		result = append(result, rs)
	}
	return result, rows.Err()
}

// DeleteRuleset removes a ruleset and its memberships.
func (r *Repository) DeleteRuleset(id int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM ruleset_members WHERE ruleset_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete ruleset members: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM rulesets WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete ruleset: %w", err)
		}
		return nil
	})
}

// CreateEventAction inserts an event-action and returns it with the ID.
func (r *Repository) CreateEventAction(ea EventAction) (EventAction, error) {
	triggersJSON, err := json.Marshal(ea.Triggers)
	if err != nil {
		return EventAction{}, fmt.Errorf("failed to encode triggers: %w", err)
	}
	actionsJSON, err := json.Marshal(ea.Actions)
	if err != nil {
		return EventAction{}, fmt.Errorf("failed to encode actions: %w", err)
	}

	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO event_actions (kind, triggers, actions, continue_processing, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ea.Kind, string(triggersJSON), string(actionsJSON), ea.ContinueProcessing, now.Unix())
	if err != nil {
		return EventAction{}, fmt.Errorf("failed to create event action: %w", err)
	}

	ea.ID, _ = res.LastInsertId()
	ea.CreatedAt = now
	return ea, nil
}

// GetEventAction retrieves an event-action by ID.
func (r *Repository) GetEventAction(id int64) (*EventAction, error) {
	row := r.db.QueryRow(`
		SELECT id, kind, triggers, actions, continue_processing, created_at
		FROM event_actions WHERE id = ?
	`, id)

	ea, err := scanEventAction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("event action %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event action: %w", err)
	}
	return &ea, nil
}

// DeleteEventAction removes an event-action and its memberships, then closes
// the order_index gaps in every affected ruleset.
func (r *Repository) DeleteEventAction(id int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT DISTINCT ruleset_id FROM ruleset_members WHERE event_action_id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to find memberships: %w", err)
		}
		var rulesetIDs []int64
		for rows.Next() {
			var rid int64
			if err := rows.Scan(&rid); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan ruleset ID: %w", err)
			}
			rulesetIDs = append(rulesetIDs, rid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec("DELETE FROM ruleset_members WHERE event_action_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete memberships: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM event_actions WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete event action: %w", err)
		}

		for _, rid := range rulesetIDs {
			if err := compactOrder(tx, rid); err != nil {
				return err
			}
		}
		return nil
	})
}

// Append adds an event-action at the end of a ruleset's evaluation order.
func (r *Repository) Append(rulesetID, eventActionID int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var next int
		row := tx.QueryRow(
			"SELECT COALESCE(MAX(order_index) + 1, 0) FROM ruleset_members WHERE ruleset_id = ?",
			rulesetID)
		if err := row.Scan(&next); err != nil {
			return fmt.Errorf("failed to compute next order index: %w", err)
		}

		_, err := tx.Exec(`
			INSERT INTO ruleset_members (ruleset_id, event_action_id, order_index)
			VALUES (?, ?, ?)
		`, rulesetID, eventActionID, next)
		if err != nil {
			return fmt.Errorf("failed to add event action to ruleset: %w", err)
		}
		return nil
	})
}

// Remove detaches an event-action from a ruleset and closes the gap.
func (r *Repository) Remove(rulesetID, eventActionID int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM ruleset_members WHERE ruleset_id = ? AND event_action_id = ?",
			rulesetID, eventActionID)
		if err != nil {
			return fmt.Errorf("failed to remove event action from ruleset: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NotFoundErrorf("event action %d in ruleset %d", eventActionID, rulesetID)
		}
		return compactOrder(tx, rulesetID)
	})
}

// OrderedEventActions retrieves a ruleset's event-actions in evaluation order.
func (r *Repository) OrderedEventActions(rulesetID int64) ([]EventAction, error) {
	rows, err := r.db.Query(`
		SELECT ea.id, ea.kind, ea.triggers, ea.actions, ea.continue_processing, ea.created_at
		FROM event_actions ea
		JOIN ruleset_members rm ON rm.event_action_id = ea.id
		WHERE rm.ruleset_id = ?
		ORDER BY rm.order_index
	`, rulesetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ruleset event actions: %w", err)
	}
	defer rows.Close()

	var result []EventAction
	for rows.Next() {
		ea, err := scanEventAction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event action: %w", err)
		}
		result = append(result, ea)
	}
	return result, rows.Err()
}

// Reorder rewrites the evaluation order of a ruleset. The ID list must be a
// permutation of the current members; the result is gap-free and 0-based.
func (r *Repository) Reorder(rulesetID int64, eventActionIDs []int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		current, err := memberIDs(tx, rulesetID)
		if err != nil {
			return err
		}
		if len(current) != len(eventActionIDs) {
			return domain.ValidationErrorf(
				"reorder requires all %d members of ruleset %d, got %d IDs",
				len(current), rulesetID, len(eventActionIDs))
		}
		members := make(map[int64]bool, len(current))
		for _, id := range current {
			members[id] = true
		}
		for _, id := range eventActionIDs {
			if !members[id] {
				return domain.ValidationErrorf("event action %d is not a member of ruleset %d", id, rulesetID)
			}
			delete(members, id)
		}

		for index, id := range eventActionIDs {
			_, err := tx.Exec(`
				UPDATE ruleset_members SET order_index = ?
				WHERE ruleset_id = ? AND event_action_id = ?
			`, index, rulesetID, id)
			if err != nil {
				return fmt.Errorf("failed to reorder ruleset members: %w", err)
			}
		}

		r.log.Debug().Int64("ruleset_id", rulesetID).Msg("Ruleset reordered")
		return nil
	})
}

// MoveUp swaps an event-action with its predecessor. Moving the first member
// is a no-op.
func (r *Repository) MoveUp(rulesetID, eventActionID int64) error {
	return r.move(rulesetID, eventActionID, -1)
}

// MoveDown swaps an event-action with its successor. Moving the last member
// is a no-op.
func (r *Repository) MoveDown(rulesetID, eventActionID int64) error {
	return r.move(rulesetID, eventActionID, +1)
}

func (r *Repository) move(rulesetID, eventActionID int64, delta int) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		ids, err := memberIDs(tx, rulesetID)
		if err != nil {
			return err
		}

		pos := -1
		for i, id := range ids {
			if id == eventActionID {
				pos = i
				break
			}
		}
		if pos == -1 {
			return domain.NotFoundErrorf("event action %d in ruleset %d", eventActionID, rulesetID)
		}

		target := pos + delta
		if target < 0 || target >= len(ids) {
			return nil
		}
		ids[pos], ids[target] = ids[target], ids[pos]

		for index, id := range ids {
			_, err := tx.Exec(`
				UPDATE ruleset_members SET order_index = ?
				WHERE ruleset_id = ? AND event_action_id = ?
			`, index, rulesetID, id)
			if err != nil {
				return fmt.Errorf("failed to move ruleset member: %w", err)
			}
		}
		return nil
	})
}

// memberIDs lists a ruleset's event-action IDs in order_index order.
func memberIDs(tx *sql.Tx, rulesetID int64) ([]int64, error) {
	rows, err := tx.Query(`
		SELECT event_action_id FROM ruleset_members
		WHERE ruleset_id = ? ORDER BY order_index
	`, rulesetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ruleset members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// compactOrder rewrites order_index values 0..n-1 preserving relative order.
func compactOrder(tx *sql.Tx, rulesetID int64) error {
	ids, err := memberIDs(tx, rulesetID)
	if err != nil {
		return err
	}
	for index, id := range ids {
		_, err := tx.Exec(`
			UPDATE ruleset_members SET order_index = ?
			WHERE ruleset_id = ? AND event_action_id = ?
		`, index, rulesetID, id)
		if err != nil {
			return fmt.Errorf("failed to compact ruleset order: %w", err)
		}
	}
	return nil
}

func scanEventAction(scan func(dest ...interface{}) error) (EventAction, error) {
	var ea EventAction
	var triggersJSON, actionsJSON string
	var createdAt int64

	err := scan(&ea.ID, &ea.Kind, &triggersJSON, &actionsJSON, &ea.ContinueProcessing, &createdAt)
	if err != nil {
		return ea, err
	}

	if err := json.Unmarshal([]byte(triggersJSON), &ea.Triggers); err != nil {
		return ea, fmt.Errorf("malformed triggers JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &ea.Actions); err != nil {
		return ea, fmt.Errorf("malformed actions JSON: %w", err)
	}
	ea.CreatedAt = time.Unix(createdAt, 0).UTC()
	return ea, nil
}
