// Package queue implements the prioritised, deduplicating worker queue: task
// types, the in-memory priority queue, the persistence layer that lets
// pending work survive restarts, the worker pool and the task executors.
package queue

import (
	"fmt"
	"time"

	"github.com/akrivos/helmsman/internal/domain"
)

// TaskKind tags the payload carried by a queued task.
type TaskKind string

const (
	KindAnalysis  TaskKind = "analysis"
	KindExpansion TaskKind = "expansion"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCanceled  TaskStatus = "CANCELED"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Task priorities. Lower is more urgent; manual submissions outrank scheduled
// fires.
const (
	PriorityManual    = 0
	PriorityScheduled = 10
)

// AnalysisTask runs one expert analysis against one symbol.
type AnalysisTask struct {
	ExpertID int64          `msgpack:"expert_id"`
	Symbol   string         `msgpack:"symbol"`
	UseCase  domain.UseCase `msgpack:"use_case"`
	Priority int            `msgpack:"priority"`

	// BypassBalanceCheck and BypassTransactionCheck skip the upfront
	// feasibility checks; used by manual re-runs.
	BypassBalanceCheck     bool `msgpack:"bypass_balance_check,omitempty"`
	BypassTransactionCheck bool `msgpack:"bypass_transaction_check,omitempty"`

	BatchID string `msgpack:"batch_id,omitempty"`
}

// DedupKey identifies the concurrency slot of the task: at most one task per
// key may be PENDING or RUNNING.
func (t AnalysisTask) DedupKey() string {
	return dedupKey(t.ExpertID, t.Symbol, t.UseCase)
}

// TaskID is the deterministic identifier shared with the job manager.
func (t AnalysisTask) TaskID() string {
	return fmt.Sprintf("expert_%d_symbol_%s_subtype_%s", t.ExpertID, t.Symbol, t.UseCase)
}

// InstrumentExpansionTask resolves a special symbol into a fan-out of
// per-symbol analysis tasks.
type InstrumentExpansionTask struct {
	ExpertID      int64          `msgpack:"expert_id"`
	ExpansionType string         `msgpack:"expansion_type"` // DYNAMIC, EXPERT or OPEN_POSITIONS
	UseCase       domain.UseCase `msgpack:"use_case"`
	Priority      int            `msgpack:"priority"`
	BatchID       string         `msgpack:"batch_id,omitempty"`
}

// DedupKey treats the special symbol as a distinct slot, so an expansion
// never collides with a real-symbol analysis.
func (t InstrumentExpansionTask) DedupKey() string {
	return dedupKey(t.ExpertID, t.ExpansionType, t.UseCase)
}

// TaskID is the deterministic identifier shared with the job manager.
func (t InstrumentExpansionTask) TaskID() string {
	return fmt.Sprintf("expert_%d_symbol_%s_subtype_%s", t.ExpertID, t.ExpansionType, t.UseCase)
}

func dedupKey(expertID int64, symbol string, useCase domain.UseCase) string {
	return fmt.Sprintf("%d|%s|%s", expertID, symbol, useCase)
}

// Snapshot is the externally observable state of one task.
type Snapshot struct {
	ID          int64      `json:"id"`
	TaskID      string     `json:"task_id"`
	Kind        TaskKind   `json:"kind"`
	DedupKey    string     `json:"dedup_key"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	Retries     int        `json:"retries"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
