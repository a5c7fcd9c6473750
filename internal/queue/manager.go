package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/akrivos/helmsman/internal/domain"
)

// task is the in-memory form of a queued task while PENDING or RUNNING.
type task struct {
	id       int64 // surrogate DB key
	taskID   string
	kind     TaskKind
	dedupKey string
	priority int
	seq      uint64
	batchID  string
	status   TaskStatus
	payload  interface{} // AnalysisTask or InstrumentExpansionTask

	index int // heap bookkeeping; -1 when not queued
}

// taskHeap orders pending tasks by priority (lower first), then submission
// order. Strict priority, not fair.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager is the queue's front door: deduplicating submission, claim and
// finalisation, cancellation and external observation. All state transitions
// are mirrored to the repository.
type Manager struct {
	repo *Repository
	log  zerolog.Logger

	mu      sync.Mutex
	pending taskHeap
	byKey   map[string]*task // dedup: PENDING or RUNNING task per key
	byID    map[int64]*task
	seq     uint64
	closed  bool

	wake chan struct{}
}

// NewManager creates a queue manager over the task repository.
func NewManager(repo *Repository, log zerolog.Logger) *Manager {
	return &Manager{
		repo:  repo,
		log:   log.With().Str("component", "worker_queue").Logger(),
		byKey: make(map[string]*task),
		byID:  make(map[int64]*task),
		wake:  make(chan struct{}, 1),
	}
}

// SubmitAnalysis enqueues an analysis task. Returns the deterministic task ID
// and the surrogate row ID, or domain.ErrDuplicateTask when an identical
// (expert, symbol, use case) task is already PENDING or RUNNING.
func (m *Manager) SubmitAnalysis(t AnalysisTask) (string, int64, error) {
	if !t.UseCase.Valid() {
		return "", 0, domain.ValidationErrorf("invalid use case %q", t.UseCase)
	}
	if t.Symbol == "" {
		return "", 0, domain.ValidationErrorf("analysis task requires a symbol")
	}
	return m.submit(KindAnalysis, t.TaskID(), t.DedupKey(), t.Priority, t.BatchID, t)
}

// SubmitExpansion enqueues an instrument expansion task with the same dedup
// contract as SubmitAnalysis.
func (m *Manager) SubmitExpansion(t InstrumentExpansionTask) (string, int64, error) {
	if !t.UseCase.Valid() {
		return "", 0, domain.ValidationErrorf("invalid use case %q", t.UseCase)
	}
	if !domain.IsSpecialSymbol(t.ExpansionType) {
		return "", 0, domain.ValidationErrorf("invalid expansion type %q", t.ExpansionType)
	}
	return m.submit(KindExpansion, t.TaskID(), t.DedupKey(), t.Priority, t.BatchID, t)
}

func (m *Manager) submit(kind TaskKind, taskID, dedupKey string, priority int, batchID string, payload interface{}) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", 0, fmt.Errorf("queue is shut down")
	}
	if existing, ok := m.byKey[dedupKey]; ok {
		return "", 0, fmt.Errorf("%w: task %s is %s", domain.ErrDuplicateTask, existing.taskID, existing.status)
	}

	encoded, err := msgpack.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode task payload: %w", err)
	}

	id, err := m.repo.Insert(taskID, kind, dedupKey, priority, encoded, batchID)
	if err != nil {
		return "", 0, err
	}

	m.seq++
	t := &task{
		id:       id,
		taskID:   taskID,
		kind:     kind,
		dedupKey: dedupKey,
		priority: priority,
		seq:      m.seq,
		batchID:  batchID,
		status:   StatusPending,
		payload:  payload,
		index:    -1,
	}
	heap.Push(&m.pending, t)
	m.byKey[dedupKey] = t
	m.byID[id] = t

	m.log.Debug().
		Str("task_id", taskID).
		Str("kind", string(kind)).
		Int("priority", priority).
		Msg("Task submitted")

	m.notify()
	return taskID, id, nil
}

// notify wakes one idle worker. Callers hold m.mu.
func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// claim pops the highest-priority pending task and moves it to RUNNING.
// Returns nil when nothing is pending.
func (m *Manager) claim() *task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.pending.Len() == 0 {
		return nil
	}

	t := heap.Pop(&m.pending).(*task)
	t.status = StatusRunning
	if err := m.repo.MarkRunning(t.id); err != nil {
		m.log.Error().Err(err).Str("task_id", t.taskID).Msg("Failed to persist task claim")
	}
	return t
}

// finalize records a task's outcome and frees its dedup slot.
func (m *Manager) finalize(t *task, execErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := StatusCompleted
	errMsg := ""
	if execErr != nil {
		status = StatusFailed
		errMsg = execErr.Error()
	}
	t.status = status

	if err := m.repo.Finalize(t.id, status, errMsg); err != nil {
		m.log.Error().Err(err).Str("task_id", t.taskID).Msg("Failed to persist task outcome")
	}

	if m.byKey[t.dedupKey] == t {
		delete(m.byKey, t.dedupKey)
	}
	delete(m.byID, t.id)

	event := m.log.Info()
	if execErr != nil {
		event = m.log.Error().Err(execErr)
	}
	event.Str("task_id", t.taskID).Str("status", string(status)).Msg("Task finished")
}

// Cancel cancels a PENDING task by surrogate ID. Running and terminal tasks
// are not cancellable; both return false.
func (m *Manager) Cancel(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok || t.status != StatusPending {
		return false
	}

	if t.index >= 0 {
		heap.Remove(&m.pending, t.index)
	}
	t.status = StatusCanceled
	if err := m.repo.Finalize(t.id, StatusCanceled, ""); err != nil {
		m.log.Error().Err(err).Str("task_id", t.taskID).Msg("Failed to persist task cancel")
	}
	if m.byKey[t.dedupKey] == t {
		delete(m.byKey, t.dedupKey)
	}
	delete(m.byID, t.id)
	return true
}

// RecoverStartup fails tasks orphaned in RUNNING by the previous process and
// reloads surviving PENDING tasks into memory.
func (m *Manager) RecoverStartup() error {
	if _, err := m.repo.FailRunning("application restart"); err != nil {
		return err
	}

	snapshots, payloads, err := m.repo.ListByStatus(StatusPending)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range snapshots {
		payload, err := decodePayload(s.Kind, payloads[i])
		if err != nil {
			m.log.Error().Err(err).Str("task_id", s.TaskID).Msg("Dropping undecodable persisted task")
			if ferr := m.repo.Finalize(s.ID, StatusFailed, "undecodable payload"); ferr != nil {
				m.log.Error().Err(ferr).Int64("id", s.ID).Msg("Failed to fail undecodable task")
			}
			continue
		}
		if _, ok := m.byKey[s.DedupKey]; ok {
			continue
		}

		m.seq++
		t := &task{
			id:       s.ID,
			taskID:   s.TaskID,
			kind:     s.Kind,
			dedupKey: s.DedupKey,
			priority: s.Priority,
			seq:      m.seq,
			batchID:  s.BatchID,
			status:   StatusPending,
			payload:  payload,
			index:    -1,
		}
		heap.Push(&m.pending, t)
		m.byKey[s.DedupKey] = t
		m.byID[s.ID] = t
	}

	if m.pending.Len() > 0 {
		m.log.Info().Int("count", m.pending.Len()).Msg("Pending tasks recovered from previous run")
		m.notify()
	}
	return nil
}

func decodePayload(kind TaskKind, payload []byte) (interface{}, error) {
	switch kind {
	case KindAnalysis:
		var t AnalysisTask
		if err := msgpack.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	case KindExpansion:
		var t InstrumentExpansionTask
		if err := msgpack.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown task kind %q", kind)
}

// Close stops accepting submissions. Running tasks finish on their own.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	close(m.wake)
}

// GetPending lists PENDING tasks, highest priority first.
func (m *Manager) GetPending() []Snapshot {
	return m.snapshotWhere(StatusPending)
}

// GetRunning lists RUNNING tasks.
func (m *Manager) GetRunning() []Snapshot {
	return m.snapshotWhere(StatusRunning)
}

func (m *Manager) snapshotWhere(status TaskStatus) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Snapshot
	for _, t := range m.byID {
		if t.status == status {
			result = append(result, snapshotOf(t))
		}
	}
	return result
}

// GetAll lists every persisted task, terminal ones included.
func (m *Manager) GetAll() ([]Snapshot, error) {
	snapshots, _, err := m.repo.ListByStatus(StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled)
	return snapshots, err
}

// GetTaskStatus returns one task's observable state.
func (m *Manager) GetTaskStatus(id int64) (*Snapshot, error) {
	m.mu.Lock()
	if t, ok := m.byID[id]; ok {
		s := snapshotOf(t)
		m.mu.Unlock()
		return &s, nil
	}
	m.mu.Unlock()

	s, _, err := m.repo.Get(id)
	return s, err
}

func snapshotOf(t *task) Snapshot {
	return Snapshot{
		ID:       t.id,
		TaskID:   t.taskID,
		Kind:     t.kind,
		DedupKey: t.dedupKey,
		Priority: t.priority,
		Status:   t.status,
		BatchID:  t.batchID,
	}
}
