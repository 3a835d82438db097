// Package store keeps a local, renderable copy of a user's tasks in sync
// with the persistence gateway, favoring immediate feedback over round-trip
// latency: mutations patch the local copy first and are persisted
// asynchronously.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-api/board"
	"board-api/domain"
)

// ErrTaskNotFound is returned when a mutation names an unknown task.
var ErrTaskNotFound = errors.New("task not found")

// ErrNoDrag is returned when a drag gesture arrives without an active
// session.
var ErrNoDrag = errors.New("no drag in progress")

// ErrDragActive is returned when a drag is started while one is already in
// progress.
var ErrDragActive = errors.New("drag already in progress")

// Gateway is the persistence surface mutations are ultimately applied to.
// Reads and writes are scoped by table and partition; the store never
// depends on a concrete backend.
type Gateway interface {
	Insert(ctx context.Context, table, partition, id string, record map[string]any) error
	Update(ctx context.Context, table, partition, id string, fields map[string]any) error
	Delete(ctx context.Context, table, partition, id string) error
	BulkUpdate(ctx context.Context, table, partition string, ids []string, fields map[string]any) error
	Query(ctx context.Context, table, partition string) ([]map[string]any, error)
}

// Dispatcher accepts mutations for asynchronous delivery to the gateway. A
// non-nil error means the mutation was not accepted at all.
type Dispatcher interface {
	Dispatch(m domain.Mutation) error
}

// Notifier surfaces persistence failures to the user. Implementations must
// tolerate being called from multiple goroutines.
type Notifier interface {
	PersistenceFailed(m domain.Mutation, err error)
}

// TaskStore owns the authoritative local task list for one board partition.
// All entry points serialize on the store mutex: there is one logical
// writer, the owning user's gesture stream, but requests may arrive on
// concurrent connections.
type TaskStore struct {
	mu sync.Mutex

	table     string
	partition string
	columns   []domain.Status

	dispatcher Dispatcher
	notifier   Notifier
	logger     *log.Logger

	tasks []domain.Task

	drag           *board.Session
	pendingRefresh []domain.Task
	refreshWaiting bool
}

// NewTaskStore creates a store seeded with the given task list.
func NewTaskStore(table, partition string, tasks []domain.Task, columns []domain.Status, dispatcher Dispatcher, notifier Notifier, logger *log.Logger) *TaskStore {
	if logger == nil {
		logger = log.New()
	}
	if len(columns) == 0 {
		columns = domain.DefaultColumns
	}
	return &TaskStore{
		table:      table,
		partition:  partition,
		columns:    columns,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		tasks:      domain.CloneTasks(tasks),
	}
}

// Snapshot returns a copy of the local task list. During a drag the working
// copy is returned so live column reassignment is visible.
func (s *TaskStore) Snapshot() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *TaskStore) snapshotLocked() []domain.Task {
	if s.drag != nil {
		return s.drag.Tasks()
	}
	return domain.CloneTasks(s.tasks)
}

// Columns returns the column set the board renders.
func (s *TaskStore) Columns() []domain.Status {
	return s.columns
}

// Board groups the current task list for rendering.
func (s *TaskStore) Board() []board.Column {
	s.mu.Lock()
	tasks := s.snapshotLocked()
	s.mu.Unlock()
	return board.Group(tasks, s.columns)
}

// Subtasks derives the nested children of a task, filtered by the caller's
// mode policy.
func (s *TaskStore) Subtasks(parentID string, filter board.Filter) []domain.Task {
	s.mu.Lock()
	tasks := s.snapshotLocked()
	s.mu.Unlock()
	return board.Subtasks(tasks, parentID, filter)
}

// Create adds a task locally and persists it through the gateway. The id is
// minted here so the optimistic copy and the persisted row agree.
func (s *TaskStore) Create(t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = t.Status.Normalize(s.columns)
	s.tasks = append(s.tasks, t)

	record := domain.TaskPatch{
		Title:       &t.Title,
		Description: &t.Description,
		Status:      &t.Status,
		OrderIndex:  &t.OrderIndex,
		ParentID:    &t.ParentID,
		Type:        &t.Type,
	}.Fields()

	s.persist(domain.Mutation{
		Op:     domain.OpInsert,
		TaskID: t.ID,
		Fields: record,
	})
	return t, nil
}

// Update merge-patches the task locally, then persists only the named raw
// fields. The optimistic copy stays in place even when persistence later
// fails; the failure is surfaced through the notifier.
func (s *TaskStore) Update(id string, patch domain.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(id)
	if i < 0 {
		return ErrTaskNotFound
	}
	patch.Apply(&s.tasks[i])

	fields := patch.Fields()
	if len(fields) == 0 {
		return nil
	}
	s.persist(domain.Mutation{
		Op:     domain.OpUpdate,
		TaskID: id,
		Fields: fields,
	})
	return nil
}

// Delete removes the task locally, then persists the removal.
func (s *TaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(id)
	if i < 0 {
		return ErrTaskNotFound
	}
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)

	s.persist(domain.Mutation{
		Op:     domain.OpDelete,
		TaskID: id,
	})
	return nil
}

// BulkMove patches every named task's status locally, then issues a single
// gateway call constrained to that id set. Unknown ids are skipped locally
// but still included in the persistence call so the backend stays the
// authority on what exists.
func (s *TaskStore) BulkMove(ids []string, status domain.Status) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	status = status.Normalize(s.columns)
	for _, id := range ids {
		if i := s.find(id); i >= 0 {
			s.tasks[i].Status = status
		}
	}
	s.persist(domain.Mutation{
		Op:      domain.OpBulkUpdate,
		TaskIDs: append([]string(nil), ids...),
		Fields:  map[string]any{"Status": string(status)},
	})
	return nil
}

// Refresh replaces the local copy wholesale. While a drag is in progress the
// refresh is deferred so the dragged item is not yanked out from under the
// pointer; the latest deferred list wins and is applied when the drag ends.
func (s *TaskStore) Refresh(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drag != nil {
		s.pendingRefresh = domain.CloneTasks(tasks)
		s.refreshWaiting = true
		return
	}
	s.tasks = domain.CloneTasks(tasks)
}

// BeginDrag opens a drag session for the task. The session holds its own
// snapshot; the store's list is untouched until drop.
func (s *TaskStore) BeginDrag(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drag != nil {
		return ErrDragActive
	}
	session, err := board.NewSession(s.tasks, taskID, s.columns)
	if err != nil {
		return ErrTaskNotFound
	}
	s.drag = session
	return nil
}

// HoverDrag forwards a hover target to the active session.
func (s *TaskStore) HoverDrag(target board.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drag == nil {
		return ErrNoDrag
	}
	return s.drag.Hover(target)
}

// DropDrag finalizes the active drag: the session result becomes the local
// list and the recorded change, if any, is persisted with only the fields
// that moved. A refresh deferred during the drag predates the drop, so when
// the drop committed a change it is discarded rather than applied over the
// result; the post-commit change feed delivers a current snapshot. A reverted
// drop applies the deferred refresh as usual.
func (s *TaskStore) DropDrag(target board.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drag == nil {
		return ErrNoDrag
	}
	result := s.drag.Drop(target)
	s.drag = nil
	s.tasks = result.Tasks

	if result.Change != nil {
		s.persist(domain.Mutation{
			Op:     domain.OpUpdate,
			TaskID: result.Change.TaskID,
			Fields: result.Change.Patch().Fields(),
		})
		s.pendingRefresh = nil
		s.refreshWaiting = false
		return nil
	}
	s.applyDeferredRefresh()
	return nil
}

// CancelDrag discards the active drag and restores the pre-drag list.
func (s *TaskStore) CancelDrag() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drag == nil {
		return ErrNoDrag
	}
	s.tasks = s.drag.Cancel()
	s.drag = nil
	s.applyDeferredRefresh()
	return nil
}

// Dragging reports whether a drag session is active.
func (s *TaskStore) Dragging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drag != nil
}

func (s *TaskStore) applyDeferredRefresh() {
	if !s.refreshWaiting {
		return
	}
	s.tasks = s.pendingRefresh
	s.pendingRefresh = nil
	s.refreshWaiting = false
}

// persist hands the mutation to the dispatcher. Delivery is fire-and-forget;
// a refused handoff is surfaced the same way as a downstream failure.
func (s *TaskStore) persist(m domain.Mutation) {
	m.ID = uuid.NewString()
	m.Table = s.table
	m.Partition = s.partition
	m.Timestamp = time.Now().UnixNano()

	if err := s.dispatcher.Dispatch(m); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"op":     m.Op,
			"task":   m.TaskID,
			"table":  m.Table,
			"userId": m.Partition,
		}).Error("mutation dispatch refused")
		if s.notifier != nil {
			s.notifier.PersistenceFailed(m, err)
		}
	}
}

func (s *TaskStore) find(id string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}
