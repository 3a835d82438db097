package board

import (
	"errors"
	"sort"

	"board-api/domain"
)

var (
	// ErrTaskNotFound is returned when a drag is started for a task that is
	// not in the snapshot.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSessionEnded is returned when a gesture arrives after drop or cancel.
	ErrSessionEnded = errors.New("drag session already ended")
)

// TargetKind says what kind of element the pointer is over.
type TargetKind string

const (
	// TargetTask means the pointer is over another task card.
	TargetTask TargetKind = "task"
	// TargetColumn means the pointer is over a column header or an
	// empty-column placeholder.
	TargetColumn TargetKind = "column"
)

// Target identifies the element under the pointer during a drag.
type Target struct {
	Kind   TargetKind    `json:"kind"`
	TaskID string        `json:"taskId,omitempty"`
	Column domain.Status `json:"column,omitempty"`
}

// Change is the persistable outcome of a drop: only the fields that actually
// changed for the dragged task are set.
type Change struct {
	TaskID     string
	Status     *domain.Status
	OrderIndex *int
}

// Patch converts the change into a task patch.
func (c Change) Patch() domain.TaskPatch {
	return domain.TaskPatch{Status: c.Status, OrderIndex: c.OrderIndex}
}

// Result is handed back when a session ends. Tasks is the final task list;
// Change is nil when nothing needs to be persisted.
type Result struct {
	Tasks  []domain.Task
	Change *Change
}

// Session tracks one drag gesture from pick-up to drop or cancel. It owns a
// private snapshot of the task list so rapid hover events resolve against a
// stable reference, and a working copy that carries the proposed state.
// Hover proposes, Drop finalizes; Cancel discards the proposal.
type Session struct {
	dragID      string
	startStatus domain.Status
	columns     []domain.Status
	snapshot    []domain.Task
	working     []domain.Task
	ended       bool
}

// NewSession starts a drag for the given task.
func NewSession(tasks []domain.Task, taskID string, columns []domain.Status) (*Session, error) {
	s := &Session{
		dragID:   taskID,
		columns:  columns,
		snapshot: domain.CloneTasks(tasks),
		working:  domain.CloneTasks(tasks),
	}
	i := s.find(taskID)
	if i < 0 {
		return nil, ErrTaskNotFound
	}
	s.startStatus = s.working[i].Status.Normalize(columns)
	return s, nil
}

// TaskID returns the id of the dragged task.
func (s *Session) TaskID() string { return s.dragID }

// Ended reports whether the session reached drop or cancel.
func (s *Session) Ended() bool { return s.ended }

// Tasks returns the current working copy, reflecting any live column
// reassignment from hover events.
func (s *Session) Tasks() []domain.Task {
	return domain.CloneTasks(s.working)
}

// Hover applies live visual feedback for the element under the pointer: when
// the hovered-over column differs from the dragged task's working status, the
// working copy's status is reassigned. Order indexes are untouched until
// drop. Hovering over the dragged task itself, or over a target that no
// longer exists, is a no-op.
func (s *Session) Hover(target Target) error {
	if s.ended {
		return ErrSessionEnded
	}
	if target.Kind == TargetTask && target.TaskID == s.dragID {
		return nil
	}
	status, ok := s.resolve(target)
	if !ok {
		return nil
	}
	i := s.find(s.dragID)
	if s.working[i].Status.Normalize(s.columns) != status {
		s.working[i].Status = status
	}
	return nil
}

// Drop finalizes the gesture. Dropping onto the dragged task itself or onto
// a target that vanished from the snapshot discards the proposal and returns
// the pre-drag list. The session is ended regardless of outcome.
func (s *Session) Drop(target Target) Result {
	if s.ended {
		return Result{Tasks: domain.CloneTasks(s.snapshot)}
	}
	s.ended = true

	if target.Kind == TargetTask && target.TaskID == s.dragID {
		return Result{Tasks: domain.CloneTasks(s.snapshot)}
	}
	status, ok := s.resolve(target)
	if !ok {
		return Result{Tasks: domain.CloneTasks(s.snapshot)}
	}

	i := s.find(s.dragID)
	s.working[i].Status = status

	change := Change{TaskID: s.dragID}
	if status != s.startStatus {
		st := status
		change.Status = &st
	}

	switch target.Kind {
	case TargetTask:
		s.moveOntoTask(i, target.TaskID, status, &change)
	default:
		s.appendToColumn(i, status, &change)
	}

	if change.Status == nil && change.OrderIndex == nil {
		return Result{Tasks: domain.CloneTasks(s.working)}
	}
	return Result{Tasks: domain.CloneTasks(s.working), Change: &change}
}

// Cancel discards the proposal and returns the pre-drag task list.
func (s *Session) Cancel() []domain.Task {
	s.ended = true
	return domain.CloneTasks(s.snapshot)
}

// moveOntoTask moves the dragged task to the drop target's position within
// the resolved column, then re-normalizes every order index in that column
// to 0..n-1.
func (s *Session) moveOntoTask(dragged int, overID string, status domain.Status, change *Change) {
	column := s.orderedColumn(status, s.working[dragged].ParentID)

	from, to := -1, -1
	for pos, idx := range column {
		switch s.working[idx].ID {
		case s.dragID:
			from = pos
		case overID:
			to = pos
		}
	}
	if from < 0 || to < 0 {
		// Target sits in a different nesting scope; keep the status change
		// only.
		return
	}
	if from != to {
		moved := column[from]
		column = append(column[:from], column[from+1:]...)
		column = append(column[:to], append([]int{moved}, column[to:]...)...)
	}
	before := s.working[dragged].OrderIndex
	for pos, idx := range column {
		s.working[idx].OrderIndex = pos
	}
	if after := s.working[dragged].OrderIndex; after != before {
		pos := after
		change.OrderIndex = &pos
	}
}

// appendToColumn places the dragged task after every other task already in
// the resolved column.
func (s *Session) appendToColumn(dragged int, status domain.Status, change *Change) {
	length := 0
	for i, t := range s.working {
		if i == dragged || t.ParentID != s.working[dragged].ParentID {
			continue
		}
		if t.Status.Normalize(s.columns) == status {
			length++
		}
	}
	if s.working[dragged].OrderIndex == length && change.Status == nil {
		return
	}
	s.working[dragged].OrderIndex = length
	pos := length
	change.OrderIndex = &pos
}

// resolve maps a hover/drop target to a column id: a column target names the
// column directly, a task target adopts that task's current status. The
// second return is false when the target no longer exists.
func (s *Session) resolve(target Target) (domain.Status, bool) {
	switch target.Kind {
	case TargetColumn:
		if target.Column == "" {
			return "", false
		}
		return target.Column.Normalize(s.columns), true
	case TargetTask:
		if target.TaskID == s.dragID {
			i := s.find(s.dragID)
			return s.working[i].Status.Normalize(s.columns), true
		}
		i := s.find(target.TaskID)
		if i < 0 {
			return "", false
		}
		return s.working[i].Status.Normalize(s.columns), true
	default:
		return "", false
	}
}

// orderedColumn returns indices into the working list for tasks in the given
// column and nesting scope, sorted the way the layout engine renders them.
func (s *Session) orderedColumn(status domain.Status, parentID string) []int {
	var column []int
	for i, t := range s.working {
		if t.ParentID != parentID {
			continue
		}
		if t.Status.Normalize(s.columns) == status {
			column = append(column, i)
		}
	}
	sort.SliceStable(column, func(a, b int) bool {
		return s.working[column[a]].OrderIndex < s.working[column[b]].OrderIndex
	})
	return column
}

func (s *Session) find(id string) int {
	for i := range s.working {
		if s.working[i].ID == id {
			return i
		}
	}
	return -1
}
