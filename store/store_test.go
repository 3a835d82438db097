package store

import (
	"errors"
	"sync"
	"testing"

	"board-api/board"
	"board-api/domain"
)

type captureDispatcher struct {
	mu        sync.Mutex
	mutations []domain.Mutation
	err       error
}

func (d *captureDispatcher) Dispatch(m domain.Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.mutations = append(d.mutations, m)
	return nil
}

func (d *captureDispatcher) all() []domain.Mutation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Mutation, len(d.mutations))
	copy(out, d.mutations)
	return out
}

type captureNotifier struct {
	mu       sync.Mutex
	failures []Failure
}

func (n *captureNotifier) PersistenceFailed(m domain.Mutation, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, Failure{Mutation: m, Error: err.Error()})
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failures)
}

func seedTasks() []domain.Task {
	return []domain.Task{
		{ID: "a", Title: "first", Status: domain.StatusTodo, OrderIndex: 0},
		{ID: "b", Title: "second", Status: domain.StatusTodo, OrderIndex: 1},
		{ID: "c", Title: "third", Status: domain.StatusInProgress, OrderIndex: 0},
	}
}

func newTestStore(d Dispatcher, n Notifier) *TaskStore {
	return NewTaskStore("Tasks", "user-1", seedTasks(), domain.DefaultColumns, d, n, nil)
}

func TestCreateMintsIDAndPersistsAllColumns(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	task, err := s.Create(domain.Task{Title: "new", Status: "unknown"})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID == "" {
		t.Fatal("expected a minted id")
	}
	if task.Status != domain.StatusBacklog {
		t.Fatalf("expected unknown status normalized to backlog, got %q", task.Status)
	}
	muts := d.all()
	if len(muts) != 1 || muts[0].Op != domain.OpInsert {
		t.Fatalf("expected one insert, got %v", muts)
	}
	if muts[0].Table != "Tasks" || muts[0].Partition != "user-1" {
		t.Fatalf("mutation missing routing: %+v", muts[0])
	}
	if muts[0].Fields["Title"] != "new" {
		t.Fatalf("insert fields wrong: %v", muts[0].Fields)
	}
}

func TestUpdatePersistsOnlyNamedFields(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	title := "renamed"
	if err := s.Update("a", domain.TaskPatch{Title: &title}); err != nil {
		t.Fatal(err)
	}
	muts := d.all()
	if len(muts) != 1 {
		t.Fatalf("expected one mutation, got %d", len(muts))
	}
	if len(muts[0].Fields) != 1 || muts[0].Fields["Title"] != "renamed" {
		t.Fatalf("expected only Title in fields, got %v", muts[0].Fields)
	}
	if got := s.Snapshot()[0].Title; got != "renamed" {
		t.Fatalf("local copy not patched: %q", got)
	}
}

func TestUpdateUnknownTask(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	title := "x"
	if err := s.Update("nope", domain.TaskPatch{Title: &title}); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if len(d.all()) != 0 {
		t.Fatal("unknown task must not reach the dispatcher")
	}
}

func TestUpdateEmptyPatchSkipsDispatch(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	if err := s.Update("a", domain.TaskPatch{Assignees: []string{"alice"}}); err != nil {
		t.Fatal(err)
	}
	if len(d.all()) != 0 {
		t.Fatal("joined-only patch must not reach the dispatcher")
	}
	if got := s.Snapshot()[0].Assignees; len(got) != 1 || got[0] != "alice" {
		t.Fatalf("joined field not applied locally: %v", got)
	}
}

func TestDeleteRemovesLocallyAndPersists(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	if err := s.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if len(s.Snapshot()) != 2 {
		t.Fatal("task not removed locally")
	}
	muts := d.all()
	if len(muts) != 1 || muts[0].Op != domain.OpDelete || muts[0].TaskID != "b" {
		t.Fatalf("unexpected mutations: %v", muts)
	}
}

func TestBulkMoveSingleMutation(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	if err := s.BulkMove([]string{"a", "b", "ghost"}, domain.StatusComplete); err != nil {
		t.Fatal(err)
	}
	for _, task := range s.Snapshot() {
		switch task.ID {
		case "a", "b":
			if task.Status != domain.StatusComplete {
				t.Fatalf("task %q not moved", task.ID)
			}
		case "c":
			if task.Status != domain.StatusInProgress {
				t.Fatal("unrelated task moved")
			}
		}
	}
	muts := d.all()
	if len(muts) != 1 || muts[0].Op != domain.OpBulkUpdate {
		t.Fatalf("expected a single bulk mutation, got %v", muts)
	}
	if len(muts[0].TaskIDs) != 3 {
		t.Fatalf("bulk mutation must carry every requested id, got %v", muts[0].TaskIDs)
	}
}

func TestDispatchRefusalKeepsLocalStateAndNotifiesOnce(t *testing.T) {
	d := &captureDispatcher{err: errors.New("queue saturated")}
	n := &captureNotifier{}
	s := newTestStore(d, n)
	title := "still renamed"
	if err := s.Update("a", domain.TaskPatch{Title: &title}); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot()[0].Title; got != "still renamed" {
		t.Fatalf("optimistic copy rolled back: %q", got)
	}
	if n.count() != 1 {
		t.Fatalf("expected exactly one failure notification, got %d", n.count())
	}
}

func TestRefreshDeferredDuringDrag(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	if err := s.BeginDrag("a"); err != nil {
		t.Fatal(err)
	}

	s.Refresh([]domain.Task{{ID: "z", Status: domain.StatusTodo}})
	s.Refresh([]domain.Task{{ID: "y", Status: domain.StatusTodo}})
	if len(s.Snapshot()) != 3 {
		t.Fatal("refresh applied mid-drag")
	}

	if err := s.CancelDrag(); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != "y" {
		t.Fatalf("latest deferred refresh should win, got %v", snap)
	}
}

func TestDropDiscardsStaleDeferredRefresh(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	if err := s.BeginDrag("a"); err != nil {
		t.Fatal(err)
	}

	// The refresh arrives mid-drag, so it cannot know about the drop.
	s.Refresh([]domain.Task{{ID: "z", Status: domain.StatusTodo}})

	if err := s.DropDrag(board.Target{Kind: board.TargetColumn, Column: domain.StatusComplete}); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, task := range s.Snapshot() {
		if task.ID == "z" {
			t.Fatal("pre-drop refresh overwrote the drop result")
		}
		if task.ID == "a" && task.Status == domain.StatusComplete {
			found = true
		}
	}
	if !found {
		t.Fatalf("dropped position not visible locally: %v", s.Snapshot())
	}

	// A later refresh, carrying the committed change, applies normally.
	s.Refresh([]domain.Task{{ID: "a", Status: domain.StatusComplete}})
	if snap := s.Snapshot(); len(snap) != 1 || snap[0].ID != "a" {
		t.Fatalf("post-drop refresh not applied: %v", snap)
	}
}

func TestDropWithoutChangeAppliesDeferredRefresh(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	if err := s.BeginDrag("a"); err != nil {
		t.Fatal(err)
	}
	s.Refresh([]domain.Task{{ID: "z", Status: domain.StatusTodo}})

	// Dropping a task onto itself reverts, so no change is persisted and the
	// deferred refresh still lands.
	if err := s.DropDrag(board.Target{Kind: board.TargetTask, TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	if muts := d.all(); len(muts) != 0 {
		t.Fatalf("reverted drop should not persist, got %v", muts)
	}
	if snap := s.Snapshot(); len(snap) != 1 || snap[0].ID != "z" {
		t.Fatalf("deferred refresh should apply after a reverted drop: %v", snap)
	}
}

func TestRefreshAppliesImmediatelyWhenIdle(t *testing.T) {
	s := newTestStore(&captureDispatcher{}, nil)
	s.Refresh([]domain.Task{{ID: "only", Status: domain.StatusTodo}})
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != "only" {
		t.Fatalf("refresh not applied: %v", snap)
	}
}

func TestDragLifecycle(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)

	if err := s.HoverDrag(board.Target{Kind: board.TargetColumn, Column: domain.StatusComplete}); err != ErrNoDrag {
		t.Fatalf("expected ErrNoDrag, got %v", err)
	}
	if err := s.BeginDrag("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginDrag("b"); err != ErrDragActive {
		t.Fatalf("expected ErrDragActive, got %v", err)
	}
	if !s.Dragging() {
		t.Fatal("expected active drag")
	}

	if err := s.HoverDrag(board.Target{Kind: board.TargetColumn, Column: domain.StatusComplete}); err != nil {
		t.Fatal(err)
	}
	// Snapshot reflects the hover proposal while dragging.
	for _, task := range s.Snapshot() {
		if task.ID == "a" && task.Status != domain.StatusComplete {
			t.Fatalf("hover not visible in snapshot: %q", task.Status)
		}
	}

	if err := s.DropDrag(board.Target{Kind: board.TargetColumn, Column: domain.StatusComplete}); err != nil {
		t.Fatal(err)
	}
	if s.Dragging() {
		t.Fatal("drag should have ended")
	}

	muts := d.all()
	if len(muts) != 1 || muts[0].Op != domain.OpUpdate || muts[0].TaskID != "a" {
		t.Fatalf("expected one update for the dragged task, got %v", muts)
	}
	if muts[0].Fields["Status"] != string(domain.StatusComplete) {
		t.Fatalf("drop fields wrong: %v", muts[0].Fields)
	}
	if _, ok := muts[0].Fields["Title"]; ok {
		t.Fatal("drop must persist only moved fields")
	}
}

func TestDropOnSelfPersistsNothing(t *testing.T) {
	d := &captureDispatcher{}
	s := newTestStore(d, nil)
	if err := s.BeginDrag("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.DropDrag(board.Target{Kind: board.TargetTask, TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	if len(d.all()) != 0 {
		t.Fatalf("self-drop reached the dispatcher: %v", d.all())
	}
}

func TestBeginDragUnknownTask(t *testing.T) {
	s := newTestStore(&captureDispatcher{}, nil)
	if err := s.BeginDrag("nope"); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
