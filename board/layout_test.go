package board

import (
	"testing"

	"board-api/domain"
)

func taskList() []domain.Task {
	return []domain.Task{
		{ID: "t1", Status: domain.StatusTodo, OrderIndex: 1},
		{ID: "t2", Status: domain.StatusTodo, OrderIndex: 0},
		{ID: "t3", Status: domain.StatusInProgress, OrderIndex: 0},
		{ID: "t4", Status: "bogus", OrderIndex: 0},
		{ID: "s1", Status: domain.StatusTodo, OrderIndex: 0, ParentID: "t1"},
	}
}

func columnByID(t *testing.T, cols []Column, id domain.Status) Column {
	t.Helper()
	for _, c := range cols {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("column %q missing", id)
	return Column{}
}

func TestGroupPartitionsByStatus(t *testing.T) {
	cols := Group(taskList(), domain.DefaultColumns)
	if len(cols) != len(domain.DefaultColumns) {
		t.Fatalf("expected %d columns, got %d", len(domain.DefaultColumns), len(cols))
	}
	todo := columnByID(t, cols, domain.StatusTodo)
	if len(todo.Tasks) != 2 {
		t.Fatalf("expected 2 todo tasks, got %d", len(todo.Tasks))
	}
	if todo.Tasks[0].ID != "t2" || todo.Tasks[1].ID != "t1" {
		t.Fatalf("todo not ordered by index: %v", todo.Tasks)
	}
	progress := columnByID(t, cols, domain.StatusInProgress)
	if len(progress.Tasks) != 1 || progress.Tasks[0].ID != "t3" {
		t.Fatalf("unexpected in-progress column: %v", progress.Tasks)
	}
}

func TestGroupUnknownStatusLandsInFirstColumn(t *testing.T) {
	cols := Group(taskList(), domain.DefaultColumns)
	backlog := columnByID(t, cols, domain.StatusBacklog)
	if len(backlog.Tasks) != 1 || backlog.Tasks[0].ID != "t4" {
		t.Fatalf("expected bogus-status task in backlog, got %v", backlog.Tasks)
	}
}

func TestGroupEmptyColumnSet(t *testing.T) {
	if cols := Group(taskList(), nil); cols != nil {
		t.Fatalf("expected nil board for empty column set, got %v", cols)
	}
}

func TestGroupSkipsSubtasks(t *testing.T) {
	cols := Group(taskList(), domain.DefaultColumns)
	for _, c := range cols {
		for _, task := range c.Tasks {
			if task.IsSubtask() {
				t.Fatalf("subtask %q leaked into column %q", task.ID, c.ID)
			}
		}
	}
}

func TestGroupStableOnTies(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", Status: domain.StatusTodo, OrderIndex: 0},
		{ID: "b", Status: domain.StatusTodo, OrderIndex: 0},
		{ID: "c", Status: domain.StatusTodo, OrderIndex: 0},
	}
	cols := Group(tasks, domain.DefaultColumns)
	todo := columnByID(t, cols, domain.StatusTodo)
	if todo.Tasks[0].ID != "a" || todo.Tasks[1].ID != "b" || todo.Tasks[2].ID != "c" {
		t.Fatalf("tie order not stable: %v", todo.Tasks)
	}
}

func TestGroupDoesNotMutateInput(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", Status: domain.StatusTodo, OrderIndex: 5},
		{ID: "b", Status: domain.StatusTodo, OrderIndex: 1},
	}
	Group(tasks, domain.DefaultColumns)
	if tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Fatalf("input slice was reordered: %v", tasks)
	}
}

func TestSubtasksFiltered(t *testing.T) {
	tasks := []domain.Task{
		{ID: "p", Status: domain.StatusTodo},
		{ID: "s1", ParentID: "p", OrderIndex: 1, Type: domain.TypeAdmin},
		{ID: "s2", ParentID: "p", OrderIndex: 0, Type: domain.TypeFeature},
		{ID: "s3", ParentID: "other", OrderIndex: 0},
	}
	all := Subtasks(tasks, "p", nil)
	if len(all) != 2 || all[0].ID != "s2" || all[1].ID != "s1" {
		t.Fatalf("unexpected unfiltered subtasks: %v", all)
	}
	dev := Subtasks(tasks, "p", func(t domain.Task) bool { return t.Type != domain.TypeAdmin })
	if len(dev) != 1 || dev[0].ID != "s2" {
		t.Fatalf("unexpected filtered subtasks: %v", dev)
	}
	if got := Subtasks(tasks, "", nil); got != nil {
		t.Fatalf("empty parent should yield nil, got %v", got)
	}
}
