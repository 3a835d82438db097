// Package board implements the kanban board core: grouping a flat task list
// into ordered status columns and translating drag gestures into committed
// status/order changes.
package board

import (
	"sort"

	"board-api/domain"
)

// Column is one status bucket of the board, tasks in render order.
type Column struct {
	ID    domain.Status `json:"id"`
	Tasks []domain.Task `json:"tasks"`
}

// Group partitions the top-level tasks into the given column set. Tasks with
// an unrecognized status land in the first column. Within a column tasks are
// sorted ascending by order index; ties keep their input order. The input
// slice is never mutated. An empty column set yields a nil board.
func Group(tasks []domain.Task, columns []domain.Status) []Column {
	if len(columns) == 0 {
		return nil
	}
	out := make([]Column, len(columns))
	index := make(map[domain.Status]int, len(columns))
	for i, c := range columns {
		out[i] = Column{ID: c}
		index[c] = i
	}

	for _, t := range tasks {
		if t.IsSubtask() {
			continue
		}
		i := index[t.Status.Normalize(columns)]
		out[i].Tasks = append(out[i].Tasks, t)
	}

	for i := range out {
		col := out[i].Tasks
		sort.SliceStable(col, func(a, b int) bool {
			return col[a].OrderIndex < col[b].OrderIndex
		})
	}
	return out
}

// Filter decides whether a task belongs to the requested board mode. It is
// supplied by the caller; the engine never hard-codes a partition policy.
type Filter func(domain.Task) bool

// Subtasks returns the children of parentID that pass the filter, sorted
// ascending by order index with input order breaking ties. A nil filter
// admits every child.
func Subtasks(tasks []domain.Task, parentID string, filter Filter) []domain.Task {
	if parentID == "" {
		return nil
	}
	var out []domain.Task
	for _, t := range tasks {
		if t.ParentID != parentID {
			continue
		}
		if filter != nil && !filter(t) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].OrderIndex < out[b].OrderIndex
	})
	return out
}
