package storage

import (
	"context"

	"board-api/domain"
)

// rows is the subset of the gateway the task loader reads through. The redis
// cache satisfies it as well as Storage itself.
type rows interface {
	Query(ctx context.Context, table, partition string) ([]map[string]any, error)
}

// TaskLoader decodes gateway rows into domain tasks for one table.
type TaskLoader struct {
	source rows
	table  string
}

// NewTaskLoader creates a loader reading the given table.
func NewTaskLoader(source rows, table string) *TaskLoader {
	return &TaskLoader{source: source, table: table}
}

// LoadTasks retrieves all tasks for the provided partition.
func (l *TaskLoader) LoadTasks(ctx context.Context, partition string) ([]domain.Task, error) {
	raw, err := l.source.Query(ctx, l.table, partition)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(raw))
	for _, row := range raw {
		tasks = append(tasks, taskFromRow(row))
	}
	return tasks, nil
}

// taskFromRow maps raw gateway columns onto a Task. Numeric columns come
// back from the JSON layer as float64.
func taskFromRow(row map[string]any) domain.Task {
	t := domain.Task{
		ID:          str(row["RowKey"]),
		Title:       str(row["Title"]),
		Description: str(row["Description"]),
		Status:      domain.Status(str(row["Status"])),
		ParentID:    str(row["ParentID"]),
		Type:        domain.TaskType(str(row["Type"])),
	}
	switch v := row["OrderIndex"].(type) {
	case float64:
		t.OrderIndex = int(v)
	case int:
		t.OrderIndex = v
	case int32:
		t.OrderIndex = int(v)
	case int64:
		t.OrderIndex = int(v)
	}
	return t
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
