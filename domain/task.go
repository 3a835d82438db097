package domain

// Status identifies the board column a task belongs to.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in progress"
	StatusInReview   Status = "in review"
	StatusComplete   Status = "complete"
)

// DefaultColumns is the ordered column set rendered on a development board.
var DefaultColumns = []Status{
	StatusBacklog,
	StatusTodo,
	StatusInProgress,
	StatusInReview,
	StatusComplete,
}

// AdminColumns is the reduced column set used by admin-mode boards.
var AdminColumns = []Status{
	StatusTodo,
	StatusInProgress,
	StatusComplete,
}

// Normalize maps a status onto the given column set. Unknown or empty
// statuses collapse to the first column.
func (s Status) Normalize(columns []Status) Status {
	for _, c := range columns {
		if s == c {
			return s
		}
	}
	if len(columns) == 0 {
		return s
	}
	return columns[0]
}

// TaskType classifies a task. It carries no behavior on the board itself.
type TaskType string

const (
	TypeFeature  TaskType = "feature"
	TypeBug      TaskType = "bug"
	TypeRevision TaskType = "revision"
	TypeAdmin    TaskType = "admin"
)

// Task represents a single board item in the read model.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	OrderIndex  int      `json:"orderIndex"`
	ParentID    string   `json:"parentId,omitempty"`
	Type        TaskType `json:"type,omitempty"`
	// Assignees is joined from the membership table and never written back
	// through the gateway.
	Assignees []string `json:"assignees,omitempty"`
}

// IsSubtask reports whether the task is nested under another task.
func (t Task) IsSubtask() bool {
	return t.ParentID != ""
}

// CloneTasks returns an independent copy of the given task list.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}
