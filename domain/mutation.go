package domain

// Op identifies a gateway write operation.
type Op string

const (
	OpInsert     Op = "insert"
	OpUpdate     Op = "update"
	OpDelete     Op = "delete"
	OpBulkUpdate Op = "bulk-update"
)

// Mutation represents one write request for the persistence gateway.
type Mutation struct {
	// ID carries the idempotency key when the mutation travels through the
	// outbox.
	ID        string         `json:"id,omitempty"`
	Op        Op             `json:"op"`
	Table     string         `json:"table"`
	Partition string         `json:"partition"`
	TaskID    string         `json:"taskId,omitempty"`
	TaskIDs   []string       `json:"taskIds,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp int64          `json:"timestamp"`
}
