package api

import (
	"context"

	"board-api/board"
	"board-api/domain"
	"board-api/store"
)

// BoardStore is the per-user store surface the handlers drive.
type BoardStore interface {
	Board() []board.Column
	Subtasks(parentID string, filter board.Filter) []domain.Task
	Snapshot() []domain.Task
	Create(t domain.Task) (domain.Task, error)
	Update(id string, patch domain.TaskPatch) error
	Delete(id string) error
	BulkMove(ids []string, status domain.Status) error
	BeginDrag(taskID string) error
	HoverDrag(target board.Target) error
	DropDrag(target board.Target) error
	CancelDrag() error
	Dragging() bool
}

// Boards hands out the board store owned by a user.
type Boards interface {
	Get(ctx context.Context, userID string) (BoardStore, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Failures exposes the persistence failures surfaced for a user.
type Failures interface {
	Recent(partition string) []store.Failure
}
