package store

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// Failure is one surfaced persistence error.
type Failure struct {
	Mutation domain.Mutation `json:"mutation"`
	Error    string          `json:"error"`
}

// LogNotifier reports persistence failures as structured log events and
// keeps a bounded ring of recent failures so the API can show them to the
// user as non-fatal notifications.
type LogNotifier struct {
	logger *log.Logger

	mu     sync.Mutex
	recent []Failure
	limit  int
}

// NewLogNotifier creates a notifier retaining up to limit recent failures.
func NewLogNotifier(logger *log.Logger, limit int) *LogNotifier {
	if logger == nil {
		logger = log.New()
	}
	if limit <= 0 {
		limit = 64
	}
	return &LogNotifier{logger: logger, limit: limit}
}

// PersistenceFailed records the failure and emits a structured log event.
func (n *LogNotifier) PersistenceFailed(m domain.Mutation, err error) {
	n.logger.WithFields(log.Fields{
		"op":     m.Op,
		"table":  m.Table,
		"userId": m.Partition,
		"task":   m.TaskID,
		"error":  err.Error(),
	}).Warn("persistence failure surfaced to user")

	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent = append(n.recent, Failure{Mutation: m, Error: err.Error()})
	if len(n.recent) > n.limit {
		n.recent = n.recent[len(n.recent)-n.limit:]
	}
}

// Recent returns the retained failures for the given partition, newest last.
func (n *LogNotifier) Recent(partition string) []Failure {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Failure
	for _, f := range n.recent {
		if f.Mutation.Partition == partition {
			out = append(out, f)
		}
	}
	return out
}
