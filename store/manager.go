package store

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// Loader fetches the persisted task list for one board partition. The redis
// cache wrapper and the raw gateway both satisfy it.
type Loader interface {
	LoadTasks(ctx context.Context, partition string) ([]domain.Task, error)
}

// Manager hands out one TaskStore per board partition, loading the initial
// task list on first access and refreshing stores when change events arrive.
type Manager struct {
	table      string
	columns    []domain.Status
	loader     Loader
	dispatcher Dispatcher
	notifier   Notifier
	logger     *log.Logger

	mu     sync.Mutex
	stores map[string]*TaskStore
}

// NewManager creates a store manager.
func NewManager(table string, columns []domain.Status, loader Loader, dispatcher Dispatcher, notifier Notifier, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New()
	}
	return &Manager{
		table:      table,
		columns:    columns,
		loader:     loader,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		stores:     make(map[string]*TaskStore),
	}
}

// Get returns the store for the partition, loading it on first access.
func (m *Manager) Get(ctx context.Context, partition string) (*TaskStore, error) {
	m.mu.Lock()
	if s, ok := m.stores[partition]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	tasks, err := m.loader.LoadTasks(ctx, partition)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have loaded the store while we were fetching.
	if s, ok := m.stores[partition]; ok {
		return s, nil
	}
	s := NewTaskStore(m.table, partition, tasks, m.columns, m.dispatcher, m.notifier, m.logger)
	m.stores[partition] = s
	return s, nil
}

// Invalidate refetches the partition's tasks and hands them to the store as
// an external refresh. Stores defer the refresh themselves while a drag is
// in progress. Partitions without a resident store are ignored.
func (m *Manager) Invalidate(ctx context.Context, partition string) error {
	m.mu.Lock()
	s, ok := m.stores[partition]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	tasks, err := m.loader.LoadTasks(ctx, partition)
	if err != nil {
		return err
	}
	s.Refresh(tasks)
	return nil
}

// Evict drops the resident store for a partition.
func (m *Manager) Evict(partition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, partition)
}
