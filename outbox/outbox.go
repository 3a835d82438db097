// Package outbox delivers task mutations to the persistence gateway
// asynchronously. Accepted mutations are journaled to disk first, so a crash
// between the optimistic local update and the gateway write does not lose
// the write; delivery failures are retried with backoff and surfaced to the
// user exactly once per mutation.
package outbox

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"board-api/domain"
	"board-api/store"
)

// ErrSaturated is returned when the outbox cannot accept another mutation
// within the handoff timeout.
var ErrSaturated = errors.New("mutation outbox is saturated")

// Publisher is notified after mutations commit so other instances can
// refresh their board state.
type Publisher interface {
	PublishChange(ctx context.Context, partition string) error
}

// Config tunes the outbox. Zero values fall back to defaults in New.
type Config struct {
	BufferSize     int
	WorkerCount    int
	BatchSize      int
	FlushInterval  time.Duration
	ApplyTimeout   time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	Dir            string
	SegmentBytes   int64
	SyncEvery      int
	SyncInterval   time.Duration
}

// ConfigFromEnv reads the outbox tunables from the environment.
func ConfigFromEnv() Config {
	return Config{
		BufferSize:     envInt("OUTBOX_BUFFER", 4096),
		WorkerCount:    envInt("OUTBOX_WORKERS", 16),
		BatchSize:      envInt("OUTBOX_BATCH", 32),
		FlushInterval:  envDur("OUTBOX_FLUSH_INTERVAL", 5*time.Millisecond),
		ApplyTimeout:   envDur("OUTBOX_APPLY_TIMEOUT", 60*time.Second),
		HandoffTimeout: envDur("OUTBOX_HANDOFF_TIMEOUT", 25*time.Millisecond),
		RetryInitial:   envDur("OUTBOX_RETRY_INITIAL", 250*time.Millisecond),
		RetryMax:       envDur("OUTBOX_RETRY_MAX", 30*time.Second),
		Dir:            envString("OUTBOX_DIR", filepath.Join(os.TempDir(), "board-outbox")),
		SegmentBytes:   int64(envInt("OUTBOX_SEGMENT_MB", 128)) * 1024 * 1024,
		SyncEvery:      envInt("OUTBOX_SYNC_EVERY", 1),
		SyncInterval:   envDur("OUTBOX_SYNC_INTERVAL", 2*time.Millisecond),
	}
}

// Outbox implements store.Dispatcher on top of a journaled worker pool.
type Outbox struct {
	cfg       Config
	gateway   store.Gateway
	notifier  store.Notifier
	publisher Publisher
	logger    *log.Logger
	breaker   *gobreaker.CircuitBreaker
	journal   *journal

	workCh   chan *record
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	inflight  map[uint64]*record
	acked     map[uint64]struct{}
	nextAck   uint64
	closing   bool
	delivered atomic.Uint64
	started   time.Time
}

// New opens the journal, re-enqueues any mutations that were accepted but
// not yet committed, and starts the worker pool.
func New(cfg Config, gateway store.Gateway, notifier store.Notifier, publisher Publisher, logger *log.Logger) (*Outbox, error) {
	if gateway == nil {
		panic("gateway is required")
	}
	if logger == nil {
		logger = log.New()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.WorkerCount * cfg.BatchSize * 2
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 64 * 1024 * 1024
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 1
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 60 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Millisecond
	}

	j, pending, err := openJournal(journalConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		syncInterval: cfg.SyncInterval,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	o := &Outbox{
		cfg:       cfg,
		gateway:   gateway,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
		journal:   j,
		workCh:    make(chan *record, cfg.BufferSize),
		stopCh:    make(chan struct{}),
		inflight:  make(map[uint64]*record),
		acked:     make(map[uint64]struct{}),
		nextAck:   j.committedOffset,
		started:   time.Now().UTC(),
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "persistence-gateway",
		Timeout: cfg.RetryMax,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("gateway breaker %s: %s -> %s", name, from, to)
		},
	})

	sort.Slice(pending, func(i, k int) bool { return pending[i].Offset < pending[k].Offset })
	for _, rec := range pending {
		o.inflight[rec.Offset] = rec
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		o.workerWG.Add(1)
		go o.worker(i)
	}
	if cfg.SyncInterval > 0 {
		go o.syncLoop()
	}
	o.retryWG.Add(1)
	go func() {
		defer o.retryWG.Done()
		for _, rec := range pending {
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
				return
			}
		}
	}()

	return o, nil
}

// Dispatch journals the mutation and hands it to the worker pool. A refused
// handoff rolls the journal back so the caller can surface the failure.
func (o *Outbox) Dispatch(m domain.Mutation) error {
	rec := &record{Mutation: m, Accepted: time.Now().UTC()}

	o.journal.mu.Lock()
	if err := o.journal.appendRecordLocked(rec); err != nil {
		o.journal.mu.Unlock()
		return err
	}
	if err := o.journal.syncIfNeededLocked(); err != nil {
		if rbErr := o.journal.rollbackRecordLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("journal rollback failed")
		}
		o.journal.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.inflight[rec.Offset] = rec
	o.mu.Unlock()

	if err := o.handoff(rec); err != nil {
		o.mu.Lock()
		delete(o.inflight, rec.Offset)
		o.mu.Unlock()
		if rbErr := o.journal.rollbackRecordLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("journal rollback failed")
		}
		if syncErr := o.journal.syncLocked(); syncErr != nil {
			o.logger.WithError(syncErr).Error("journal sync after rollback failed")
		}
		o.journal.mu.Unlock()
		return err
	}
	o.journal.mu.Unlock()
	return nil
}

func (o *Outbox) handoff(rec *record) error {
	if o.cfg.HandoffTimeout <= 0 {
		select {
		case o.workCh <- rec:
			return nil
		default:
			return ErrSaturated
		}
	}

	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case o.workCh <- rec:
		return nil
	case <-timer.C:
		return ErrSaturated
	case <-o.stopCh:
		return errors.New("outbox shutting down")
	}
}

func (o *Outbox) worker(id int) {
	defer o.workerWG.Done()

	batch := make([]*record, 0, o.cfg.BatchSize)
	timer := time.NewTimer(o.cfg.FlushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					return
				}
				if rec == nil {
					continue
				}
				batch = append(batch, rec)
				timer.Reset(o.cfg.FlushInterval)
			case <-o.stopCh:
				return
			}
		}

	gather:
		for len(batch) < o.cfg.BatchSize {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					break gather
				}
				if rec == nil {
					continue
				}
				batch = append(batch, rec)
			case <-timer.C:
				timer.Reset(o.cfg.FlushInterval)
				break gather
			case <-o.stopCh:
				return
			}
		}

		o.flushBatch(batch, id)
		batch = batch[:0]
	}
}

func (o *Outbox) flushBatch(batch []*record, workerID int) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ApplyTimeout)
	defer cancel()

	successes := make([]*record, 0, len(batch))
	for _, rec := range batch {
		if err := o.apply(ctx, rec.Mutation); err != nil {
			rec.Attempt++
			rec.LastErr = err.Error()
			o.logger.WithError(err).Errorf("mutation apply failed, worker=%d, op=%s, user=%s, offset=%d, attempt=%d",
				workerID, rec.Mutation.Op, rec.Mutation.Partition, rec.Offset, rec.Attempt)
			o.notifyOnce(rec, err)
			o.scheduleRetry(rec)
			continue
		}
		rec.Attempt = 0
		rec.LastErr = ""
		successes = append(successes, rec)
	}

	if len(successes) > 0 {
		o.markDelivered(successes)
		o.publishChanges(ctx, successes)
	}
}

// apply translates the mutation into the matching gateway call.
func (o *Outbox) apply(ctx context.Context, m domain.Mutation) error {
	_, err := o.breaker.Execute(func() (any, error) {
		switch m.Op {
		case domain.OpInsert:
			return nil, o.gateway.Insert(ctx, m.Table, m.Partition, m.TaskID, m.Fields)
		case domain.OpUpdate:
			return nil, o.gateway.Update(ctx, m.Table, m.Partition, m.TaskID, m.Fields)
		case domain.OpDelete:
			return nil, o.gateway.Delete(ctx, m.Table, m.Partition, m.TaskID)
		case domain.OpBulkUpdate:
			return nil, o.gateway.BulkUpdate(ctx, m.Table, m.Partition, m.TaskIDs, m.Fields)
		default:
			return nil, errors.New("unknown mutation op: " + string(m.Op))
		}
	})
	return err
}

// notifyOnce surfaces the first failure of a mutation to the user. Retries
// continue in the background without repeating the notification.
func (o *Outbox) notifyOnce(rec *record, err error) {
	if o.notifier == nil || rec.notified {
		return
	}
	rec.notified = true
	o.notifier.PersistenceFailed(rec.Mutation, err)
}

func (o *Outbox) publishChanges(ctx context.Context, records []*record) {
	if o.publisher == nil {
		return
	}
	seen := make(map[string]struct{}, 1)
	for _, rec := range records {
		p := rec.Mutation.Partition
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if err := o.publisher.PublishChange(ctx, p); err != nil {
			o.logger.WithError(err).Warnf("change publish failed, user=%s", p)
		}
	}
}

func (o *Outbox) markDelivered(records []*record) {
	var maxCommit uint64

	o.mu.Lock()
	for _, rec := range records {
		delete(o.inflight, rec.Offset)
		o.acked[rec.Offset] = struct{}{}
	}
	o.delivered.Add(uint64(len(records)))

	for {
		next := o.nextAck + 1
		if _, ok := o.acked[next]; !ok {
			break
		}
		delete(o.acked, next)
		o.nextAck = next
		maxCommit = next
	}
	o.mu.Unlock()

	if maxCommit > 0 {
		o.journal.mu.Lock()
		if err := o.journal.commitLocked(maxCommit); err != nil {
			o.logger.WithError(err).Error("failed to commit outbox journal")
		}
		o.journal.mu.Unlock()
	}
}

func (o *Outbox) scheduleRetry(rec *record) {
	delay := backoff(rec.Attempt, o.cfg.RetryInitial, o.cfg.RetryMax)
	o.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func(r *record) {
		defer o.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- r:
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
	}(rec)
}

func (o *Outbox) syncLoop() {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.journal.mu.Lock()
			if err := o.journal.syncLocked(); err != nil {
				if errors.Is(err, errJournalClosed) {
					o.journal.mu.Unlock()
					return
				}
				o.logger.WithError(err).Error("outbox journal sync failed")
			}
			o.journal.mu.Unlock()
		case <-o.stopCh:
			return
		}
	}
}

// Shutdown stops the workers and closes the journal. Undelivered mutations
// stay journaled and are recovered on the next start.
func (o *Outbox) Shutdown() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	// Retry timers race the channel close, so drain them first.
	o.retryWG.Wait()
	close(o.workCh)
	o.workerWG.Wait()
	o.journal.close()
}

// Stats reports queue health for the stats endpoint.
type Stats struct {
	QueueDepth int           `json:"queueDepth"`
	Buffered   int           `json:"buffered"`
	OldestAge  time.Duration `json:"oldestAge"`
	Delivered  uint64        `json:"delivered"`
	StartedAt  time.Time     `json:"startedAt"`
	DrainRate  float64       `json:"drainRatePerSecond"`
}

// Stats returns a point-in-time view of the outbox.
func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var oldest time.Duration
	now := time.Now()
	for _, rec := range o.inflight {
		age := now.Sub(rec.Accepted)
		if age < 0 {
			age = 0
		}
		if age > oldest {
			oldest = age
		}
	}

	delivered := o.delivered.Load()
	elapsed := time.Since(o.started)
	rps := 0.0
	if elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}

	return Stats{
		QueueDepth: len(o.inflight),
		Buffered:   len(o.workCh),
		OldestAge:  oldest,
		Delivered:  delivered,
		StartedAt:  o.started,
		DrainRate:  rps,
	}
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.2 * d
	return time.Duration(d + (rand.Float64()-0.5)*2*jitter)
}
