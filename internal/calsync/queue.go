package calsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"questlog/api/internal/metrics"
)

type TaskKind string

const (
	TaskSessionCreated TaskKind = "session_created"
	TaskSessionUpdated TaskKind = "session_updated"
	TaskSessionDeleted TaskKind = "session_deleted"
	TaskBatchGenerated TaskKind = "batch_generated"
)

// Task is one unit of sync work. Which fields matter depends on Kind.
type Task struct {
	Kind            TaskKind
	UserID          string
	SessionID       string
	Session         SessionEvent
	Sessions        []SessionEvent
	ExternalEventID string
}

type TaskRunner interface {
	Run(ctx context.Context, task Task) error
}

type QueueConfig struct {
	Workers     int
	Size        int
	TaskTimeout time.Duration
}

// Queue runs sync tasks on a fixed pool of workers, off the request path.
type Queue struct {
	tasks   chan Task
	workers int
	timeout time.Duration
	runner  TaskRunner
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	base    context.Context
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewQueue(cfg QueueConfig, runner TaskRunner, m *metrics.Metrics, logger zerolog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Size <= 0 {
		cfg.Size = 1000
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	return &Queue{
		tasks:   make(chan Task, cfg.Size),
		workers: cfg.Workers,
		timeout: cfg.TaskTimeout,
		runner:  runner,
		metrics: m,
		logger:  logger.With().Str("component", "sync_queue").Logger(),
		base:    context.Background(),
	}
}

// Start launches the workers. Tasks run detached from ctx's cancellation but
// keep its values.
func (q *Queue) Start(ctx context.Context) {
	if q.running.Swap(true) {
		return
	}
	q.mu.Lock()
	q.base = context.WithoutCancel(ctx)
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info().Int("workers", q.workers).Int("capacity", cap(q.tasks)).Msg("sync queue started")
}

// Stop refuses new tasks, lets the workers finish what is queued and waits.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	if !q.running.Load() {
		if n := len(q.tasks); n > 0 {
			q.logger.Warn().Int("tasks", n).Msg("sync queue stopped before start, discarding tasks")
		}
		return
	}
	q.wg.Wait()
	q.running.Store(false)
	q.logger.Info().Msg("sync queue stopped")
}

// Enqueue never blocks. It reports false when the task was dropped.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(task, "queue stopped")
		return false
	}
	select {
	case q.tasks <- task:
		q.metrics.SetQueueDepth(len(q.tasks))
		return true
	default:
		q.drop(task, "queue full")
		return false
	}
}

// Len is the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.tasks)
}

func (q *Queue) drop(task Task, reason string) {
	q.metrics.RecordDropped()
	q.logger.Warn().
		Str("kind", string(task.Kind)).
		Str("user_id", task.UserID).
		Str("session_id", task.SessionID).
		Str("reason", reason).
		Msg("sync task dropped")
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.metrics.SetQueueDepth(len(q.tasks))
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	log := q.logger.With().
		Str("kind", string(task.Kind)).
		Str("user_id", task.UserID).
		Str("session_id", task.SessionID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("sync task panicked")
		}
	}()

	q.mu.RLock()
	base := q.base
	q.mu.RUnlock()

	ctx, cancel := context.WithTimeout(base, q.timeout)
	defer cancel()

	started := time.Now()
	if err := q.runner.Run(ctx, task); err != nil {
		log.Warn().Err(err).Dur("elapsed", time.Since(started)).Msg("sync task failed")
		return
	}
	log.Debug().Dur("elapsed", time.Since(started)).Msg("sync task done")
}
