// Package taskqueue is the deferred-work collaborator: at-least-once
// execution with exponential retry. Handlers must be idempotent; the engine's
// release jobs are, because ledger releases are no-ops on terminal
// reservations.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Task is one unit of deferred work.
type Task struct {
	Kind    string
	Payload json.RawMessage
}

// Handler executes one task kind.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Queue is the enqueue contract injected into the coordinator.
type Queue interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
}

// Worker is an in-process Queue: buffered channel in, handler registry out,
// retried with exponential backoff until MaxRetries is spent.
type Worker struct {
	tasks      chan delayedTask
	handlers   map[string]Handler
	mu         sync.RWMutex
	log        *zap.Logger
	maxRetries uint64
	maxElapsed time.Duration
}

type delayedTask struct {
	task    Task
	readyAt time.Time
}

// NewWorker builds a Worker with the given buffer size.
func NewWorker(buffer int, maxRetries uint64, log *zap.Logger) *Worker {
	if buffer <= 0 {
		buffer = 256
	}
	if maxRetries == 0 {
		maxRetries = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		tasks:      make(chan delayedTask, buffer),
		handlers:   make(map[string]Handler),
		log:        log,
		maxRetries: maxRetries,
		maxElapsed: 5 * time.Minute,
	}
}

// Register binds a handler to a task kind. Must be called before Run.
func (worker *Worker) Register(kind string, handler Handler) {
	worker.mu.Lock()
	defer worker.mu.Unlock()
	worker.handlers[kind] = handler
}

// Enqueue is non-blocking while the buffer has room; a full buffer is an
// error so the caller's expiry sweep can pick the work up instead.
func (worker *Worker) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	entry := delayedTask{task: task, readyAt: time.Now().Add(delay)}
	select {
	case worker.tasks <- entry:
		return nil
	default:
		return fmt.Errorf("task queue full, dropping %s", task.Kind)
	}
}

// Run consumes tasks until ctx is cancelled. Every task runs on its own
// goroutine, so a delayed task or one stuck in its retry loop never holds up
// the tasks queued behind it.
func (worker *Worker) Run(ctx context.Context) {
	var running sync.WaitGroup
	defer running.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-worker.tasks:
			running.Add(1)
			go func(entry delayedTask) {
				defer running.Done()
				if wait := time.Until(entry.readyAt); wait > 0 {
					timer := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						timer.Stop()
						return
					case <-timer.C:
					}
				}
				worker.execute(ctx, entry.task)
			}(entry)
		}
	}
}

func (worker *Worker) execute(ctx context.Context, task Task) {
	worker.mu.RLock()
	handler, ok := worker.handlers[task.Kind]
	worker.mu.RUnlock()
	if !ok {
		worker.log.Error("no handler registered for task", zap.String("kind", task.Kind))
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = worker.maxElapsed
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if runErr := handler(ctx, task.Payload); runErr != nil {
			worker.log.Warn("task attempt failed",
				zap.String("kind", task.Kind),
				zap.Int("attempt", attempt),
				zap.Error(runErr))
			return runErr
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, worker.maxRetries), ctx))
	if err != nil {
		// The expiry sweep is the backstop for work lost here.
		worker.log.Error("task exhausted retries",
			zap.String("kind", task.Kind),
			zap.Error(err))
	}
}
