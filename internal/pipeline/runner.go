package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrRunnerClosed is returned by Submit after Shutdown has begun.
var ErrRunnerClosed = errors.New("task runner is shut down")

// Task is a handle on one submitted unit of work.
type Task struct {
	ID   string
	done chan struct{}
}

// Done is closed when the task has finished, including after a panic.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task has finished.
func (t *Task) Wait() { <-t.done }

// TaskRunner runs background work in its own goroutine per task and tracks it
// so shutdown can wait for in-flight runs. Work is held in memory only.
type TaskRunner struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTaskRunner creates a TaskRunner.
func NewTaskRunner(logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{logger: logger}
}

// Submit starts fn in a new goroutine. fn receives ctx detached from its
// cancellation, so a task outlives the HTTP request that submitted it.
func (r *TaskRunner) Submit(ctx context.Context, id string, fn func(ctx context.Context)) (*Task, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	task := &Task{ID: id, done: make(chan struct{})}
	bg := context.WithoutCancel(ctx)

	go func() {
		defer r.wg.Done()
		defer close(task.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background task panicked",
					"task_id", id,
					"panic", fmt.Sprint(rec),
				)
			}
		}()
		fn(bg)
	}()

	return task, nil
}

// Shutdown stops accepting tasks and waits for in-flight ones or ctx expiry.
func (r *TaskRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
