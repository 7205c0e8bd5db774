package task

import (
	"context"
	"sync"

	"github.com/wagiedev/lspproxy/internal/errors"
)

// ErrCancelled is the reason reported when Cancel is called with a nil reason.
var ErrCancelled = errors.ErrCancelled

// Executor starts the computation backing a Task.
//
// It runs synchronously inside New and must not block: long running work
// belongs in a goroutine started by the executor. resolve and reject report
// whether they settled the task; false means the task had already settled
// (typically through Cancel) and the caller owns whatever it produced.
type Executor[T any] func(resolve func(T) bool, reject func(error) bool, onCancel func(func()))

// Task is a deferred result that can be cancelled before it settles.
type Task[T any] struct {
	mu       sync.Mutex
	settled  bool
	value    T
	err      error
	onCancel func()
	done     chan struct{}
}

// New creates a task and runs the executor.
func New[T any](exec Executor[T]) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}

	exec(t.resolve, t.reject, t.registerOnCancel)

	return t
}

func (t *Task[T]) resolve(v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.settled {
		return false
	}

	t.value = v
	t.settleLocked()

	return true
}

func (t *Task[T]) reject(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.settled {
		return false
	}

	t.err = err
	t.settleLocked()

	return true
}

// registerOnCancel stores the hook run by Cancel. Only the last registration
// before settlement is kept.
func (t *Task[T]) registerOnCancel(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.settled {
		return
	}

	t.onCancel = fn
}

// settleLocked marks the task settled. Caller must hold t.mu.
func (t *Task[T]) settleLocked() {
	t.settled = true
	t.onCancel = nil
	close(t.done)
}

// Cancel rejects the task with reason and runs the cancel hook.
//
// A nil reason is replaced with ErrCancelled. Cancel returns false when the
// task had already settled, in which case it has no effect.
func (t *Task[T]) Cancel(reason error) bool {
	if reason == nil {
		reason = ErrCancelled
	}

	t.mu.Lock()

	if t.settled {
		t.mu.Unlock()

		return false
	}

	hook := t.onCancel
	t.err = reason
	t.settleLocked()
	t.mu.Unlock()

	if hook != nil {
		hook()
	}

	return true
}

// Done returns a channel that is closed once the task settles.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Result returns the settled value and error. Before settlement it returns
// the zero value and a nil error; use Done or Wait to synchronise.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.value, t.err
}

// Wait blocks until the task settles or ctx is done.
//
// A done ctx only stops this caller from waiting; it does not cancel the task,
// which may be shared with other waiters.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	}
}
