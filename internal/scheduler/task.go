package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"transferpool/internal/pool"
	"transferpool/internal/strategy"
)

var lastTaskID atomic.Int64

// CreateTaskID returns a fresh id from the process-wide task counter. Ids are
// strictly increasing and never reused.
func CreateTaskID() int64 {
	return lastTaskID.Add(1)
}

// TaskContext tells a running task which connection it was handed.
type TaskContext struct {
	Conn        strategy.Strategy
	TaskID      int64
	WorkerIndex int
}

type TaskFunc func(ctx context.Context, tc TaskContext) (any, error)

// Result is how a task settled. Canceled is set, with Data and Err empty,
// when the task was removed from the queue before it ran.
type Result struct {
	Data     any
	Err      error
	Canceled bool
}

type Option func(*task)

// WithGroup restricts the task to workers matching g.
func WithGroup(g pool.Group) Option {
	return func(t *task) { t.group = g }
}

// WithID uses an id obtained earlier from CreateTaskID instead of a new one.
func WithID(id int64) Option {
	return func(t *task) {
		if id > 0 {
			t.id = id
		}
	}
}

type task struct {
	id     int64
	group  pool.Group
	fn     TaskFunc
	ctx    context.Context
	handle *Handle
}

// Handle settles once its task has completed or was canceled.
type Handle struct {
	id     int64
	s      *Scheduler
	once   sync.Once
	done   chan struct{}
	result Result
}

func (h *Handle) ID() int64 {
	return h.id
}

// Done is closed after the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the settled result, or false if the task has not settled.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the task settles. If ctx ends while the task is still
// queued, the task is canceled; a task that is already running keeps running
// and Wait returns ctx's error.
func (h *Handle) Wait(ctx context.Context) Result {
	select {
	case <-h.done:
		return h.result
	case <-ctx.Done():
	}
	h.s.DeleteTasks(h.id)
	if res, ok := h.Result(); ok {
		return res
	}
	return Result{Err: ctx.Err()}
}

func (h *Handle) settle(res Result) {
	h.once.Do(func() {
		h.result = res
		close(h.done)
	})
}
