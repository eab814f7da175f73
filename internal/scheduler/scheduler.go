// Package scheduler queues tasks and hands each to the first available pool
// worker whose group matches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"transferpool/internal/pool"
)

var (
	ErrNoWorkers    = errors.New("no workers available")
	ErrInvalidTask  = errors.New("task function is not provided")
	ErrTaskPanicked = errors.New("task panicked")
)

type Config struct {
	Pool   *pool.Pool
	Logger *logrus.Logger
}

// Scheduler owns the queue. Its mutex serializes every queue mutation and
// dispatch decision, and is always taken before the pool's.
type Scheduler struct {
	pool   *pool.Pool
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []*task
	paused  bool
	running map[int64]*pool.Worker
}

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Scheduler{
		pool:    cfg.Pool,
		logger:  cfg.Logger,
		running: make(map[int64]*pool.Worker),
	}
}

// Enqueue dispatches fn at once if a worker is available, or queues it.
func (s *Scheduler) Enqueue(ctx context.Context, fn TaskFunc, opts ...Option) (*Handle, error) {
	if fn == nil {
		return nil, ErrInvalidTask
	}
	if s.pool.Len() == 0 {
		return nil, ErrNoWorkers
	}

	t := &task{fn: fn, ctx: ctx}
	for _, opt := range opts {
		opt(t)
	}
	if t.id == 0 {
		t.id = CreateTaskID()
	}
	t.handle = &Handle{id: t.id, s: s, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dispatchLocked(t) {
		s.queue = append(s.queue, t)
		s.logger.WithFields(logrus.Fields{
			"task_id": t.id,
			"group":   t.group.String(),
			"pending": len(s.queue),
		}).Debug("task queued")
	}
	return t.handle, nil
}

// ProcessNext makes one pass over the queue in order, dispatching every task
// that now has an available worker. Tasks left behind keep their order.
func (s *Scheduler) ProcessNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processNextLocked()
}

func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.processNextLocked()
}

// PauseWorkers keeps the given workers (all when none are given) from being
// handed tasks while the rest of the pool keeps dispatching.
func (s *Scheduler) PauseWorkers(indices ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Pause(indices...)
}

func (s *Scheduler) ResumeWorkers(indices ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pool.Resume(indices...); err != nil {
		return err
	}
	s.processNextLocked()
	return nil
}

// DeleteTasks cancels the queued tasks with the given ids and returns how
// many were removed. Running tasks are not touched.
func (s *Scheduler) DeleteTasks(ids ...int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(func(t *task) bool { return slices.Contains(ids, t.id) })
}

func (s *Scheduler) DeleteAllTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(func(*task) bool { return true })
}

// Cancel removes task id if it is still queued. If it is running instead,
// Cancel pauses the worker running it and returns that worker; the caller
// must resume it with ResumeWorker. A task still running on a worker of a
// replaced pool reports false: its connection is already gone.
func (s *Scheduler) Cancel(id int64) (w *pool.Worker, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.running[id]; ok {
		if !s.pool.PauseWorker(w) {
			s.logger.WithFields(logrus.Fields{
				"task_id": id,
				"worker":  w.Index(),
			}).Debug("task runs on a replaced pool")
			return nil, false
		}
		return w, true
	}
	s.removeLocked(func(t *task) bool { return t.id == id })
	return nil, false
}

// ResumeWorker undoes Cancel's pause if w still belongs to the pool.
func (s *Scheduler) ResumeWorker(w *pool.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.ResumeWorker(w)
	s.processNextLocked()
}

// CreateTaskID allocates an id for a task that will be enqueued later.
func (s *Scheduler) CreateTaskID() int64 {
	return CreateTaskID()
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) processNextLocked() {
	if s.paused || len(s.queue) == 0 {
		return
	}
	kept := s.queue[:0]
	for _, t := range s.queue {
		if !s.dispatchLocked(t) {
			kept = append(kept, t)
		}
	}
	clear(s.queue[len(kept):])
	s.queue = kept
}

func (s *Scheduler) dispatchLocked(t *task) bool {
	if s.paused {
		return false
	}
	w, ok := s.pool.Acquire(t.group)
	if !ok {
		return false
	}
	s.running[t.id] = w
	s.logger.WithFields(logrus.Fields{
		"task_id": t.id,
		"worker":  w.Index(),
		"group":   t.group.String(),
	}).Debug("task dispatched")
	go s.run(t, w)
	return true
}

func (s *Scheduler) run(t *task, w *pool.Worker) {
	res := execute(t, w)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.Release(w)
	delete(s.running, t.id)
	t.handle.settle(res)
	if res.Err != nil {
		s.logger.WithFields(logrus.Fields{
			"task_id": t.id,
			"worker":  w.Index(),
		}).WithError(res.Err).Debug("task failed")
	}
	s.processNextLocked()
}

func execute(t *task, w *pool.Worker) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}
		}
	}()
	data, err := t.fn(t.ctx, TaskContext{
		Conn:        w.Conn(),
		TaskID:      t.id,
		WorkerIndex: w.Index(),
	})
	return Result{Data: data, Err: err}
}

func (s *Scheduler) removeLocked(match func(*task) bool) int {
	kept := s.queue[:0]
	var removed []*task
	for _, t := range s.queue {
		if match(t) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
	for _, t := range removed {
		t.handle.settle(Result{Canceled: true})
	}
	if len(removed) > 0 {
		s.logger.WithField("count", len(removed)).Debug("queued tasks canceled")
	}
	return len(removed)
}
