// Package pool keeps a fixed set of connected workers and tracks which of
// them are free to take a task.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"transferpool/internal/strategy"
)

var ErrIndexOutOfRange = errors.New("worker index out of range")

type Pool struct {
	logger *logrus.Logger

	mu      sync.Mutex
	workers []*Worker
	// idle is closed and replaced whenever a worker is released.
	idle chan struct{}
}

func New(logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pool{
		logger: logger,
		idle:   make(chan struct{}),
	}
}

// Build creates and connects cfg.Size workers. Either every worker connects
// and replaces the current set, or every worker that did connect is
// disconnected again and the pool is left as it was.
func (p *Pool) Build(ctx context.Context, factory strategy.Factory, scfg strategy.Config, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return strategy.ErrInvalidFactory
	}

	conns := make([]strategy.Strategy, cfg.Size)
	for i := range conns {
		conn, err := factory(scfg, p.logger)
		if err != nil {
			return fmt.Errorf("create worker %d: %w", i, err)
		}
		conns[i] = conn
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range conns {
		g.Go(func() error {
			if err := conn.Connect(gctx); err != nil {
				return fmt.Errorf("connect worker %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn.Connected() {
				_ = conn.Disconnect(context.WithoutCancel(ctx))
			}
		}
		return err
	}

	workers := make([]*Worker, cfg.Size)
	for i, conn := range conns {
		workers[i] = &Worker{index: i, group: GroupFor(i, cfg), conn: conn}
	}

	p.mu.Lock()
	p.workers = workers
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"protocol":      scfg.Protocol,
		"size":          cfg.Size,
		"transfer_pool": cfg.TransferPool,
	}).Info("worker pool connected")
	return nil
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Workers returns the current workers in index order.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// Available reports whether some worker could take a task in group g now.
func (p *Pool) Available(g Group) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.available(g) {
			return true
		}
	}
	return false
}

// Acquire marks the lowest-indexed available worker for g busy and returns
// it, or returns false when none is available.
func (p *Pool) Acquire(g Group) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.available(g) {
			w.busy = true
			return w, true
		}
	}
	return nil, false
}

func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.busy = false
	p.broadcastLocked()
}

// Pause stops the given workers, or all of them when none are given, from
// being handed new tasks. Running tasks are not affected.
func (p *Pool) Pause(indices ...int) error {
	return p.setPaused(true, indices)
}

func (p *Pool) Resume(indices ...int) error {
	return p.setPaused(false, indices)
}

func (p *Pool) setPaused(paused bool, indices []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	workers, err := p.selectLocked(indices)
	if err != nil {
		return err
	}
	for _, w := range workers {
		w.paused = paused
	}
	return nil
}

// PauseWorker pauses w if it still belongs to the pool, and reports
// whether it does. A worker left over from a pool replaced by a later Build
// is not touched.
func (p *Pool) PauseWorker(w *Worker) bool {
	return p.setWorkerPaused(w, true)
}

func (p *Pool) ResumeWorker(w *Worker) bool {
	return p.setWorkerPaused(w, false)
}

func (p *Pool) setWorkerPaused(w *Worker, paused bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ownsLocked(w) {
		return false
	}
	w.paused = paused
	return true
}

func (p *Pool) ownsLocked(w *Worker) bool {
	return w != nil && w.index >= 0 && w.index < len(p.workers) && p.workers[w.index] == w
}

// WaitReleased blocks until w is no longer busy, or ctx is done. w does not
// have to belong to the current pool.
func (p *Pool) WaitReleased(ctx context.Context, w *Worker) error {
	for {
		p.mu.Lock()
		busy, idle := w.busy, p.idle
		p.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitIdle blocks until none of the given workers (all when none are given)
// is busy, or ctx is done.
func (p *Pool) WaitIdle(ctx context.Context, indices ...int) error {
	for {
		p.mu.Lock()
		workers, err := p.selectLocked(indices)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		busy := false
		for _, w := range workers {
			if w.busy {
				busy = true
				break
			}
		}
		idle := p.idle
		p.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Each runs fn concurrently for the given workers (all when none are given)
// and returns one error slot per selected worker, in selection order.
func (p *Pool) Each(ctx context.Context, fn func(ctx context.Context, w *Worker) error, indices ...int) ([]error, error) {
	p.mu.Lock()
	workers, err := p.selectLocked(indices)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	errs := make([]error, len(workers))
	var g errgroup.Group
	for i, w := range workers {
		g.Go(func() error {
			errs[i] = fn(ctx, w)
			return nil
		})
	}
	_ = g.Wait()
	return errs, nil
}

// DisconnectAll disconnects every worker and empties the pool.
func (p *Pool) DisconnectAll(ctx context.Context) error {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.broadcastLocked()
	p.mu.Unlock()

	if len(workers) == 0 {
		return nil
	}

	var g errgroup.Group
	errs := make([]error, len(workers))
	for i, w := range workers {
		g.Go(func() error {
			if err := w.conn.Disconnect(ctx); err != nil {
				errs[i] = fmt.Errorf("disconnect worker %d: %w", w.index, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.WithField("size", len(workers)).Info("worker pool disconnected")
	return errors.Join(errs...)
}

func (p *Pool) Snapshot() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]WorkerState, len(p.workers))
	for i, w := range p.workers {
		states[i] = WorkerState{
			Index:     w.index,
			Group:     w.group,
			Busy:      w.busy,
			Paused:    w.paused,
			Connected: w.conn.Connected(),
		}
	}
	return states
}

func (p *Pool) workerLocked(index int) (*Worker, error) {
	if index < 0 || index >= len(p.workers) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return p.workers[index], nil
}

func (p *Pool) selectLocked(indices []int) ([]*Worker, error) {
	if len(indices) == 0 {
		return append([]*Worker(nil), p.workers...), nil
	}
	workers := make([]*Worker, 0, len(indices))
	for _, i := range indices {
		w, err := p.workerLocked(i)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (p *Pool) broadcastLocked() {
	close(p.idle)
	p.idle = make(chan struct{})
}
