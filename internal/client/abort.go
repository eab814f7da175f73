package client

import (
	"context"
	"errors"
	"fmt"

	"transferpool/internal/pool"
)

func (c *client) Abort(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.transfers))
	for id, at := range c.transfers {
		at.aborted.Store(true)
		ids = append(ids, id)
	}
	c.mu.Unlock()
	if len(ids) > 0 {
		c.hooks.transferAbort(ids...)
	}

	canceled := c.sched.DeleteAllTasks()
	if c.pool.Len() == 0 {
		return nil
	}
	if err := c.sched.PauseWorkers(); err != nil {
		return err
	}

	errs, err := c.pool.Each(ctx, func(ctx context.Context, w *pool.Worker) error {
		return w.Conn().Abort(ctx)
	})
	if err != nil {
		return err
	}

	var (
		recovered []int
		failed    []error
	)
	for i, e := range errs {
		if e != nil {
			c.logger.WithField("worker", i).WithError(e).Warn("worker failed to reconnect after abort")
			failed = append(failed, fmt.Errorf("abort worker %d: %w", i, e))
			continue
		}
		recovered = append(recovered, i)
	}
	if len(recovered) > 0 {
		if err := c.pool.WaitIdle(ctx, recovered...); err != nil {
			return err
		}
		if err := c.sched.ResumeWorkers(recovered...); err != nil {
			return err
		}
	}

	c.logger.WithField("transfers", len(ids)).
		WithField("canceled", canceled).
		WithField("workers", len(recovered)).
		Info("pool aborted")
	return errors.Join(failed...)
}

// AbortTransfer fails with ErrTransferNotFound before touching anything if
// any id is unknown.
func (c *client) AbortTransfer(ctx context.Context, ids ...int64) error {
	active := make([]*activeTransfer, 0, len(ids))
	for _, id := range ids {
		at, ok := c.lookup(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrTransferNotFound, id)
		}
		active = append(active, at)
	}
	if len(active) == 0 {
		return nil
	}

	for _, at := range active {
		at.aborted.Store(true)
	}
	c.hooks.transferAbort(ids...)

	var errs []error
	for _, id := range ids {
		w, running := c.sched.Cancel(id)
		if !running {
			c.logger.WithField("transfer_id", id).Info("queued transfer canceled")
			continue
		}
		if err := c.abortWorker(ctx, w); err != nil {
			errs = append(errs, fmt.Errorf("abort transfer %d: %w", id, err))
			continue
		}
		c.logger.WithField("transfer_id", id).WithField("worker", w.Index()).Info("transfer aborted")
	}
	return errors.Join(errs...)
}

// abortWorker reconnects a worker that Cancel has already paused. A worker
// that cannot reconnect stays paused until the client is connected again.
func (c *client) abortWorker(ctx context.Context, w *pool.Worker) error {
	if err := w.Conn().Abort(ctx); err != nil {
		c.logger.WithField("worker", w.Index()).WithError(err).Warn("worker failed to reconnect after abort")
		return err
	}
	if err := c.pool.WaitReleased(ctx, w); err != nil {
		return err
	}
	c.sched.ResumeWorker(w)
	return nil
}
