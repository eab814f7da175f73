package client

import (
	"context"

	"transferpool/internal/domain"
	"transferpool/internal/scheduler"
	"transferpool/internal/strategy"
)

// call runs fn on whichever misc-compatible worker is free first. A closed
// connection error and a canceled task both yield the zero value.
func call[T any](ctx context.Context, c *client, op string, fn func(ctx context.Context, conn strategy.Strategy) (T, error)) (T, error) {
	var zero T
	h, err := c.sched.Enqueue(ctx, func(ctx context.Context, tc scheduler.TaskContext) (any, error) {
		v, err := fn(ctx, tc.Conn)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}

	res := h.Wait(ctx)
	switch {
	case res.Canceled:
		return zero, nil
	case res.Err != nil:
		if strategy.IsConnectionClosed(res.Err) {
			c.logger.WithField("op", op).WithError(res.Err).Debug("operation interrupted by close")
			return zero, nil
		}
		return zero, res.Err
	}
	v, _ := res.Data.(T)
	return v, nil
}

func exec(ctx context.Context, c *client, op string, fn func(ctx context.Context, conn strategy.Strategy) error) error {
	_, err := call(ctx, c, op, func(ctx context.Context, conn strategy.Strategy) (struct{}, error) {
		return struct{}{}, fn(ctx, conn)
	})
	return err
}

func (c *client) List(ctx context.Context, path string) ([]domain.FileEntry, error) {
	return call(ctx, c, "list", func(ctx context.Context, conn strategy.Strategy) ([]domain.FileEntry, error) {
		return conn.List(ctx, path)
	})
}

func (c *client) Size(ctx context.Context, path string) (int64, error) {
	return call(ctx, c, "size", func(ctx context.Context, conn strategy.Strategy) (int64, error) {
		return conn.Size(ctx, path)
	})
}

func (c *client) Move(ctx context.Context, src, dest string) error {
	return exec(ctx, c, "move", func(ctx context.Context, conn strategy.Strategy) error {
		return conn.Move(ctx, src, dest)
	})
}

func (c *client) RemoveFile(ctx context.Context, path string) error {
	return exec(ctx, c, "removeFile", func(ctx context.Context, conn strategy.Strategy) error {
		return conn.RemoveFile(ctx, path)
	})
}

func (c *client) RemoveEmptyFolder(ctx context.Context, path string) error {
	return exec(ctx, c, "removeEmptyFolder", func(ctx context.Context, conn strategy.Strategy) error {
		return conn.RemoveEmptyFolder(ctx, path)
	})
}

func (c *client) RemoveFolder(ctx context.Context, path string) error {
	return exec(ctx, c, "removeFolder", func(ctx context.Context, conn strategy.Strategy) error {
		return conn.RemoveFolder(ctx, path)
	})
}

func (c *client) CreateFolder(ctx context.Context, path string) error {
	return exec(ctx, c, "createFolder", func(ctx context.Context, conn strategy.Strategy) error {
		return conn.CreateFolder(ctx, path)
	})
}

func (c *client) CreateEmptyFile(ctx context.Context, path string) error {
	return exec(ctx, c, "createEmptyFile", func(ctx context.Context, conn strategy.Strategy) error {
		return conn.CreateEmptyFile(ctx, path)
	})
}

func (c *client) Pwd(ctx context.Context) (string, error) {
	return call(ctx, c, "pwd", func(ctx context.Context, conn strategy.Strategy) (string, error) {
		return conn.Pwd(ctx)
	})
}

func (c *client) Send(ctx context.Context, command string) (string, error) {
	return call(ctx, c, "send", func(ctx context.Context, conn strategy.Strategy) (string, error) {
		return conn.Send(ctx, command)
	})
}
