// Package client is the facade over the worker pool: it connects the pool,
// routes file operations through the scheduler, tracks transfers and
// coordinates aborts.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"transferpool/internal/domain"
	"transferpool/internal/pool"
	"transferpool/internal/scheduler"
	"transferpool/internal/strategy"
)

var (
	ErrConfigRequired   = errors.New("connection config must be provided")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrInvalidPoolSize  = errors.New("pool size must be at least 1")
)

// Client is safe for concurrent use.
type Client interface {
	// Connect builds a new pool from cfg, or from the last config when cfg is
	// nil. Any existing pool is disconnected first.
	Connect(ctx context.Context, cfg *Config) error
	Disconnect(ctx context.Context) error
	Connected() bool
	Subscribe(h Hooks) (unsubscribe func())
	SessionID() string

	List(ctx context.Context, path string) ([]domain.FileEntry, error)
	Size(ctx context.Context, path string) (int64, error)
	Move(ctx context.Context, src, dest string) error
	RemoveFile(ctx context.Context, path string) error
	RemoveEmptyFolder(ctx context.Context, path string) error
	RemoveFolder(ctx context.Context, path string) error
	CreateFolder(ctx context.Context, path string) error
	CreateEmptyFile(ctx context.Context, path string) error
	Pwd(ctx context.Context) (string, error)
	Send(ctx context.Context, command string) (string, error)

	Download(ctx context.Context, dest io.Writer, remotePath string, opts ...TransferOption) (domain.TransferOutcome, error)
	Upload(ctx context.Context, src io.Reader, remotePath string, opts ...TransferOption) (domain.TransferOutcome, error)
	DownloadAsync(ctx context.Context, dest io.Writer, remotePath string, opts ...TransferOption) (*Transfer, error)
	UploadAsync(ctx context.Context, src io.Reader, remotePath string, opts ...TransferOption) (*Transfer, error)

	// Abort cancels every queued task and forces every worker through a
	// reconnect.
	Abort(ctx context.Context) error
	// AbortTransfer cancels the given transfers, reconnecting only the
	// workers currently running one of them.
	AbortTransfer(ctx context.Context, ids ...int64) error

	Transfers() []TransferState
	Workers() []pool.WorkerState
}

// Config is what Connect needs to build a pool.
type Config struct {
	Connection strategy.Config
	// Pool falls back to Options.Pool when Size is zero.
	Pool pool.Config
}

type Options struct {
	Pool     pool.Config
	Registry *strategy.Registry
	Logger   *logrus.Logger
	// Now is the clock used by transfer trackers.
	Now func() time.Time
}

type client struct {
	opts      Options
	logger    *logrus.Entry
	pool      *pool.Pool
	sched     *scheduler.Scheduler
	hooks     hookSet
	sessionID string

	// connMu serializes Connect and Disconnect.
	connMu sync.Mutex
	config *Config

	mu        sync.Mutex
	transfers map[int64]*activeTransfer
}

var _ Client = (*client)(nil)

func New(opts Options) Client {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pool.Size == 0 {
		opts.Pool.Size = 1
	}

	p := pool.New(opts.Logger)
	sessionID := uuid.NewString()
	return &client{
		opts:      opts,
		logger:    opts.Logger.WithField("session", sessionID),
		pool:      p,
		sched:     scheduler.New(scheduler.Config{Pool: p, Logger: opts.Logger}),
		sessionID: sessionID,
		transfers: make(map[int64]*activeTransfer),
	}
}

func (c *client) SessionID() string {
	return c.sessionID
}

func (c *client) Subscribe(h Hooks) func() {
	return c.hooks.add(h)
}

func (c *client) Connect(ctx context.Context, cfg *Config) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if cfg == nil {
		if c.config == nil {
			return ErrConfigRequired
		}
		cfg = c.config
	}
	next := *cfg
	if next.Pool.Size == 0 {
		next.Pool = c.opts.Pool
	}
	if next.Pool.Size < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidPoolSize, next.Pool.Size)
	}

	factory, err := c.opts.Registry.Get(next.Connection.Protocol)
	if err != nil {
		return err
	}

	if err := c.disconnectLocked(ctx); err != nil {
		c.logger.WithError(err).Warn("disconnect before connect failed")
	}
	if err := c.pool.Build(ctx, factory, next.Connection, next.Pool); err != nil {
		return fmt.Errorf("connect %s: %w", next.Connection.Protocol, err)
	}
	c.config = &next

	c.logger.WithFields(logrus.Fields{
		"protocol": next.Connection.Protocol,
		"host":     next.Connection.Host,
		"size":     next.Pool.Size,
	}).Info("client connected")
	c.hooks.connect()
	c.sched.ProcessNext()
	return nil
}

// Disconnect cancels queued tasks and disconnects every worker. Running
// tasks fail with a closed connection.
func (c *client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if n := c.sched.DeleteAllTasks(); n > 0 {
		c.logger.WithField("count", n).Info("queued tasks canceled on disconnect")
	}
	return c.disconnectLocked(ctx)
}

func (c *client) disconnectLocked(ctx context.Context) error {
	if c.pool.Len() == 0 {
		return nil
	}
	err := c.pool.DisconnectAll(ctx)
	c.logger.Info("client disconnected")
	c.hooks.disconnect()
	return err
}

func (c *client) Connected() bool {
	for _, w := range c.pool.Snapshot() {
		if w.Connected {
			return true
		}
	}
	return false
}

func (c *client) Workers() []pool.WorkerState {
	return c.pool.Snapshot()
}
