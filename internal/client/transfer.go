package client

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"transferpool/internal/domain"
	"transferpool/internal/pool"
	"transferpool/internal/progress"
	"transferpool/internal/scheduler"
	"transferpool/internal/strategy"
)

type TransferOption func(*transferOptions)

type transferOptions struct {
	startAt   int64
	quiet     bool
	localPath string
	size      int64
}

// WithStartAt resumes a transfer from offset bytes.
func WithStartAt(offset int64) TransferOption {
	return func(o *transferOptions) { o.startAt = offset }
}

// WithQuiet suppresses progress events for the transfer.
func WithQuiet() TransferOption {
	return func(o *transferOptions) { o.quiet = true }
}

// WithLocalPath records the local side of the transfer for reporting.
func WithLocalPath(path string) TransferOption {
	return func(o *transferOptions) { o.localPath = path }
}

// WithSize sets the total size up front, skipping the remote size lookup
// for downloads.
func WithSize(n int64) TransferOption {
	return func(o *transferOptions) { o.size = n }
}

// TransferState is a live view of a registered transfer. Worker is -1 until
// the transfer has been dispatched.
type TransferState struct {
	Info     domain.TransferInfo
	Progress domain.TransferProgress
	Worker   int
}

// Transfer is a handle on a transfer whose id is known before it runs. Info
// reports the transfer as registered; the size discovered by a download is
// carried by the finish event.
type Transfer struct {
	info    domain.TransferInfo
	done    chan struct{}
	outcome domain.TransferOutcome
}

func (t *Transfer) ID() int64 {
	return t.info.ID
}

func (t *Transfer) Info() domain.TransferInfo {
	return t.info
}

func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait returns the outcome once the transfer has finished. The error is set
// only for failed transfers.
func (t *Transfer) Wait(ctx context.Context) (domain.TransferOutcome, error) {
	select {
	case <-t.done:
		return t.outcome, t.outcome.Err
	case <-ctx.Done():
		return domain.TransferOutcome{}, ctx.Err()
	}
}

type activeTransfer struct {
	aborted atomic.Bool

	mu      sync.Mutex
	info    domain.TransferInfo
	worker  int
	tracker *progress.Tracker
}

func (a *activeTransfer) state() TransferState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := TransferState{Info: a.info, Worker: a.worker}
	if a.tracker != nil {
		st.Progress = a.tracker.Snapshot()
	} else {
		st.Progress = domain.TransferProgress{Bytes: a.info.StartAt, TotalBytes: a.info.TotalBytes}
	}
	return st
}

func (a *activeTransfer) bytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tracker != nil {
		return a.tracker.Bytes()
	}
	return a.info.StartAt
}

type transferBody func(ctx context.Context, conn strategy.Strategy, info domain.TransferInfo, fn strategy.ProgressFunc) error

func (c *client) Download(ctx context.Context, dest io.Writer, remotePath string, opts ...TransferOption) (domain.TransferOutcome, error) {
	t, err := c.DownloadAsync(ctx, dest, remotePath, opts...)
	if err != nil {
		return domain.TransferOutcome{}, err
	}
	return t.Wait(ctx)
}

func (c *client) Upload(ctx context.Context, src io.Reader, remotePath string, opts ...TransferOption) (domain.TransferOutcome, error) {
	t, err := c.UploadAsync(ctx, src, remotePath, opts...)
	if err != nil {
		return domain.TransferOutcome{}, err
	}
	return t.Wait(ctx)
}

func (c *client) DownloadAsync(ctx context.Context, dest io.Writer, remotePath string, opts ...TransferOption) (*Transfer, error) {
	o := applyTransferOptions(opts)
	info := domain.TransferInfo{
		Direction:  domain.TransferDownload,
		LocalPath:  o.localPath,
		RemotePath: remotePath,
		TotalBytes: o.size,
		StartAt:    o.startAt,
	}
	return c.startTransfer(ctx, info, o, func(ctx context.Context, conn strategy.Strategy, info domain.TransferInfo, fn strategy.ProgressFunc) error {
		return conn.Download(ctx, dest, info, fn)
	})
}

func (c *client) UploadAsync(ctx context.Context, src io.Reader, remotePath string, opts ...TransferOption) (*Transfer, error) {
	o := applyTransferOptions(opts)
	if o.size == 0 {
		o.size = readerSize(src)
	}
	info := domain.TransferInfo{
		Direction:  domain.TransferUpload,
		LocalPath:  o.localPath,
		RemotePath: remotePath,
		TotalBytes: o.size,
		StartAt:    o.startAt,
	}
	return c.startTransfer(ctx, info, o, func(ctx context.Context, conn strategy.Strategy, info domain.TransferInfo, fn strategy.ProgressFunc) error {
		return conn.Upload(ctx, src, info, fn)
	})
}

// startTransfer registers the transfer under a fresh task id before
// enqueuing it, so it can be aborted while still queued.
func (c *client) startTransfer(ctx context.Context, info domain.TransferInfo, o transferOptions, body transferBody) (*Transfer, error) {
	info.ID = c.sched.CreateTaskID()
	at := &activeTransfer{info: info, worker: -1}

	c.mu.Lock()
	c.transfers[info.ID] = at
	c.mu.Unlock()
	c.hooks.transferNew(info)

	h, err := c.sched.Enqueue(ctx, c.transferTask(at, o, body),
		scheduler.WithID(info.ID),
		scheduler.WithGroup(pool.Transfer),
	)
	if err != nil {
		c.hooks.transferFinish(info, domain.TransferOutcome{
			Status: domain.TransferStatusFailed,
			Bytes:  info.StartAt,
			Err:    err,
		})
		c.unregister(info.ID)
		return nil, err
	}

	t := &Transfer{info: info, done: make(chan struct{})}
	go c.finishTransfer(ctx, at, h, t)
	return t, nil
}

func (c *client) transferTask(at *activeTransfer, o transferOptions, body transferBody) scheduler.TaskFunc {
	return func(ctx context.Context, tc scheduler.TaskContext) (any, error) {
		if at.aborted.Load() {
			return nil, nil
		}

		at.mu.Lock()
		at.worker = tc.WorkerIndex
		info := at.info
		at.mu.Unlock()

		log := c.logger.WithFields(logrus.Fields{
			"transfer_id": info.ID,
			"worker":      tc.WorkerIndex,
			"remote_path": info.RemotePath,
		})

		if info.Direction == domain.TransferDownload && info.TotalBytes == 0 {
			size, err := tc.Conn.Size(ctx, info.RemotePath)
			if err != nil {
				log.WithError(err).Debug("remote size unavailable")
			} else {
				info.TotalBytes = size
			}
		}

		tracker := progress.NewTracker(info, progress.Options{Quiet: o.quiet, Now: c.opts.Now}, c.hooks.transferProgress)
		at.mu.Lock()
		at.info = info
		at.tracker = tracker
		at.mu.Unlock()

		log.WithField("direction", info.Direction).Debug("transfer started")
		err := body(ctx, tc.Conn, info, tracker.Update)
		return nil, err
	}
}

// transferOutcome maps how a transfer's task settled to its status. An abort
// that arrives after the task already succeeded does not change the outcome.
func transferOutcome(res scheduler.Result, aborted bool) domain.TransferOutcome {
	var outcome domain.TransferOutcome
	switch {
	case aborted && (res.Canceled || res.Err != nil):
		outcome.Status = domain.TransferStatusAborted
	case res.Canceled:
		outcome.Status = domain.TransferStatusCanceled
	case strategy.IsConnectionClosed(res.Err):
		outcome.Status = domain.TransferStatusAborted
	case res.Err != nil:
		outcome.Status = domain.TransferStatusFailed
		outcome.Err = res.Err
	default:
		outcome.Status = domain.TransferStatusFinished
	}
	return outcome
}

// finishTransfer always reports the transfer's outcome, even when the caller's
// context ends first.
func (c *client) finishTransfer(ctx context.Context, at *activeTransfer, h *scheduler.Handle, t *Transfer) {
	h.Wait(ctx)
	<-h.Done()
	res, _ := h.Result()

	at.mu.Lock()
	info := at.info
	at.mu.Unlock()

	outcome := transferOutcome(res, at.aborted.Load())
	outcome.Bytes = at.bytes()

	c.logger.WithFields(logrus.Fields{
		"transfer_id": info.ID,
		"status":      outcome.Status,
		"bytes":       outcome.Bytes,
	}).Info("transfer finished")

	c.hooks.transferFinish(info, outcome)
	c.unregister(info.ID)

	t.outcome = outcome
	close(t.done)
}

func (c *client) unregister(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transfers, id)
}

func (c *client) lookup(id int64) (*activeTransfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.transfers[id]
	return at, ok
}

func (c *client) Transfers() []TransferState {
	c.mu.Lock()
	active := make([]*activeTransfer, 0, len(c.transfers))
	for _, at := range c.transfers {
		active = append(active, at)
	}
	c.mu.Unlock()

	states := make([]TransferState, len(active))
	for i, at := range active {
		states[i] = at.state()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Info.ID < states[j].Info.ID })
	return states
}

func applyTransferOptions(opts []TransferOption) transferOptions {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func readerSize(r io.Reader) int64 {
	switch v := r.(type) {
	case *os.File:
		if fi, err := v.Stat(); err == nil && fi.Mode().IsRegular() {
			return fi.Size()
		}
	case interface{ Len() int }:
		return int64(v.Len())
	case io.Seeker:
		cur, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0
		}
		end, err := v.Seek(0, io.SeekEnd)
		if err != nil {
			return 0
		}
		if _, err := v.Seek(cur, io.SeekStart); err != nil {
			return 0
		}
		return end - cur
	}
	return 0
}
