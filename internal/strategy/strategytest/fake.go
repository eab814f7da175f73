// Package strategytest provides an in-memory Strategy for tests.
package strategytest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"transferpool/internal/domain"
	"transferpool/internal/strategy"
)

// Fake is a scriptable Strategy. Operations block on Gate when it is set, and
// fail with strategy.ErrConnectionClosed when the fake is disconnected while
// they wait, mimicking a socket torn down under a running transfer.
type Fake struct {
	mu        sync.Mutex
	connected bool
	closed    chan struct{}

	// Gate, when non-nil, must be closed or fed before operations return.
	Gate chan struct{}
	// Started receives the operation name each time one begins, if non-nil.
	Started chan string
	// AbortStarted is signalled when Abort begins, and AbortGate, when
	// non-nil, holds Abort until it is closed.
	AbortStarted chan struct{}
	AbortGate    chan struct{}

	ConnectErr error
	AbortErr   error
	OpErr      error
	Entries    []domain.FileEntry
	FileSize   int64
	Chunks     [][]byte
	Reply      string
	Dir        string

	Connects    atomic.Int32
	Disconnects atomic.Int32
	Aborts      atomic.Int32
	Calls       atomic.Int32
}

func New() *Fake {
	return &Fake{Dir: "/"}
}

// Factory returns a strategy.Factory producing the given fakes in order and
// fresh ones once they run out.
func Factory(fakes ...*Fake) strategy.Factory {
	var (
		mu   sync.Mutex
		next int
	)
	return func(cfg strategy.Config, logger *logrus.Logger) (strategy.Strategy, error) {
		mu.Lock()
		defer mu.Unlock()
		if next < len(fakes) {
			f := fakes[next]
			next++
			return f, nil
		}
		return New(), nil
	}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects.Add(1)
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	f.closed = make(chan struct{})
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnects.Add(1)
	if f.connected {
		f.connected = false
		close(f.closed)
	}
	return nil
}

func (f *Fake) Abort(ctx context.Context) error {
	f.Aborts.Add(1)
	if f.AbortStarted != nil {
		f.AbortStarted <- struct{}{}
	}
	if f.AbortGate != nil {
		select {
		case <-f.AbortGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.AbortErr != nil {
		_ = f.Disconnect(ctx)
		return f.AbortErr
	}
	return strategy.Reconnect(ctx, f)
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) begin(ctx context.Context, op string) error {
	f.Calls.Add(1)
	f.mu.Lock()
	connected, closed := f.connected, f.closed
	f.mu.Unlock()
	if !connected {
		return strategy.ErrNotConnected
	}
	if f.Started != nil {
		f.Started <- op
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-closed:
			return strategy.Closed(errors.New("use of closed connection"))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.OpErr
}

func (f *Fake) List(ctx context.Context, path string) ([]domain.FileEntry, error) {
	if err := f.begin(ctx, "list"); err != nil {
		return nil, err
	}
	return f.Entries, nil
}

func (f *Fake) Size(ctx context.Context, path string) (int64, error) {
	f.Calls.Add(1)
	if !f.Connected() {
		return 0, strategy.ErrNotConnected
	}
	return f.FileSize, nil
}

func (f *Fake) Move(ctx context.Context, src, dest string) error {
	return f.begin(ctx, "move")
}

func (f *Fake) RemoveFile(ctx context.Context, path string) error {
	return f.begin(ctx, "removeFile")
}

func (f *Fake) RemoveEmptyFolder(ctx context.Context, path string) error {
	return f.begin(ctx, "removeEmptyFolder")
}

func (f *Fake) RemoveFolder(ctx context.Context, path string) error {
	return f.begin(ctx, "removeFolder")
}

func (f *Fake) CreateFolder(ctx context.Context, path string) error {
	return f.begin(ctx, "createFolder")
}

func (f *Fake) CreateEmptyFile(ctx context.Context, path string) error {
	return f.begin(ctx, "createEmptyFile")
}

func (f *Fake) Pwd(ctx context.Context) (string, error) {
	if err := f.begin(ctx, "pwd"); err != nil {
		return "", err
	}
	return f.Dir, nil
}

func (f *Fake) Send(ctx context.Context, command string) (string, error) {
	if err := f.begin(ctx, "send"); err != nil {
		return "", err
	}
	return f.Reply, nil
}

// Download writes every chunk first and then waits on Gate, so progress is
// observable while the transfer is still in flight.
func (f *Fake) Download(ctx context.Context, dest io.Writer, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	if !f.Connected() {
		return strategy.ErrNotConnected
	}
	w := strategy.NewProgressWriter(dest, info.StartAt, progress)
	for _, chunk := range f.Chunks {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return f.begin(ctx, "download")
}

func (f *Fake) Upload(ctx context.Context, src io.Reader, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	if !f.Connected() {
		return strategy.ErrNotConnected
	}
	if _, err := io.Copy(io.Discard, strategy.NewProgressReader(src, info.StartAt, progress)); err != nil {
		return err
	}
	return f.begin(ctx, "upload")
}

var _ strategy.Strategy = (*Fake)(nil)
