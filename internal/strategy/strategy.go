package strategy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"transferpool/internal/domain"
)

// Strategy is one stateful connection to a remote server for a single
// protocol. A Strategy is driven by at most one task at a time, but
// Disconnect and Abort may be called from another goroutine while an
// operation is in flight; that operation must then fail promptly with an
// error for which IsConnectionClosed reports true.
type Strategy interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Abort disconnects and reconnects, which is the only way to stop a
	// transfer that is already streaming.
	Abort(ctx context.Context) error
	Connected() bool

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

	Download(ctx context.Context, dest io.Writer, info domain.TransferInfo, progress ProgressFunc) error
	Upload(ctx context.Context, src io.Reader, info domain.TransferInfo, progress ProgressFunc) error
}

// ProgressFunc receives the cumulative byte count of a transfer after every
// chunk, including any resume offset.
type ProgressFunc func(bytes int64)

// Factory creates a fresh, unconnected Strategy.
type Factory func(cfg Config, logger *logrus.Logger) (Strategy, error)

// Config holds connection settings for every protocol. Fields that do not
// apply to a protocol are ignored by it.
type Config struct {
	Protocol string
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration

	// ftps
	InsecureSkipVerify bool
	ImplicitTLS        bool

	// sftp
	TryKeyboard bool
	KnownHosts  string

	// s3
	Bucket   string
	Region   string
	Endpoint string
	Profile  string
}

// Addr joins host and port, falling back to defaultPort when none is set.
func (c Config) Addr(defaultPort int) string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Reconnect disconnects s and connects it again.
func Reconnect(ctx context.Context, s Strategy) error {
	if err := s.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}
