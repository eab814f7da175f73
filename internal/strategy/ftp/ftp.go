// Package ftp implements the ftp and ftps protocols on top of
// github.com/jlaffaye/ftp.
package ftp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"transferpool/internal/domain"
	"transferpool/internal/strategy"
)

const (
	ProtocolFTP  = "ftp"
	ProtocolFTPS = "ftps"

	defaultPort         = 21
	defaultImplicitPort = 990
	defaultTimeout      = 30 * time.Second
	quitTimeout         = 2 * time.Second
)

type Strategy struct {
	cfg    strategy.Config
	logger *logrus.Entry

	// op is held by every operation for as long as it uses conn. The
	// library is not safe for concurrent use, so Disconnect never talks to
	// the server while an operation holds it.
	op sync.Mutex

	mu     sync.Mutex
	conn   *ftp.ServerConn
	socks  *sockets
	closed chan struct{}
}

var _ strategy.Strategy = (*Strategy)(nil)

// New is a strategy.Factory. TLS is enabled when cfg.Protocol is ftps.
func New(cfg strategy.Config, logger *logrus.Logger) (strategy.Strategy, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ftp: host is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Strategy{
		cfg:    cfg,
		logger: logger.WithField("protocol", strings.ToLower(cfg.Protocol)),
	}, nil
}

func (s *Strategy) secure() bool {
	return strings.EqualFold(s.cfg.Protocol, ProtocolFTPS)
}

func (s *Strategy) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// dialOptions routes the control and every data connection through socks.
func (s *Strategy) dialOptions(ctx context.Context, socks *sockets) []ftp.DialOption {
	opts := []ftp.DialOption{
		ftp.DialWithDialFunc(s.dialFunc(ctx, socks)),
		ftp.DialWithShutTimeout(s.cfg.Timeout),
	}
	if !s.secure() {
		return opts
	}
	if s.cfg.ImplicitTLS {
		return append(opts, ftp.DialWithTLS(s.tlsConfig()))
	}
	return append(opts, ftp.DialWithExplicitTLS(s.tlsConfig()))
}

// dialFunc dials the control connection with the Connect context and data
// connections with the session context. With a custom dial func the library
// leaves TLS to us, except for the explicit-TLS upgrade of the control
// connection.
func (s *Strategy) dialFunc(ctx context.Context, socks *sockets) func(network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	var dialed atomic.Bool
	return func(network, address string) (net.Conn, error) {
		control := !dialed.Swap(true)
		dctx := socks.ctx
		if control {
			dctx = ctx
		}
		raw, err := dialer.DialContext(dctx, network, address)
		if err != nil {
			return nil, err
		}
		conn, err := socks.track(raw)
		if err != nil {
			return nil, err
		}
		if s.secure() && (s.cfg.ImplicitTLS || !control) {
			return tls.Client(conn, s.tlsConfig()), nil
		}
		return conn, nil
	}
}

func (s *Strategy) addr() string {
	if s.secure() && s.cfg.ImplicitTLS {
		return s.cfg.Addr(defaultImplicitPort)
	}
	return s.cfg.Addr(defaultPort)
}

func (s *Strategy) Connect(ctx context.Context) error {
	socks := newSockets()
	conn, err := ftp.Dial(s.addr(), s.dialOptions(ctx, socks)...)
	if err != nil {
		socks.close()
		return fmt.Errorf("dial %s: %w", s.addr(), err)
	}
	if err := conn.Login(s.cfg.User, s.cfg.Password); err != nil {
		socks.setDeadline(time.Now().Add(quitTimeout))
		_ = conn.Quit()
		socks.close()
		return fmt.Errorf("login: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.socks = socks
	s.closed = make(chan struct{})
	s.mu.Unlock()

	s.logger.WithField("addr", s.addr()).Debug("connected")
	return nil
}

// Disconnect marks the session closed and closes its sockets, so an
// operation running on it fails promptly with a closed-connection error.
// QUIT is only sent when no operation is using the connection.
func (s *Strategy) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	conn, socks := s.conn, s.socks
	if s.conn != nil {
		close(s.closed)
	}
	s.conn, s.socks = nil, nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if s.op.TryLock() {
		socks.setDeadline(time.Now().Add(quitTimeout))
		if err := conn.Quit(); err != nil && !strategy.IsConnectionClosed(err) {
			s.logger.WithError(err).Debug("quit failed")
		}
		s.op.Unlock()
	}
	socks.close()
	s.logger.Debug("disconnected")
	return nil
}

func (s *Strategy) Abort(ctx context.Context) error {
	return strategy.Reconnect(ctx, s)
}

func (s *Strategy) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// session must be called with op held.
func (s *Strategy) session() (*ftp.ServerConn, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, nil, strategy.ErrNotConnected
	}
	return s.conn, s.closed, nil
}

// wrap marks err as caused by a deliberate close when the session it ran on
// has been closed in the meantime.
func wrap(err error, closed <-chan struct{}) error {
	if err == nil {
		return nil
	}
	select {
	case <-closed:
		return strategy.Closed(err)
	default:
		return err
	}
}

func (s *Strategy) do(fn func(conn *ftp.ServerConn) error) error {
	s.op.Lock()
	defer s.op.Unlock()
	conn, closed, err := s.session()
	if err != nil {
		return err
	}
	return wrap(fn(conn), closed)
}

func (s *Strategy) List(ctx context.Context, path string) ([]domain.FileEntry, error) {
	var entries []*ftp.Entry
	err := s.do(func(conn *ftp.ServerConn) error {
		var err error
		entries, err = conn.List(path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	out := make([]domain.FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, toFileEntry(e))
	}
	return out, nil
}

func toFileEntry(e *ftp.Entry) domain.FileEntry {
	entry := domain.FileEntry{
		Name:         e.Name,
		Size:         int64(e.Size),
		Target:       e.Target,
		LastModified: e.Time,
		Type:         domain.FileTypeUnknown,
	}
	switch e.Type {
	case ftp.EntryTypeFile:
		entry.Type = domain.FileTypeFile
	case ftp.EntryTypeFolder:
		entry.Type = domain.FileTypeFolder
	case ftp.EntryTypeLink:
		entry.Type = domain.FileTypeSymbolicLink
	}
	return entry
}

func (s *Strategy) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := s.do(func(conn *ftp.ServerConn) error {
		var err error
		size, err = conn.FileSize(path)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", path, err)
	}
	return size, nil
}

func (s *Strategy) Move(ctx context.Context, src, dest string) error {
	return s.do(func(conn *ftp.ServerConn) error { return conn.Rename(src, dest) })
}

func (s *Strategy) RemoveFile(ctx context.Context, path string) error {
	return s.do(func(conn *ftp.ServerConn) error { return conn.Delete(path) })
}

func (s *Strategy) RemoveEmptyFolder(ctx context.Context, path string) error {
	return s.do(func(conn *ftp.ServerConn) error { return conn.RemoveDir(path) })
}

func (s *Strategy) RemoveFolder(ctx context.Context, path string) error {
	return s.do(func(conn *ftp.ServerConn) error { return conn.RemoveDirRecur(path) })
}

func (s *Strategy) CreateFolder(ctx context.Context, path string) error {
	return s.do(func(conn *ftp.ServerConn) error { return conn.MakeDir(path) })
}

func (s *Strategy) CreateEmptyFile(ctx context.Context, path string) error {
	return s.do(func(conn *ftp.ServerConn) error { return conn.Stor(path, bytes.NewReader(nil)) })
}

func (s *Strategy) Pwd(ctx context.Context) (string, error) {
	var dir string
	err := s.do(func(conn *ftp.ServerConn) error {
		var err error
		dir, err = conn.CurrentDir()
		return err
	})
	return dir, err
}

// Send only understands NOOP; the underlying client exposes no raw command
// channel.
func (s *Strategy) Send(ctx context.Context, command string) (string, error) {
	if !strings.EqualFold(strings.TrimSpace(command), "NOOP") {
		return "", fmt.Errorf("send %q: %w", command, strategy.ErrUnsupported)
	}
	if err := s.do(func(conn *ftp.ServerConn) error { return conn.NoOp() }); err != nil {
		return "", err
	}
	return "200 NOOP ok", nil
}

func (s *Strategy) Download(ctx context.Context, dest io.Writer, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	s.op.Lock()
	defer s.op.Unlock()
	conn, closed, err := s.session()
	if err != nil {
		return err
	}

	resp, err := conn.RetrFrom(info.RemotePath, uint64(info.StartAt))
	if err != nil {
		return fmt.Errorf("retr %s: %w", info.RemotePath, wrap(err, closed))
	}

	_, copyErr := io.Copy(strategy.NewProgressWriter(dest, info.StartAt, progress), resp)
	closeErr := resp.Close()
	if copyErr != nil {
		return fmt.Errorf("download %s: %w", info.RemotePath, wrap(copyErr, closed))
	}
	if closeErr != nil {
		return fmt.Errorf("download %s: %w", info.RemotePath, wrap(closeErr, closed))
	}
	return nil
}

func (s *Strategy) Upload(ctx context.Context, src io.Reader, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	s.op.Lock()
	defer s.op.Unlock()
	conn, closed, err := s.session()
	if err != nil {
		return err
	}

	r := strategy.NewProgressReader(&interruptibleReader{r: src, closed: closed}, info.StartAt, progress)
	if info.StartAt > 0 {
		err = conn.StorFrom(info.RemotePath, r, uint64(info.StartAt))
	} else {
		err = conn.Stor(info.RemotePath, r)
	}
	if err != nil {
		return fmt.Errorf("upload %s: %w", info.RemotePath, wrap(err, closed))
	}
	return nil
}

// interruptibleReader stops feeding an upload once its session is closed.
type interruptibleReader struct {
	r      io.Reader
	closed <-chan struct{}
}

func (r *interruptibleReader) Read(p []byte) (int, error) {
	select {
	case <-r.closed:
		return 0, strategy.ErrConnectionClosed
	default:
	}
	return r.r.Read(p)
}
