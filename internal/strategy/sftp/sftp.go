// Package sftp implements the sftp protocol with github.com/pkg/sftp over
// golang.org/x/crypto/ssh.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"transferpool/internal/domain"
	"transferpool/internal/strategy"
)

const (
	Protocol = "sftp"

	defaultPort    = 22
	defaultTimeout = 30 * time.Second
)

type Strategy struct {
	cfg    strategy.Config
	logger *logrus.Entry

	mu     sync.Mutex
	ssh    *ssh.Client
	sftp   *sftp.Client
	closed chan struct{}
}

var _ strategy.Strategy = (*Strategy)(nil)

func New(cfg strategy.Config, logger *logrus.Logger) (strategy.Strategy, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sftp: host is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Strategy{
		cfg:    cfg,
		logger: logger.WithField("protocol", Protocol),
	}, nil
}

func (s *Strategy) clientConfig() (*ssh.ClientConfig, error) {
	auth := []ssh.AuthMethod{ssh.Password(s.cfg.Password)}
	if s.cfg.TryKeyboard {
		auth = append(auth, ssh.KeyboardInteractive(answerWithPassword(s.cfg.Password)))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if s.cfg.KnownHosts != "" {
		cb, err := knownhosts.New(s.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.Timeout,
	}, nil
}

// answerWithPassword answers every keyboard-interactive prompt with the
// configured password.
func answerWithPassword(password string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}

func (s *Strategy) Connect(ctx context.Context) error {
	cfg, err := s.clientConfig()
	if err != nil {
		return err
	}

	addr := s.cfg.Addr(defaultPort)
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		_ = raw.Close()
		return fmt.Errorf("ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(conn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return fmt.Errorf("start sftp subsystem: %w", err)
	}

	s.mu.Lock()
	s.ssh, s.sftp = sshClient, sftpClient
	s.closed = make(chan struct{})
	s.mu.Unlock()

	s.logger.WithField("addr", addr).Debug("connected")
	return nil
}

func (s *Strategy) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	sshClient, sftpClient := s.ssh, s.sftp
	if s.sftp != nil {
		close(s.closed)
	}
	s.ssh, s.sftp = nil, nil
	s.mu.Unlock()

	if sftpClient == nil {
		return nil
	}
	err := errors.Join(sftpClient.Close(), sshClient.Close())
	if err != nil && !strategy.IsConnectionClosed(err) && !errors.Is(err, io.EOF) {
		s.logger.WithError(err).Debug("close failed")
	}
	s.logger.Debug("disconnected")
	return nil
}

func (s *Strategy) Abort(ctx context.Context) error {
	return strategy.Reconnect(ctx, s)
}

func (s *Strategy) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sftp != nil
}

type session struct {
	ssh    *ssh.Client
	sftp   *sftp.Client
	closed <-chan struct{}
}

func (s *Strategy) session() (session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp == nil {
		return session{}, strategy.ErrNotConnected
	}
	return session{ssh: s.ssh, sftp: s.sftp, closed: s.closed}, nil
}

func (ss session) wrap(err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-ss.closed:
		return strategy.Closed(err)
	default:
		return err
	}
}

func (s *Strategy) do(fn func(c *sftp.Client) error) error {
	ss, err := s.session()
	if err != nil {
		return err
	}
	return ss.wrap(fn(ss.sftp))
}

func (s *Strategy) List(ctx context.Context, dir string) ([]domain.FileEntry, error) {
	var infos []os.FileInfo
	var targets map[string]string
	err := s.do(func(c *sftp.Client) error {
		var err error
		if infos, err = c.ReadDir(dir); err != nil {
			return err
		}
		targets = make(map[string]string)
		for _, fi := range infos {
			if fi.Mode()&os.ModeSymlink == 0 {
				continue
			}
			if target, err := c.ReadLink(path.Join(dir, fi.Name())); err == nil {
				targets[fi.Name()] = target
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	out := make([]domain.FileEntry, 0, len(infos))
	for _, fi := range infos {
		entry := toFileEntry(fi)
		entry.Target = targets[fi.Name()]
		out = append(out, entry)
	}
	return out, nil
}

func toFileEntry(fi os.FileInfo) domain.FileEntry {
	entry := domain.FileEntry{
		Name:         fi.Name(),
		Size:         fi.Size(),
		Mode:         fi.Mode().Perm(),
		LastModified: fi.ModTime(),
	}
	switch mode := fi.Mode(); {
	case mode&os.ModeSymlink != 0:
		entry.Type = domain.FileTypeSymbolicLink
	case mode.IsDir():
		entry.Type = domain.FileTypeFolder
	case mode.IsRegular():
		entry.Type = domain.FileTypeFile
	default:
		entry.Type = domain.FileTypeUnknown
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		entry.Owner = fmt.Sprint(st.UID)
		entry.Group = fmt.Sprint(st.GID)
	}
	return entry
}

func (s *Strategy) Size(ctx context.Context, p string) (int64, error) {
	var size int64
	err := s.do(func(c *sftp.Client) error {
		fi, err := c.Stat(p)
		if err != nil {
			return err
		}
		size = fi.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", p, err)
	}
	return size, nil
}

func (s *Strategy) Move(ctx context.Context, src, dest string) error {
	return s.do(func(c *sftp.Client) error { return c.Rename(src, dest) })
}

func (s *Strategy) RemoveFile(ctx context.Context, p string) error {
	return s.do(func(c *sftp.Client) error { return c.Remove(p) })
}

func (s *Strategy) RemoveEmptyFolder(ctx context.Context, p string) error {
	return s.do(func(c *sftp.Client) error { return c.RemoveDirectory(p) })
}

// RemoveFolder deletes p and everything below it.
func (s *Strategy) RemoveFolder(ctx context.Context, p string) error {
	return s.do(func(c *sftp.Client) error { return removeTree(ctx, c, p) })
}

// tree is the subset of *sftp.Client removeTree walks.
type tree interface {
	ReadDir(p string) ([]os.FileInfo, error)
	Remove(p string) error
	RemoveDirectory(p string) error
}

func removeTree(ctx context.Context, c tree, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := c.ReadDir(p)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", p, err)
	}
	for _, fi := range infos {
		child := path.Join(p, fi.Name())
		if fi.IsDir() {
			if err := removeTree(ctx, c, child); err != nil {
				return err
			}
			continue
		}
		if err := c.Remove(child); err != nil {
			return fmt.Errorf("remove %s: %w", child, err)
		}
	}
	if err := c.RemoveDirectory(p); err != nil {
		return fmt.Errorf("remove dir %s: %w", p, err)
	}
	return nil
}

func (s *Strategy) CreateFolder(ctx context.Context, p string) error {
	return s.do(func(c *sftp.Client) error { return c.MkdirAll(p) })
}

func (s *Strategy) CreateEmptyFile(ctx context.Context, p string) error {
	return s.do(func(c *sftp.Client) error {
		f, err := c.Create(p)
		if err != nil {
			return err
		}
		return f.Close()
	})
}

func (s *Strategy) Pwd(ctx context.Context) (string, error) {
	var dir string
	err := s.do(func(c *sftp.Client) error {
		var err error
		dir, err = c.Getwd()
		return err
	})
	return dir, err
}

// Send runs command in an exec session on the same ssh connection and
// returns its combined output.
func (s *Strategy) Send(ctx context.Context, command string) (string, error) {
	ss, err := s.session()
	if err != nil {
		return "", err
	}
	sess, err := ss.ssh.NewSession()
	if err != nil {
		return "", ss.wrap(fmt.Errorf("open session: %w", err))
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(command)
	if err != nil {
		return string(out), ss.wrap(fmt.Errorf("exec %q: %w", command, err))
	}
	return string(out), nil
}

func (s *Strategy) Download(ctx context.Context, dest io.Writer, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	ss, err := s.session()
	if err != nil {
		return err
	}

	f, err := ss.sftp.Open(info.RemotePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", info.RemotePath, ss.wrap(err))
	}
	defer f.Close()

	if info.StartAt > 0 {
		if _, err := f.Seek(info.StartAt, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", info.RemotePath, ss.wrap(err))
		}
	}
	if _, err := io.Copy(strategy.NewProgressWriter(dest, info.StartAt, progress), f); err != nil {
		return fmt.Errorf("download %s: %w", info.RemotePath, ss.wrap(err))
	}
	return nil
}

func (s *Strategy) Upload(ctx context.Context, src io.Reader, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	ss, err := s.session()
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if info.StartAt == 0 {
		flags |= os.O_TRUNC
	}
	f, err := ss.sftp.OpenFile(info.RemotePath, flags)
	if err != nil {
		return fmt.Errorf("open %s: %w", info.RemotePath, ss.wrap(err))
	}
	if info.StartAt > 0 {
		if _, err := f.Seek(info.StartAt, io.SeekStart); err != nil {
			_ = f.Close()
			return fmt.Errorf("seek %s: %w", info.RemotePath, ss.wrap(err))
		}
	}

	_, copyErr := io.Copy(f, strategy.NewProgressReader(src, info.StartAt, progress))
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("upload %s: %w", info.RemotePath, ss.wrap(copyErr))
	}
	if closeErr != nil {
		return fmt.Errorf("upload %s: %w", info.RemotePath, ss.wrap(closeErr))
	}
	return nil
}
