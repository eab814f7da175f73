package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferpool/internal/domain"
	"transferpool/internal/pool"
	"transferpool/internal/strategy"
	"transferpool/internal/strategy/strategytest"
)

const waitTimeout = 2 * time.Second

// recorder captures every hook invocation.
type recorder struct {
	mu        sync.Mutex
	connects  int
	disconns  int
	news      []domain.TransferInfo
	aborts    [][]int64
	progress  []domain.TransferProgress
	finishes  []domain.TransferOutcome
	finishFor []domain.TransferInfo
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnConnect:    func() { r.mu.Lock(); r.connects++; r.mu.Unlock() },
		OnDisconnect: func() { r.mu.Lock(); r.disconns++; r.mu.Unlock() },
		OnTransferNew: func(info domain.TransferInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.news = append(r.news, info)
		},
		OnTransferAbort: func(ids ...int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.aborts = append(r.aborts, ids)
		},
		OnTransferProgress: func(_ domain.TransferInfo, p domain.TransferProgress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		OnTransferFinish: func(info domain.TransferInfo, o domain.TransferOutcome) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finishes = append(r.finishes, o)
			r.finishFor = append(r.finishFor, info)
		},
	}
}

func newTestClient(t *testing.T, fakes ...*strategytest.Fake) (Client, *recorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register("fake", strategytest.Factory(fakes...)))

	c := New(Options{Registry: reg, Logger: logger})
	rec := &recorder{}
	c.Subscribe(rec.hooks())
	return c, rec
}

func connect(t *testing.T, c Client, cfg pool.Config) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), &Config{
		Connection: strategy.Config{Protocol: "fake"},
		Pool:       cfg,
	}))
}

func gatedFake() *strategytest.Fake {
	f := strategytest.New()
	f.Gate = make(chan struct{})
	f.Started = make(chan string, 8)
	return f
}

func started(t *testing.T, f *strategytest.Fake, op string) {
	t.Helper()
	select {
	case got := <-f.Started:
		require.Equal(t, op, got)
	case <-time.After(waitTimeout):
		t.Fatalf("%s did not start", op)
	}
}

func waitTransfer(t *testing.T, tr *Transfer) domain.TransferOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	select {
	case <-tr.Done():
	case <-ctx.Done():
		t.Fatalf("transfer %d did not finish", tr.ID())
	}
	outcome, _ := tr.Wait(ctx)
	return outcome
}

func TestConnectRequiresConfig(t *testing.T) {
	c, _ := newTestClient(t)
	assert.ErrorIs(t, c.Connect(context.Background(), nil), ErrConfigRequired)
}

func TestConnectRejectsUnknownProtocol(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.Connect(context.Background(), &Config{Connection: strategy.Config{Protocol: "gopher"}})
	assert.ErrorIs(t, err, strategy.ErrProtocolNotFound)
}

func TestConnectRejectsBadPoolSize(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.Connect(context.Background(), &Config{
		Connection: strategy.Config{Protocol: "fake"},
		Pool:       pool.Config{Size: -1},
	})
	assert.ErrorIs(t, err, ErrInvalidPoolSize)
}

func TestConnectReusesConfigAndDisconnectsFirst(t *testing.T) {
	first := strategytest.New()
	c, rec := newTestClient(t, first)
	connect(t, c, pool.Config{Size: 1})
	require.True(t, c.Connected())

	require.NoError(t, c.Connect(context.Background(), nil))
	assert.False(t, first.Connected())
	assert.True(t, c.Connected())
	assert.Len(t, c.Workers(), 1)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.Connected())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.connects)
	assert.Equal(t, 2, rec.disconns)
}

func TestConnectFailureLeavesNoPool(t *testing.T) {
	ok := strategytest.New()
	bad := strategytest.New()
	bad.ConnectErr = errors.New("530 login incorrect")
	c, _ := newTestClient(t, ok, bad)

	err := c.Connect(context.Background(), &Config{
		Connection: strategy.Config{Protocol: "fake"},
		Pool:       pool.Config{Size: 2},
	})
	require.Error(t, err)
	assert.Empty(t, c.Workers())

	_, err = c.List(context.Background(), "/")
	assert.ErrorContains(t, err, "no workers")
}

func TestWorkersReportGroups(t *testing.T) {
	c, _ := newTestClient(t)
	connect(t, c, pool.Config{Size: 3, TransferPool: true})

	ws := c.Workers()
	require.Len(t, ws, 3)
	assert.Equal(t, pool.Misc, ws[0].Group)
	assert.Equal(t, pool.Transfer, ws[1].Group)
}

func TestFileOperations(t *testing.T) {
	f := strategytest.New()
	f.Entries = []domain.FileEntry{{Name: "a.txt", Type: domain.FileTypeFile, Size: 3}}
	f.FileSize = 42
	f.Dir = "/home/user"
	f.Reply = "200 NOOP ok"
	c, _ := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})
	ctx := context.Background()

	entries, err := c.List(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, f.Entries, entries)

	size, err := c.Size(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)

	dir, err := c.Pwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/home/user", dir)

	reply, err := c.Send(ctx, "NOOP")
	require.NoError(t, err)
	assert.Equal(t, "200 NOOP ok", reply)

	require.NoError(t, c.Move(ctx, "/a", "/b"))
	require.NoError(t, c.RemoveFile(ctx, "/b"))
	require.NoError(t, c.RemoveEmptyFolder(ctx, "/d"))
	require.NoError(t, c.RemoveFolder(ctx, "/d"))
	require.NoError(t, c.CreateFolder(ctx, "/d"))
	require.NoError(t, c.CreateEmptyFile(ctx, "/d/x"))
	assert.Equal(t, int32(10), f.Calls.Load())
}

func TestClosedConnectionErrorsAreSwallowed(t *testing.T) {
	f := strategytest.New()
	f.OpErr = strategy.Closed(errors.New("client is closed"))
	c, _ := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	entries, err := c.List(context.Background(), "/")
	assert.NoError(t, err)
	assert.Nil(t, entries)
}

func TestProtocolErrorsPropagate(t *testing.T) {
	f := strategytest.New()
	f.OpErr = errors.New("550 no such file")
	c, _ := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	err := c.RemoveFile(context.Background(), "/missing")
	assert.EqualError(t, err, "550 no such file")
}

func TestDownloadReportsProgressAndFinish(t *testing.T) {
	f := strategytest.New()
	f.FileSize = 6
	f.Chunks = [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")}
	c, rec := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	var buf bytes.Buffer
	outcome, err := c.Download(context.Background(), &buf, "/file.bin", WithLocalPath("/tmp/file.bin"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusFinished, outcome.Status)
	assert.Equal(t, int64(6), outcome.Bytes)
	assert.Equal(t, "abcdef", buf.String())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.news, 1)
	assert.Equal(t, domain.TransferDownload, rec.news[0].Direction)
	assert.Equal(t, "/tmp/file.bin", rec.news[0].LocalPath)

	require.Len(t, rec.progress, 3)
	assert.Equal(t, []int64{2, 4, 6}, []int64{rec.progress[0].Bytes, rec.progress[1].Bytes, rec.progress[2].Bytes})
	assert.Equal(t, 100, rec.progress[2].Percent)

	require.Len(t, rec.finishes, 1)
	assert.Equal(t, int64(6), rec.finishFor[0].TotalBytes)
	assert.Empty(t, c.Transfers())
}

func TestQuietDownloadEmitsNoProgress(t *testing.T) {
	f := strategytest.New()
	f.Chunks = [][]byte{[]byte("abc")}
	c, rec := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	outcome, err := c.Download(context.Background(), io.Discard, "/f", WithQuiet(), WithSize(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), outcome.Bytes)
	assert.Empty(t, rec.progress)
}

func TestUploadSizesFromReader(t *testing.T) {
	c, rec := newTestClient(t)
	connect(t, c, pool.Config{Size: 1})

	outcome, err := c.Upload(context.Background(), bytes.NewReader([]byte("hello")), "/up.txt")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusFinished, outcome.Status)
	assert.Equal(t, int64(5), outcome.Bytes)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.news, 1)
	assert.Equal(t, int64(5), rec.news[0].TotalBytes)
}

func TestFailedTransferStillFinishes(t *testing.T) {
	f := strategytest.New()
	f.OpErr = errors.New("426 transfer aborted by server")
	c, rec := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	outcome, err := c.Download(context.Background(), io.Discard, "/f")
	require.Error(t, err)
	assert.Equal(t, domain.TransferStatusFailed, outcome.Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.finishes, 1)
	assert.Equal(t, domain.TransferStatusFailed, rec.finishes[0].Status)
}

func TestAbortTransferUnknownID(t *testing.T) {
	c, _ := newTestClient(t)
	connect(t, c, pool.Config{Size: 1})
	assert.ErrorIs(t, c.AbortTransfer(context.Background(), 987654321), ErrTransferNotFound)
}

func TestAbortRunningTransfer(t *testing.T) {
	busy := gatedFake()
	other := strategytest.New()
	c, rec := newTestClient(t, busy, other)
	connect(t, c, pool.Config{Size: 2})

	tr, err := c.DownloadAsync(context.Background(), io.Discard, "/big.iso")
	require.NoError(t, err)
	started(t, busy, "download")

	require.NoError(t, c.AbortTransfer(context.Background(), tr.ID()))
	outcome := waitTransfer(t, tr)
	assert.Equal(t, domain.TransferStatusAborted, outcome.Status)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, int32(1), busy.Aborts.Load())
	assert.Zero(t, other.Aborts.Load())

	ws := c.Workers()
	assert.False(t, ws[0].Busy)
	assert.False(t, ws[0].Paused)
	assert.True(t, ws[0].Connected)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, [][]int64{{tr.ID()}}, rec.aborts)
}

func TestAbortTransferKeepsOtherWorkersDispatching(t *testing.T) {
	busy := gatedFake()
	busy.AbortStarted = make(chan struct{}, 1)
	busy.AbortGate = make(chan struct{})
	other := strategytest.New()
	other.Dir = "/srv"
	c, _ := newTestClient(t, busy, other)
	connect(t, c, pool.Config{Size: 2})
	ctx := context.Background()

	tr, err := c.DownloadAsync(ctx, io.Discard, "/big.iso")
	require.NoError(t, err)
	started(t, busy, "download")

	aborted := make(chan error, 1)
	go func() { aborted <- c.AbortTransfer(ctx, tr.ID()) }()
	select {
	case <-busy.AbortStarted:
	case <-time.After(waitTimeout):
		t.Fatal("abort never reached the connection")
	}

	workers := c.Workers()
	assert.True(t, workers[0].Paused)
	assert.True(t, workers[0].Busy)

	// queued while worker 0 is reconnecting
	dir, err := c.Pwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/srv", dir)
	assert.Equal(t, int32(1), other.Calls.Load())

	select {
	case err := <-aborted:
		t.Fatalf("abort returned before its reconnect finished: %v", err)
	default:
	}

	close(busy.AbortGate)
	select {
	case err := <-aborted:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("abort did not return")
	}
	assert.Equal(t, domain.TransferStatusAborted, waitTransfer(t, tr).Status)
	assert.False(t, c.Workers()[0].Paused)
	assert.True(t, c.Workers()[0].Connected)
}

func TestAbortQueuedTransfer(t *testing.T) {
	f := gatedFake()
	c, _ := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	first, err := c.DownloadAsync(context.Background(), io.Discard, "/one")
	require.NoError(t, err)
	started(t, f, "download")

	queued, err := c.DownloadAsync(context.Background(), io.Discard, "/two")
	require.NoError(t, err)
	states := c.Transfers()
	require.Len(t, states, 2)
	assert.Equal(t, -1, states[1].Worker)

	require.NoError(t, c.AbortTransfer(context.Background(), queued.ID()))
	assert.Equal(t, domain.TransferStatusAborted, waitTransfer(t, queued).Status)
	assert.Zero(t, f.Aborts.Load())

	close(f.Gate)
	assert.Equal(t, domain.TransferStatusFinished, waitTransfer(t, first).Status)
}

func TestAbortAll(t *testing.T) {
	a, b := gatedFake(), gatedFake()
	c, rec := newTestClient(t, a, b)
	connect(t, c, pool.Config{Size: 2})

	t1, err := c.DownloadAsync(context.Background(), io.Discard, "/1")
	require.NoError(t, err)
	t2, err := c.UploadAsync(context.Background(), bytes.NewReader([]byte("x")), "/2")
	require.NoError(t, err)
	started(t, a, "download")
	started(t, b, "upload")
	t3, err := c.DownloadAsync(context.Background(), io.Discard, "/3")
	require.NoError(t, err)

	require.NoError(t, c.Abort(context.Background()))
	for _, tr := range []*Transfer{t1, t2, t3} {
		assert.Equal(t, domain.TransferStatusAborted, waitTransfer(t, tr).Status)
	}
	assert.Equal(t, int32(1), a.Aborts.Load())
	assert.Equal(t, int32(1), b.Aborts.Load())

	for _, w := range c.Workers() {
		assert.False(t, w.Busy)
		assert.False(t, w.Paused)
		assert.True(t, w.Connected)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.aborts, 1)
	assert.ElementsMatch(t, []int64{t1.ID(), t2.ID(), t3.ID()}, rec.aborts[0])
}

func TestFailedReconnectLeavesWorkerPaused(t *testing.T) {
	f := gatedFake()
	f.AbortErr = errors.New("connection refused")
	c, _ := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	tr, err := c.DownloadAsync(context.Background(), io.Discard, "/f")
	require.NoError(t, err)
	started(t, f, "download")

	err = c.AbortTransfer(context.Background(), tr.ID())
	assert.ErrorContains(t, err, "connection refused")
	waitTransfer(t, tr)

	ws := c.Workers()
	require.Len(t, ws, 1)
	assert.True(t, ws[0].Paused)
	assert.False(t, ws[0].Connected)
}

func TestDisconnectCancelsQueuedTransfers(t *testing.T) {
	f := gatedFake()
	c, _ := newTestClient(t, f)
	connect(t, c, pool.Config{Size: 1})

	running, err := c.DownloadAsync(context.Background(), io.Discard, "/1")
	require.NoError(t, err)
	started(t, f, "download")
	queued, err := c.DownloadAsync(context.Background(), io.Discard, "/2")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, domain.TransferStatusCanceled, waitTransfer(t, queued).Status)
	assert.Equal(t, domain.TransferStatusAborted, waitTransfer(t, running).Status)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	count := 0
	unsubscribe := c.Subscribe(Hooks{OnConnect: func() { count++ }})

	connect(t, c, pool.Config{Size: 1})
	unsubscribe()
	unsubscribe()
	connect(t, c, pool.Config{Size: 1})
	assert.Equal(t, 1, count)
}
