package pool

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferpool/internal/strategy"
	"transferpool/internal/strategy/strategytest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newPool(t *testing.T, cfg Config, fakes ...*strategytest.Fake) *Pool {
	t.Helper()
	p := New(quietLogger())
	require.NoError(t, p.Build(context.Background(), strategytest.Factory(fakes...), strategy.Config{Protocol: "fake"}, cfg))
	return p
}

func TestBuildAssignsGroups(t *testing.T) {
	p := newPool(t, Config{Size: 3, TransferPool: true})

	states := p.Snapshot()
	require.Len(t, states, 3)
	assert.Equal(t, Misc, states[0].Group)
	assert.Equal(t, Transfer, states[1].Group)
	assert.Equal(t, Transfer, states[2].Group)
	for _, s := range states {
		assert.True(t, s.Connected)
		assert.False(t, s.Busy)
		assert.False(t, s.Paused)
	}
}

func TestBuildIsAllOrNothing(t *testing.T) {
	ok := strategytest.New()
	bad := strategytest.New()
	bad.ConnectErr = errors.New("auth failed")

	p := New(quietLogger())
	err := p.Build(context.Background(), strategytest.Factory(ok, bad), strategy.Config{}, Config{Size: 2})
	require.Error(t, err)
	assert.ErrorContains(t, err, "auth failed")
	assert.Equal(t, 0, p.Len())
	assert.False(t, ok.Connected())
}

func TestBuildRejectsBadSize(t *testing.T) {
	p := New(quietLogger())
	err := p.Build(context.Background(), strategytest.Factory(), strategy.Config{}, Config{Size: 0})
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestAcquireRespectsGroupsAndState(t *testing.T) {
	p := newPool(t, Config{Size: 3, TransferPool: true})

	w, ok := p.Acquire(None)
	require.True(t, ok)
	assert.Equal(t, 0, w.Index())

	_, ok = p.Acquire(None)
	assert.False(t, ok, "only the misc worker serves ungrouped tasks")

	require.NoError(t, p.Pause(1))
	w, ok = p.Acquire(Transfer)
	require.True(t, ok)
	assert.Equal(t, 2, w.Index())
	assert.False(t, p.Available(Transfer))

	require.NoError(t, p.Resume(1))
	assert.True(t, p.Available(Transfer))
}

func TestReleaseMakesWorkerAvailable(t *testing.T) {
	p := newPool(t, Config{Size: 1})
	w, ok := p.Acquire(Transfer)
	require.True(t, ok)
	assert.False(t, p.Available(None))

	p.Release(w)
	assert.True(t, p.Available(None))
}

func TestPauseOutOfRange(t *testing.T) {
	p := newPool(t, Config{Size: 1})
	assert.ErrorIs(t, p.Pause(5), ErrIndexOutOfRange)
	assert.ErrorIs(t, p.Resume(-1), ErrIndexOutOfRange)
}

func TestWaitIdle(t *testing.T) {
	p := newPool(t, Config{Size: 2})
	w, ok := p.Acquire(None)
	require.True(t, ok)

	require.NoError(t, p.WaitIdle(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitIdle(ctx, w.Index()), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- p.WaitIdle(context.Background()) }()
	p.Release(w)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return after release")
	}
}

func TestEachCollectsErrors(t *testing.T) {
	p := newPool(t, Config{Size: 3})
	boom := errors.New("boom")

	errs, err := p.Each(context.Background(), func(ctx context.Context, w *Worker) error {
		if w.Index() == 1 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])

	errs, err = p.Each(context.Background(), func(ctx context.Context, w *Worker) error { return nil }, 2)
	require.NoError(t, err)
	assert.Len(t, errs, 1)
}

func TestDisconnectAll(t *testing.T) {
	a, b := strategytest.New(), strategytest.New()
	p := newPool(t, Config{Size: 2}, a, b)

	require.NoError(t, p.DisconnectAll(context.Background()))
	assert.Equal(t, 0, p.Len())
	assert.False(t, a.Connected())
	assert.False(t, b.Connected())
	assert.NoError(t, p.DisconnectAll(context.Background()))
}

func TestPauseWorkerOnlyTouchesCurrentWorkers(t *testing.T) {
	p := newPool(t, Config{Size: 1})
	old, ok := p.Acquire(None)
	require.True(t, ok)

	assert.True(t, p.PauseWorker(old))
	assert.True(t, p.Snapshot()[0].Paused)
	assert.True(t, p.ResumeWorker(old))
	assert.False(t, p.Snapshot()[0].Paused)

	require.NoError(t, p.DisconnectAll(context.Background()))
	require.NoError(t, p.Build(context.Background(), strategytest.Factory(), strategy.Config{}, Config{Size: 1}))

	assert.False(t, p.PauseWorker(old))
	assert.False(t, p.Snapshot()[0].Paused)
	assert.False(t, p.ResumeWorker(nil))
}

func TestWaitReleasedFollowsReplacedWorker(t *testing.T) {
	p := newPool(t, Config{Size: 1})
	old, ok := p.Acquire(None)
	require.True(t, ok)

	require.NoError(t, p.DisconnectAll(context.Background()))
	require.NoError(t, p.Build(context.Background(), strategytest.Factory(), strategy.Config{}, Config{Size: 1}))
	fresh, ok := p.Acquire(None)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitReleased(ctx, old), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- p.WaitReleased(context.Background(), old) }()
	p.Release(old)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitReleased did not return after release")
	}
	assert.True(t, p.Snapshot()[0].Busy, "releasing the old worker leaves %d busy", fresh.Index())
}
