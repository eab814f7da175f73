package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferpool/internal/domain"
	"transferpool/internal/repository/sqlite"
)

func newTransferService(t *testing.T) (*transferService, *logtest.Hook, *time.Time) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewTransferRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewTransferService(repo, logger).(*transferService)
	svc.now = func() time.Time { return now }
	return svc, hook, &now
}

func info(id int64) domain.TransferInfo {
	return domain.TransferInfo{
		ID:         id,
		Direction:  domain.TransferDownload,
		LocalPath:  "/data/a.bin",
		RemotePath: "/pub/a.bin",
		TotalBytes: 100,
	}
}

func TestTransferServiceRecordsLifecycle(t *testing.T) {
	svc, _, _ := newTransferService(t)
	ctx := context.Background()
	hooks := svc.Hooks()

	hooks.OnTransferNew(info(1))
	hooks.OnTransferNew(info(2))

	pending, err := svc.HistoryByStatus(ctx, domain.TransferStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	hooks.OnTransferFinish(info(1), domain.TransferOutcome{Status: domain.TransferStatusFinished, Bytes: 100})
	hooks.OnTransferFinish(info(2), domain.TransferOutcome{Status: domain.TransferStatusFailed, Bytes: 10, Err: errors.New("550 denied")})

	finished, err := svc.HistoryByStatus(ctx, domain.TransferStatusFinished)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, int64(100), finished[0].Bytes)
	assert.NotNil(t, finished[0].FinishedAt)

	failed, err := svc.HistoryByStatus(ctx, domain.TransferStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "550 denied", failed[0].ErrorMessage)

	all, err := svc.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := svc.Get(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TransferID)
}

func TestTransferServiceFinishWithoutRecordLogs(t *testing.T) {
	svc, hook, _ := newTransferService(t)

	svc.Hooks().OnTransferFinish(info(9), domain.TransferOutcome{Status: domain.TransferStatusFinished})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, int64(9), entry.Data["transfer_id"])
}

func TestTransferServiceThrottlesProgressLogs(t *testing.T) {
	svc, hook, now := newTransferService(t)
	onProgress := svc.Hooks().OnTransferProgress

	onProgress(info(1), domain.TransferProgress{Bytes: 10, TotalBytes: 100})
	*now = now.Add(500 * time.Millisecond)
	onProgress(info(1), domain.TransferProgress{Bytes: 20, TotalBytes: 100})
	*now = now.Add(progressLogEvery)
	onProgress(info(1), domain.TransferProgress{Bytes: 30, TotalBytes: 100})
	*now = now.Add(time.Millisecond)
	onProgress(info(1), domain.TransferProgress{Bytes: 100, TotalBytes: 100, Percent: 100})

	var logged []int64
	for _, e := range hook.AllEntries() {
		if e.Message == "transfer progress" {
			logged = append(logged, e.Data["bytes"].(int64))
		}
	}
	assert.Equal(t, []int64{10, 30, 100}, logged)
}

func TestTransferServiceRecover(t *testing.T) {
	svc, _, _ := newTransferService(t)
	ctx := context.Background()
	hooks := svc.Hooks()

	hooks.OnTransferNew(info(1))
	hooks.OnTransferNew(info(1))
	hooks.OnTransferNew(info(2))
	hooks.OnTransferFinish(info(2), domain.TransferOutcome{Status: domain.TransferStatusFinished, Bytes: 100})

	n, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := svc.HistoryByStatus(ctx, domain.TransferStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := svc.HistoryByStatus(ctx, domain.TransferStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "interrupted by restart", failed[0].ErrorMessage)
}

func TestTransferServicePrune(t *testing.T) {
	svc, _, now := newTransferService(t)
	ctx := context.Background()

	hooks := svc.Hooks()
	done := domain.TransferOutcome{Status: domain.TransferStatusFinished, Bytes: 100}

	hooks.OnTransferNew(info(1))
	hooks.OnTransferFinish(info(1), done)
	*now = now.Add(48 * time.Hour)
	hooks.OnTransferNew(info(2))
	hooks.OnTransferFinish(info(2), done)
	hooks.OnTransferNew(info(3))

	removed, err := svc.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	rest, err := svc.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2, "pending records are never pruned")
	assert.Equal(t, int64(3), rest[0].TransferID)
	assert.Equal(t, int64(2), rest[1].TransferID)
}
