package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"transferpool/internal/client"
	"transferpool/internal/domain"
	"transferpool/internal/repository"
)

const (
	writeTimeout     = 5 * time.Second
	progressLogEvery = 2 * time.Second
)

// TransferService keeps the transfer history and logs live progress. It
// observes a client through Hooks.
type TransferService interface {
	Hooks() client.Hooks
	History(ctx context.Context, limit int) ([]domain.TransferRecord, error)
	HistoryByStatus(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.TransferRecord, error)
	Get(ctx context.Context, id int64) (*domain.TransferRecord, error)
	// Recover settles records left pending by a previous process as failed.
	Recover(ctx context.Context) (int, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

type transferService struct {
	transfers repository.TransferRepository
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.Mutex
	lastLog map[int64]time.Time
}

func NewTransferService(transfers repository.TransferRepository, logger *logrus.Logger) TransferService {
	if logger == nil {
		logger = logrus.New()
	}
	return &transferService{
		transfers: transfers,
		logger:    logger,
		now:       time.Now,
		lastLog:   make(map[int64]time.Time),
	}
}

func (s *transferService) Hooks() client.Hooks {
	return client.Hooks{
		OnTransferNew:      s.onNew,
		OnTransferProgress: s.onProgress,
		OnTransferFinish:   s.onFinish,
	}
}

func (s *transferService) onNew(info domain.TransferInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rec := &domain.TransferRecord{
		UUID:       uuid.NewString(),
		TransferID: info.ID,
		Direction:  info.Direction,
		LocalPath:  info.LocalPath,
		RemotePath: info.RemotePath,
		TotalBytes: info.TotalBytes,
		Bytes:      info.StartAt,
		Status:     domain.TransferStatusPending,
		StartedAt:  s.now().UTC(),
	}
	if _, err := s.transfers.Create(ctx, rec); err != nil {
		s.logger.WithField("transfer_id", info.ID).WithError(err).Warn("record transfer")
	}
}

// onProgress logs at most once per progressLogEvery per transfer, and always
// on completion.
func (s *transferService) onProgress(info domain.TransferInfo, p domain.TransferProgress) {
	now := s.now()
	s.mu.Lock()
	last, seen := s.lastLog[info.ID]
	due := !seen || now.Sub(last) >= progressLogEvery || (p.TotalBytes > 0 && p.Bytes >= p.TotalBytes)
	if due {
		s.lastLog[info.ID] = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	entry := s.logger.WithFields(logrus.Fields{
		"transfer_id": info.ID,
		"remote_path": info.RemotePath,
		"bytes":       p.Bytes,
		"total":       p.TotalBytes,
		"percent":     p.Percent,
		"speed":       p.Speed,
	})
	if p.ETA != nil {
		entry = entry.WithField("eta", *p.ETA)
	}
	entry.Debug("transfer progress")
}

func (s *transferService) onFinish(info domain.TransferInfo, outcome domain.TransferOutcome) {
	s.mu.Lock()
	delete(s.lastLog, info.ID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	msg := ""
	if outcome.Err != nil {
		msg = outcome.Err.Error()
	}
	if err := s.transfers.Finish(ctx, info.ID, outcome.Status, outcome.Bytes, info.TotalBytes, msg, s.now()); err != nil {
		s.logger.WithField("transfer_id", info.ID).WithError(err).Warn("record transfer outcome")
	}
}

func (s *transferService) History(ctx context.Context, limit int) ([]domain.TransferRecord, error) {
	return s.transfers.List(ctx, limit)
}

func (s *transferService) HistoryByStatus(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.TransferRecord, error) {
	return s.transfers.ListByStatuses(ctx, statuses...)
}

func (s *transferService) Get(ctx context.Context, id int64) (*domain.TransferRecord, error) {
	return s.transfers.Get(ctx, id)
}

func (s *transferService) Recover(ctx context.Context) (int, error) {
	stale, err := s.transfers.ListByStatuses(ctx, domain.TransferStatusPending)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, rec := range stale {
		err := s.transfers.Finish(ctx, rec.TransferID, domain.TransferStatusFailed, rec.Bytes, rec.TotalBytes, "interrupted by restart", s.now())
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return settled, err
		}
		if err == nil {
			settled++
		}
	}
	return settled, nil
}

func (s *transferService) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.transfers.DeleteBefore(ctx, s.now().Add(-olderThan))
}
