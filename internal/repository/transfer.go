package repository

import (
	"context"
	"errors"
	"time"

	"transferpool/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// TransferRepository stores the transfer history. Records are written when a
// transfer is registered and completed when it settles; they are never used
// to resume work.
type TransferRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, rec *domain.TransferRecord) (int64, error)
	Finish(ctx context.Context, transferID int64, status domain.TransferStatus, bytes, totalBytes int64, errorMessage string, finishedAt time.Time) error
	Get(ctx context.Context, id int64) (*domain.TransferRecord, error)
	GetByUUID(ctx context.Context, uuid string) (*domain.TransferRecord, error)
	List(ctx context.Context, limit int) ([]domain.TransferRecord, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.TransferRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
