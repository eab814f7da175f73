package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"transferpool/internal/domain"
	"transferpool/internal/repository"
)

const (
	createTransfersTable = `
CREATE TABLE IF NOT EXISTS transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	transfer_id INTEGER NOT NULL,
	direction TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	remote_path TEXT NOT NULL,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	bytes INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_transfer_id ON transfers (transfer_id);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers (status);
`

	selectTransfer = `
SELECT id, uuid, transfer_id, direction, local_path, remote_path, total_bytes, bytes, status, error_message, started_at, finished_at
FROM transfers`
)

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(db *sql.DB) repository.TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransfersTable); err != nil {
		return fmt.Errorf("create transfers table: %w", err)
	}
	return nil
}

func (r *TransferRepository) Create(ctx context.Context, rec *domain.TransferRecord) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.TransferStatusPending
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO transfers (uuid, transfer_id, direction, local_path, remote_path, total_bytes, bytes, status, error_message, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UUID,
		rec.TransferID,
		string(rec.Direction),
		rec.LocalPath,
		rec.RemotePath,
		rec.TotalBytes,
		rec.Bytes,
		string(rec.Status),
		rec.ErrorMessage,
		rec.StartedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transfer: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// Finish settles the newest pending record for transferID.
func (r *TransferRepository) Finish(ctx context.Context, transferID int64, status domain.TransferStatus, bytes, totalBytes int64, errorMessage string, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE transfers
SET status=?, bytes=?, total_bytes=MAX(total_bytes, ?), error_message=?, finished_at=?
WHERE id = (SELECT id FROM transfers WHERE transfer_id=? AND finished_at IS NULL ORDER BY id DESC LIMIT 1)`,
		string(status),
		bytes,
		totalBytes,
		errorMessage,
		finishedAt.UTC(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish transfer rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("transfer %d: %w", transferID, repository.ErrNotFound)
	}
	return nil
}

func (r *TransferRepository) Get(ctx context.Context, id int64) (*domain.TransferRecord, error) {
	return scanTransfer(r.db.QueryRowContext(ctx, selectTransfer+` WHERE id=?`, id))
}

func (r *TransferRepository) GetByUUID(ctx context.Context, uuid string) (*domain.TransferRecord, error) {
	return scanTransfer(r.db.QueryRowContext(ctx, selectTransfer+` WHERE uuid=?`, uuid))
}

// List returns the newest records first. A limit of zero or less means no
// limit.
func (r *TransferRepository) List(ctx context.Context, limit int) ([]domain.TransferRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, selectTransfer+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *TransferRepository) ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.TransferRecord, error) {
	if len(statuses) == 0 {
		return []domain.TransferRecord{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(selectTransfer+`
WHERE status IN (%s)
ORDER BY id ASC`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers by status: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// DeleteBefore prunes settled records that finished before the given time.
func (r *TransferRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transfers WHERE finished_at IS NOT NULL AND finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete transfers: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete transfers rows affected: %w", err)
	}
	return aff, nil
}

func collect(rows *sql.Rows) ([]domain.TransferRecord, error) {
	var records []domain.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanTransfer(scanner interface {
	Scan(dest ...any) error
}) (*domain.TransferRecord, error) {
	var (
		rec        domain.TransferRecord
		direction  string
		status     string
		startedAt  time.Time
		finishedAt sql.NullTime
	)

	if err := scanner.Scan(
		&rec.ID,
		&rec.UUID,
		&rec.TransferID,
		&direction,
		&rec.LocalPath,
		&rec.RemotePath,
		&rec.TotalBytes,
		&rec.Bytes,
		&status,
		&rec.ErrorMessage,
		&startedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}

	rec.Direction = domain.TransferDirection(direction)
	rec.Status = domain.TransferStatus(status)
	rec.StartedAt = startedAt.Local()
	if finishedAt.Valid {
		t := finishedAt.Time.Local()
		rec.FinishedAt = &t
	}
	return &rec, nil
}
