package domain

import (
	"os"
	"time"
)

type FileType string

const (
	FileTypeUnknown      FileType = "unknown"
	FileTypeFile         FileType = "file"
	FileTypeFolder       FileType = "folder"
	FileTypeSymbolicLink FileType = "symbolic-link"
)

// FileEntry describes a single remote directory entry.
type FileEntry struct {
	Name         string
	Type         FileType
	Size         int64
	Owner        string
	Group        string
	Mode         os.FileMode
	Target       string
	LastModified time.Time
}

type TransferDirection string

const (
	TransferDownload TransferDirection = "download"
	TransferUpload   TransferDirection = "upload"
)

type TransferStatus string

const (
	TransferStatusPending  TransferStatus = "pending"
	TransferStatusFinished TransferStatus = "finished"
	TransferStatusAborted  TransferStatus = "aborted"
	TransferStatusCanceled TransferStatus = "canceled"
	TransferStatusFailed   TransferStatus = "failed"
)

// TransferInfo identifies one upload or download. TotalBytes may be zero
// until the owning task has asked the server for the remote size.
type TransferInfo struct {
	ID         int64
	Direction  TransferDirection
	LocalPath  string
	RemotePath string
	TotalBytes int64
	StartAt    int64
}

// TransferProgress is derived from a transfer's byte counter and clock.
// ETA is nil while the speed is still zero.
type TransferProgress struct {
	Bytes      int64
	TotalBytes int64
	Speed      int64
	ETA        *int64
	Percent    int
}

// TransferOutcome is reported once a transfer settles, whatever the result.
type TransferOutcome struct {
	Status TransferStatus
	Bytes  int64
	Err    error
}

// TransferRecord is one row of the transfer history.
type TransferRecord struct {
	ID           int64
	UUID         string
	TransferID   int64
	Direction    TransferDirection
	LocalPath    string
	RemotePath   string
	TotalBytes   int64
	Bytes        int64
	Status       TransferStatus
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}
