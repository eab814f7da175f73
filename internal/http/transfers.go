package http

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"transferpool/internal/client"
	"transferpool/internal/domain"
)

type transferRequest struct {
	RemotePath string `json:"remote_path" binding:"required"`
	// LocalPath is resolved under the data root.
	LocalPath string `json:"local_path" binding:"required"`
	StartAt   int64  `json:"start_at"`
	Quiet     bool   `json:"quiet"`
}

func (r transferRequest) options(local string) []client.TransferOption {
	opts := []client.TransferOption{client.WithLocalPath(local), client.WithStartAt(r.StartAt)}
	if r.Quiet {
		opts = append(opts, client.WithQuiet())
	}
	return opts
}

// localPath confines rel to the data root; ".." cannot climb out of it.
func (h *Handler) localPath(rel string) string {
	return filepath.Join(h.dataRoot, filepath.Clean("/"+filepath.ToSlash(rel)))
}

func bindTransfer(c *gin.Context) (transferRequest, bool) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if req.StartAt < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_at must not be negative"})
		return req, false
	}
	return req, true
}

// download streams into a local file. The transfer outlives the request.
func (h *Handler) download(c *gin.Context) {
	req, ok := bindTransfer(c)
	if !ok {
		return
	}

	local := h.localPath(req.LocalPath)
	f, err := openDownloadTarget(local, req.StartAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	t, err := h.client.DownloadAsync(ctx, f, req.RemotePath, req.options(local)...)
	if err != nil {
		_ = f.Close()
		writeError(c, err)
		return
	}
	go h.closeWhenDone(t, f)
	c.JSON(http.StatusAccepted, transferInfoResponse(t.Info()))
}

func (h *Handler) upload(c *gin.Context) {
	req, ok := bindTransfer(c)
	if !ok {
		return
	}

	local := h.localPath(req.LocalPath)
	f, size, err := openUploadSource(local, req.StartAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	opts := append(req.options(local), client.WithSize(size))
	t, err := h.client.UploadAsync(ctx, f, req.RemotePath, opts...)
	if err != nil {
		_ = f.Close()
		writeError(c, err)
		return
	}
	go h.closeWhenDone(t, f)
	c.JSON(http.StatusAccepted, transferInfoResponse(t.Info()))
}

func (h *Handler) closeWhenDone(t *client.Transfer, f *os.File) {
	<-t.Done()
	if err := f.Close(); err != nil {
		h.logger.WithField("transfer_id", t.ID()).WithError(err).Warn("close local file")
	}
}

func openDownloadTarget(path string, startAt int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create local dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if startAt == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open local file: %w", err)
	}
	if startAt > 0 {
		if _, err := f.Seek(startAt, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seek local file: %w", err)
		}
	}
	return f, nil
}

func openUploadSource(path string, startAt int64) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open local file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("local path %s is not a regular file", path)
	}
	if startAt > fi.Size() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("start_at %d is past the end of %s", startAt, path)
	}
	if startAt > 0 {
		if _, err := f.Seek(startAt, 0); err != nil {
			_ = f.Close()
			return nil, 0, fmt.Errorf("seek local file: %w", err)
		}
	}
	return f, fi.Size(), nil
}

type TransferResponse struct {
	ID         int64  `json:"id"`
	Direction  string `json:"direction"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
	TotalBytes int64  `json:"total_bytes"`
	StartAt    int64  `json:"start_at"`
	Worker     *int   `json:"worker,omitempty"`
	Bytes      int64  `json:"bytes"`
	Speed      int64  `json:"speed"`
	ETA        *int64 `json:"eta,omitempty"`
	Percent    int    `json:"percent"`
}

func transferInfoResponse(info domain.TransferInfo) TransferResponse {
	return TransferResponse{
		ID:         info.ID,
		Direction:  string(info.Direction),
		LocalPath:  info.LocalPath,
		RemotePath: info.RemotePath,
		TotalBytes: info.TotalBytes,
		StartAt:    info.StartAt,
		Bytes:      info.StartAt,
	}
}

func transferStateResponse(st client.TransferState) TransferResponse {
	resp := transferInfoResponse(st.Info)
	if st.Worker >= 0 {
		w := st.Worker
		resp.Worker = &w
	}
	resp.Bytes = st.Progress.Bytes
	resp.Speed = st.Progress.Speed
	resp.ETA = st.Progress.ETA
	resp.Percent = st.Progress.Percent
	if st.Progress.TotalBytes > resp.TotalBytes {
		resp.TotalBytes = st.Progress.TotalBytes
	}
	return resp
}

func (h *Handler) listTransfers(c *gin.Context) {
	states := h.client.Transfers()
	resp := make([]TransferResponse, len(states))
	for i := range states {
		resp[i] = transferStateResponse(states[i])
	}
	c.JSON(http.StatusOK, resp)
}

type abortRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1"`
}

func (h *Handler) abortTransfers(c *gin.Context) {
	var req abortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.doAbort(c, req.IDs...)
}

func (h *Handler) abortTransfer(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
		return
	}
	h.doAbort(c, id)
}

func (h *Handler) doAbort(c *gin.Context, ids ...int64) {
	if err := h.client.AbortTransfer(c.Request.Context(), ids...); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) abortAll(c *gin.Context) {
	if err := h.client.Abort(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type HistoryResponse struct {
	ID           int64   `json:"id"`
	UUID         string  `json:"uuid"`
	TransferID   int64   `json:"transfer_id"`
	Direction    string  `json:"direction"`
	LocalPath    string  `json:"local_path"`
	RemotePath   string  `json:"remote_path"`
	TotalBytes   int64   `json:"total_bytes"`
	Bytes        int64   `json:"bytes"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message,omitempty"`
	StartedAt    string  `json:"started_at"`
	FinishedAt   *string `json:"finished_at,omitempty"`
}

func recordToResponse(rec domain.TransferRecord) HistoryResponse {
	resp := HistoryResponse{
		ID:           rec.ID,
		UUID:         rec.UUID,
		TransferID:   rec.TransferID,
		Direction:    string(rec.Direction),
		LocalPath:    rec.LocalPath,
		RemotePath:   rec.RemotePath,
		TotalBytes:   rec.TotalBytes,
		Bytes:        rec.Bytes,
		Status:       string(rec.Status),
		ErrorMessage: rec.ErrorMessage,
		StartedAt:    rec.StartedAt.Format(time.RFC3339),
	}
	if rec.FinishedAt != nil {
		v := rec.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	return resp
}

// history lists records newest first, or by status with
// ?status=failed,aborted.
func (h *Handler) history(c *gin.Context) {
	var (
		records []domain.TransferRecord
		err     error
	)
	if raw := c.Query("status"); raw != "" {
		var statuses []domain.TransferStatus
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, domain.TransferStatus(s))
			}
		}
		records, err = h.transfers.HistoryByStatus(c.Request.Context(), statuses...)
	} else {
		limit, convErr := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		records, err = h.transfers.History(c.Request.Context(), limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]HistoryResponse, len(records))
	for i := range records {
		resp[i] = recordToResponse(records[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) historyRecord(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	rec, err := h.transfers.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordToResponse(*rec))
}

func (h *Handler) pruneHistory(c *gin.Context) {
	olderThan, err := time.ParseDuration(c.DefaultQuery("older_than", "720h"))
	if err != nil || olderThan < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than duration"})
		return
	}
	n, err := h.transfers.Prune(c.Request.Context(), olderThan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
