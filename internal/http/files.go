package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"transferpool/internal/client"
	"transferpool/internal/domain"
	"transferpool/internal/pool"
	"transferpool/internal/strategy"
)

type connectRequest struct {
	Protocol           string `json:"protocol" binding:"required"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	User               string `json:"user"`
	Password           string `json:"password"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	ImplicitTLS        bool   `json:"implicit_tls"`
	TryKeyboard        bool   `json:"try_keyboard"`
	KnownHosts         string `json:"known_hosts"`
	Bucket             string `json:"bucket"`
	Region             string `json:"region"`
	Endpoint           string `json:"endpoint"`
	Profile            string `json:"profile"`
	PoolSize           int    `json:"pool_size"`
	TransferPool       bool   `json:"transfer_pool"`
}

func (r connectRequest) config() *client.Config {
	return &client.Config{
		Connection: strategy.Config{
			Protocol:           r.Protocol,
			Host:               r.Host,
			Port:               r.Port,
			User:               r.User,
			Password:           r.Password,
			Timeout:            time.Duration(r.TimeoutSeconds) * time.Second,
			InsecureSkipVerify: r.InsecureSkipVerify,
			ImplicitTLS:        r.ImplicitTLS,
			TryKeyboard:        r.TryKeyboard,
			KnownHosts:         r.KnownHosts,
			Bucket:             r.Bucket,
			Region:             r.Region,
			Endpoint:           r.Endpoint,
			Profile:            r.Profile,
		},
		Pool: pool.Config{Size: r.PoolSize, TransferPool: r.TransferPool},
	}
}

// connect with an empty body reconnects with the last config, falling back
// to the configured defaults.
func (h *Handler) connect(c *gin.Context) {
	var cfg *client.Config
	if c.Request.ContentLength != 0 {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg = req.config()
	}

	err := h.client.Connect(c.Request.Context(), cfg)
	if cfg == nil && h.defaults != nil && errors.Is(err, client.ErrConfigRequired) {
		err = h.client.Connect(c.Request.Context(), h.defaults)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.client.SessionID(), "workers": workersToResponse(h.client.Workers())})
}

func (h *Handler) disconnect(c *gin.Context) {
	if err := h.client.Disconnect(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type WorkerResponse struct {
	Index     int    `json:"index"`
	Group     string `json:"group"`
	Busy      bool   `json:"busy"`
	Paused    bool   `json:"paused"`
	Connected bool   `json:"connected"`
}

func workersToResponse(states []pool.WorkerState) []WorkerResponse {
	resp := make([]WorkerResponse, len(states))
	for i, w := range states {
		resp[i] = WorkerResponse{
			Index:     w.Index,
			Group:     w.Group.String(),
			Busy:      w.Busy,
			Paused:    w.Paused,
			Connected: w.Connected,
		}
	}
	return resp
}

func (h *Handler) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, workersToResponse(h.client.Workers()))
}

type FileEntryResponse struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Size         int64   `json:"size"`
	Owner        string  `json:"owner,omitempty"`
	Group        string  `json:"group,omitempty"`
	Mode         string  `json:"mode,omitempty"`
	Target       string  `json:"target,omitempty"`
	LastModified *string `json:"last_modified,omitempty"`
}

func entryToResponse(e domain.FileEntry) FileEntryResponse {
	resp := FileEntryResponse{
		Name:   e.Name,
		Type:   string(e.Type),
		Size:   e.Size,
		Owner:  e.Owner,
		Group:  e.Group,
		Target: e.Target,
	}
	if e.Mode != 0 {
		resp.Mode = e.Mode.String()
	}
	if !e.LastModified.IsZero() {
		v := e.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func requirePath(c *gin.Context) (string, bool) {
	p := c.Query("path")
	if p == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return "", false
	}
	return p, true
}

func (h *Handler) listFiles(c *gin.Context) {
	entries, err := h.client.List(c.Request.Context(), c.DefaultQuery("path", "."))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]FileEntryResponse, len(entries))
	for i := range entries {
		resp[i] = entryToResponse(entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) fileSize(c *gin.Context) {
	p, ok := requirePath(c)
	if !ok {
		return
	}
	size, err := h.client.Size(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": p, "size": size})
}

type pathRequest struct {
	Path string `json:"path" binding:"required"`
}

func (h *Handler) createEmptyFile(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.client.CreateEmptyFile(c.Request.Context(), req.Path); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *Handler) createFolder(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.client.CreateFolder(c.Request.Context(), req.Path); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

type moveRequest struct {
	Src  string `json:"src" binding:"required"`
	Dest string `json:"dest" binding:"required"`
}

func (h *Handler) move(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.client.Move(c.Request.Context(), req.Src, req.Dest); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) removeFile(c *gin.Context) {
	p, ok := requirePath(c)
	if !ok {
		return
	}
	if err := h.client.RemoveFile(c.Request.Context(), p); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// removeFolder removes an empty folder unless recursive=true.
func (h *Handler) removeFolder(c *gin.Context) {
	p, ok := requirePath(c)
	if !ok {
		return
	}
	recursive, err := strconv.ParseBool(c.DefaultQuery("recursive", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recursive flag"})
		return
	}

	if recursive {
		err = h.client.RemoveFolder(c.Request.Context(), p)
	} else {
		err = h.client.RemoveEmptyFolder(c.Request.Context(), p)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) pwd(c *gin.Context) {
	dir, err := h.client.Pwd(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": dir})
}

type sendRequest struct {
	Command string `json:"command" binding:"required"`
}

func (h *Handler) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reply, err := h.client.Send(c.Request.Context(), req.Command)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}
