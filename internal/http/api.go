package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"transferpool/internal/client"
	"transferpool/internal/repository"
	"transferpool/internal/scheduler"
	"transferpool/internal/service"
	"transferpool/internal/strategy"
)

const subjectKey = "subject"

// Handler wires HTTP routes to the transfer client and its services.
type Handler struct {
	client    client.Client
	transfers service.TransferService
	auth      service.AuthService
	dataRoot  string
	defaults  *client.Config
	logger    *logrus.Logger
}

type Config struct {
	Client    client.Client
	Transfers service.TransferService
	Auth      service.AuthService
	// DataRoot confines the local side of HTTP-triggered transfers.
	DataRoot string
	// Defaults is used by /connect when no connection has been made yet and
	// the request carries no body.
	Defaults *client.Config
	Logger   *logrus.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Handler{
		client:    cfg.Client,
		transfers: cfg.Transfers,
		auth:      cfg.Auth,
		dataRoot:  cfg.DataRoot,
		defaults:  cfg.Defaults,
		logger:    cfg.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/login", h.login)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok", "connected": h.client.Connected()})
		})
	}

	secured := api.Group("")
	secured.Use(h.authMiddleware())
	{
		secured.POST("/connect", h.connect)
		secured.POST("/disconnect", h.disconnect)
		secured.GET("/workers", h.listWorkers)

		secured.GET("/files", h.listFiles)
		secured.GET("/files/size", h.fileSize)
		secured.POST("/files", h.createEmptyFile)
		secured.POST("/files/move", h.move)
		secured.DELETE("/files", h.removeFile)
		secured.POST("/folders", h.createFolder)
		secured.DELETE("/folders", h.removeFolder)
		secured.GET("/pwd", h.pwd)
		secured.POST("/send", h.send)

		secured.GET("/transfers", h.listTransfers)
		secured.POST("/transfers/download", h.download)
		secured.POST("/transfers/upload", h.upload)
		secured.POST("/transfers/abort", h.abortTransfers)
		secured.POST("/transfers/:id/abort", h.abortTransfer)
		secured.GET("/transfers/history", h.history)
		secured.GET("/transfers/history/:id", h.historyRecord)
		secured.DELETE("/transfers/history", h.pruneHistory)
		secured.POST("/abort", h.abortAll)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := h.auth.Verify(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, exp, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.logger.WithField("username", req.Username).Warn("login rejected")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: exp.Format(time.RFC3339)})
}

// writeError maps domain errors to status codes.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, client.ErrTransferNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, client.ErrConfigRequired),
		errors.Is(err, client.ErrInvalidPoolSize),
		errors.Is(err, strategy.ErrProtocolNotFound):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNoWorkers), errors.Is(err, strategy.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, strategy.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
