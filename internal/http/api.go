package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"offline-reader/internal/domain"
	"offline-reader/internal/downloader"
	"offline-reader/internal/service"
)

// Handler wires HTTP routes to the per-medium download managers.
type Handler struct {
	managers  map[domain.Medium]downloader.Manager
	users     service.UserService
	jwtSecret string
	tokenTTL  time.Duration
}

func NewHandler(managers map[domain.Medium]downloader.Manager, users service.UserService, jwtSecret string, tokenTTL time.Duration) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Handler{
		managers:  managers,
		users:     users,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)

		authed := api.Group("", h.authMiddleware())
		{
			authed.POST("/downloads/:medium", h.createDownload)
			authed.GET("/downloads/:medium", h.listDownloads)
			authed.POST("/downloads/:medium/:parent/:content/pause", h.taskOp(downloader.Manager.Pause))
			authed.POST("/downloads/:medium/:parent/:content/resume", h.taskOp(downloader.Manager.Resume))
			authed.POST("/downloads/:medium/:parent/:content/cancel", h.taskOp(downloader.Manager.Cancel))
			authed.POST("/downloads/:medium/:parent/:content/retry", h.taskOp(downloader.Manager.Retry))
			authed.PUT("/settings/:medium/concurrency", h.setConcurrency)
			authed.GET("/library/:medium", h.listLibrary)
			authed.DELETE("/library/:medium/:parent/:content", h.deleteLibraryEntry)
			authed.GET("/resumes/:medium", h.listResumes)
		}
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

type registerRequest struct {
	Username       string `json:"username" binding:"required"`
	Password       string `json:"password" binding:"required"`
	RegisterSecret string `json:"register_secret" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.RegisterSecret)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service.ErrInvalidRegistrationPassword) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   fmt.Sprint(user.ID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
	})
	signed, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_in": int(h.tokenTTL.Seconds())})
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		_, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(h.jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}

func (h *Handler) manager(c *gin.Context) (downloader.Manager, bool) {
	medium := domain.Medium(c.Param("medium"))
	manager, ok := h.managers[medium]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown medium %q", medium)})
		return nil, false
	}
	return manager, true
}

type createDownloadRequest struct {
	Source       string `json:"source" binding:"required"`
	ParentID     string `json:"parent_id" binding:"required"`
	ContentID    string `json:"content_id" binding:"required"`
	ParentTitle  string `json:"parent_title"`
	ContentTitle string `json:"content_title"`
}

func (h *Handler) createDownload(c *gin.Context) {
	manager, ok := h.manager(c)
	if !ok {
		return
	}

	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := manager.Download(c.Request.Context(), downloader.Request{
		Source:       req.Source,
		ParentID:     req.ParentID,
		ContentID:    req.ContentID,
		ParentTitle:  req.ParentTitle,
		ContentTitle: req.ContentTitle,
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyDownloaded):
		c.JSON(http.StatusOK, gin.H{"status": "already_downloaded"})
	case errors.Is(err, domain.ErrUnsupportedSource):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicateTask):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}

func (h *Handler) listDownloads(c *gin.Context) {
	manager, ok := h.manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, manager.Snapshot())
}

// taskOp adapts the pause/resume/cancel/retry manager methods to one
// handler shape.
func (h *Handler) taskOp(op func(downloader.Manager, domain.TaskKey) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		manager, ok := h.manager(c)
		if !ok {
			return
		}
		key := domain.TaskKey{ParentID: c.Param("parent"), ContentID: c.Param("content")}
		if err := op(manager, key); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrTaskNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task": key.String()})
	}
}

type setConcurrencyRequest struct {
	MaxConcurrent int `json:"max_concurrent" binding:"required,min=1"`
}

func (h *Handler) setConcurrency(c *gin.Context) {
	manager, ok := h.manager(c)
	if !ok {
		return
	}
	var req setConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	manager.SetMaxConcurrent(req.MaxConcurrent)
	c.JSON(http.StatusOK, gin.H{"max_concurrent": req.MaxConcurrent})
}

func (h *Handler) listLibrary(c *gin.Context) {
	manager, ok := h.manager(c)
	if !ok {
		return
	}
	records, err := manager.Library(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []domain.PersistedRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) deleteLibraryEntry(c *gin.Context) {
	manager, ok := h.manager(c)
	if !ok {
		return
	}
	key := domain.TaskKey{ParentID: c.Param("parent"), ContentID: c.Param("content")}
	if err := manager.Delete(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key.String()})
}

func (h *Handler) listResumes(c *gin.Context) {
	manager, ok := h.manager(c)
	if !ok {
		return
	}
	cps, err := manager.PendingResumes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cps == nil {
		cps = []domain.ResumeCheckpoint{}
	}
	c.JSON(http.StatusOK, cps)
}
