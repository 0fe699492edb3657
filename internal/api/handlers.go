package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"collectbot/internal/apperr"
	"collectbot/internal/auth"
	"collectbot/internal/models"
	"collectbot/internal/worker"
)

// UserService is the remote user store as seen by the HTTP layer.
type UserService interface {
	List(ctx context.Context) ([]models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, user models.User) (*models.User, error)
	Update(ctx context.Context, user models.User) (*models.User, error)
	Delete(ctx context.Context, id int64) error
}

type MediaService interface {
	Synthesize(ctx context.Context, msg models.Message) (*models.Audio, error)
	Transcribe(ctx context.Context, audio models.Audio) (*models.Message, error)
	ForgetUser(ctx context.Context, userID int64) error
}

type ChatService interface {
	Talk(ctx context.Context, msg models.Message) (*models.MessageBot, error)
	History(ctx context.Context, userID int64, limit int) ([]models.ChatTurn, error)
	ForgetUser(ctx context.Context, userID int64) error
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Users          UserService
	Auth           *auth.Service
	Media          MediaService
	Chat           ChatService
	Health         map[string]HealthCheck
	StaticDir      string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler wires HTTP routes to the user proxy, auth, media and chat services.
type Handler struct {
	users     UserService
	auth      *auth.Service
	media     MediaService
	chat      ChatService
	health    map[string]HealthCheck
	staticDir string
	origins   []string
	logger    *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		users:     deps.Users,
		auth:      deps.Auth,
		media:     deps.Media,
		chat:      deps.Chat,
		health:    deps.Health,
		staticDir: deps.StaticDir,
		origins:   deps.AllowedOrigins,
		logger:    logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(h.origins))
	if h.staticDir != "" {
		router.Static("/static", h.staticDir)
	}

	router.GET("/", h.root)
	router.GET("/healthz", h.healthz)

	router.GET("/users", h.listUsers)
	router.GET("/user", h.getUser)
	router.GET("/user/:id", h.getUser)
	router.POST("/user", h.createUser)
	router.PUT("/user", h.updateUser)
	router.DELETE("/user", h.deleteUser)
	router.DELETE("/user/:id", h.deleteUser)

	router.POST("/login", h.login)
	authMW := h.auth.Middleware()
	router.GET("/login/users/me", authMW, h.currentUser)

	router.POST("/audio", h.synthesize)
	router.POST("/audio/transcribe", h.transcribe)

	router.POST("/chatbot/talk", h.talk)
	router.GET("/chatbot/history", authMW, h.history)
	router.GET("/chatbot/ws", authMW, h.chatSocket)
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "Ok"})
}

func (h *Handler) healthz(c *gin.Context) {
	checks := make(gin.H, len(h.health))
	healthy := true
	for name, check := range h.health {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			h.logger.Warn("health check failed", "dependency", name, "error", err)
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// writeError renders err as {"error": ...} with the mapped status code.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		return
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
		return
	}
	status := apperr.Status(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

// userID reads the id from the path, falling back to the id query parameter.
func userID(c *gin.Context) (int64, bool) {
	raw := c.Param("id")
	if raw == "" {
		raw = c.Query("id")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RedactAll(users))
}

func (h *Handler) getUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user.Redacted())
}

func (h *Handler) createUser(c *gin.Context) {
	var req models.User
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.users.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user.Redacted())
}

func (h *Handler) updateUser(c *gin.Context) {
	var req models.User
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	user, err := h.users.Update(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user.Redacted())
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if err := h.users.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.chat.ForgetUser(c.Request.Context(), id); err != nil {
		h.logger.Warn("forget chat data", "user_id", id, "error", err)
	}
	if err := h.media.ForgetUser(c.Request.Context(), id); err != nil {
		h.logger.Warn("forget audio clips", "user_id", id, "error", err)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) login(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	password := c.PostForm("password")
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	token, err := h.auth.Authenticate(c.Request.Context(), username, password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) currentUser(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		h.writeError(c, apperr.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, user.Redacted())
}

func (h *Handler) synthesize(c *gin.Context) {
	var req models.Message
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	audio, err := h.media.Synthesize(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, audio)
}

func (h *Handler) transcribe(c *gin.Context) {
	var req models.Audio
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.media.Transcribe(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) talk(c *gin.Context) {
	var req models.Message
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	reply, err := h.chat.Talk(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handler) history(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		h.writeError(c, apperr.ErrUnauthorized)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	turns, err := h.chat.History(c.Request.Context(), user.ID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, turns)
}
