package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatrelay/logger"
	"chatrelay/models"
	"chatrelay/protocol"
)

// httpStatus maps the error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrAuthFailure):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStorageUnavailable), errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrAlreadyConnected),
		errors.Is(err, models.ErrCapacityExceeded),
		errors.Is(err, models.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, models.ErrMalformedEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(err error) gin.H {
	return gin.H{"kind": models.Kind(err), "message": publicMessage(err)}
}

type credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.AdminToken == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminToken)) != 1 {
			err := errors.Wrap(models.ErrForbidden, "admin token required")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"kind": models.Kind(err), "message": err.Error()})
			return
		}
		c.Next()
	}
}

// Routes builds the HTTP surface: the websocket endpoint, signup/login and
// the admin API.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/ws", s.handleWS)

	api := r.Group("/api")
	api.POST("/signup", s.httpSignup)
	api.POST("/login", s.httpLogin)

	admin := api.Group("", s.requireAdmin())
	admin.GET("/messages", s.httpMessages)
	admin.DELETE("/messages", s.httpClearMessages)
	admin.GET("/presence", s.httpPresence)
	admin.GET("/stats", s.httpStats)
	return r
}

// ListenHTTP serves Routes on HTTPAddr until Shutdown.
func (s *Server) ListenHTTP() error {
	srv := &http.Server{
		Addr:              s.opts.HTTPAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.httpSrv = srv
	s.mu.Unlock()

	logger.Infof("http listening on %s", s.opts.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen http")
	}
	return nil
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), storeTimeout)
}

func (s *Server) httpSignup(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": models.Kind(models.ErrMalformedEvent), "message": err.Error()})
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	id, err := s.Signup(ctx, req.Username, req.Password)
	if err != nil {
		c.JSON(httpStatus(err), errorJSON(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"identity": protocol.IdentityView{ID: id.ID, Username: id.Username}})
}

func (s *Server) httpLogin(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": models.Kind(models.ErrMalformedEvent), "message": err.Error()})
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	id, token, exp, err := s.Login(ctx, req.Username, req.Password)
	if err != nil {
		c.JSON(httpStatus(err), errorJSON(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": exp.UnixMilli(),
		"identity":  protocol.IdentityView{ID: id.ID, Username: id.Username},
	})
}

func (s *Server) httpMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": protocol.ViewHistory(s.RecentMessages(), "")})
}

func (s *Server) httpClearMessages(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	if err := s.ClearAll(ctx); err != nil {
		c.JSON(httpStatus(err), errorJSON(err))
		return
	}
	logger.Info("chat cleared over http", zap.String("remote", c.ClientIP()))
	c.Status(http.StatusNoContent)
}

func (s *Server) httpPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": protocol.ViewPresence(s.Presence(), "")})
}

func (s *Server) httpStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}
