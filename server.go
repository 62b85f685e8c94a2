package main

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/go-authgate/token-keeper/refresh"
	"github.com/go-authgate/token-keeper/token"
)

// server exposes the coordinator over HTTP.
type server struct {
	coord *refresh.Coordinator
	store refresh.Store
	log   *zap.Logger
	now   func() time.Time
}

func newRouter(coord *refresh.Coordinator, st refresh.Store, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	s := &server{coord: coord, store: st, log: log.Named("http"), now: time.Now}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.POST("/refresh", s.refresh)
	engine.GET("/token", s.token)
	engine.GET("/healthz", s.health)
	return engine
}

// requestLogger logs every request with a request ID, reusing the caller's
// X-Request-ID when present.
func (s *server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= 500:
			s.log.Error("HTTP request", fields...)
		case status >= 400:
			s.log.Warn("HTTP request", fields...)
		default:
			s.log.Info("HTTP request", fields...)
		}
	}
}

// refresh forces a refresh, or with ?if_stale=true only refreshes a token
// inside the margin.
// POST /refresh
func (s *server) refresh(c *gin.Context) {
	fn := s.coord.Refresh
	if ifStale, _ := strconv.ParseBool(c.Query("if_stale")); ifStale {
		fn = s.coord.EnsureFresh
	}

	rec, err := fn(c.Request.Context())
	if err != nil {
		var be *refresh.BackoffError
		if errors.As(err, &be) {
			retry := int(math.Ceil(be.Until.Sub(s.now()).Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(retry, 1)))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"fetched_at": rec.FetchedAt,
		"expires_at": rec.ExpiresAt,
		"tenant":     rec.Tenant,
	})
}

// token returns the last committed record without waiting for a refresh.
// GET /token
func (s *server) token(c *gin.Context) {
	rec := s.store.Read(c.Request.Context())
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": refresh.ErrNoToken.Error()})
		return
	}
	c.JSON(http.StatusOK, recordView(rec))
}

// health reports the coordinator state and the stored token's verdict. The
// service is healthy while the stored token has not expired.
// GET /healthz
func (s *server) health(c *gin.Context) {
	st := s.coord.Status(c.Request.Context(), s.now())
	code := http.StatusOK
	if st.Verdict.Err != nil || st.Verdict.SecondsUntilExpiry <= 0 {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func recordView(rec *token.Record) gin.H {
	return gin.H{
		"token":      rec.Token,
		"source":     rec.Source,
		"fetched_at": rec.FetchedAt,
		"expires_at": rec.ExpiresAt,
		"tenant":     rec.Tenant,
	}
}
