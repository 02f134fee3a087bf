package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openfroyo/plugind/pkg/engine"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// HeaderActorID names the principal of administrative calls.
const HeaderActorID = "X-Actor-ID"

const (
	requestIDKey = "requestId"

	// defaultAdminActor is recorded when an admin call names no actor.
	defaultAdminActor = "admin"
	maxRequestIDLen   = 128
)

// requestID adopts the caller's X-Request-ID or assigns a new one and echoes
// it on the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := s.logger.Info()
		switch {
		case status >= http.StatusInternalServerError:
			evt = s.logger.Error()
		case status >= http.StatusBadRequest:
			evt = s.logger.Warn()
		case c.Request.URL.Path == "/live" || c.Request.URL.Path == "/ready" || c.Request.URL.Path == "/metrics":
			evt = s.logger.Debug()
		}
		evt.
			Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Int("bytes", c.Writer.Size()).
			Msg("HTTP request")
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		s.logger.Error().
			Str("request_id", c.GetString(requestIDKey)).
			Str("path", c.Request.URL.Path).
			Interface("panic", recovered).
			Msg("Recovered from handler panic")
		writeError(c, engine.NewInternalError("internal server error", nil), http.StatusInternalServerError)
	})
}

// limitBody caps request bodies at MaxBodyBytes.
func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)
		c.Next()
	}
}

// adminAuth requires "Authorization: Bearer <AdminToken>" when a token is
// configured.
func (s *Server) adminAuth() gin.HandlerFunc {
	token := []byte(s.config.AdminToken)
	return func(c *gin.Context) {
		if len(token) == 0 {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), token) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="plugind"`)
			writeError(c, engine.NewValidationError("missing or invalid admin token", nil).
				WithCode(ErrCodeUnauthorized), http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func actorOf(c *gin.Context) string {
	if actor := strings.TrimSpace(c.GetHeader(HeaderActorID)); actor != "" {
		return actor
	}
	return defaultAdminActor
}
