package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/stores"
)

// API-level error codes.
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeBodyTooLarge = "BODY_TOO_LARGE"
)

// ExecuteRequest is the body of POST /execute. Secrets map names to string
// values; any other secret value makes the body malformed.
type ExecuteRequest struct {
	PluginID      string                 `json:"pluginId"`
	ActionName    string                 `json:"actionName"`
	Params        map[string]interface{} `json:"params"`
	Secrets       map[string]string      `json:"secrets,omitempty"`
	TimeoutMs     int64                  `json:"timeoutMs,omitempty"`
	TenantID      string                 `json:"tenantId"`
	ActorID       string                 `json:"actorId"`
	Tier          engine.Tier            `json:"tier"`
	PluginVersion string                 `json:"pluginVersion,omitempty"`
}

// ErrorResponse is the body of every non-execute failure.
type ErrorResponse struct {
	ErrorKind    engine.ErrorKind `json:"errorKind"`
	ErrorMessage string           `json:"errorMessage"`
	Code         string           `json:"code,omitempty"`
	Retryable    bool             `json:"retryable"`
	RetryAfterMs int64            `json:"retryAfterMs,omitempty"`
	RequestID    string           `json:"requestId,omitempty"`
}

func writeError(c *gin.Context, err *engine.ExecError, status int) {
	body := ErrorResponse{
		ErrorKind:    err.Kind,
		ErrorMessage: err.Message,
		Code:         err.Code,
		Retryable:    err.Kind.Retryable(),
		RequestID:    c.GetString(requestIDKey),
	}
	if err.RetryAfter > 0 {
		body.RetryAfterMs = max(err.RetryAfter.Milliseconds(), 1)
		setRetryAfter(c, body.RetryAfterMs)
	}
	c.AbortWithStatusJSON(status, body)
}

// setRetryAfter writes the Retry-After header in whole seconds, rounded up.
func setRetryAfter(c *gin.Context, ms int64) {
	c.Header("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
}

func (s *Server) handleExecute(c *gin.Context) {
	var body ExecuteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, engine.NewValidationError("request body too large", err).WithCode(ErrCodeBodyTooLarge),
				http.StatusRequestEntityTooLarge)
			return
		}
		writeError(c, engine.NewValidationError("malformed request body: "+err.Error(), err), http.StatusBadRequest)
		return
	}

	req := &engine.ExecutionRequest{
		RequestID:     c.GetString(requestIDKey),
		PluginID:      body.PluginID,
		ActionName:    body.ActionName,
		Params:        body.Params,
		Secrets:       body.Secrets,
		TenantID:      body.TenantID,
		ActorID:       body.ActorID,
		Tier:          body.Tier,
		TimeoutMs:     body.TimeoutMs,
		PluginVersion: body.PluginVersion,
	}

	res, err := s.deps.Engine.Execute(c.Request.Context(), req)
	if res == nil {
		writeError(c, engine.AsExecError(err), engine.KindOf(err).HTTPStatus())
		return
	}
	if err == nil && res.Success {
		c.JSON(http.StatusOK, res)
		return
	}

	kind := res.ErrorKind
	if kind == "" {
		kind = engine.KindOf(err)
	}
	if res.RetryAfterMs > 0 {
		setRetryAfter(c, res.RetryAfterMs)
	}
	c.JSON(kind.HTTPStatus(), res)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.deps.Engine.Stats(c.Request.Context())
	if err != nil {
		writeError(c, engine.NewInternalError("failed to collect stats", err), http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleClearCache(c *gin.Context) {
	removed := s.deps.Engine.ClearCache(c.Request.Context(), actorOf(c))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleInvalidate(c *gin.Context) {
	pluginID := c.Param("pluginId")
	removed := s.deps.Engine.InvalidatePlugin(c.Request.Context(), actorOf(c), pluginID)
	c.JSON(http.StatusOK, gin.H{"pluginId": pluginID, "removed": removed})
}

func (s *Server) handleListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.deps.Breakers.Snapshot()})
}

func (s *Server) handleGetBreaker(c *gin.Context) {
	pluginID := c.Param("pluginId")
	snap, ok := s.deps.Breakers.Lookup(pluginID)
	if !ok {
		writeError(c, engine.NewValidationError("no circuit breaker for plugin "+pluginID, nil).
			WithCode(ErrCodeNotFound), http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	pluginID := c.Param("pluginId")
	if !s.deps.Engine.ResetBreaker(pluginID) {
		writeError(c, engine.NewValidationError("no circuit breaker for plugin "+pluginID, nil).
			WithCode(ErrCodeNotFound), http.StatusNotFound)
		return
	}
	s.logger.Info().Str("plugin_id", pluginID).Str("actor_id", actorOf(c)).Msg("Circuit breaker reset")
	snap, _ := s.deps.Breakers.Lookup(pluginID)
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleQuota(c *gin.Context) {
	tenantID := c.Param("tenantId")
	rec, ok, err := s.deps.Quotas.Snapshot(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, engine.NewInternalError("failed to read quota", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeError(c, engine.NewValidationError("no quota record for tenant "+tenantID, nil).
			WithCode(ErrCodeNotFound), http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListBlocklist(c *gin.Context) {
	ids, err := s.deps.Blocklist.Blocklist(c.Request.Context())
	if err != nil {
		writeError(c, engine.NewInternalError("failed to read blocklist", err), http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocklist": ids})
}

func (s *Server) handleBlock(c *gin.Context) {
	s.updateBlocklist(c, true)
}

func (s *Server) handleUnblock(c *gin.Context) {
	s.updateBlocklist(c, false)
}

func (s *Server) updateBlocklist(c *gin.Context, block bool) {
	ctx := c.Request.Context()
	pluginID := c.Param("pluginId")

	update, verb := s.deps.Blocklist.Unblock, "unblocked"
	if block {
		update, verb = s.deps.Blocklist.Block, "blocked"
	}
	if err := update(ctx, pluginID); err != nil {
		writeError(c, engine.NewInternalError("failed to update blocklist", err), http.StatusInternalServerError)
		return
	}

	actor := actorOf(c)
	s.logger.Info().Str("plugin_id", pluginID).Str("actor_id", actor).Msg("Plugin " + verb)
	s.audit(ctx, &engine.AuditEvent{
		Type:     engine.AuditPolicyChanged,
		ActorID:  actor,
		TargetID: pluginID,
		Level:    engine.AuditLevelWarning,
		Message:  "plugin " + verb,
		Metadata: map[string]interface{}{"blocked": block},
	})

	ids, err := s.deps.Blocklist.Blocklist(ctx)
	if err != nil {
		writeError(c, engine.NewInternalError("failed to read blocklist", err), http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocklist": ids})
}

type auditQuery struct {
	Type     string    `form:"type"`
	TargetID string    `form:"targetId"`
	TenantID string    `form:"tenantId"`
	ActorID  string    `form:"actorId"`
	Level    string    `form:"level" binding:"omitempty,oneof=info warning error"`
	Since    time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Until    time.Time `form:"until" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit    int       `form:"limit" binding:"gte=0"`
	Offset   int       `form:"offset" binding:"gte=0"`
}

func (s *Server) handleAudit(c *gin.Context) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, engine.NewValidationError("invalid audit query: "+err.Error(), err), http.StatusBadRequest)
		return
	}

	events, err := s.deps.Audit.ListAuditEvents(c.Request.Context(), stores.AuditFilter{
		Type:     q.Type,
		TargetID: q.TargetID,
		TenantID: q.TenantID,
		ActorID:  q.ActorID,
		Level:    q.Level,
		Since:    q.Since,
		Until:    q.Until,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
	if err != nil {
		writeError(c, engine.NewInternalError("failed to list audit events", err), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*engine.AuditEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) audit(ctx context.Context, event *engine.AuditEvent) {
	if s.sink == nil {
		return
	}
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	if err := s.sink.Record(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to record audit event")
	}
}
