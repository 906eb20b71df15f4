package dispatch

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lxplabs/ai-fabric/internal/broker"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	apierrors "github.com/lxplabs/ai-fabric/internal/errors"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/persona"
	"github.com/lxplabs/ai-fabric/internal/session"
	"github.com/lxplabs/ai-fabric/internal/sim"
)

type startSessionRequest struct {
	UserID    string           `json:"user_id" binding:"required"`
	Persona   *session.Persona `json:"persona"`
	SessionID string           `json:"session_id"`
	Scenario  string           `json:"scenario"`
}

func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"detail": err.Error()})
		return
	}

	ctx := logger.WithUserID(c.Request.Context(), req.UserID)
	log := s.logger.WithContext(ctx)

	started, err := s.engine.Start(ctx, req.UserID, req.SessionID, req.Persona, req.Scenario)
	if err != nil {
		log.LogError(ctx, err, "session start failed")
		apierrors.AbortWithInternal(c, "failed to start session", nil)
		return
	}

	var threadID string
	if s.docs != nil {
		threadID, err = s.docs.CreateThread(ctx, req.UserID, "sales", "sim", started.State.ID)
		if err != nil {
			log.Warn("thread creation failed", "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": started.State.ID,
		"thread_id":  threadID,
		"greeting":   started.Greeting,
	})
}

type chatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	SellerMsg string `json:"seller_msg" binding:"required"`
	UserID    string `json:"user_id"`
	ThreadID  string `json:"thread_id"`
}

// postChat enqueues one seller turn. Turn serialization is enforced
// here against the session phase so a busy or closed session answers
// 409 immediately instead of queueing a turn that will be rejected.
func (s *Server) postChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"detail": err.Error()})
		return
	}

	ctx := logger.WithSessionID(c.Request.Context(), req.SessionID)

	state, err := s.sessions.Get(ctx, req.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		apierrors.AbortWithNotFound(c, "session not found", nil)
		return
	}
	if err != nil {
		s.logger.LogError(ctx, err, "session lookup failed")
		apierrors.AbortWithInternal(c, "failed to load session", nil)
		return
	}
	switch state.Phase {
	case session.PhaseClosed:
		apierrors.AbortWithConflict(c, "session closed", nil)
		return
	case session.PhaseGenerating:
		apierrors.AbortWithConflict(c, "previous turn still generating", nil)
		return
	}

	msg := envelope.ChatMessage{
		SessionID: req.SessionID,
		SellerMsg: req.SellerMsg,
		UserID:    req.UserID,
		ThreadID:  req.ThreadID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.broker.PublishChatMessage(ctx, msg); err != nil {
		if errors.Is(err, broker.ErrBrokerUnavailable) {
			apierrors.AbortWithServiceUnavailable(c, "task broker unavailable", nil)
			return
		}
		s.logger.LogError(ctx, err, "chat publish failed")
		apierrors.AbortWithInternal(c, "failed to publish message", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "message published"})
}

type closeRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) closeSession(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"detail": err.Error()})
		return
	}

	ctx := logger.WithSessionID(c.Request.Context(), req.SessionID)

	result, err := s.engine.Close(ctx, req.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		apierrors.AbortWithNotFound(c, "session not found", nil)
		return
	}
	if errors.Is(err, sim.ErrClosed) {
		apierrors.AbortWithConflict(c, "session already closed", nil)
		return
	}
	if err != nil {
		s.logger.LogError(ctx, err, "session close failed")
		apierrors.AbortWithInternal(c, "failed to close session", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"score":    result.Score,
		"feedback": result.Feedback,
	})
}

func (s *Server) randomPersona(c *gin.Context) {
	c.JSON(http.StatusOK, persona.Random())
}

func (s *Server) listPersonas(c *gin.Context) {
	c.JSON(http.StatusOK, persona.All())
}

func (s *Server) listScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, persona.Scenarios())
}

func (s *Server) userSessions(c *gin.Context) {
	if s.analytics == nil {
		apierrors.AbortWithServiceUnavailable(c, "analytics store unavailable", nil)
		return
	}
	sessions, err := s.analytics.UserSessions(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to load sessions", nil)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) userStats(c *gin.Context) {
	if s.analytics == nil {
		apierrors.AbortWithServiceUnavailable(c, "analytics store unavailable", nil)
		return
	}
	stats, err := s.analytics.Stats(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to load stats", nil)
		return
	}
	c.JSON(http.StatusOK, stats)
}
