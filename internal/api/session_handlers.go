package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
)

type registerSessionRequest struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type patchSessionRequest struct {
	Name    *string `json:"name"`
	Starred *bool   `json:"starred"`
}

func (s *Server) listSessions(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := s.agents.Get(slug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	list, err := s.sessions.List(slug)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "total": len(list)})
}

func (s *Server) registerSession(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := s.agents.Get(slug); err != nil {
		handleError(c, s.logger, err)
		return
	}

	var req registerSessionRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	if err := s.sessions.Register(slug, req.SessionID, req.Name, ""); err != nil {
		handleError(c, s.logger, err)
		return
	}
	session, err := s.sessions.Get(slug, req.SessionID)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.sessions.Get(c.Param("slug"), c.Param("sessionId"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) getSessionMessages(c *gin.Context) {
	messages, err := s.sessions.Messages(c.Param("slug"), c.Param("sessionId"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

func (s *Server) patchSession(c *gin.Context) {
	var req patchSessionRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	session, err := s.sessions.Patch(c.Param("slug"), c.Param("sessionId"), req.Name, req.Starred)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type sessionStateRequest struct {
	State string `json:"state"` // active, idle, error
	Error string `json:"error"`
}

// reportSessionState is called by the in-container runtime to push session
// state into the event stream. Errors also raise a notification.
func (s *Server) reportSessionState(c *gin.Context) {
	slug := c.Param("slug")
	sessionID := c.Param("sessionId")

	var req sessionStateRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}

	var eventType string
	switch req.State {
	case "active":
		eventType = events.TypeSessionActive
	case "idle":
		eventType = events.TypeSessionIdle
	case "error":
		eventType = events.TypeSessionError
	default:
		handleError(c, s.logger, apperr.Validation("state must be active, idle or error"))
		return
	}

	s.bus.Publish(bus.NewEvent(eventType, "session_state", events.SessionPayload{
		AgentSlug: slug,
		SessionID: sessionID,
		Error:     req.Error,
	}))

	if req.State == "error" && req.Error != "" {
		if _, err := s.notifs.Create(c.Request.Context(), "Session failed", req.Error, sessionID, slug); err != nil {
			s.logger.WithError(err).Warn("failed to record session error notification")
		}
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Param("slug"), c.Param("sessionId")); err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
