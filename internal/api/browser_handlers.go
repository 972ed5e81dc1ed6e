package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/hostbrowser"
)

type launchHostBrowserRequest struct {
	AgentID   string `json:"agentId"`
	ProfileID string `json:"profileId"`
}

type stopHostBrowserRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) detectBrowser(c *gin.Context) {
	c.JSON(http.StatusOK, hostbrowser.Detect())
}

func (s *Server) launchHostBrowser(c *gin.Context) {
	var req launchHostBrowserRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.AgentID == "" {
		handleError(c, s.logger, apperr.Validation("agentId is required"))
		return
	}

	profileID := req.ProfileID
	if profileID == "" {
		profileID = s.settings.Get().App.ChromeProfileID
	}

	port, err := s.browser.EnsureRunning(c.Request.Context(), req.AgentID, profileID)
	if err != nil {
		handleError(c, s.logger, apperr.Internal("failed to launch host browser", err))
		return
	}

	s.bus.Publish(bus.NewEvent(events.TypeBrowserActive, "host_browser", events.BrowserActivePayload{
		AgentID: req.AgentID,
		Active:  true,
		Port:    port,
	}))

	c.JSON(http.StatusOK, gin.H{"port": port})
}

func (s *Server) stopHostBrowser(c *gin.Context) {
	var req stopHostBrowserRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.AgentID == "" {
		handleError(c, s.logger, apperr.Validation("agentId is required"))
		return
	}
	if err := s.browser.StopAgent(req.AgentID); err != nil {
		handleError(c, s.logger, apperr.Internal("failed to stop host browser", err))
		return
	}

	s.bus.Publish(bus.NewEvent(events.TypeBrowserActive, "host_browser", events.BrowserActivePayload{
		AgentID: req.AgentID,
		Active:  false,
	}))

	c.Status(http.StatusNoContent)
}
