package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/agents"
	"github.com/skillfulagents/workstation/internal/container"
)

type createAgentRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
}

type updateAgentRequest struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	Instructions *string `json:"instructions"`
}

// agentView is an agent plus its cached container status.
type agentView struct {
	*agents.Agent
	Container container.Status `json:"container"`
}

func (s *Server) agentToView(agent *agents.Agent) agentView {
	return agentView{Agent: agent, Container: s.containers.GetStatus(agent.Slug)}
}

func (s *Server) listAgents(c *gin.Context) {
	list, err := s.agents.List()
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	views := make([]agentView, 0, len(list))
	for _, agent := range list {
		views = append(views, s.agentToView(agent))
	}
	c.JSON(http.StatusOK, gin.H{"agents": views, "total": len(views)})
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	agent, err := s.agents.Create(req.Name, req.Description, req.Instructions)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, s.agentToView(agent))
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.agents.Get(c.Param("slug"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, s.agentToView(agent))
}

func (s *Server) updateAgent(c *gin.Context) {
	var req updateAgentRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	agent, err := s.agents.Update(c.Param("slug"), req.Name, req.Description, req.Instructions)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, s.agentToView(agent))
}

// deleteAgent stops the container and host browser, then removes the
// directory, the agent's account mappings and its proxy tokens. Scheduled
// tasks and audit entries for the slug are kept. Idempotent.
func (s *Server) deleteAgent(c *gin.Context) {
	slug := c.Param("slug")

	if err := s.containers.Stop(c.Request.Context(), slug); err != nil {
		s.logger.Warn("failed to stop container during agent delete",
			zap.String("agent_slug", slug), zap.Error(err))
	}
	_ = s.browser.StopAgent(slug)

	if err := s.agents.Delete(slug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	s.containers.Forget(slug)

	ctx := c.Request.Context()
	if err := s.store.DeleteMappingsForAgent(ctx, slug); err != nil {
		s.logger.Warn("failed to remove account mappings", zap.Error(err))
	}
	if err := s.store.RevokeProxyTokens(ctx, slug); err != nil {
		s.logger.Warn("failed to revoke proxy tokens", zap.Error(err))
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) startAgent(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := s.agents.Get(slug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	port, err := s.containers.Start(c.Request.Context(), slug)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": container.StatusRunning, "port": port})
}

func (s *Server) stopAgent(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := s.agents.Get(slug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	if err := s.containers.Stop(c.Request.Context(), slug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": container.StatusStopped})
}

func (s *Server) listAuditLog(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := s.store.ListAudit(c.Request.Context(), c.Param("slug"), offset, limit)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "offset": offset, "limit": limit})
}

func (s *Server) listAgentTasks(c *gin.Context) {
	tasks, err := s.store.ListScheduledTasksForAgent(c.Request.Context(), c.Param("slug"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// browserStream upgrades the request and splices it to the container.
func (s *Server) browserStream(c *gin.Context) {
	s.stream.Handle(c.Writer, c.Request, c.Param("slug"))
}
