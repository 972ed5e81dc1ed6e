package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skillfulagents/workstation/internal/store"
)

type createTaskRequest struct {
	AgentSlug       string    `json:"agentSlug"`
	Name            string    `json:"name"`
	Prompt          string    `json:"prompt"`
	NextExecutionAt time.Time `json:"nextExecutionAt"`
	Recurrence      string    `json:"recurrence"`
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.store.ListScheduledTasks(c.Request.Context())
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if _, err := s.agents.Get(req.AgentSlug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	task, err := s.scheduler.CreateTask(c.Request.Context(), &store.ScheduledTask{
		AgentSlug:       req.AgentSlug,
		Name:            req.Name,
		Prompt:          req.Prompt,
		NextExecutionAt: req.NextExecutionAt,
		Recurrence:      req.Recurrence,
	})
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.store.GetScheduledTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// taskSessions lists the sessions a task has spawned, located via the
// scheduledTaskId backlink on the session sidecar.
func (s *Server) taskSessions(c *gin.Context) {
	task, err := s.store.GetScheduledTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	sessions, err := s.sessions.SessionsForTask(task.AgentSlug, task.ID)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// cancelTask cancels a pending or running task; a terminal task is deleted.
func (s *Server) cancelTask(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := s.store.GetScheduledTask(ctx, c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	if task.IsTerminal() {
		if err := s.store.DeleteScheduledTask(ctx, task.ID); err != nil {
			handleError(c, s.logger, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.scheduler.Cancel(ctx, task.ID); err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resetTask(c *gin.Context) {
	if err := s.scheduler.Reset(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, s.logger, err)
		return
	}
	task, err := s.store.GetScheduledTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
