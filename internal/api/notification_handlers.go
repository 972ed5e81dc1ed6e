package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type markReadRequest struct {
	// ID of the notification to mark read; empty marks everything.
	ID string `json:"id"`
}

func (s *Server) listNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := s.notifs.List(c.Request.Context(), limit)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (s *Server) unreadCount(c *gin.Context) {
	count, err := s.notifs.UnreadCount(c.Request.Context())
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

func (s *Server) markNotificationsRead(c *gin.Context) {
	var req markReadRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}

	var err error
	if req.ID == "" {
		err = s.notifs.MarkAllRead(c.Request.Context())
	} else {
		err = s.notifs.MarkRead(c.Request.Context(), req.ID)
	}
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
