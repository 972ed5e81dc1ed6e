package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/logger"
)

// handleError maps application error kinds to HTTP status codes.
func handleError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		if appErr.HTTPStatus >= 500 {
			log.Error("request failed", zap.String("code", appErr.Code), zap.Error(err))
		}
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	log.Error("request failed", zap.Error(err))
	c.JSON(500, gin.H{"error": "internal error"})
}

// bindJSON decodes a typed request payload, rejecting malformed bodies.
// Unknown fields are ignored by design choice; every accepted field is
// enumerated on the payload struct.
func bindJSON(c *gin.Context, log *logger.Logger, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(400, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}
