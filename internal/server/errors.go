package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/rooms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusForError(err error) (int, string) {
	switch rooms.KindOf(err) {
	case rooms.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case rooms.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case rooms.ErrInvalidArgument:
		return http.StatusBadRequest, "invalid_argument"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, kind := statusForError(err)
	if status == http.StatusServiceUnavailable {
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		}
		var serviceErr *rooms.ServiceError
		if errors.As(err, &serviceErr) {
			fields = append(fields, zap.String("code", serviceErr.Code()))
		}
		h.logger.Error("request failed", fields...)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": kind})
}
