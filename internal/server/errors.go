package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/logqr/internal/apperr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a service failure. Internal failures never expose their
// cause unless the server runs in development.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("server.request", "unexpected", err)
	}

	status := statusForKind(appErr.Kind())
	if status < http.StatusInternalServerError {
		c.AbortWithStatusJSON(status, gin.H{"error": appErr.Message(), "code": appErr.Code()})
		return
	}

	h.logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.String("code", appErr.Code()),
		zap.Error(err),
	)
	body := gin.H{"error": "internal error", "code": appErr.Code()}
	if h.development {
		body["detail"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *httpHandler) writeBadRequest(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message, "code": code})
}
