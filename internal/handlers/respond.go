package handlers

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
)

// respondError maps an error onto the JSON error envelope.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	body := gin.H{"error": string(kind)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body["message"] = ae.Message
		if ae.Detail != nil {
			body["detail"] = ae.Detail
		}
	} else {
		body["message"] = "internal error"
	}

	if status >= 500 {
		logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"err", err)
	}
	c.AbortWithStatusJSON(status, body)
}

// accessLog writes one structured line per request.
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetHeader("X-Request-Id"))
	}
}
