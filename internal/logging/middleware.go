package logging

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fitpool/internal/idgen"
	"github.com/mbd888/fitpool/internal/signer"
)

// HeaderRequestID carries the request ID in and out of the server.
const HeaderRequestID = "X-Request-ID"

// RequestIDMiddleware attaches a request ID and the base logger to every
// request context. An incoming X-Request-ID (from a load balancer) is kept.
func RequestIDMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
		}

		ctx := WithRequestID(c.Request.Context(), requestID)
		ctx = WithLogger(ctx, base)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, requestID)

		c.Next()
	}
}

// AccessLog logs one line per request, at a level chosen by status code.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if id, ok := signer.FromContext(c); ok {
			attrs = append(attrs, "signer", id.Address())
		}

		logger := L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}
