package middleware

import (
	"context"
	"strings"

	"hive/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TraceIDHeader   = "X-Trace-Id"
	RequestIDHeader = "X-Request-Id"
	UserIDHeader    = "X-User-Id"
)

// TraceContextConfig controls which identifiers are accepted from upstream.
type TraceContextConfig struct {
	// AllowUserIDHeader trusts X-User-Id set by the gateway in front of hive.
	AllowUserIDHeader bool
	// EchoHeaders writes the resolved ids back on the response.
	EchoHeaders bool
}

// TraceContextMiddleware ensures trace/request/user id are in context and response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		AllowUserIDHeader: true,
		EchoHeaders:       true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		traceID := headerOrNew(c, TraceIDHeader)
		ctx = bind(c, ctx, contextkey.TraceID, traceID)

		requestID := headerOrNew(c, RequestIDHeader)
		ctx = bind(c, ctx, contextkey.RequestID, requestID)

		if cfg.EchoHeaders {
			c.Writer.Header().Set(TraceIDHeader, traceID)
			c.Writer.Header().Set(RequestIDHeader, requestID)
		}

		if cfg.AllowUserIDHeader {
			if userID := strings.TrimSpace(c.GetHeader(UserIDHeader)); userID != "" {
				ctx = bind(c, ctx, contextkey.UserID, userID)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// UserID returns the caller id resolved by TraceContextMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(string(contextkey.UserID))
}

func headerOrNew(c *gin.Context, header string) string {
	if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
		return v
	}
	return uuid.NewString()
}

// bind stores v in both the gin context and the request context.
func bind(c *gin.Context, ctx context.Context, k interface{ String() string }, v string) context.Context {
	c.Set(k.String(), v)
	return context.WithValue(ctx, k, v)
}
