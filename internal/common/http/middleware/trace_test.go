package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"hive/internal/common/http/middleware"
	"hive/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddlewareUsesHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.TraceContextMiddleware())

	var gotTrace, gotUser, gotCtxUser string
	r.GET("/ping", func(c *gin.Context) {
		gotTrace = c.GetString("trace_id")
		gotUser = middleware.UserID(c)
		gotCtxUser = contextkey.StringValue(c.Request.Context(), contextkey.UserID)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(middleware.TraceIDHeader, "trace-1")
	req.Header.Set(middleware.UserIDHeader, " 42 ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if gotTrace != "trace-1" {
		t.Fatalf("expected trace-1, got %q", gotTrace)
	}
	if gotUser != "42" || gotCtxUser != "42" {
		t.Fatalf("expected user 42 in both contexts, got %q and %q", gotUser, gotCtxUser)
	}
	if w.Header().Get(middleware.TraceIDHeader) != "trace-1" {
		t.Fatalf("expected trace id echoed")
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestTraceContextMiddlewareIgnoresUserHeaderWhenDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.TraceContextMiddlewareWithConfig(middleware.TraceContextConfig{}))

	var gotUser string
	r.GET("/ping", func(c *gin.Context) {
		gotUser = middleware.UserID(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(middleware.UserIDHeader, "42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if gotUser != "" {
		t.Fatalf("expected no user id, got %q", gotUser)
	}
	if w.Header().Get(middleware.TraceIDHeader) != "" {
		t.Fatalf("expected no echoed headers")
	}
}
