package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestSessionStoreLifecycle(t *testing.T) {
	sessions := NewSessionStore(time.Hour)

	token := sessions.Create()
	assert.NotEmpty(t, token)
	assert.True(t, sessions.Valid(token))

	// 注销后立即失效
	sessions.Revoke(token)
	assert.False(t, sessions.Valid(token))

	assert.False(t, sessions.Valid(""))
	assert.False(t, sessions.Valid("no-such-token"))
}

func TestSessionStoreExpiry(t *testing.T) {
	sessions := NewSessionStore(10 * time.Millisecond)
	token := sessions.Create()
	assert.True(t, sessions.Valid(token))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, sessions.Valid(token), "expired session must be rejected")
}

func TestLoginRequiredMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sessions := NewSessionStore(time.Hour)

	router := gin.New()
	router.GET("/admin/keys", LoginRequiredMiddleware(sessions), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	// 1. 浏览器式GET未登录 -> 重定向到登录页
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/keys", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, 302, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	// 2. API式请求未登录 -> JSON 401
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/admin/keys", nil)
	req.Header.Set("Accept", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)
	assert.Contains(t, w.Body.String(), "authentication_error")

	// 3. 有效会话放行
	token := sessions.Create()
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/admin/keys", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	router.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	// 突发2次后限流
	limiter := NewIPRateLimiter(rate.Limit(0.001), 2)

	router := gin.New()
	router.POST("/login", RateLimitMiddleware(limiter), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/login", nil))
		assert.Equal(t, 200, w.Code, "request %d within burst", i)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/login", nil))
	assert.Equal(t, 429, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_error")
}

func TestCORSMiddlewarePreflightShortCircuits(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/health", nil))
	assert.Equal(t, 204, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
