package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"openai-proxy/core"
	"openai-proxy/models"
)

type testApp struct {
	router   *gin.Engine
	db       *gorm.DB
	cfg      *core.Config
	sessions *SessionStore
	pool     *core.KeyPool
}

// newTestApp 搭建与生产路由一致的测试应用
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	assert.NoError(t, err)
	assert.NoError(t, models.AutoMigrate(db))

	cfg := &core.Config{
		BaseURL:          "https://api.openai.com/v1",
		Port:             8000,
		AdminPassword:    "secret",
		CacheTTL:         time.Hour,
		UpstreamTimeout:  5 * time.Second,
		MaxRetries:       3,
		HeartbeatEnabled: true,
		CheckInterval:    time.Hour,
		ProbeTimeout:     time.Second,
		HeartbeatRetries: 3,
		RestartCooldown:  300 * time.Second,
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := core.NewGormKeyStore(db)
	pool := core.NewKeyPool(store, log, cfg.CacheTTL, nil)
	client := core.NewUpstreamClient(cfg.BaseURL, cfg.UpstreamTimeout, cfg.MaxRetries, log)
	dispatcher := core.NewDispatcher(pool, client, store, log, nil)
	sessions := NewSessionStore(24 * time.Hour)
	supervisor := core.NewHeartbeatSupervisor(cfg, nil, db, store, func(string) error { return nil }, log)

	router := gin.New()
	router.GET("/", handleRoot())
	router.GET("/health", handleHealth())
	router.GET("/health/detailed", handleDetailedHealth(supervisor))
	router.GET("/health/service/:name", handleServiceHealth(supervisor))
	router.GET("/login", handleLoginPage())
	router.POST("/login", handleLogin(cfg, sessions, log))
	router.GET("/logout", handleLogout(sessions))
	router.POST("/v1/chat/completions", handleChatCompletions(dispatcher, log))

	admin := router.Group("/", LoginRequiredMiddleware(sessions))
	{
		admin.GET("/admin/keys", handleListKeys(db))
		admin.POST("/admin/keys", handleCreateKey(db, pool, log))
		admin.PUT("/admin/keys/:id", handleUpdateKey(db, pool, log))
		admin.DELETE("/admin/keys/:id", handleDeleteKey(db, pool, log))
		admin.POST("/admin/keys/:id/test", handleTestKey(dispatcher, store))
		admin.GET("/admin/keys/summary", handleKeysSummary(store))
		admin.POST("/admin/keys/refresh", handleForceRefresh(pool))
		admin.GET("/admin/history", handleChatHistory(db))
		admin.GET("/admin/heartbeat/status", handleHeartbeatStatus(supervisor))
		admin.GET("/admin/heartbeat/ws", handleHeartbeatWS(supervisor, log))
	}

	return &testApp{router: router, db: db, cfg: cfg, sessions: sessions, pool: pool}
}

func (a *testApp) request(method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authed {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: a.sessions.Create()})
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)

	w := app.request("GET", "/health", nil, false)
	assert.Equal(t, 200, w.Code)

	var resp models.HealthResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestLoginPageContainsRequiredElements(t *testing.T) {
	app := newTestApp(t)

	w := app.request("GET", "/login", nil, false)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	// 心跳探测对登录页做内容完整性校验，这些元素缺一不可
	body := w.Body.String()
	for _, marker := range []string{"OpenAI代理服务", "请输入密码登录", "password", "login-form"} {
		assert.Contains(t, body, marker)
	}
}

func TestLoginFlow(t *testing.T) {
	app := newTestApp(t)

	// 1. 错误密码
	w := app.request("POST", "/login", gin.H{"password": "wrong"}, false)
	assert.Equal(t, 401, w.Code)

	// 2. 正确密码下发会话Cookie
	w = app.request("POST", "/login", gin.H{"password": "secret"}, false)
	assert.Equal(t, 200, w.Code)
	cookies := w.Result().Cookies()
	var token string
	for _, c := range cookies {
		if c.Name == sessionCookieName {
			token = c.Value
		}
	}
	assert.NotEmpty(t, token)
	assert.True(t, app.sessions.Valid(token))

	// 3. 缺少密码
	w = app.request("POST", "/login", gin.H{}, false)
	assert.Equal(t, 400, w.Code)
}

func TestAdminRoutesRequireSession(t *testing.T) {
	app := newTestApp(t)

	w := app.request("GET", "/admin/keys", nil, false)
	assert.Equal(t, 401, w.Code)

	w = app.request("GET", "/admin/keys", nil, true)
	assert.Equal(t, 200, w.Code)
}

func TestKeyCRUD(t *testing.T) {
	app := newTestApp(t)
	validKey := "sk-" + strings.Repeat("a", 48)

	// 1. 非法格式被拒绝
	w := app.request("POST", "/admin/keys", gin.H{"key_value": "not-a-key"}, true)
	assert.Equal(t, 400, w.Code)

	// 2. 创建成功，返回体中Key已脱敏，池在TTL内即可见新Key
	w = app.request("POST", "/admin/keys", gin.H{"key_value": validKey, "name": "primary"}, true)
	assert.Equal(t, 201, w.Code)
	assert.NotContains(t, w.Body.String(), validKey)
	assert.Contains(t, w.Body.String(), "primary")
	assert.Equal(t, 1, app.pool.ActiveCount())

	// 3. 重复创建冲突
	w = app.request("POST", "/admin/keys", gin.H{"key_value": validKey}, true)
	assert.Equal(t, 409, w.Code)

	// 4. 列表同样脱敏
	w = app.request("GET", "/admin/keys", nil, true)
	assert.Equal(t, 200, w.Code)
	assert.NotContains(t, w.Body.String(), validKey)

	// 5. 更新状态
	var created models.Key
	app.db.Where("name = ?", "primary").First(&created)
	w = app.request("PUT", fmt.Sprintf("/admin/keys/%d", created.ID), gin.H{"status": "inactive"}, true)
	assert.Equal(t, 200, w.Code)

	var updated models.Key
	app.db.First(&updated, created.ID)
	assert.Equal(t, models.KeyStatusInactive, updated.Status)
	// 禁用后池同步空了
	assert.Equal(t, 0, app.pool.ActiveCount())

	// 6. 删除与重复删除
	w = app.request("DELETE", fmt.Sprintf("/admin/keys/%d", created.ID), nil, true)
	assert.Equal(t, 200, w.Code)
	w = app.request("DELETE", fmt.Sprintf("/admin/keys/%d", created.ID), nil, true)
	assert.Equal(t, 404, w.Code)

	// 7. 非数字ID
	w = app.request("PUT", "/admin/keys/abc", gin.H{"name": "x"}, true)
	assert.Equal(t, 400, w.Code)
}

func TestKeysSummaryEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.db.Create(&models.Key{KeyValue: "sk-" + strings.Repeat("a", 48), Status: models.KeyStatusActive, UsageCount: 3})
	app.db.Create(&models.Key{KeyValue: "sk-" + strings.Repeat("b", 48), Status: models.KeyStatusError})

	w := app.request("GET", "/admin/keys/summary", nil, true)
	assert.Equal(t, 200, w.Code)

	var resp struct {
		Data models.KeysSummary `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Data.TotalKeys)
	assert.Equal(t, int64(1), resp.Data.ActiveKeys)
	assert.Equal(t, int64(1), resp.Data.ErrorKeys)
	assert.Equal(t, int64(3), resp.Data.TotalUsage)
}

func TestChatCompletionsValidation(t *testing.T) {
	app := newTestApp(t)

	// 缺少 model/messages -> 400
	w := app.request("POST", "/v1/chat/completions", gin.H{}, false)
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "missing_parameters")

	// 池为空 -> 503
	w = app.request("POST", "/v1/chat/completions", gin.H{
		"model":    "gpt-4",
		"messages": []gin.H{{"role": "user", "content": "hi"}},
	}, false)
	assert.Equal(t, 503, w.Code)
	assert.Contains(t, w.Body.String(), "no_available_key")
}

func TestDetailedHealthAggregation(t *testing.T) {
	app := newTestApp(t)

	// 监控端点初始为健康
	w := app.request("GET", "/health/detailed", nil, false)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), "main_service")
	assert.Contains(t, w.Body.String(), "login_page")
}

func TestServiceHealthByName(t *testing.T) {
	app := newTestApp(t)

	w := app.request("GET", "/health/service/main_service", nil, false)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "主服务健康检查")

	w = app.request("GET", "/health/service/nope", nil, false)
	assert.Equal(t, 404, w.Code)
}

func TestChatHistoryEndpoint(t *testing.T) {
	app := newTestApp(t)
	for i := 0; i < 3; i++ {
		app.db.Create(&models.ChatHistory{KeyID: 1, ModelName: "gpt-4", Request: fmt.Sprintf(`{"n": %d}`, i), Success: true})
	}

	w := app.request("GET", "/admin/history?limit=2", nil, true)
	assert.Equal(t, 200, w.Code)

	var resp struct {
		Data []models.ChatHistory `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	// 最新在前
	assert.Equal(t, `{"n": 2}`, resp.Data[0].Request)
}
