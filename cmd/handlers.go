package main

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"openai-proxy/core"
	"openai-proxy/models"
)

var startTime = time.Now()

// keyValuePattern OpenAI API Key格式
var keyValuePattern = regexp.MustCompile(`^sk-[a-zA-Z0-9]{48}$`)

// parseAndValidateID 解析并验证字符串ID为uint
func parseAndValidateID(idStr string) (uint, error) {
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, errors.New("invalid id: must be a number")
	}
	return uint(id), nil
}

// writeDispatchError 把分发错误映射为结构化错误响应
func writeDispatchError(c *gin.Context, err error) {
	var ue *core.UpstreamError
	var re *core.RetriesExhaustedError

	switch {
	case errors.Is(err, core.ErrNoAvailableKey):
		c.JSON(503, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: "No available API key",
				Type:    "service_unavailable",
				Code:    "no_available_key",
			},
		})
	case errors.As(err, &ue):
		code := "upstream_error"
		if ue.AuthInvalid {
			code = "upstream_auth_invalid"
		}
		c.JSON(ue.StatusCode, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: ue.Error(),
				Type:    "api_error",
				Code:    code,
			},
		})
	case errors.As(err, &re):
		c.JSON(502, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: re.Error(),
				Type:    "api_error",
				Code:    "retries_exhausted",
			},
		})
	default:
		c.JSON(500, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: err.Error(),
				Type:    "api_error",
				Code:    "api_error",
			},
		})
	}
}

// handleRoot 根路径服务信息
func handleRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name":    "OpenAI API Proxy",
			"version": "1.0.0",
			"endpoints": gin.H{
				"chat":      "/v1/chat/completions",
				"models":    "/v1/models",
				"health":    "/health",
				"login":     "/login",
				"dashboard": "/dashboard",
			},
			"timestamp": time.Now().Unix(),
		})
	}
}

// handleHealth 基础健康检查（公开，无需鉴权）
func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, models.HealthResponse{
			Status:    "healthy",
			Message:   "OpenAI代理服务运行正常",
			Timestamp: time.Now().Format(time.RFC3339),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
		})
	}
}

// handleLoginPage 登录页面
func handleLoginPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(200, "text/html; charset=utf-8", []byte(LoginHTML))
	}
}

// handleLogin 密码登录，成功后下发会话Cookie
func handleLogin(cfg *core.Config, sessions *SessionStore, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(400, models.NewErrorResponse("Missing password"))
			return
		}

		if body.Password != cfg.AdminPassword {
			log.Warnf("⚠️ Failed login attempt from %s", c.ClientIP())
			c.JSON(401, models.NewErrorResponse("Invalid password"))
			return
		}

		token := sessions.Create()
		c.SetCookie(sessionCookieName, token, 86400, "/", "", false, true)
		c.JSON(200, models.NewSuccessResponse("Login successful", nil))
	}
}

// handleLogout 注销会话
func handleLogout(sessions *SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(sessionCookieName)
		sessions.Revoke(token)
		c.SetCookie(sessionCookieName, "", -1, "/", "", false, true)
		c.Redirect(302, "/login")
	}
}

// handleDashboard 管理面板
func handleDashboard() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(200, "text/html; charset=utf-8", []byte(DashboardHTML))
	}
}

// handleChatCompletions OpenAI兼容的聊天完成接口（流式 + 非流式）
func handleChatCompletions(dispatcher *core.Dispatcher, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.ErrorResponse{
				Error: models.ErrorDetail{
					Message: "Missing required parameters: messages or model",
					Type:    "invalid_request_error",
					Code:    "missing_parameters",
				},
			})
			return
		}

		if req.Stream {
			stream, err := dispatcher.StreamChatCompletion(c.Request.Context(), &req)
			if err != nil {
				writeDispatchError(c, err)
				return
			}

			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			c.Status(200)
			c.Writer.Flush()

			// 写失败后继续清空通道，转发goroutine才能随Context取消退出
			writeFailed := false
			for chunk := range stream {
				if writeFailed {
					continue
				}
				if _, err := c.Writer.Write(chunk); err != nil {
					log.Warnf("⚠️ Stream write failed (client gone?): %v", err)
					writeFailed = true
					continue
				}
				c.Writer.Flush()
			}
			return
		}

		resp, err := dispatcher.ChatCompletion(c.Request.Context(), &req)
		if err != nil {
			writeDispatchError(c, err)
			return
		}
		c.JSON(200, resp)
	}
}

// handleListModels 代理上游模型列表
func handleListModels(dispatcher *core.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := dispatcher.ListModels(c.Request.Context())
		if err != nil {
			writeDispatchError(c, err)
			return
		}
		c.Data(200, "application/json", body)
	}
}

// handleListKeys 获取所有Key（脱敏）
func handleListKeys(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var keys []models.Key
		if err := db.Order("id asc").Find(&keys).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query keys: "+err.Error()))
			return
		}
		for i := range keys {
			keys[i].KeyValue = models.MaskAPIKey(keys[i].KeyValue)
		}
		c.JSON(200, models.NewSuccessResponse("OK", keys))
	}
}

// refreshPool 写操作后刷新Key池，失败只影响缓存时效，不影响写入结果
func refreshPool(pool *core.KeyPool, log *logrus.Logger, action string) {
	if err := pool.ForceRefresh(); err != nil {
		log.Warnf("⚠️ Key pool refresh after %s failed: %v", action, err)
	}
}

// handleCreateKey 创建Key（格式校验 + 唯一性）
func handleCreateKey(db *gorm.DB, pool *core.KeyPool, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CreateKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid request: "+err.Error()))
			return
		}

		if !keyValuePattern.MatchString(req.KeyValue) {
			c.JSON(400, models.NewErrorResponse("Invalid OpenAI API Key format"))
			return
		}

		var existing models.Key
		if err := db.Where("key_value = ?", req.KeyValue).First(&existing).Error; err == nil {
			c.JSON(409, models.NewErrorResponse("Key already exists"))
			return
		}

		status := req.Status
		if status == "" {
			status = models.KeyStatusActive
		}
		key := models.Key{
			KeyValue: req.KeyValue,
			Name:     req.Name,
			Status:   status,
		}
		if err := db.Create(&key).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to create key: "+err.Error()))
			return
		}

		refreshPool(pool, log, "create")
		key.KeyValue = models.MaskAPIKey(key.KeyValue)
		c.JSON(201, models.NewSuccessResponse("Key created", key))
	}
}

// handleUpdateKey 更新Key名称或状态
func handleUpdateKey(db *gorm.DB, pool *core.KeyPool, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseAndValidateID(c.Param("id"))
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var req models.UpdateKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid request: "+err.Error()))
			return
		}

		var key models.Key
		if err := db.First(&key, id).Error; err != nil {
			c.JSON(404, models.NewErrorResponse("Key not found"))
			return
		}

		updates := map[string]interface{}{}
		if req.Name != nil {
			updates["name"] = *req.Name
		}
		if req.Status != nil {
			updates["status"] = *req.Status
		}
		if len(updates) > 0 {
			if err := db.Model(&key).Updates(updates).Error; err != nil {
				c.JSON(500, models.NewErrorResponse("Failed to update key: "+err.Error()))
				return
			}
			refreshPool(pool, log, "update")
		}

		key.KeyValue = models.MaskAPIKey(key.KeyValue)
		c.JSON(200, models.NewSuccessResponse("Key updated", key))
	}
}

// handleDeleteKey 删除Key
func handleDeleteKey(db *gorm.DB, pool *core.KeyPool, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseAndValidateID(c.Param("id"))
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		result := db.Delete(&models.Key{}, id)
		if result.Error != nil {
			c.JSON(500, models.NewErrorResponse("Failed to delete key: "+result.Error.Error()))
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(404, models.NewErrorResponse("Key not found"))
			return
		}

		refreshPool(pool, log, "delete")
		c.JSON(200, models.NewSuccessResponse("Key deleted", nil))
	}
}

// handleTestKey 测试指定Key有效性，并按结果流转其状态
func handleTestKey(dispatcher *core.Dispatcher, store *core.GormKeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseAndValidateID(c.Param("id"))
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		key, err := store.GetByID(id)
		if err != nil {
			c.JSON(404, models.NewErrorResponse("Key not found"))
			return
		}

		result := dispatcher.TestKey(c.Request.Context(), key)

		status := models.KeyStatusError
		if result.Valid {
			status = models.KeyStatusActive
		}
		if err := store.MarkStatus(key.ID, status); err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to update key status: "+err.Error()))
			return
		}

		c.JSON(200, models.NewSuccessResponse("Key tested", result))
	}
}

// handleKeysSummary Keys摘要
func handleKeysSummary(store *core.GormKeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := store.Summary()
		if err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to load summary: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("OK", summary))
	}
}

// handleForceRefresh 强制刷新Key池
func handleForceRefresh(pool *core.KeyPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := pool.ForceRefresh(); err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to refresh key pool: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Key pool refreshed", gin.H{
			"active_keys": pool.ActiveCount(),
		}))
	}
}

// handleChatHistory 聊天历史（最新在前）
func handleChatHistory(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 100 {
			limit = 50
		}

		var records []models.ChatHistory
		if err := db.Order("id desc").Limit(limit).Find(&records).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query chat history: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("OK", records))
	}
}

// handleDetailedHealth 详细健康检查：汇总所有被监控端点的状态
func handleDetailedHealth(supervisor *core.HeartbeatSupervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceStatus := supervisor.Status()

		allHealthy := true
		criticalHealthy := true
		healthyCount := 0
		criticalCount := 0
		criticalUnhealthy := 0
		for _, st := range serviceStatus {
			if st.Healthy {
				healthyCount++
			} else {
				allHealthy = false
			}
			if st.Critical {
				criticalCount++
				if !st.Healthy {
					criticalHealthy = false
					criticalUnhealthy++
				}
			}
		}

		status := "healthy"
		statusCode := 200
		if !allHealthy {
			status = "unhealthy"
			statusCode = 503
		}

		c.JSON(statusCode, gin.H{
			"status":                    status,
			"critical_services_healthy": criticalHealthy,
			"timestamp":                 time.Now().Format(time.RFC3339),
			"uptime":                    time.Since(startTime).Round(time.Second).String(),
			"services":                  serviceStatus,
			"summary": gin.H{
				"total_services":              len(serviceStatus),
				"healthy_services":            healthyCount,
				"unhealthy_services":          len(serviceStatus) - healthyCount,
				"critical_services":           criticalCount,
				"critical_unhealthy_services": criticalUnhealthy,
			},
		})
	}
}

// handleServiceHealth 单个被监控端点的状态
func handleServiceHealth(supervisor *core.HeartbeatSupervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		serviceStatus := supervisor.Status()

		st, exists := serviceStatus[name]
		if !exists {
			c.JSON(404, gin.H{
				"status":    "error",
				"message":   "未知的服务: " + name,
				"timestamp": time.Now().Format(time.RFC3339),
			})
			return
		}

		statusCode := 200
		statusText := "healthy"
		if !st.Healthy {
			statusCode = 503
			statusText = "unhealthy"
		}

		c.JSON(statusCode, gin.H{
			"service_name":  name,
			"status":        statusText,
			"description":   st.Description,
			"response_time": st.ResponseTime,
			"critical":      st.Critical,
			"failure_count": st.FailureCount,
			"last_failure":  st.LastFailure,
			"timestamp":     time.Now().Format(time.RFC3339),
		})
	}
}

// handleHeartbeatStatus 心跳监督器状态查询
func handleHeartbeatStatus(supervisor *core.HeartbeatSupervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, models.NewSuccessResponse("OK", gin.H{
			"running":  supervisor.IsRunning(),
			"services": supervisor.Status(),
		}))
	}
}

// handleHeartbeatStart 启动心跳监督器
func handleHeartbeatStart(supervisor *core.HeartbeatSupervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := supervisor.Start()
		c.JSON(200, models.NewSuccessResponse("OK", gin.H{"started": started}))
	}
}

// handleHeartbeatStop 停止心跳监督器
func handleHeartbeatStop(supervisor *core.HeartbeatSupervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		supervisor.Stop()
		c.JSON(200, models.NewSuccessResponse("OK", nil))
	}
}
