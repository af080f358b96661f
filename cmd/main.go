package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"openai-proxy/core"
	"openai-proxy/models"
)

func main() {
	cfg := core.LoadConfig()

	// 日志：JSON格式，stdout + 滚动文件双写
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	log.SetLevel(logrus.InfoLevel)

	rotator, err := core.NewLogRotator("proxy.log", 10)
	if err != nil {
		log.Warnf("⚠️ 日志文件初始化失败，仅输出到stdout: %v", err)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
		defer rotator.Close()
	}

	log.Info("🚀 OpenAI代理服务启动中...")

	// 数据库
	db, err := gorm.Open(sqlite.Open("proxy.db"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatalf("💀 数据库连接失败: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("💀 数据库迁移失败: %v", err)
	}
	if err := models.InitializeDefaultData(db, cfg.Port); err != nil {
		log.Fatalf("💀 初始化默认数据失败: %v", err)
	}
	log.Info("✅ 数据库就绪")

	// 核心组件装配
	store := core.NewGormKeyStore(db)
	history := core.NewAsyncHistoryLogger(db, log)
	pool := core.NewKeyPool(store, log, cfg.CacheTTL, nil)
	client := core.NewUpstreamClient(cfg.BaseURL, cfg.UpstreamTimeout, cfg.MaxRetries, log)
	dispatcher := core.NewDispatcher(pool, client, store, log, history)
	sessions := NewSessionStore(24 * time.Hour)
	limiter := NewIPRateLimiter(rate.Limit(10), 20)

	supervisor := core.NewHeartbeatSupervisor(cfg, nil, db, store, nil, log)
	if cfg.HeartbeatAutoStart {
		supervisor.Start()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())

	// 公开路由
	router.GET("/", handleRoot())
	router.GET("/health", handleHealth())
	router.GET("/health/detailed", handleDetailedHealth(supervisor))
	router.GET("/health/service/:name", handleServiceHealth(supervisor))
	router.GET("/login", handleLoginPage())
	router.POST("/login", RateLimitMiddleware(limiter), handleLogin(cfg, sessions, log))
	router.GET("/logout", handleLogout(sessions))

	// OpenAI兼容接口
	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", handleChatCompletions(dispatcher, log))
		v1.GET("/models", handleListModels(dispatcher))
	}

	// 管理路由（会话鉴权）
	admin := router.Group("/", LoginRequiredMiddleware(sessions))
	{
		admin.GET("/dashboard", handleDashboard())
		admin.GET("/admin/keys", handleListKeys(db))
		admin.POST("/admin/keys", handleCreateKey(db, pool, log))
		admin.PUT("/admin/keys/:id", handleUpdateKey(db, pool, log))
		admin.DELETE("/admin/keys/:id", handleDeleteKey(db, pool, log))
		admin.POST("/admin/keys/:id/test", handleTestKey(dispatcher, store))
		admin.GET("/admin/keys/summary", handleKeysSummary(store))
		admin.POST("/admin/keys/refresh", handleForceRefresh(pool))
		admin.GET("/admin/history", handleChatHistory(db))
		admin.GET("/admin/heartbeat/status", handleHeartbeatStatus(supervisor))
		admin.POST("/admin/heartbeat/start", handleHeartbeatStart(supervisor))
		admin.POST("/admin/heartbeat/stop", handleHeartbeatStop(supervisor))
		admin.GET("/admin/heartbeat/ws", handleHeartbeatWS(supervisor, log))
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Infof("✅ 服务监听端口 %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("💀 服务启动失败: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("🔄 收到信号 %v，开始优雅关闭...", sig)

	supervisor.Stop()
	history.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("⚠️ 服务关闭超时: %v", err)
	}
	log.Info("✅ 服务已退出")
}
