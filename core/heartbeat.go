package core

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"openai-proxy/models"
)

// MonitoredEndpoint 一个被监控的自身端点
type MonitoredEndpoint struct {
	Name        string
	URL         string
	Description string
	Critical    bool
}

// DefaultEndpoints 默认监控集：主服务健康检查 + 管理登录页面
func DefaultEndpoints(port int) []MonitoredEndpoint {
	return []MonitoredEndpoint{
		{
			Name:        "main_service",
			URL:         fmt.Sprintf("http://127.0.0.1:%d/health", port),
			Description: "主服务健康检查",
			Critical:    true,
		},
		{
			Name:        "login_page",
			URL:         fmt.Sprintf("http://127.0.0.1:%d/login", port),
			Description: "管理登录页面",
			Critical:    true,
		},
	}
}

// loginPageMarkers 登录页面内容完整性校验所需的文本标记
var loginPageMarkers = []string{
	"OpenAI代理服务",
	"请输入密码登录",
	"password",
	"login-form",
}

// RestartRecorder 重启事件的尽力持久化
type RestartRecorder interface {
	RecordRestartEvent(reason string, info string) error
}

// endpointState 单端点的健康簿记，仅由探测循环写入
type endpointState struct {
	healthy      bool
	failureCount int
	lastFailure  time.Time
	lastRepair   time.Time
	lastLatency  float64 // 秒
}

// HeartbeatSupervisor 心跳监督器
// 独立于请求流量的后台循环：探测自身端点、累积失败计数、
// 在冷却纪律下触发修复与重启
type HeartbeatSupervisor struct {
	cfg       *Config
	endpoints []MonitoredEndpoint
	db        *gorm.DB
	recorder  RestartRecorder
	shutdown  ShutdownFunc
	logger    *logrus.Logger
	client    *http.Client

	mu      sync.Mutex
	states  map[string]*endpointState
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewHeartbeatSupervisor 构造函数
// endpoints 为 nil 时使用 DefaultEndpoints；shutdown 为 nil 时使用 DefaultShutdown
func NewHeartbeatSupervisor(cfg *Config, endpoints []MonitoredEndpoint, db *gorm.DB, recorder RestartRecorder, shutdown ShutdownFunc, logger *logrus.Logger) *HeartbeatSupervisor {
	if endpoints == nil {
		endpoints = DefaultEndpoints(cfg.Port)
	}
	if shutdown == nil {
		shutdown = DefaultShutdown
	}
	s := &HeartbeatSupervisor{
		cfg:       cfg,
		endpoints: endpoints,
		db:        db,
		recorder:  recorder,
		shutdown:  shutdown,
		logger:    logger,
		states:    make(map[string]*endpointState),
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
	}
	for _, ep := range endpoints {
		s.states[ep.Name] = &endpointState{healthy: true}
	}
	return s
}

// DefaultShutdown 向当前进程发送SIGTERM，进程托管方负责拉起
func DefaultShutdown(reason string) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

// Start 启动探测循环，幂等：已运行或被配置禁用时为空操作
func (s *HeartbeatSupervisor) Start() bool {
	if !s.cfg.HeartbeatEnabled {
		s.logger.Info("Heartbeat supervisor disabled by configuration")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("Heartbeat supervisor already running")
		return false
	}

	s.running = true
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop()
	}()
	s.logger.Info("💓 Heartbeat supervisor started")
	return true
}

// Stop 通知循环退出并在有限时间内等待，可安全用于信号处理
func (s *HeartbeatSupervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Heartbeat supervisor stop timed out")
	}
	s.logger.Info("Heartbeat supervisor stopped")
}

// runLoop 探测主循环，Stop 能立即打断下一次休眠
func (s *HeartbeatSupervisor) runLoop() {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkAll()
		case <-s.quit:
			return
		}
	}
}

// checkAll 顺序探测所有端点，单个端点的异常不影响循环本身
func (s *HeartbeatSupervisor) checkAll() {
	for _, ep := range s.endpoints {
		healthy, latency := s.probe(ep.URL)

		s.mu.Lock()
		st := s.states[ep.Name]
		st.lastLatency = latency
		if healthy {
			if st.failureCount > 0 {
				s.logger.Infof("💚 %s 已恢复正常", ep.Description)
			}
			st.healthy = true
			st.failureCount = 0
			st.lastFailure = time.Time{}
			s.mu.Unlock()
			continue
		}

		st.healthy = false
		st.failureCount++
		st.lastFailure = time.Now()
		count := st.failureCount
		s.mu.Unlock()

		s.logger.Warnf("⚠️ %s 检查失败 %d/%d", ep.Description, count, s.cfg.HeartbeatRetries)

		if count >= s.cfg.HeartbeatRetries && ep.Critical {
			s.attemptRepair(ep)
		}
	}
}

// probe 探测单个端点，成功判定随端点形态而异
func (s *HeartbeatSupervisor) probe(url string) (bool, float64) {
	start := time.Now()
	resp, err := s.client.Get(url)
	if err != nil {
		s.logger.Warnf("Probe request failed: %v", err)
		return false, 0
	}
	defer resp.Body.Close()
	latency := time.Since(start).Seconds()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warnf("Probe returned non-200 status: %d", resp.StatusCode)
		return false, latency
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, latency
	}

	switch {
	case strings.Contains(url, "/health"):
		return s.checkHealthPayload(body), latency
	case strings.Contains(url, "/login"):
		return s.checkLoginPage(resp.Header.Get("Content-Type"), body), latency
	case strings.Contains(url, "/api/") || strings.Contains(url, "/v1/"):
		return s.checkAPIPayload(resp.Header.Get("Content-Type"), body), latency
	default:
		return true, latency
	}
}

// checkHealthPayload 健康端点必须返回结构化的 healthy 状态
func (s *HeartbeatSupervisor) checkHealthPayload(body []byte) bool {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("健康检查端点返回无效的JSON")
		return false
	}
	if payload.Status != "healthy" {
		s.logger.Warnf("健康检查端点返回非健康状态: %s", payload.Status)
		return false
	}
	return true
}

// checkLoginPage 登录页面做内容完整性校验，不只是可达性
func (s *HeartbeatSupervisor) checkLoginPage(contentType string, body []byte) bool {
	if !strings.Contains(contentType, "text/html") {
		s.logger.Warn("登录页面返回非HTML内容")
		return false
	}
	content := string(body)
	for _, marker := range loginPageMarkers {
		if !strings.Contains(content, marker) {
			s.logger.Warnf("登录页面缺少必要元素: %s", marker)
			return false
		}
	}
	return true
}

// checkAPIPayload 通用API端点要求JSON且无错误字段
func (s *HeartbeatSupervisor) checkAPIPayload(contentType string, body []byte) bool {
	if !strings.Contains(contentType, "application/json") {
		s.logger.Warn("API端点返回非JSON内容")
		return false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("API端点返回无效的JSON")
		return false
	}
	if _, hasErr := payload["error"]; hasErr {
		s.logger.Warn("API端点返回错误响应")
		return false
	}
	if success, ok := payload["success"].(bool); ok && !success {
		s.logger.Warn("API端点返回失败状态")
		return false
	}
	return true
}

// attemptRepair 修复升级：先做非破坏性诊断，必要时进入重启决策
func (s *HeartbeatSupervisor) attemptRepair(ep MonitoredEndpoint) {
	s.mu.Lock()
	st := s.states[ep.Name]
	// 冷却纪律：窗口内已经修复/重启过一次就不再动作，防止重启风暴
	if !st.lastRepair.IsZero() &&
		time.Since(st.lastFailure) < s.cfg.RestartCooldown &&
		time.Since(st.lastRepair) < s.cfg.RestartCooldown {
		remaining := s.cfg.RestartCooldown - time.Since(st.lastRepair)
		s.mu.Unlock()
		s.logger.Infof("端点 %s 在冷却时间内，剩余 %.1f 秒", ep.Name, remaining.Seconds())
		return
	}
	st.lastRepair = time.Now()
	s.mu.Unlock()

	s.logger.Warnf("🔧 尝试修复: %s", ep.Description)

	if !s.checkDatabaseConnection() {
		s.requestRestart("数据库连接失败", ep)
		return
	}
	if !s.checkConfiguration() {
		s.requestRestart("应用配置检查失败", ep)
		return
	}

	// 诊断全部通过但端点仍不健康，重启是剩下的唯一手段
	s.requestRestart(fmt.Sprintf("%s 持续不健康", ep.Description), ep)
}

// checkDatabaseConnection 用一条最小查询确认数据存储可用
func (s *HeartbeatSupervisor) checkDatabaseConnection() bool {
	if s.db == nil {
		return true
	}
	if err := s.db.Exec("SELECT 1").Error; err != nil {
		s.logger.Errorf("数据库连接检查失败: %v", err)
		return false
	}
	return true
}

// checkConfiguration 确认关键配置项存在
func (s *HeartbeatSupervisor) checkConfiguration() bool {
	if s.cfg.BaseURL == "" {
		s.logger.Error("缺少必要配置: OPENAI_API_BASE_URL")
		return false
	}
	if s.cfg.AdminPassword == "" {
		s.logger.Error("缺少必要配置: ADMIN_PASSWORD")
		return false
	}
	return true
}

// requestRestart 发出重启请求
// 在独立 goroutine 中执行，探测循环永不被重启调用阻塞
func (s *HeartbeatSupervisor) requestRestart(reason string, ep MonitoredEndpoint) {
	s.mu.Lock()
	counts := make(map[string]int, len(s.states))
	for name, st := range s.states {
		counts[name] = st.failureCount
	}
	s.mu.Unlock()

	event := map[string]interface{}{
		"timestamp":     time.Now().Format(time.RFC3339),
		"event":         "service_restart",
		"reason":        reason,
		"endpoint":      ep.Name,
		"failure_count": counts,
		"pid":           os.Getpid(),
	}
	eventJSON, _ := json.Marshal(event)
	s.logger.WithFields(logrus.Fields{
		"reason":        reason,
		"endpoint":      ep.Name,
		"failure_count": counts,
		"pid":           os.Getpid(),
	}).Error("🔄 服务重启事件")

	// 持久化失败绝不能阻止重启
	if s.recorder != nil {
		if err := s.recorder.RecordRestartEvent(reason, string(eventJSON)); err != nil {
			s.logger.Errorf("记录重启事件到数据库失败: %v", err)
		}
	}

	go func() {
		if err := s.shutdown(reason); err != nil {
			s.logger.Errorf("重启服务时发生错误: %v", err)
		}
	}()
}

// Status 返回所有端点的只读状态快照
func (s *HeartbeatSupervisor) Status() map[string]models.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]models.ServiceStatus, len(s.endpoints))
	for _, ep := range s.endpoints {
		st := s.states[ep.Name]
		entry := models.ServiceStatus{
			Description:  ep.Description,
			Healthy:      st.healthy,
			ResponseTime: st.lastLatency,
			Critical:     ep.Critical,
			FailureCount: st.failureCount,
		}
		if !st.lastFailure.IsZero() {
			entry.LastFailure = st.lastFailure.Format(time.RFC3339)
		}
		status[ep.Name] = entry
	}
	return status
}

// IsRunning 返回循环是否在运行
func (s *HeartbeatSupervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
