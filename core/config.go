package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 进程级配置，全部来自环境变量
type Config struct {
	BaseURL       string // 上游API地址
	Port          int
	AdminPassword string

	// Key池
	CacheTTL time.Duration

	// 上游客户端
	UpstreamTimeout time.Duration
	MaxRetries      int

	// 心跳检测
	HeartbeatEnabled   bool
	HeartbeatAutoStart bool
	CheckInterval      time.Duration
	ProbeTimeout       time.Duration
	HeartbeatRetries   int
	RestartCooldown    time.Duration
}

// LoadConfig 从环境变量加载配置，缺省值与原服务保持一致
func LoadConfig() *Config {
	return &Config{
		BaseURL:       getEnv("OPENAI_API_BASE_URL", "https://api.openai.com/v1"),
		Port:          getEnvInt("PORT", 8000),
		AdminPassword: getEnv("ADMIN_PASSWORD", "admin"),

		CacheTTL: getEnvSeconds("KEY_CACHE_TTL", 300),

		UpstreamTimeout: getEnvSeconds("UPSTREAM_TIMEOUT", 30),
		MaxRetries:      getEnvInt("UPSTREAM_MAX_RETRIES", 3),

		HeartbeatEnabled:   getEnvBool("HEARTBEAT_ENABLED", true),
		HeartbeatAutoStart: getEnvBool("HEARTBEAT_AUTO_START", true),
		CheckInterval:      getEnvSeconds("HEARTBEAT_CHECK_INTERVAL", 30),
		ProbeTimeout:       getEnvSeconds("HEARTBEAT_PROBE_TIMEOUT", 10),
		HeartbeatRetries:   getEnvInt("HEARTBEAT_MAX_RETRIES", 3),
		RestartCooldown:    getEnvSeconds("HEARTBEAT_RESTART_COOLDOWN", 300),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}
