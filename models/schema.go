package models

import (
	"time"

	"gorm.io/gorm"
)

// Key状态常量
const (
	KeyStatusActive   = "active"
	KeyStatusInactive = "inactive"
	KeyStatusError    = "error"
)

// ProxySettings 代理全局设置
type ProxySettings struct {
	gorm.Model
	Port int `gorm:"default:8000" json:"port"`
}

// Key 上游API密钥
type Key struct {
	gorm.Model
	KeyValue   string     `gorm:"uniqueIndex:idx_key_value_deleted;not null" json:"key_value"`
	Name       string     `json:"name"`
	Status     string     `gorm:"default:active;not null" json:"status"` // active, inactive, error
	UsageCount int64      `gorm:"default:0" json:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty"`

	// 关联关系
	UsageStats  []UsageStat   `gorm:"foreignKey:KeyID" json:"usage_stats,omitempty"`
	ChatHistory []ChatHistory `gorm:"foreignKey:KeyID" json:"chat_history,omitempty"`
}

// UsageStat 使用统计（按 Key + 模型聚合，service_restart 事件也写入此表）
type UsageStat struct {
	gorm.Model
	KeyID          uint   `gorm:"index" json:"key_id"`
	StatType       string `gorm:"default:request;not null" json:"stat_type"` // request 或 service_restart
	ModelName      string `json:"model"`
	RequestCount   int64  `gorm:"default:0" json:"request_count"`
	TokensUsed     int64  `gorm:"default:0" json:"tokens_used"`
	AdditionalInfo string `json:"additional_info,omitempty"`
}

// ChatHistory 聊天历史记录
type ChatHistory struct {
	gorm.Model
	KeyID      uint   `gorm:"index" json:"key_id"`
	ModelName  string `gorm:"index" json:"model"`
	Request    string `json:"request"`
	Response   string `json:"response"`
	TokensUsed int64  `gorm:"default:0" json:"tokens_used"`
	Success    bool   `gorm:"default:false" json:"success"`
	Duration   int64  `json:"duration"` // 毫秒
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ProxySettings{},
		&Key{},
		&UsageStat{},
		&ChatHistory{},
	)
}

// InitializeDefaultData 初始化默认数据
func InitializeDefaultData(db *gorm.DB, port int) error {
	var count int64
	db.Model(&ProxySettings{}).Count(&count)
	if count == 0 {
		settings := ProxySettings{Port: port}
		if err := db.Create(&settings).Error; err != nil {
			return err
		}
	}
	return nil
}
