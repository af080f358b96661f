package core

import (
	"openai-proxy/models"
)

// KeyStore 抽象Key的持久化存储 (DI)
// KeyPool 只通过此接口读写凭证，缓存视图和持久视图不直接互相修改
type KeyStore interface {
	// ListActive 返回所有 active 状态的Key，按ID升序（保证选择的确定性）
	ListActive() ([]*models.Key, error)

	// RecordUsage 记录一次成功调用：usage_count+1、last_used 刷新、聚合统计累加
	RecordUsage(keyID uint, model string, tokensUsed int64) error

	// MarkStatus 设置Key状态 (active / inactive / error)
	MarkStatus(keyID uint, status string) error

	// GetByID 按ID查询Key
	GetByID(keyID uint) (*models.Key, error)
}

// Strategy 定义Key选择策略接口
// 输入当前快照和游标访问器，输出被选中的Key
type Strategy interface {
	// Name 返回策略名称，如 "round_robin", "weighted_round_robin"
	Name() string

	// Select 执行选择逻辑
	// keys: 当前快照（非空）
	// cur: 游标访问器，Advance 返回当前位置并推进（仅轮询类策略使用）
	Select(keys []*models.Key, cur *Cursor) (*models.Key, error)
}

// ShutdownFunc 请求进程优雅退出的能力
// 由部署方注入：发信号、容器重启或进程管理器API均可
type ShutdownFunc func(reason string) error
