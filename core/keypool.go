package core

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"openai-proxy/models"
)

// 选择策略名称
const (
	PolicyRoundRobin         = "round_robin"
	PolicyWeightedRoundRobin = "weighted_round_robin"
	PolicyLeastUsed          = "least_used"
	PolicyRandom             = "random"
)

// KeyPool active Key的内存缓存 + 选择策略
// 快照整体替换，游标和快照共用一把锁；锁内绝不发起网络调用
type KeyPool struct {
	store  KeyStore
	logger *logrus.Logger
	ttl    time.Duration

	mu         sync.Mutex
	snapshot   []*models.Key
	snapshotAt time.Time
	cursor     Cursor
	loaded     bool

	strategies map[string]Strategy
}

// NewKeyPool 构造函数强制依赖注入
// rng 为 nil 时使用时间种子（测试注入固定种子以获得确定性）
func NewKeyPool(store KeyStore, logger *logrus.Logger, ttl time.Duration, rng *rand.Rand) *KeyPool {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &KeyPool{
		store:      store,
		logger:     logger,
		ttl:        ttl,
		strategies: make(map[string]Strategy),
	}
	p.registerStrategy(&RoundRobinStrategy{})
	p.registerStrategy(&LeastUsedStrategy{})
	p.registerStrategy(NewRandomStrategy(rng))
	p.registerStrategy(NewWeightedRoundRobinStrategy(rng))
	return p
}

func (p *KeyPool) registerStrategy(s Strategy) {
	p.strategies[s.Name()] = s
}

// Select 按策略选择一个Key
// 未知策略退化为 round_robin；池为空返回 ErrNoAvailableKey
func (p *KeyPool) Select(policy string) (*models.Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(false); err != nil {
		return nil, err
	}

	if len(p.snapshot) == 0 {
		return nil, ErrNoAvailableKey
	}

	strategy, ok := p.strategies[policy]
	if !ok {
		strategy = p.strategies[PolicyRoundRobin]
	}
	return strategy.Select(p.snapshot, &p.cursor)
}

// ForceRefresh 跳过TTL强制刷新快照并重置游标
func (p *KeyPool) ForceRefresh() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(true); err != nil {
		return err
	}
	p.cursor.Reset()
	return nil
}

// ActiveCount 返回当前活跃Key数量（触发TTL检查）
func (p *KeyPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.refreshLocked(false); err != nil {
		return 0
	}
	return len(p.snapshot)
}

// refreshLocked 在持锁状态下按需替换快照
// 刷新失败时保留旧快照继续服务（有旧数据可用则只告警）
func (p *KeyPool) refreshLocked(force bool) error {
	if !force && p.loaded && time.Since(p.snapshotAt) <= p.ttl {
		return nil
	}

	keys, err := p.store.ListActive()
	if err != nil {
		if p.loaded {
			p.logger.Warnf("⚠️ Key cache refresh failed, serving stale snapshot: %v", err)
			return nil
		}
		return err
	}

	p.snapshot = keys
	p.snapshotAt = time.Now()
	p.loaded = true
	p.cursor.clamp(len(keys))
	p.logger.Debugf("Key cache refreshed: %d active keys", len(keys))
	return nil
}
