package core

import (
	"math/rand"

	"openai-proxy/models"
)

// Cursor 轮询游标，由 KeyPool 持有并在其锁内访问
type Cursor struct {
	idx int
}

// Advance 返回当前游标位置并推进一格（模快照长度循环）
func (c *Cursor) Advance(length int) int {
	pos := c.idx
	c.idx = (c.idx + 1) % length
	return pos
}

// Reset 重置游标到起点
func (c *Cursor) Reset() {
	c.idx = 0
}

// Pos 返回当前游标位置
func (c *Cursor) Pos() int {
	return c.idx
}

// clamp 快照收缩到游标以下时重置游标，保证索引始终有效
func (c *Cursor) clamp(length int) {
	if length == 0 || c.idx >= length {
		c.idx = 0
	}
}

// RoundRobinStrategy 轮询策略
type RoundRobinStrategy struct{}

func (s *RoundRobinStrategy) Name() string { return "round_robin" }

func (s *RoundRobinStrategy) Select(keys []*models.Key, cur *Cursor) (*models.Key, error) {
	if len(keys) == 0 {
		return nil, ErrNoAvailableKey
	}
	return keys[cur.Advance(len(keys))], nil
}

// LeastUsedStrategy 最少使用策略
// keys 按ID升序，严格小于比较保证平局时取ID最小者
type LeastUsedStrategy struct{}

func (s *LeastUsedStrategy) Name() string { return "least_used" }

func (s *LeastUsedStrategy) Select(keys []*models.Key, _ *Cursor) (*models.Key, error) {
	if len(keys) == 0 {
		return nil, ErrNoAvailableKey
	}
	selected := keys[0]
	for _, k := range keys[1:] {
		if k.UsageCount < selected.UsageCount {
			selected = k
		}
	}
	return selected, nil
}

// RandomStrategy 随机策略
type RandomStrategy struct {
	rng *rand.Rand
}

func NewRandomStrategy(rng *rand.Rand) *RandomStrategy {
	return &RandomStrategy{rng: rng}
}

func (s *RandomStrategy) Name() string { return "random" }

func (s *RandomStrategy) Select(keys []*models.Key, _ *Cursor) (*models.Key, error) {
	if len(keys) == 0 {
		return nil, ErrNoAvailableKey
	}
	return keys[s.rng.Intn(len(keys))], nil
}

// WeightedRoundRobinStrategy 加权轮询策略
// 权重 = 总使用次数 - 当前Key使用次数 + 1，使用越少权重越高
// 该公式沿用既有服务的策略选择，属可调整的策略参数而非算法定论
type WeightedRoundRobinStrategy struct {
	rng *rand.Rand
}

func NewWeightedRoundRobinStrategy(rng *rand.Rand) *WeightedRoundRobinStrategy {
	return &WeightedRoundRobinStrategy{rng: rng}
}

func (s *WeightedRoundRobinStrategy) Name() string { return "weighted_round_robin" }

func (s *WeightedRoundRobinStrategy) Select(keys []*models.Key, cur *Cursor) (*models.Key, error) {
	if len(keys) == 0 {
		return nil, ErrNoAvailableKey
	}

	var totalUsage int64
	for _, k := range keys {
		totalUsage += k.UsageCount
	}

	// 所有Key都未被使用过，退化为普通轮询，避免全零权重
	if totalUsage == 0 {
		return keys[cur.Advance(len(keys))], nil
	}

	var totalWeight int64
	weights := make([]int64, len(keys))
	for i, k := range keys {
		w := totalUsage - k.UsageCount + 1 // 恒为正：usage <= totalUsage
		weights[i] = w
		totalWeight += w
	}

	pick := s.rng.Int63n(totalWeight)
	for i, w := range weights {
		if pick < w {
			return keys[i], nil
		}
		pick -= w
	}
	return keys[len(keys)-1], nil
}
