package core

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"openai-proxy/models"
)

// GormKeyStore 基于 gorm 的 KeyStore 实现
type GormKeyStore struct {
	db *gorm.DB
}

// NewGormKeyStore 构造函数
func NewGormKeyStore(db *gorm.DB) *GormKeyStore {
	return &GormKeyStore{db: db}
}

// ListActive 返回所有 active 状态的Key，按ID升序
func (s *GormKeyStore) ListActive() ([]*models.Key, error) {
	var keys []*models.Key
	if err := s.db.Where("status = ?", models.KeyStatusActive).Order("id asc").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list active keys: %w", err)
	}
	return keys, nil
}

// RecordUsage 记录一次成功调用
// 先计算新状态再显式写回，避免缓存视图和持久视图静默分叉
func (s *GormKeyStore) RecordUsage(keyID uint, model string, tokensUsed int64) error {
	now := time.Now()
	updates := map[string]interface{}{
		"usage_count": gorm.Expr("usage_count + 1"),
		"last_used":   now,
	}
	if err := s.db.Model(&models.Key{}).Where("id = ?", keyID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update key usage: %w", err)
	}

	// 聚合统计 get-or-create
	var stat models.UsageStat
	err := s.db.Where("key_id = ? AND model_name = ? AND stat_type = ?",
		keyID, model, "request").First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		stat = models.UsageStat{
			KeyID:        keyID,
			StatType:     "request",
			ModelName:    model,
			RequestCount: 1,
			TokensUsed:   tokensUsed,
		}
		return s.db.Create(&stat).Error
	}
	if err != nil {
		return fmt.Errorf("failed to load usage stat: %w", err)
	}

	stat.RequestCount++
	stat.TokensUsed += tokensUsed
	return s.db.Save(&stat).Error
}

// MarkStatus 设置Key状态
func (s *GormKeyStore) MarkStatus(keyID uint, status string) error {
	result := s.db.Model(&models.Key{}).Where("id = ?", keyID).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to mark key %d as %s: %w", keyID, status, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("key %d not found", keyID)
	}
	return nil
}

// GetByID 按ID查询Key
func (s *GormKeyStore) GetByID(keyID uint) (*models.Key, error) {
	var key models.Key
	if err := s.db.First(&key, keyID).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// FindByValue 按Key值查询（用于唯一性校验）
func (s *GormKeyStore) FindByValue(keyValue string) (*models.Key, error) {
	var key models.Key
	if err := s.db.Where("key_value = ?", keyValue).First(&key).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// Summary 返回Keys摘要信息
func (s *GormKeyStore) Summary() (*models.KeysSummary, error) {
	var summary models.KeysSummary
	if err := s.db.Model(&models.Key{}).Count(&summary.TotalKeys).Error; err != nil {
		return nil, err
	}
	s.db.Model(&models.Key{}).Where("status = ?", models.KeyStatusActive).Count(&summary.ActiveKeys)
	s.db.Model(&models.Key{}).Where("status = ?", models.KeyStatusInactive).Count(&summary.InactiveKeys)
	s.db.Model(&models.Key{}).Where("status = ?", models.KeyStatusError).Count(&summary.ErrorKeys)

	var totalUsage struct{ Total int64 }
	s.db.Model(&models.Key{}).Select("COALESCE(SUM(usage_count), 0) as total").Scan(&totalUsage)
	summary.TotalUsage = totalUsage.Total
	return &summary, nil
}

// RecordRestartEvent 尽力而为地持久化一次重启事件，失败不影响重启流程
func (s *GormKeyStore) RecordRestartEvent(reason string, info string) error {
	stat := models.UsageStat{
		StatType:       "service_restart",
		ModelName:      reason,
		RequestCount:   1,
		AdditionalInfo: info,
	}
	return s.db.Create(&stat).Error
}
