package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"openai-proxy/models"
)

// setupTestDB 独立的内存数据库，测试之间互不可见
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	assert.NoError(t, err)
	assert.NoError(t, models.AutoMigrate(db))
	return db
}

func TestStoreListActiveFiltersAndOrders(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormKeyStore(db)

	db.Create(&models.Key{KeyValue: "sk-a", Status: models.KeyStatusActive})
	db.Create(&models.Key{KeyValue: "sk-b", Status: models.KeyStatusError})
	db.Create(&models.Key{KeyValue: "sk-c", Status: models.KeyStatusActive})
	db.Create(&models.Key{KeyValue: "sk-d", Status: models.KeyStatusInactive})

	keys, err := store.ListActive()
	assert.NoError(t, err)
	assert.Len(t, keys, 2)
	// ID升序保证轮询顺序稳定
	assert.Equal(t, "sk-a", keys[0].KeyValue)
	assert.Equal(t, "sk-c", keys[1].KeyValue)
}

func TestStoreRecordUsageIncrementsAndAggregates(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormKeyStore(db)

	key := models.Key{KeyValue: "sk-a", Status: models.KeyStatusActive}
	db.Create(&key)

	// 两次调用：计数+2，token累加，last_used被更新
	assert.NoError(t, store.RecordUsage(key.ID, "gpt-4", 10))
	assert.NoError(t, store.RecordUsage(key.ID, "gpt-4", 32))

	var got models.Key
	db.First(&got, key.ID)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.NotNil(t, got.LastUsed)

	var stat models.UsageStat
	err := db.Where("key_id = ? AND model_name = ? AND stat_type = ?", key.ID, "gpt-4", "request").First(&stat).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(2), stat.RequestCount)
	assert.Equal(t, int64(42), stat.TokensUsed)

	// 不同模型写入独立的聚合行
	assert.NoError(t, store.RecordUsage(key.ID, "gpt-3.5-turbo", 5))
	var count int64
	db.Model(&models.UsageStat{}).Where("key_id = ?", key.ID).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestStoreMarkStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormKeyStore(db)

	key := models.Key{KeyValue: "sk-a", Status: models.KeyStatusActive}
	db.Create(&key)

	assert.NoError(t, store.MarkStatus(key.ID, models.KeyStatusError))

	var got models.Key
	db.First(&got, key.ID)
	assert.Equal(t, models.KeyStatusError, got.Status)

	// 不存在的Key必须报错而不是静默成功
	err := store.MarkStatus(9999, models.KeyStatusActive)
	assert.Error(t, err)
}

func TestStoreSummary(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormKeyStore(db)

	db.Create(&models.Key{KeyValue: "sk-a", Status: models.KeyStatusActive, UsageCount: 10})
	db.Create(&models.Key{KeyValue: "sk-b", Status: models.KeyStatusActive, UsageCount: 5})
	db.Create(&models.Key{KeyValue: "sk-c", Status: models.KeyStatusError, UsageCount: 3})
	db.Create(&models.Key{KeyValue: "sk-d", Status: models.KeyStatusInactive})

	summary, err := store.Summary()
	assert.NoError(t, err)
	assert.Equal(t, int64(4), summary.TotalKeys)
	assert.Equal(t, int64(2), summary.ActiveKeys)
	assert.Equal(t, int64(1), summary.InactiveKeys)
	assert.Equal(t, int64(1), summary.ErrorKeys)
	assert.Equal(t, int64(18), summary.TotalUsage)
}

func TestStoreRecordRestartEvent(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormKeyStore(db)

	assert.NoError(t, store.RecordRestartEvent("主服务健康检查 持续不健康", `{"pid": 1}`))

	var stat models.UsageStat
	err := db.Where("stat_type = ?", "service_restart").First(&stat).Error
	assert.NoError(t, err)
	assert.Equal(t, "主服务健康检查 持续不健康", stat.ModelName)
	assert.Equal(t, `{"pid": 1}`, stat.AdditionalInfo)
}

func TestKeyPoolWithGormStore(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormKeyStore(db)

	for _, v := range []string{"sk-a", "sk-b", "sk-c"} {
		db.Create(&models.Key{KeyValue: v, Status: models.KeyStatusActive})
	}

	pool := NewKeyPool(store, quietLogger(), 0, nil)

	// 轮询在真实存储之上同样稳定
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		k, err := pool.Select(PolicyRoundRobin)
		assert.NoError(t, err)
		seen[k.KeyValue]++
	}
	for _, v := range []string{"sk-a", "sk-b", "sk-c"} {
		assert.Equal(t, 2, seen[v])
	}

	// Key被禁用后强刷即从池中消失
	db.Model(&models.Key{}).Where("key_value = ?", "sk-b").Update("status", models.KeyStatusInactive)
	assert.NoError(t, pool.ForceRefresh())
	assert.Equal(t, 2, pool.ActiveCount())
}
