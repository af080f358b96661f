package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"openai-proxy/models"
)

// AsyncHistoryLogger 异步聊天历史记录器
// 业务路径只投递，不等待落库；满队列时丢弃以保护请求延迟
type AsyncHistoryLogger struct {
	db        *gorm.DB
	logChan   chan *models.ChatHistory
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	maxRows   int64
	wg        sync.WaitGroup
	quit      chan struct{}
}

// NewAsyncHistoryLogger 创建异步历史记录器并启动后台 Worker
func NewAsyncHistoryLogger(db *gorm.DB, logger *logrus.Logger) *AsyncHistoryLogger {
	l := &AsyncHistoryLogger{
		db:        db,
		logChan:   make(chan *models.ChatHistory, 1000),
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		maxRows:   100, // 只保留最新100条
		quit:      make(chan struct{}),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
	return l
}

// Log 提交记录到队列
func (l *AsyncHistoryLogger) Log(record *models.ChatHistory) {
	select {
	case l.logChan <- record:
	default:
		l.logger.Warn("Chat history channel full, dropping record")
	}
}

// workerLoop 核心循环：满批或到时即刷
func (l *AsyncHistoryLogger) workerLoop() {
	var batch []*models.ChatHistory
	ticker := time.NewTicker(l.flushTime)
	defer ticker.Stop()

	for {
		select {
		case record := <-l.logChan:
			batch = append(batch, record)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前清空队列并刷新剩余记录
			for {
				select {
				case record := <-l.logChan:
					batch = append(batch, record)
				default:
					if len(batch) > 0 {
						l.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush 批量写入并做严格清理，保证表不会无限膨胀
func (l *AsyncHistoryLogger) flush(records []*models.ChatHistory) {
	if len(records) == 0 {
		return
	}

	if err := l.db.CreateInBatches(records, len(records)).Error; err != nil {
		l.logger.Errorf("[History] Failed to flush %d records: %v", len(records), err)
		return
	}

	var count int64
	l.db.Model(&models.ChatHistory{}).Count(&count)
	if count > l.maxRows {
		var pivotID uint
		l.db.Model(&models.ChatHistory{}).Select("id").Order("id desc").
			Offset(int(l.maxRows)).Limit(1).Scan(&pivotID)
		if pivotID > 0 {
			l.db.Where("id <= ?", pivotID).Delete(&models.ChatHistory{})
		}
	}
}

// Close 关闭记录器，刷新未落库的记录
func (l *AsyncHistoryLogger) Close() {
	close(l.quit)
	l.wg.Wait()
}
