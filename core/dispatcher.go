package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"openai-proxy/models"
)

// Dispatcher 单次请求的编排层：选Key -> 调上游 -> 记账
// 一次分发只使用一个Key；401不自动换Key重试，保证延迟和记账无歧义
type Dispatcher struct {
	pool    *KeyPool
	client  *UpstreamClient
	store   KeyStore
	logger  *logrus.Logger
	history *AsyncHistoryLogger // 可为 nil（测试场景）
}

// NewDispatcher 构造函数强制依赖注入
func NewDispatcher(pool *KeyPool, client *UpstreamClient, store KeyStore, logger *logrus.Logger, history *AsyncHistoryLogger) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		client:  client,
		store:   store,
		logger:  logger,
		history: history,
	}
}

// ChatCompletion 非流式聊天完成
func (d *Dispatcher) ChatCompletion(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	start := time.Now()

	key, err := d.pool.Select(PolicyWeightedRoundRobin)
	if err != nil {
		return nil, err
	}

	d.logger.Infof("🚀 Dispatch: model=%s key=%s stream=false", req.Model, models.MaskAPIKey(key.KeyValue))

	body, err := d.client.Do(ctx, http.MethodPost, "chat/completions", req, key.KeyValue)
	if err != nil {
		d.handleDispatchFailure(key, err)
		d.recordHistory(key.ID, req, fmt.Sprintf(`{"error": %q}`, err.Error()), 0, false, start)
		return nil, err
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse upstream response: %w", err)
	}

	var tokens int64
	if resp.Usage != nil {
		tokens = int64(resp.Usage.TotalTokens)
	}
	if err := d.store.RecordUsage(key.ID, req.Model, tokens); err != nil {
		d.logger.Errorf("Failed to record usage for key %d: %v", key.ID, err)
	}
	d.recordHistory(key.ID, req, string(body), tokens, true, start)

	d.logger.Infof("✅ Dispatch success: model=%s tokens=%d latency=%dms", req.Model, tokens, time.Since(start).Milliseconds())
	return &resp, nil
}

// StreamChatCompletion 流式聊天完成
// 返回可直接写给客户端的原始SSE字节块序列
// 空流会合成一个显式的错误事件，调用方绝不会把静默当成成功
func (d *Dispatcher) StreamChatCompletion(ctx context.Context, req *models.ChatCompletionRequest) (<-chan []byte, error) {
	start := time.Now()

	key, err := d.pool.Select(PolicyWeightedRoundRobin)
	if err != nil {
		return nil, err
	}

	d.logger.Infof("🚀 Dispatch: model=%s key=%s stream=true", req.Model, models.MaskAPIKey(key.KeyValue))

	req.Stream = true
	upstream, err := d.client.Stream(ctx, http.MethodPost, "chat/completions", req, key.KeyValue)
	if err != nil {
		d.handleDispatchFailure(key, err)
		d.recordHistory(key.ID, req, fmt.Sprintf(`{"error": %q}`, err.Error()), 0, false, start)
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)

		empty := true
		var tokens int64
		var lineBuffer []byte

		// 消费方放弃（Context取消）后停止投递，转发链路整体退出
		send := func(data []byte) bool {
			select {
			case out <- data:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range upstream {
			if chunk.Err != nil {
				// 已经在向客户端传输中，错误以SSE事件形式收尾
				d.logger.Errorf("❌ Stream error: %v", chunk.Err)
				send(sseErrorEvent(chunk.Err.Error()))
				d.recordHistory(key.ID, req, fmt.Sprintf(`{"error": %q}`, chunk.Err.Error()), tokens, false, start)
				return
			}

			empty = false
			if !send(chunk.Data) {
				d.logger.Warnf("⚠️ Stream consumer gone: model=%s", req.Model)
				return
			}

			// 事后记账：从携带 usage 的末尾块提取token数
			lineBuffer = append(lineBuffer, chunk.Data...)
			if t, rest := scanStreamUsage(lineBuffer); t >= 0 {
				tokens = t
				lineBuffer = rest
			} else {
				lineBuffer = rest
			}
		}

		if empty {
			d.logger.Warn("⚠️ Empty completion in streaming response")
			send(sseErrorEvent(ErrEmptyStream.Error()))
			d.recordHistory(key.ID, req, fmt.Sprintf(`{"error": %q}`, ErrEmptyStream.Error()), 0, false, start)
			return
		}

		if err := d.store.RecordUsage(key.ID, req.Model, tokens); err != nil {
			d.logger.Errorf("Failed to record usage for key %d: %v", key.ID, err)
		}
		d.recordHistory(key.ID, req, `{"stream": true}`, tokens, true, start)
		d.logger.Infof("✅ Stream finished: model=%s tokens=%d latency=%dms", req.Model, tokens, time.Since(start).Milliseconds())
	}()

	return out, nil
}

// ListModels 通过池选Key获取上游模型列表，返回原始响应体
func (d *Dispatcher) ListModels(ctx context.Context) ([]byte, error) {
	key, err := d.pool.Select(PolicyWeightedRoundRobin)
	if err != nil {
		return nil, err
	}

	body, err := d.client.Do(ctx, http.MethodGet, "models", nil, key.KeyValue)
	if err != nil {
		d.handleDispatchFailure(key, err)
		return nil, err
	}

	if err := d.store.RecordUsage(key.ID, "models", 0); err != nil {
		d.logger.Errorf("Failed to record usage for key %d: %v", key.ID, err)
	}
	return body, nil
}

// TestKey 用指定Key发起最小上游调用验证有效性（绕过池选择）
// 状态流转由调用方根据结果执行
func (d *Dispatcher) TestKey(ctx context.Context, key *models.Key) *models.KeyTestResult {
	body, err := d.client.Do(ctx, http.MethodGet, "models", nil, key.KeyValue)
	if err != nil {
		return &models.KeyTestResult{Valid: false, Message: err.Error()}
	}

	var list models.ModelListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return &models.KeyTestResult{Valid: false, Message: "invalid upstream response: " + err.Error()}
	}

	return &models.KeyTestResult{
		Valid:       true,
		Message:     "Key is valid",
		ModelsCount: len(list.Data),
	}
}

// handleDispatchFailure 失败记账：401时将Key标记为 error
func (d *Dispatcher) handleDispatchFailure(key *models.Key, err error) {
	if IsAuthError(err) {
		d.logger.Warnf("💀 Key %s rejected by upstream, marking as error", models.MaskAPIKey(key.KeyValue))
		if markErr := d.store.MarkStatus(key.ID, models.KeyStatusError); markErr != nil {
			d.logger.Errorf("Failed to mark key %d as error: %v", key.ID, markErr)
		}
	}
}

// recordHistory 异步落一条聊天历史
func (d *Dispatcher) recordHistory(keyID uint, req *models.ChatCompletionRequest, response string, tokens int64, success bool, start time.Time) {
	if d.history == nil {
		return
	}
	reqJSON, _ := json.Marshal(req)
	d.history.Log(&models.ChatHistory{
		KeyID:      keyID,
		ModelName:  req.Model,
		Request:    string(reqJSON),
		Response:   response,
		TokensUsed: tokens,
		Success:    success,
		Duration:   time.Since(start).Milliseconds(),
	})
}

// sseErrorEvent 构造一个SSE错误事件
func sseErrorEvent(message string) []byte {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return []byte("data: " + string(payload) + "\n\n")
}

// scanStreamUsage 在SSE缓冲中查找携带 usage 的数据块
// 返回找到的 total_tokens（未找到返回-1）和未处理完的残余缓冲
func scanStreamUsage(buffer []byte) (int64, []byte) {
	found := int64(-1)
	for {
		idx := bytes.IndexByte(buffer, '\n')
		if idx == -1 {
			return found, buffer
		}
		line := bytes.TrimSpace(buffer[:idx])
		buffer = buffer[idx+1:]

		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}

		var chunk models.ChatCompletionResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			found = int64(chunk.Usage.TotalTokens)
		}
	}
}
