package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// StreamChunk 流式响应的一个事件：数据块或终态错误
// Err 非空表示流已终止，之后通道关闭，不再有任何事件
type StreamChunk struct {
	Data []byte
	Err  error
}

// UpstreamClient 无状态的上游HTTP客户端
// 只负责传输和错误分类，不修改Key状态
type UpstreamClient struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	client     *http.Client
	logger     *logrus.Logger

	// 退避睡眠可注入，测试时替换为空操作
	sleep func(d time.Duration)
}

// NewUpstreamClient 创建上游客户端
func NewUpstreamClient(baseURL string, timeout time.Duration, maxRetries int, logger *logrus.Logger) *UpstreamClient {
	return &UpstreamClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout:    timeout,
		maxRetries: maxRetries,
		logger:     logger,
		sleep:      time.Sleep,
		client: &http.Client{
			// 禁用全局超时，由 Request Context 控制
			Timeout: 0,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				// 等待首字节的超时时间
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

// Do 执行一次普通上游调用，返回响应体
// 网络错误和429做指数退避重试，其余状态码均为终态
func (c *UpstreamClient) Do(ctx context.Context, method, path string, payload interface{}, apiKey string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doWithRetry(callCtx, method, path, payload, apiKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return body, nil
}

// Stream 执行一次流式上游调用
// 连接阶段复用相同的重试逻辑；成功后按块返回原始字节
// 流在上游关闭或读取出错时结束，出错时仅发出一个终态错误事件
func (c *UpstreamClient) Stream(ctx context.Context, method, path string, payload interface{}, apiKey string) (<-chan StreamChunk, error) {
	// 流式调用不设整体超时，依靠 ResponseHeaderTimeout 和调用方 Context
	resp, err := c.doWithRetry(ctx, method, path, payload, apiKey)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		buf := make([]byte, 1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				// 消费方放弃时必须退出，否则连接和goroutine随请求泄漏
				select {
				case out <- StreamChunk{Data: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				// 下游已在向客户端转发，只能以事件形式收尾
				select {
				case out <- StreamChunk{Err: fmt.Errorf("stream read error: %w", readErr)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

// doWithRetry 带重试的请求执行，成功时返回未读取的 200 响应
func (c *UpstreamClient) doWithRetry(ctx context.Context, method, path string, payload interface{}, apiKey string) (*http.Response, error) {
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			// 网络层错误，可重试
			lastErr = err
			c.logger.Warnf("⚠️ Attempt %d/%d failed: network error - %v", attempt+1, c.maxRetries, err)
			c.backoff(attempt)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			// 凭证失效，终态且不重试；状态流转由调用方负责
			return nil, &UpstreamError{StatusCode: 401, Body: string(errBody), AuthInvalid: true}
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &UpstreamError{StatusCode: 429, Body: string(errBody)}
			c.logger.Warnf("⚠️ Attempt %d/%d failed: 429 rate limited - backing off", attempt+1, c.maxRetries)
			c.backoff(attempt)
			continue
		default:
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(errBody)}
		}
	}

	return nil, &RetriesExhaustedError{Attempts: c.maxRetries, LastErr: lastErr}
}

// backoff 指数退避：2^attempt 秒，最后一次尝试失败后不再等待
func (c *UpstreamClient) backoff(attempt int) {
	if attempt < c.maxRetries-1 {
		c.sleep(time.Duration(1<<uint(attempt)) * time.Second)
	}
}
