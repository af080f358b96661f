package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableKey 池中没有处于 active 状态的Key
	ErrNoAvailableKey = errors.New("no available API key")

	// ErrEmptyStream 流式响应在结束前没有产生任何数据
	ErrEmptyStream = errors.New("empty completion in streaming response")
)

// UpstreamError 上游返回的终态错误（非2xx且不可重试）
type UpstreamError struct {
	StatusCode  int
	Body        string
	AuthInvalid bool // 401：调用方需要将Key标记为 error
}

func (e *UpstreamError) Error() string {
	if e.AuthInvalid {
		return fmt.Sprintf("upstream rejected credential: %d - %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream request failed: %d - %s", e.StatusCode, e.Body)
}

// RetriesExhaustedError 重试次数耗尽（网络错误或持续429）
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsAuthError 判断错误是否为凭证失效（401）
func IsAuthError(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.AuthInvalid
	}
	return false
}
