package core

import (
	"fmt"
	"os"
	"sync"
)

// LogRotator 带大小上限的日志写入器，实现 io.Writer
// 超限时当前文件退位为 .old 备份（覆盖上一个备份），磁盘占用恒为有界：
// 一个不超限的活跃文件 + 一份同量级备份
type LogRotator struct {
	mu      sync.Mutex
	path    string
	limit   int64 // bytes
	file    *os.File
	written int64
}

// NewLogRotator 打开（或续写）日志文件，maxSizeMB 为单文件上限
func NewLogRotator(path string, maxSizeMB int) (*LogRotator, error) {
	r := &LogRotator{
		path:  path,
		limit: int64(maxSizeMB) << 20,
	}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

// reopen 以追加模式打开日志文件并校准已写字节数
func (r *LogRotator) reopen() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.written = info.Size()
	return nil
}

// Write 追加一条日志，写入会突破上限时先轮转
func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.written+int64(len(p)) > r.limit {
		if err := r.rotateLocked(); err != nil {
			// 轮转失败不丢日志，继续写当前文件
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

// rotateLocked 当前文件换名为 .old，换名失败时恢复对原文件的写入
func (r *LogRotator) rotateLocked() error {
	r.file.Close()

	backup := r.path + ".old"
	os.Remove(backup) // 备份可能不存在
	renameErr := os.Rename(r.path, backup)

	if err := r.reopen(); err != nil {
		return err
	}
	return renameErr
}

func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
