package logger

import (
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSizeMB  int // メガバイト単位の最大サイズ
	MaxAgeDays int // ログファイルの最大保持日数
	MaxBackups int // 保持する古いログファイルの最大数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  100,
		MaxAgeDays: 7,
		MaxBackups: 5,
	}
}

// rotatingWriter はClose後の書き込みを拒否するlumberjackのラッパー.
// lumberjackはClose後の書き込みでファイルを開き直してしまう.
type rotatingWriter struct {
	w io.WriteCloser

	mu     sync.Mutex
	closed bool
}

func newRotatingWriter(path string, config RotationConfig) *rotatingWriter {
	return &rotatingWriter{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSizeMB,
		MaxAge:     config.MaxAgeDays,
		MaxBackups: config.MaxBackups,
	}}
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.w.Write(p)
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.w.Close()
}
