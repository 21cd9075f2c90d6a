package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"proxyd/internal/domain"
)

// Repository はロガーのリポジトリ実装.
type Repository struct {
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は設定に従ってRepositoryを作成.
// ファイルが指定されていればローテーション付きのファイルへ、なければ標準エラー出力へ書く.
func New(config domain.LogConfig) (*Repository, error) {
	level := new(slog.LevelVar)
	lv, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	level.Set(lv)

	if config.File == "" {
		handler := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "2006/01/02 15:04:05.000",
			NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		})
		return &Repository{logger: slog.New(handler), level: level}, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rotation := DefaultRotationConfig()
	if config.MaxSizeMB > 0 {
		rotation.MaxSizeMB = config.MaxSizeMB
	}
	if config.MaxBackups > 0 {
		rotation.MaxBackups = config.MaxBackups
	}
	if config.MaxAgeDays > 0 {
		rotation.MaxAgeDays = config.MaxAgeDays
	}

	writer := newRotatingWriter(config.File, rotation)
	repo := NewWithWriter(writer, level)
	repo.closer = writer
	return repo, nil
}

// NewWithWriter はテキスト形式で w に書き込むRepositoryを作成.
func NewWithWriter(w io.Writer, level *slog.LevelVar) *Repository {
	if level == nil {
		level = new(slog.LevelVar)
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006/01/02 15:04:05.000"))
			}
			return a
		},
	})
	return &Repository{logger: slog.New(handler), level: level}
}

// SetLevel はログレベルを変更. 設定の再読み込み時に使う.
func (r *Repository) SetLevel(name string) error {
	lv, err := ParseLevel(name)
	if err != nil {
		return err
	}
	r.level.Set(lv)
	return nil
}

// Enabled は指定レベルのログが出力されるかを返す.
func (r *Repository) Enabled(level slog.Level) bool {
	return r.logger.Enabled(context.Background(), level)
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.logger.Debug(msg, attrs(nil, fields)...)
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.logger.Info(msg, attrs(nil, fields)...)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.logger.Warn(msg, attrs(nil, fields)...)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.logger.Error(msg, attrs(err, fields)...)
}

// Slog は内部のslog.Loggerを返す. 標準ライブラリのサーバーのエラーログに使う.
func (r *Repository) Slog() *slog.Logger {
	return r.logger
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Nop は何も出力しないRepositoryを返す.
func Nop() *Repository {
	level := new(slog.LevelVar)
	level.Set(slog.LevelError + 4)
	return NewWithWriter(io.Discard, level)
}
