package logger

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// LogLevel はログレベルを表す.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// ParseLevel は設定ファイルのレベル名をslog.Levelに変換.
func ParseLevel(s string) (slog.Level, error) {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case DEBUG, "CONNECT":
		return slog.LevelDebug, nil
	case "", INFO, "NOTICE":
		return slog.LevelInfo, nil
	case WARN, "WARNING":
		return slog.LevelWarn, nil
	case ERROR, "CRITICAL":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// attrs はフィールドをキー順のslog属性に変換.
func attrs(err error, fields map[string]interface{}) []any {
	args := make([]any, 0, len(fields)+1)
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, slog.Any(k, fields[k]))
	}
	return args
}
