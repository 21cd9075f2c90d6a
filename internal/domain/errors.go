package domain

import (
	"errors"
	"fmt"
)

// ErrNotAllowed はアクセス拒否エラー.
type ErrNotAllowed struct {
	ClientIP string
	Host     string
	Stage    Stage
}

func (e *ErrNotAllowed) Error() string {
	return fmt.Sprintf("access not allowed for client %s to host %s by %s", e.ClientIP, e.Host, e.Stage)
}

// ErrConnectionFailed は接続失敗エラー.
type ErrConnectionFailed struct {
	Host string
	Err  error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("failed to connect to host %s: %v", e.Host, e.Err)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Err }

// ErrTooManyRules はルール数の上限超過.
type ErrTooManyRules struct {
	Kind  string
	Limit int
}

func (e *ErrTooManyRules) Error() string {
	return fmt.Sprintf("exceeds %s rules count limit (%d)", e.Kind, e.Limit)
}

// ErrInvalidRule は登録を拒否された設定ルール.
type ErrInvalidRule struct {
	Kind   string
	Rule   string
	Reason string
}

func (e *ErrInvalidRule) Error() string {
	return fmt.Sprintf("invalid %s rule %q: %s", e.Kind, e.Rule, e.Reason)
}

var (
	// ErrDuplicateDefault は2つ目のデフォルト上流の登録.
	ErrDuplicateDefault = errors.New("duplicate default upstream")
	// ErrListenerClosed は待ち受けソケットが閉じられたことを示す.
	ErrListenerClosed = errors.New("listener set closed")
)
