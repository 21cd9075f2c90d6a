package usecase

import (
	"sync/atomic"

	"proxyd/internal/domain"
)

// Runtime はワーカーが接続の処理に使う設定のスナップショット.
// 作成後は変更されず、再読み込み時は新しいRuntimeに置き換えられる.
type Runtime struct {
	Pipeline   *Pipeline
	Relay      domain.RelayConfig
	Reverse    domain.ReverseConfig
	Generation uint64
}

// RuntimeStore は現在のRuntimeを保持する
type RuntimeStore struct {
	current atomic.Pointer[Runtime]
	gen     atomic.Uint64
}

// NewRuntimeStore は新しいRuntimeStoreインスタンスを作成
func NewRuntimeStore(rt *Runtime) *RuntimeStore {
	s := &RuntimeStore{}
	s.Store(rt)
	return s
}

// Load は現在のRuntimeを返す
func (s *RuntimeStore) Load() *Runtime {
	return s.current.Load()
}

// Store はRuntimeを置き換え、割り当てた世代番号を返す
func (s *RuntimeStore) Store(rt *Runtime) uint64 {
	rt.Generation = s.gen.Add(1)
	s.current.Store(rt)
	return rt.Generation
}
