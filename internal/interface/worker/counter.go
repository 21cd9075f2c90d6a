package worker

import (
	"fmt"
	"sync"
)

// CapacityCounter は待機中のワーカー数.
// 値の読み取りとそれに基づく判断は同じロックの下で行う.
type CapacityCounter struct {
	mu       sync.Mutex
	value    uint
	max      uint
	onChange func(uint)
}

// NewCapacityCounter は上限 max のカウンタを作成
// onChange は値が変わるたびにロックを保持したまま呼ばれる
func NewCapacityCounter(max uint, onChange func(uint)) *CapacityCounter {
	if onChange == nil {
		onChange = func(uint) {}
	}
	return &CapacityCounter{max: max, onChange: onChange}
}

// Load は現在値を返す
func (c *CapacityCounter) Load() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Increment は値を1増やす
func (c *CapacityCounter) Increment() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incrementLocked()
}

// Decrement は値を1減らす
func (c *CapacityCounter) Decrement() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == 0 {
		panic("worker: capacity counter underflow")
	}
	c.value--
	c.onChange(c.value)
	return c.value
}

// TryRejoin は値が maxSpare を超えていなければ1増やして真を返す.
// 偽ならワーカーは待機に戻らず終了する.
func (c *CapacityCounter) TryRejoin(maxSpare uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value > maxSpare {
		return false
	}
	c.incrementLocked()
	return true
}

func (c *CapacityCounter) incrementLocked() uint {
	if c.value >= c.max {
		panic(fmt.Sprintf("worker: capacity counter overflow (max %d)", c.max))
	}
	c.value++
	c.onChange(c.value)
	return c.value
}
