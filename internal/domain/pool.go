package domain

import (
	"errors"
	"time"
)

// PoolConfig はワーカープールの設定. 起動後は変更されない.
type PoolConfig struct {
	MaxClients          uint          `yaml:"max_clients"`
	StartServers        uint          `yaml:"start_servers"`
	MinSpareServers     uint          `yaml:"min_spare_servers"`
	MaxSpareServers     uint          `yaml:"max_spare_servers"`
	MaxRequestsPerChild uint          `yaml:"max_requests_per_child"`
	CheckInterval       time.Duration `yaml:"check_interval"`
}

// DefaultPoolConfig はデフォルトのプール設定を返す.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxClients:      100,
		StartServers:    10,
		MinSpareServers: 5,
		MaxSpareServers: 20,
		CheckInterval:   5 * time.Second,
	}
}

// Validate はプール設定を検証する.
func (c PoolConfig) Validate() error {
	if c.MaxClients == 0 {
		return errors.New("MaxClients must be greater than zero")
	}
	if c.StartServers == 0 {
		return errors.New("StartServers must be greater than zero")
	}
	if c.StartServers > c.MaxClients {
		return errors.New("StartServers must not exceed MaxClients")
	}
	return nil
}

// SlotStatus はワーカースロットの状態.
type SlotStatus int32

const (
	SlotEmpty SlotStatus = iota
	SlotWaiting
	SlotConnected
)

func (s SlotStatus) String() string {
	switch s {
	case SlotWaiting:
		return "waiting"
	case SlotConnected:
		return "connected"
	default:
		return "empty"
	}
}
