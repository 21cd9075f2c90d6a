package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"proxyd/internal/domain"
	"proxyd/internal/interface/connection"
	"proxyd/internal/usecase"
)

// ErrNoEmptySlot は空きスロットが無いことを示す
var ErrNoEmptySlot = errors.New("no empty worker slot")

// inboxSize はワーカーごとに溜められるシグナル数
const inboxSize = 4

// Listeners は待ち受けソケットの集合
type Listeners interface {
	Ready() []<-chan connection.Accepted
}

// Handler は受け付けた接続を処理する
type Handler interface {
	HandleConn(ctx context.Context, conn net.Conn, rt *usecase.Runtime)
}

// Source は現在の設定スナップショットを返す
type Source interface {
	Load() *usecase.Runtime
}

// Deps はプールが使う外部の部品
type Deps struct {
	Listeners Listeners
	Handler   Handler
	Source    Source
	Logger    domain.Logger
	Metrics   domain.PoolMetrics
	Clock     quartz.Clock
}

type slot struct {
	status   atomic.Int32
	connects atomic.Uint64
	id       string
	inbox    chan os.Signal
}

func (s *slot) setStatus(st domain.SlotStatus) {
	s.status.Store(int32(st))
}

func (s *slot) Status() domain.SlotStatus {
	return domain.SlotStatus(s.status.Load())
}

// Pool は負荷に応じて増減するワーカーの集合
type Pool struct {
	cfg     domain.PoolConfig
	deps    Deps
	counter *CapacityCounter
	ctx     context.Context

	mu    sync.Mutex
	slots []*slot

	quit     atomic.Bool
	quitCh   chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Create は設定を検証し、StartServers 個のワーカーを起動したプールを返す.
// ワーカーは ctx がキャンセルされると終了する.
func Create(ctx context.Context, cfg domain.PoolConfig, deps Deps) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if deps.Listeners == nil || deps.Handler == nil || deps.Source == nil || deps.Logger == nil {
		return nil, errors.New("pool requires listeners, handler, source and logger")
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = domain.DefaultPoolConfig().CheckInterval
	}

	p := &Pool{
		cfg:    cfg,
		deps:   deps,
		ctx:    ctx,
		slots:  make([]*slot, cfg.MaxClients),
		quitCh: make(chan struct{}),
	}
	p.counter = NewCapacityCounter(cfg.MaxClients, deps.Metrics.SetIdleWorkers)
	for i := range p.slots {
		p.slots[i] = &slot{}
	}

	p.counter.mu.Lock()
	var err error
	for i := uint(0); i < cfg.StartServers; i++ {
		if err = p.spawnLocked(); err != nil {
			break
		}
	}
	p.counter.mu.Unlock()

	if err != nil {
		p.Shutdown(os.Interrupt)
		p.Wait()
		return nil, fmt.Errorf("could not create pool: %w", err)
	}

	deps.Logger.Info("Worker pool created", map[string]interface{}{
		"max_clients":   cfg.MaxClients,
		"start_servers": cfg.StartServers,
		"min_spare":     cfg.MinSpareServers,
		"max_spare":     cfg.MaxSpareServers,
	})
	return p, nil
}

// spawnLocked は空きスロットにワーカーを起動する. counter.mu を保持して呼ぶ
func (p *Pool) spawnLocked() error {
	p.mu.Lock()
	index := -1
	for i, s := range p.slots {
		if s.Status() == domain.SlotEmpty {
			index = i
			break
		}
	}
	if index < 0 {
		p.mu.Unlock()
		return ErrNoEmptySlot
	}

	s := p.slots[index]
	s.id = uuid.NewString()
	s.inbox = make(chan os.Signal, inboxSize)
	s.connects.Store(0)
	s.setStatus(domain.SlotWaiting)
	inbox := s.inbox
	p.mu.Unlock()

	p.counter.incrementLocked()
	p.deps.Metrics.SetSlotStatus(index, domain.SlotWaiting)
	p.deps.Metrics.RecordWorkerSpawned()

	p.wg.Add(1)
	w := &worker{pool: p, index: index, slot: s, inbox: inbox, id: s.id}
	go w.run()
	return nil
}

// MainLoop は一定間隔で待機ワーカー数を調べ、MinSpareServers を下回っていれば1つ起動する.
// ctx がキャンセルされるかShutdownされると戻る.
func (p *Pool) MainLoop(ctx context.Context) error {
	ticker := p.deps.Clock.NewTicker(p.cfg.CheckInterval, "pool", "mainloop")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.quitCh:
			return nil
		case <-ticker.C:
		}
		if p.quit.Load() {
			return nil
		}
		p.scaleUp()
	}
}

func (p *Pool) scaleUp() {
	p.counter.mu.Lock()
	defer p.counter.mu.Unlock()

	idle := p.counter.value
	if idle >= p.cfg.MinSpareServers {
		return
	}
	if err := p.spawnLocked(); err != nil {
		p.deps.Logger.Warn("Could not spawn worker", map[string]interface{}{
			"idle":  idle,
			"error": err.Error(),
		})
		return
	}
	p.deps.Logger.Info("Scaled up worker pool", map[string]interface{}{
		"idle":      idle + 1,
		"min_spare": p.cfg.MinSpareServers,
	})
}

// Broadcast は動作中の全ワーカーにシグナルを届ける
func (p *Pool) Broadcast(sig os.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delivered := 0
	for i, s := range p.slots {
		if s.Status() == domain.SlotEmpty {
			continue
		}
		select {
		case s.inbox <- sig:
			delivered++
		default:
			p.deps.Logger.Warn("Worker inbox full, signal dropped", map[string]interface{}{
				"slot":   i,
				"signal": sig.String(),
			})
		}
	}
	p.deps.Logger.Debug("Signal broadcast", map[string]interface{}{
		"signal":  sig.String(),
		"workers": delivered,
	})
}

// Shutdown は終了フラグを立て、動作中の全ワーカーにシグナルを届ける.
// 処理中の接続は中断しない.
func (p *Pool) Shutdown(sig os.Signal) {
	p.quit.Store(true)
	p.quitOnce.Do(func() { close(p.quitCh) })
	p.Broadcast(sig)
}

// Wait は全ワーカーの終了を待つ
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Idle は待機中のワーカー数を返す
func (p *Pool) Idle() uint {
	return p.counter.Load()
}

// Snapshot はスロットの状態を番号順に返す
func (p *Pool) Snapshot() []domain.SlotStatus {
	out := make([]domain.SlotStatus, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.Status()
	}
	return out
}

type nopMetrics struct{}

func (nopMetrics) SetIdleWorkers(uint)                  {}
func (nopMetrics) SetSlotStatus(int, domain.SlotStatus) {}
func (nopMetrics) RecordWorkerSpawned()                 {}
func (nopMetrics) RecordWorkerRetired(string)           {}
