package worker

import (
	"os"
	"reflect"
	"syscall"

	"proxyd/internal/domain"
	"proxyd/internal/interface/connection"
	"proxyd/internal/usecase"
)

const (
	retireShutdown    = "shutdown"
	retireSignal      = "signal"
	retireMaxRequests = "max_requests"
	retireScaleDown   = "scale_down"
	retireListener    = "listener_closed"
)

type worker struct {
	pool  *Pool
	index int
	slot  *slot
	inbox chan os.Signal
	id    string

	rt *usecase.Runtime
	// idle はこのワーカーがカウンタに数えられているか
	idle bool
}

// event はワーカーが待機中に受け取ったもの
type event struct {
	accepted connection.Accepted
	closed   bool
	signal   os.Signal
	done     bool
}

func (w *worker) run() {
	p := w.pool
	defer p.wg.Done()

	w.idle = true
	w.rt = p.deps.Source.Load()
	reason := retireShutdown

	p.deps.Logger.Debug("Worker spawned", map[string]interface{}{
		"slot":      w.index,
		"worker_id": w.id,
	})

	defer func() {
		if w.idle {
			p.counter.Decrement()
		}
		// スロットを空にした時点で別のワーカーが入りうるので、先に報告を済ませる
		connects := w.slot.connects.Load()
		p.deps.Metrics.SetSlotStatus(w.index, domain.SlotEmpty)
		p.deps.Metrics.RecordWorkerRetired(reason)
		w.slot.setStatus(domain.SlotEmpty)
		p.deps.Logger.Info("Worker retired", map[string]interface{}{
			"slot":      w.index,
			"worker_id": w.id,
			"reason":    reason,
			"connects":  connects,
		})
	}()

	cases := w.selectCases()
	for {
		if p.quit.Load() {
			return
		}

		ev := w.wait(cases)
		switch {
		case ev.done:
			return
		case ev.signal != nil:
			if w.handleSignal(ev.signal) {
				reason = retireSignal
				return
			}
			continue
		case ev.closed:
			p.deps.Logger.Error("Listener set closed", domain.ErrListenerClosed, map[string]interface{}{
				"slot": w.index,
			})
			reason = retireListener
			return
		case ev.accepted.Err != nil:
			p.deps.Logger.Error("Accept failed", ev.accepted.Err, map[string]interface{}{
				"slot":     w.index,
				"listener": ev.accepted.Index,
			})
			continue
		}

		w.serve(ev.accepted)

		n := w.slot.connects.Load()
		if max := uint64(p.cfg.MaxRequestsPerChild); max != 0 && n >= max {
			reason = retireMaxRequests
			return
		}
		if !p.counter.TryRejoin(p.cfg.MaxSpareServers) {
			p.deps.Logger.Info("Scaled down worker pool", map[string]interface{}{
				"slot":      w.index,
				"max_spare": p.cfg.MaxSpareServers,
			})
			reason = retireScaleDown
			return
		}
		w.idle = true
		w.slot.setStatus(domain.SlotWaiting)
		p.deps.Metrics.SetSlotStatus(w.index, domain.SlotWaiting)
	}
}

func (w *worker) serve(a connection.Accepted) {
	p := w.pool

	w.slot.setStatus(domain.SlotConnected)
	p.deps.Metrics.SetSlotStatus(w.index, domain.SlotConnected)
	p.counter.Decrement()
	w.idle = false

	defer a.Conn.Close()
	p.deps.Handler.HandleConn(p.ctx, a.Conn, w.rt)
	w.slot.connects.Add(1)
}

// handleSignal はシグナルを処理し、終了すべきなら真を返す
func (w *worker) handleSignal(sig os.Signal) bool {
	switch sig {
	case syscall.SIGHUP:
		w.rt = w.pool.deps.Source.Load()
		w.pool.deps.Logger.Debug("Worker reloaded configuration", map[string]interface{}{
			"slot":       w.index,
			"generation": w.rt.Generation,
		})
		return false
	case syscall.SIGTERM, os.Interrupt:
		return true
	}
	return false
}

const (
	caseDone = iota
	caseQuit
	caseInbox
	caseListeners
)

func (w *worker) selectCases() []reflect.SelectCase {
	ready := w.pool.deps.Listeners.Ready()
	cases := make([]reflect.SelectCase, caseListeners, caseListeners+len(ready))
	cases[caseDone] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.pool.ctx.Done())}
	cases[caseQuit] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.pool.quitCh)}
	cases[caseInbox] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.inbox)}
	for _, ch := range ready {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	return cases
}

// wait は次のイベントを待つ.
// シグナルを先に確認し、複数のリスナーが準備できていれば番号の小さい方を選ぶ.
func (w *worker) wait(cases []reflect.SelectCase) event {
	select {
	case sig := <-w.inbox:
		return event{signal: sig}
	default:
	}

	for i := caseListeners; i < len(cases); i++ {
		chosen, v, ok := reflect.Select([]reflect.SelectCase{
			cases[i],
			{Dir: reflect.SelectDefault},
		})
		if chosen == 0 {
			return listenerEvent(v, ok)
		}
	}

	chosen, v, ok := reflect.Select(cases)
	switch chosen {
	case caseDone, caseQuit:
		return event{done: true}
	case caseInbox:
		return event{signal: v.Interface().(os.Signal)}
	}
	return listenerEvent(v, ok)
}

func listenerEvent(v reflect.Value, ok bool) event {
	if !ok {
		return event{closed: true}
	}
	return event{accepted: v.Interface().(connection.Accepted)}
}
