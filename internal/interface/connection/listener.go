package connection

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"proxyd/internal/domain"
)

// Accepted は受け付けた接続、または受け付けの失敗を表す
type Accepted struct {
	Conn  net.Conn
	Index int
	Err   error
}

// ListenerSet は全ワーカーが共有する待ち受けソケットの集合.
// ソケットごとに1つの受け付けゴルーチンが接続を受け取り、
// バッファなしのチャネルで1つのワーカーだけに渡す.
type ListenerSet struct {
	listeners []net.Listener
	ready     []chan Accepted
	logger    domain.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen は addrs の各アドレスの port で待ち受ける.
// addrs が空なら全インターフェースで待ち受ける. 1つでも失敗すればエラー.
func Listen(addrs []string, port int, logger domain.Logger) (*ListenerSet, error) {
	if len(addrs) == 0 {
		addrs = []string{""}
	}

	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		hostport := net.JoinHostPort(addr, strconv.Itoa(port))
		l, err := net.Listen("tcp", hostport)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return nil, fmt.Errorf("listen on %s: %w", hostport, err)
		}
		logger.Info("Listening", map[string]interface{}{
			"addr": l.Addr().String(),
		})
		listeners = append(listeners, l)
	}

	return NewListenerSet(listeners, logger), nil
}

// NewListenerSet は既存のリスナーから受け付けを開始する
func NewListenerSet(listeners []net.Listener, logger domain.Logger) *ListenerSet {
	s := &ListenerSet{
		listeners: listeners,
		ready:     make([]chan Accepted, len(listeners)),
		logger:    logger,
		done:      make(chan struct{}),
	}
	for i, l := range listeners {
		s.ready[i] = make(chan Accepted)
		s.wg.Add(1)
		go s.acceptLoop(i, l)
	}
	return s
}

func newAcceptBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

func (s *ListenerSet) acceptLoop(index int, l net.Listener) {
	defer s.wg.Done()
	defer close(s.ready[index])

	b := newAcceptBackOff()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if !s.deliver(Accepted{Index: index, Err: err}) {
				return
			}
			select {
			case <-time.After(b.NextBackOff()):
			case <-s.done:
				return
			}
			continue
		}
		b.Reset()

		if !s.deliver(Accepted{Conn: conn, Index: index}) {
			conn.Close()
			return
		}
	}
}

func (s *ListenerSet) deliver(a Accepted) bool {
	select {
	case s.ready[a.Index] <- a:
		return true
	case <-s.done:
		return false
	}
}

// Ready はリスナーごとの受け渡しチャネルを番号順に返す.
// リスナーが閉じられるとチャネルも閉じられる.
func (s *ListenerSet) Ready() []<-chan Accepted {
	chans := make([]<-chan Accepted, len(s.ready))
	for i, c := range s.ready {
		chans[i] = c
	}
	return chans
}

// Addrs は待ち受けアドレスを返す
func (s *ListenerSet) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Len はリスナー数を返す
func (s *ListenerSet) Len() int {
	return len(s.listeners)
}

// Close は全リスナーを閉じ、受け付けゴルーチンの終了を待つ
func (s *ListenerSet) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, l := range s.listeners {
			if cerr := l.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		s.wg.Wait()
	})
	return err
}
