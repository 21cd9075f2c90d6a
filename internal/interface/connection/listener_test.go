package connection

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyd/internal/interface/repository/logger"
)

func TestListenAndAccept(t *testing.T) {
	set, err := Listen([]string{"127.0.0.1", "127.0.0.1"}, 0, logger.Nop())
	require.NoError(t, err)
	defer set.Close()

	require.Equal(t, 2, set.Len())
	ready := set.Ready()

	conn, err := net.Dial("tcp", set.Addrs()[1].String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case a := <-ready[1]:
		require.NoError(t, a.Err)
		assert.Equal(t, 1, a.Index)
		a.Conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not handed off")
	}
}

func TestListenFailureClosesOpened(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, err = Listen([]string{"127.0.0.1"}, port, logger.Nop())
	assert.Error(t, err)
}

func TestCloseClosesReadyChannels(t *testing.T) {
	set, err := Listen([]string{"127.0.0.1"}, 0, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, set.Close())
	_, ok := <-set.Ready()[0]
	assert.False(t, ok)

	// 2回目のCloseは何もしない
	assert.NoError(t, set.Close())
}

// flakyListener は最初のAcceptだけ失敗する
type flakyListener struct {
	net.Listener
	once sync.Once
}

func (l *flakyListener) Accept() (net.Conn, error) {
	var err error
	l.once.Do(func() { err = errors.New("too many open files") })
	if err != nil {
		return nil, err
	}
	return l.Listener.Accept()
}

func TestAcceptErrorIsDeliveredAndRetried(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	set := NewListenerSet([]net.Listener{&flakyListener{Listener: inner}}, logger.Nop())
	defer set.Close()
	ready := set.Ready()[0]

	a := <-ready
	require.Error(t, a.Err)
	assert.Nil(t, a.Conn)

	conn, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case a := <-ready:
		require.NoError(t, a.Err)
		a.Conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("acceptor did not retry")
	}
}

func TestCloseWhileHoldingConnection(t *testing.T) {
	set, err := Listen([]string{"127.0.0.1"}, 0, logger.Nop())
	require.NoError(t, err)

	conn, err := net.Dial("tcp", set.Addrs()[0].String())
	require.NoError(t, err)
	defer conn.Close()

	// 受け取るワーカーがいなくてもCloseは戻る
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, set.Close())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}
