package usecase

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyd/internal/domain"
	"proxyd/internal/interface/repository/logger"
	"proxyd/internal/interface/repository/metrics"
)

type fakeDialer struct {
	conn net.Conn
	err  error
	addr string
}

func (d *fakeDialer) DialTunnel(_ context.Context, _ *domain.UpstreamRule, addr string) (net.Conn, error) {
	d.addr = addr
	return d.conn, d.err
}

func TestDialWrapsFailure(t *testing.T) {
	m := metrics.New("")
	uc := NewProxyUseCase(&fakeDialer{err: errors.New("refused")}, m, logger.Nop())

	_, err := uc.Dial(context.Background(), nil, "example.com:443")
	var cf *domain.ErrConnectionFailed
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "example.com:443", cf.Host)
	assert.Equal(t, int64(1), m.GetSnapshot().Errors)
}

func TestDialUpstreamUsesProxyAddress(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := &fakeDialer{conn: client}
	uc := NewProxyUseCase(d, metrics.New(""), logger.Nop())

	conn, err := uc.DialUpstream(context.Background(), &domain.UpstreamRule{Type: domain.ProxyHTTP, Host: "proxy.corp", Port: 3128})
	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, "proxy.corp:3128", d.addr)
}

func TestHandleTunnel(t *testing.T) {
	m := metrics.New("")
	uc := NewProxyUseCase(&fakeDialer{}, m, logger.Nop())

	clientSide, clientConn := net.Pipe()
	serverConn, serverSide := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- uc.HandleTunnel(context.Background(), clientConn, serverConn)
		clientConn.Close()
		serverConn.Close()
	}()

	go func() {
		buf := make([]byte, 4)
		io.ReadFull(serverSide, buf)
		serverSide.Write([]byte("pong"))
		serverSide.Close()
	}()

	_, err := clientSide.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
	clientSide.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not finish")
	}
	assert.Equal(t, int64(8), m.GetSnapshot().BytesTransferred)
}
