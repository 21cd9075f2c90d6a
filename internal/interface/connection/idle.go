package connection

import (
	"net"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// idleConn は読み書きのたびに期限を延長する接続
type idleConn struct {
	net.Conn
	timeout time.Duration
}

// WithIdleTimeout は timeout の間に読み書きが無ければ失敗する接続を返す.
// timeout が0以下なら conn をそのまま返す.
func WithIdleTimeout(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &idleConn{Conn: conn, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// CloseWrite は内側の接続が対応していれば書き込み側を閉じる
func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
