package connection

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"proxyd/internal/domain"
)

// DefaultDialTimeout は宛先や上流プロキシへの接続のタイムアウト
const DefaultDialTimeout = 30 * time.Second

// Dialer は上流ルールに従って宛先へのバイトストリームを確立する
type Dialer struct {
	net *net.Dialer
}

var _ domain.Dialer = (*Dialer)(nil)

// NewDialer は新しいDialerインスタンスを作成
// bind が空でなければ送信元アドレスとして使う
func NewDialer(bind string, timeout time.Duration) (*Dialer, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if bind != "" {
		ip := net.ParseIP(bind)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind address %q", bind)
		}
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return &Dialer{net: d}, nil
}

// DialTunnel は addr へ接続する. up がnilなら直接接続
func (d *Dialer) DialTunnel(ctx context.Context, up *domain.UpstreamRule, addr string) (net.Conn, error) {
	if up == nil || up.Type == domain.ProxyNone {
		return d.net.DialContext(ctx, "tcp", addr)
	}

	switch up.Type {
	case domain.ProxyHTTP:
		return d.dialHTTP(ctx, up, addr)
	case domain.ProxySOCKS4:
		return d.dialSOCKS4(ctx, up, addr)
	case domain.ProxySOCKS5:
		return d.dialSOCKS5(ctx, up, addr)
	}
	return nil, fmt.Errorf("unsupported upstream type %s", up.Type)
}

// ProxyAuthorization はHTTP上流プロキシに送るProxy-Authorizationの値を返す.
// 認証情報が無ければ空文字列.
func ProxyAuthorization(up *domain.UpstreamRule) string {
	if up == nil || up.User == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(up.User+":"+up.Password))
}

func (d *Dialer) dialHTTP(ctx context.Context, up *domain.UpstreamRule, addr string) (net.Conn, error) {
	conn, err := d.net.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if auth := ProxyAuthorization(up); auth != "" {
		req.Header.Set("Proxy-Authorization", auth)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT to %s: %w", up.Addr(), err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response from %s: %w", up.Addr(), err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream %s refused CONNECT: %s", up.Addr(), resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func (d *Dialer) dialSOCKS5(ctx context.Context, up *domain.UpstreamRule, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if up.User != "" {
		auth = &proxy.Auth{User: up.User, Password: up.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", up.Addr(), auth, d.net)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

// bufferedConn はハンドシェイク時に読み過ぎたデータを先に返す接続
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
