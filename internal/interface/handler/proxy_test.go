package handler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyd/internal/domain"
	"proxyd/internal/interface/connection"
	"proxyd/internal/interface/repository/access"
	"proxyd/internal/interface/repository/auth"
	"proxyd/internal/interface/repository/filter"
	"proxyd/internal/interface/repository/logger"
	"proxyd/internal/interface/repository/metrics"
	"proxyd/internal/interface/repository/reverse"
	"proxyd/internal/usecase"
)

type fixture struct {
	handler *ProxyHandler
	metrics *metrics.Repository
	rt      *usecase.Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New("")
	log := logger.Nop()
	dialer, err := connection.NewDialer("", time.Second)
	require.NoError(t, err)

	return &fixture{
		handler: NewProxyHandler(usecase.NewProxyUseCase(dialer, m, log), m, log),
		metrics: m,
		rt: &usecase.Runtime{
			Pipeline: usecase.NewPipeline(log, m),
			Relay:    domain.RelayConfig{IdleTimeout: 5 * time.Second},
		},
	}
}

// listen はプロキシを起動してアドレスを返す
func (f *fixture) listen(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				f.handler.HandleConn(context.Background(), conn, f.rt)
			}()
		}
	}()
	return l.Addr().String()
}

// roundTrip は生のリクエストを送り、レスポンスを読む
func roundTrip(t *testing.T, proxyAddr, raw string) (*http.Response, string) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

// echoOrigin はリクエストの内容を本文に書き出すオリジンサーバー
func echoOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "http://"+r.Host+"/login", http.StatusFound)
			return
		}
		fmt.Fprintf(w, "uri=%s\n", r.RequestURI)
		for _, name := range []string{"Via", "X-Forwarded-For", "X-Extra", "X-Keep", "X-Drop", "User-Agent", "Proxy-Authorization", "X-Hop"} {
			fmt.Fprintf(w, "%s=%s\n", name, r.Header.Get(name))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestForwardPlainRequest(t *testing.T) {
	origin := echoOrigin(t)
	f := newFixture(t)
	f.rt.Relay.ViaProxyName = "test-proxy"
	f.rt.Relay.XForwardedFor = true
	f.rt.Relay.AddHeaders = []domain.Header{{Name: "X-Extra", Value: "yes"}}
	proxy := f.listen(t)

	host := strings.TrimPrefix(origin.URL, "http://")
	resp, body := roundTrip(t, proxy, "GET "+origin.URL+"/path?q=1 HTTP/1.1\r\n"+
		"Host: "+host+"\r\n"+
		"Proxy-Authorization: Basic Zm9vOmJhcg==\r\n"+
		"Connection: X-Hop\r\n"+
		"X-Hop: secret\r\n\r\n")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "uri=/path?q=1\n")
	assert.Contains(t, body, "Via=1.1 test-proxy\n")
	assert.Contains(t, body, "X-Forwarded-For=127.0.0.1\n")
	assert.Contains(t, body, "X-Extra=yes\n")
	assert.Contains(t, body, "Proxy-Authorization=\n")
	assert.Contains(t, body, "X-Hop=\n")
	assert.Contains(t, resp.Header.Get("Via"), "test-proxy")
	assert.True(t, resp.Close)

	snap := f.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Positive(t, snap.BytesTransferred)
}

func TestForwardAnonymous(t *testing.T) {
	origin := echoOrigin(t)
	f := newFixture(t)
	f.rt.Relay.Anonymous = []string{"x-keep"}
	f.rt.Relay.DisableVia = true
	proxy := f.listen(t)

	_, body := roundTrip(t, proxy, "GET "+origin.URL+"/ HTTP/1.1\r\n"+
		"Host: example\r\n"+
		"User-Agent: test\r\n"+
		"X-Keep: 1\r\n"+
		"X-Drop: 1\r\n\r\n")

	assert.Contains(t, body, "X-Keep=1\n")
	assert.Contains(t, body, "X-Drop=\n")
	assert.Contains(t, body, "User-Agent=\n")
	assert.Contains(t, body, "Via=\n")
}

func startEcho(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().String()
}

func TestConnectTunnel(t *testing.T) {
	echo := startEcho(t)
	f := newFixture(t)
	proxy := f.listen(t)

	conn, err := net.Dial("tcp", proxy)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// 応答を待たずに送られたデータも宛先に届く
	_, err = io.WriteString(conn, "CONNECT "+echo+" HTTP/1.1\r\nHost: "+echo+"\r\n\r\nhello")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/1.0", resp.Proto)

	buf := make([]byte, 5)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = io.WriteString(conn, "world")
	require.NoError(t, err)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
}

func TestConnectPortNotAllowed(t *testing.T) {
	echo := startEcho(t)
	f := newFixture(t)
	f.rt.Relay.ConnectPorts = []int{443}
	proxy := f.listen(t)

	resp, body := roundTrip(t, proxy, "CONNECT "+echo+" HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "Access violation")
}

func TestConnectUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	f := newFixture(t)
	proxy := f.listen(t)

	resp, _ := roundTrip(t, proxy, "CONNECT "+addr+" HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().Errors)
}

func TestRejections(t *testing.T) {
	origin := echoOrigin(t)

	testCases := []struct {
		name      string
		configure func(t *testing.T, f *fixture)
		raw       string
		status    int
		challenge string
	}{
		{
			name: "acl deny",
			configure: func(t *testing.T, f *fixture) {
				acl := access.New(domain.Deny)
				require.NoError(t, acl.Add("10.0.0.0/8", domain.Allow))
				f.rt.Pipeline.ACL = acl
			},
			raw:    "GET " + origin.URL + "/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status: http.StatusForbidden,
		},
		{
			name: "forward auth required",
			configure: func(t *testing.T, f *fixture) {
				a := auth.New()
				require.NoError(t, a.Add("alice", "secret"))
				f.rt.Pipeline.Auth = a
			},
			raw:       "GET " + origin.URL + "/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status:    http.StatusProxyAuthRequired,
			challenge: "Proxy-Authenticate",
		},
		{
			name: "reverse auth required",
			configure: func(t *testing.T, f *fixture) {
				a := auth.New()
				require.NoError(t, a.Add("alice", "secret"))
				rev := reverse.New(false)
				require.NoError(t, rev.Add("/", origin.URL+"/"))
				f.rt.Pipeline.Auth = a
				f.rt.Pipeline.Reverse = rev
			},
			raw:       "GET /index HTTP/1.1\r\nHost: x\r\nProxy-Authorization: Basic YWxpY2U6c2VjcmV0\r\n\r\n",
			status:    http.StatusUnauthorized,
			challenge: "WWW-Authenticate",
		},
		{
			name: "filtered",
			configure: func(t *testing.T, f *fixture) {
				fl := filter.New(domain.FilterConfig{Enabled: true})
				require.NoError(t, fl.Add(`^127\.0\.0\.1$`))
				f.rt.Pipeline.Filter = fl
			},
			raw:    "GET " + origin.URL + "/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status: http.StatusForbidden,
		},
		{
			name: "reverse only",
			configure: func(t *testing.T, f *fixture) {
				rev := reverse.New(false)
				require.NoError(t, rev.Add("/app/", origin.URL+"/"))
				f.rt.Pipeline.Reverse = rev
				f.rt.Pipeline.ReverseOnly = true
			},
			raw:    "GET " + origin.URL + "/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status: http.StatusBadRequest,
		},
		{
			name:      "origin form without routes",
			configure: func(t *testing.T, f *fixture) {},
			raw:       "GET /x HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n",
			status:    http.StatusBadRequest,
		},
		{
			name:      "malformed request",
			configure: func(t *testing.T, f *fixture) {},
			raw:       "NOT A REQUEST\r\n\r\n",
			status:    http.StatusBadRequest,
		},
		{
			name:      "unsupported scheme",
			configure: func(t *testing.T, f *fixture) {},
			raw:       "GET ftp://example.com/ HTTP/1.1\r\nHost: x\r\n\r\n",
			status:    http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.configure(t, f)
			proxy := f.listen(t)

			resp, _ := roundTrip(t, proxy, tc.raw)
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.challenge != "" {
				assert.Equal(t, `Basic realm="proxyd"`, resp.Header.Get(tc.challenge))
			}
		})
	}
}

func TestAuthenticatedForward(t *testing.T) {
	origin := echoOrigin(t)
	f := newFixture(t)
	a := auth.New()
	require.NoError(t, a.Add("alice", "secret"))
	f.rt.Pipeline.Auth = a
	proxy := f.listen(t)

	resp, body := roundTrip(t, proxy, "GET "+origin.URL+"/ok HTTP/1.1\r\nHost: x\r\n"+
		"Proxy-Authorization: Basic YWxpY2U6c2VjcmV0\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// 認証情報は上流に渡さない
	assert.Contains(t, body, "Proxy-Authorization=\n")
}

func TestReverseProxy(t *testing.T) {
	origin := echoOrigin(t)
	f := newFixture(t)
	rev := reverse.New(true)
	require.NoError(t, rev.Add("/app/", origin.URL+"/"))
	f.rt.Pipeline.Reverse = rev
	f.rt.Reverse = domain.ReverseConfig{
		Routes:  []domain.ReverseRoute{{Path: "/app/", URL: origin.URL + "/"}},
		Magic:   true,
		BaseURL: "http://proxy.example/",
	}
	proxy := f.listen(t)

	resp, body := roundTrip(t, proxy, "GET /app/hello?x=1 HTTP/1.1\r\nHost: proxy.example\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "uri=/hello?x=1\n")
	assert.Equal(t, "yummy_magical_cookie=/app/; path=/", resp.Header.Get("Set-Cookie"))

	resp, _ = roundTrip(t, proxy, "GET /app/redirect HTTP/1.1\r\nHost: proxy.example\r\n\r\n")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://proxy.example/app/login", resp.Header.Get("Location"))

	// クッキーがあればパスに関係なく同じバックエンドへ
	resp, body = roundTrip(t, proxy, "GET /style.css HTTP/1.1\r\nHost: proxy.example\r\n"+
		"Cookie: yummy_magical_cookie=/app/\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "uri=/style.css\n")
}

func TestReverseProxyWithWhitelistFilter(t *testing.T) {
	origin := echoOrigin(t)
	f := newFixture(t)
	rev := reverse.New(false)
	require.NoError(t, rev.Add("/app/", origin.URL+"/"))
	fl := filter.New(domain.FilterConfig{Enabled: true, Policy: domain.Whitelist})
	require.NoError(t, fl.Add(`^proxy\.example$`))
	f.rt.Pipeline.Reverse = rev
	f.rt.Pipeline.Filter = fl
	proxy := f.listen(t)

	// Hostヘッダの名前で照合する
	resp, body := roundTrip(t, proxy, "GET /app/page HTTP/1.1\r\nHost: proxy.example:8888\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "uri=/page\n")

	resp, _ = roundTrip(t, proxy, "GET /app/page HTTP/1.1\r\nHost: other.example\r\n\r\n")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestForwardRefusesRelativeURL(t *testing.T) {
	f := newFixture(t)
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	r, err := http.ReadRequest(bufio.NewReader(strings.NewReader("GET /x HTTP/1.1\r\nHost: example.com\r\n\r\n")))
	require.NoError(t, err)
	req := &domain.Request{ID: "test", URL: "/x", Path: "/x", Headers: r.Header}

	go func() {
		f.handler.forward(context.Background(), serverConn, r, req, domain.Decision{Action: domain.ActionForward}, f.rt)
		serverConn.Close()
	}()

	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type staticUpstream struct {
	rule *domain.UpstreamRule
}

func (s staticUpstream) Select(string) *domain.UpstreamRule { return s.rule }

func TestForwardThroughHTTPUpstream(t *testing.T) {
	seen := make(chan [2]string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [2]string{r.RequestURI, r.Header.Get("Proxy-Authorization")}
		io.WriteString(w, "via upstream")
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	f := newFixture(t)
	f.rt.Pipeline.Upstream = staticUpstream{rule: &domain.UpstreamRule{
		Kind:     domain.UpstreamDefault,
		Type:     domain.ProxyHTTP,
		Host:     u.Hostname(),
		Port:     port,
		User:     "u",
		Password: "p",
	}}
	proxy := f.listen(t)

	resp, body := roundTrip(t, proxy, "GET http://origin.invalid/page HTTP/1.1\r\nHost: origin.invalid\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "via upstream", body)
	got := <-seen
	assert.Equal(t, "http://origin.invalid/page", got[0])
	assert.Equal(t, "Basic dTpw", got[1])
}

type fakeResolver map[string]string

func (r fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if name, ok := r[addr]; ok {
		return []string{name}, nil
	}
	return nil, &net.DNSError{Err: "not found", Name: addr}
}

func TestACLByClientHostname(t *testing.T) {
	origin := echoOrigin(t)

	for _, tc := range []struct {
		name     string
		resolver fakeResolver
		status   int
	}{
		{"resolved", fakeResolver{"127.0.0.1": "client.example.com."}, http.StatusOK},
		{"unresolved", fakeResolver{}, http.StatusForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.handler.WithResolver(tc.resolver)
			acl := access.New(domain.Deny)
			require.NoError(t, acl.Add(".example.com", domain.Allow))
			f.rt.Pipeline.ACL = acl
			proxy := f.listen(t)

			resp, _ := roundTrip(t, proxy, "GET "+origin.URL+"/ HTTP/1.1\r\nHost: x\r\n\r\n")
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestCleanHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":    {"keep-alive, X-Private"},
		"Keep-Alive":    {"timeout=5"},
		"X-Private":     {"1"},
		"Upgrade":       {"websocket"},
		"Content-Type":  {"text/plain"},
		"Authorization": {"Basic x"},
	}
	cleanHopHeaders(h)
	assert.Equal(t, http.Header{
		"Content-Type":  {"text/plain"},
		"Authorization": {"Basic x"},
	}, h)
}

func TestRewriteLocation(t *testing.T) {
	rev := domain.ReverseConfig{
		BaseURL: "http://public.example/",
		Routes: []domain.ReverseRoute{
			{Path: "/", URL: "http://backend-a/"},
			{Path: "/b/", URL: "http://backend-b/"},
		},
	}
	assert.Equal(t, "http://public.example/b/login", rewriteLocation("http://backend-b/login", rev))
	assert.Equal(t, "http://public.example/x", rewriteLocation("http://backend-a/x", rev))
	assert.Equal(t, "http://elsewhere/", rewriteLocation("http://elsewhere/", rev))

	rev.BaseURL = ""
	assert.Equal(t, "http://backend-b/login", rewriteLocation("http://backend-b/login", rev))
}

func TestPortAllowed(t *testing.T) {
	assert.True(t, portAllowed(nil, 25))
	assert.True(t, portAllowed([]int{443, 563}, 563))
	assert.False(t, portAllowed([]int{443, 563}, 80))
}

func TestHandleConnConnectTargets(t *testing.T) {
	echo := startEcho(t)

	testCases := []struct {
		name    string
		request string
		status  int
	}{
		{"valid", "CONNECT " + echo + " HTTP/1.1\r\nHost: " + echo + "\r\n\r\n", http.StatusOK},
		{"invalid port", "CONNECT example.com:123456 HTTP/1.1\r\nHost: example.com:123456\r\n\r\n", http.StatusBadRequest},
		{"missing port", "CONNECT invalid-host HTTP/1.1\r\nHost: invalid-host\r\n\r\n", http.StatusBadRequest},
		{"missing host", "CONNECT HTTP/1.1\r\n\r\n", http.StatusBadRequest},
		{"authority with GET", "GET example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n", http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			clientConn, serverConn := net.Pipe()
			t.Cleanup(func() {
				clientConn.Close()
				serverConn.Close()
			})

			go func() {
				f.handler.HandleConn(context.Background(), serverConn, f.rt)
				serverConn.Close()
			}()

			_, err := clientConn.Write([]byte(tc.request))
			require.NoError(t, err)

			resp, err := http.ReadResponse(bufio.NewReader(clientConn), &http.Request{Method: http.MethodConnect})
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
