package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxyd/internal/domain"
	"proxyd/internal/interface/connection"
	"proxyd/internal/usecase"
)

// Resolver はクライアントの逆引きに使う
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// ProxyHandler は受け付けた接続からリクエストを1つ読み、判定して中継する
type ProxyHandler struct {
	proxyUseCase *usecase.ProxyUseCase
	metrics      domain.MetricsCollector
	logger       domain.Logger
	resolver     Resolver
}

// NewProxyHandler は新しいProxyHandlerインスタンスを作成
func NewProxyHandler(
	proxyUseCase *usecase.ProxyUseCase,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		proxyUseCase: proxyUseCase,
		metrics:      metrics,
		logger:       logger,
		resolver:     net.DefaultResolver,
	}
}

// WithResolver は逆引きに使うResolverを差し替える
func (h *ProxyHandler) WithResolver(r Resolver) *ProxyHandler {
	h.resolver = r
	return h
}

// HandleConn は1つの接続を処理する. conn を閉じるのは呼び出し側
func (h *ProxyHandler) HandleConn(ctx context.Context, conn net.Conn, rt *usecase.Runtime) {
	h.metrics.IncrementConnections()
	defer h.metrics.DecrementConnections()

	client := connection.WithIdleTimeout(conn, rt.Relay.IdleTimeout)
	br := bufio.NewReader(client)

	r, err := http.ReadRequest(br)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			h.logger.Warn("Could not read request", map[string]interface{}{
				"remote": conn.RemoteAddr().String(),
				"error":  err.Error(),
			})
			h.metrics.RecordError()
			writeError(client, http.StatusBadRequest, "Could not parse the request", nil)
		}
		return
	}
	h.metrics.RecordRequest()

	req, err := h.buildRequest(ctx, conn, r, rt)
	if err != nil {
		h.logger.Info("Bad request", map[string]interface{}{
			"request_id": req.ID,
			"url":        r.RequestURI,
			"error":      err.Error(),
		})
		writeError(client, http.StatusBadRequest, err.Error(), nil)
		return
	}

	h.logger.Info("Request", map[string]interface{}{
		"request_id": req.ID,
		"client_ip":  req.ClientIP,
		"method":     req.Method,
		"url":        req.URL,
	})

	d := rt.Pipeline.Evaluate(req)
	if d.Rejected() {
		var header http.Header
		if d.Challenge != "" {
			header = http.Header{d.Challenge: {rt.Pipeline.Challenge()}}
		}
		writeError(client, d.Status, d.Reason, header)
		return
	}

	if req.IsConnect {
		if !portAllowed(rt.Relay.ConnectPorts, req.Port) {
			h.logger.Info("CONNECT port not allowed", map[string]interface{}{
				"request_id": req.ID,
				"port":       req.Port,
			})
			writeError(client, http.StatusForbidden, "Access violation", nil)
			return
		}
		h.tunnel(ctx, client, br, req, d, rt)
		return
	}
	h.forward(ctx, client, r, req, d, rt)
}

// buildRequest はリクエストラインの形式に応じて宛先を取り出す
func (h *ProxyHandler) buildRequest(
	ctx context.Context, conn net.Conn, r *http.Request, rt *usecase.Runtime,
) (*domain.Request, error) {
	req := &domain.Request{
		ID:        uuid.NewString(),
		Method:    r.Method,
		URL:       r.RequestURI,
		Headers:   r.Header,
		IsConnect: r.Method == http.MethodConnect,
		CreatedAt: time.Now(),
	}

	req.ClientIP = conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(req.ClientIP); err == nil {
		req.ClientIP = host
	}
	if rt.Pipeline.NeedsHostname() {
		req.ClientHost = h.lookupClient(ctx, req.ClientIP)
	}

	switch {
	case req.IsConnect:
		host, port, err := net.SplitHostPort(r.RequestURI)
		if err != nil {
			return req, errors.New("CONNECT target must be host:port")
		}
		req.Host = strings.ToLower(host)
		req.Port, err = strconv.Atoi(port)
		if err != nil || req.Port <= 0 || req.Port > 65535 {
			return req, errors.New("invalid CONNECT port")
		}
	case r.URL.IsAbs():
		if r.URL.Scheme != "http" {
			return req, errors.New("unsupported URL scheme " + r.URL.Scheme)
		}
		req.Host = strings.ToLower(r.URL.Hostname())
		req.Port = 80
		if p := r.URL.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return req, errors.New("invalid port in URL")
			}
			req.Port = n
		}
		req.Path = r.URL.RequestURI()
		if req.Host == "" {
			return req, errors.New("missing host in URL")
		}
	default:
		// オリジン形式はリバースプロキシとしてのみ受け付ける
		if rt.Pipeline.Reverse == nil {
			return req, errors.New("url must be absolute")
		}
		req.Path = r.RequestURI
		req.Host = headerHost(r.Host)
	}
	return req, nil
}

// headerHost はHostヘッダからポートを除いたホスト名を返す
func headerHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func (h *ProxyHandler) lookupClient(ctx context.Context, ip string) string {
	names, err := h.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		h.logger.Debug("Reverse lookup failed", map[string]interface{}{
			"client_ip": ip,
		})
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// portAllowed は空なら全ポートを許可する
func portAllowed(ports []int, port int) bool {
	if len(ports) == 0 {
		return true
	}
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

func (h *ProxyHandler) tunnel(
	ctx context.Context, client net.Conn, br *bufio.Reader,
	req *domain.Request, d domain.Decision, rt *usecase.Runtime,
) {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	server, err := h.proxyUseCase.Dial(ctx, d.Upstream, addr)
	if err != nil {
		h.logger.Error("Could not connect", err, map[string]interface{}{
			"request_id": req.ID,
			"host":       addr,
		})
		writeError(client, http.StatusBadGateway, "Unable to connect to "+addr, nil)
		return
	}
	defer server.Close()
	server = connection.WithIdleTimeout(server, rt.Relay.IdleTimeout)

	if _, err := io.WriteString(client, "HTTP/1.0 200 Connection established\r\nProxy-agent: "+viaName(rt.Relay)+"\r\n\r\n"); err != nil {
		return
	}

	// リクエストと一緒に読み込んでしまったデータを先に送る
	if n := br.Buffered(); n > 0 {
		pending, _ := br.Peek(n)
		if _, err := server.Write(pending); err != nil {
			return
		}
		h.metrics.AddBytesTransferred(int64(n))
	}

	h.logger.Debug("Tunnel established", map[string]interface{}{
		"request_id": req.ID,
		"host":       addr,
	})
	if err := h.proxyUseCase.HandleTunnel(ctx, client, server); err != nil {
		h.logger.Debug("Tunnel closed with error", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}
}
