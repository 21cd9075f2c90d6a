package handler

import (
	"bufio"
	"context"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"proxyd/internal/domain"
	"proxyd/internal/interface/connection"
	"proxyd/internal/usecase"
)

// hopHeaders は中継しないヘッダ (RFC 2616 13.5.1)
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// cleanHopHeaders は hopHeaders と Connection に列挙されたヘッダを取り除く
func cleanHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

// anonymize は allowed に含まれるヘッダだけを残す
func anonymize(header http.Header, allowed []string) {
	if len(allowed) == 0 {
		return
	}
	keep := map[string]bool{
		"Content-Length": true,
		"Content-Type":   true,
	}
	for _, name := range allowed {
		keep[http.CanonicalHeaderKey(name)] = true
	}
	for name := range header {
		if !keep[name] {
			delete(header, name)
		}
	}
}

func viaName(relay domain.RelayConfig) string {
	if relay.ViaProxyName != "" {
		return relay.ViaProxyName
	}
	return "proxyd"
}

func addVia(header http.Header, major, minor int, relay domain.RelayConfig) {
	if relay.DisableVia {
		return
	}
	via := fmt.Sprintf("%d.%d %s", major, minor, viaName(relay))
	if prior := header.Get("Via"); prior != "" {
		via = prior + ", " + via
	}
	header.Set("Via", via)
}

// prepareRequest は上流へ送るリクエストのヘッダを整える
func prepareRequest(r *http.Request, req *domain.Request, relay domain.RelayConfig) {
	cleanHopHeaders(r.Header)
	anonymize(r.Header, relay.Anonymous)
	addVia(r.Header, r.ProtoMajor, r.ProtoMinor, relay)

	if relay.XForwardedFor {
		xff := req.ClientIP
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			xff = prior + ", " + xff
		}
		r.Header.Set("X-Forwarded-For", xff)
	}
	for _, h := range relay.AddHeaders {
		r.Header.Add(h.Name, h.Value)
	}
	r.Close = true
}

// rewriteLocation はバックエンドを指すLocationを公開URLに置き換える
func rewriteLocation(loc string, rev domain.ReverseConfig) string {
	if rev.BaseURL == "" {
		return loc
	}
	for i := len(rev.Routes) - 1; i >= 0; i-- {
		route := rev.Routes[i]
		if strings.HasPrefix(loc, route.URL) {
			return rev.BaseURL + strings.TrimPrefix(route.Path, "/") + loc[len(route.URL):]
		}
	}
	return loc
}

func (h *ProxyHandler) forward(
	ctx context.Context, client net.Conn, r *http.Request,
	req *domain.Request, d domain.Decision, rt *usecase.Runtime,
) {
	if d.Rewrite != nil {
		u, err := url.Parse(d.Rewrite.URL)
		if err != nil || u.Host == "" {
			h.logger.Warn("Invalid rewritten URL", map[string]interface{}{
				"request_id": req.ID,
				"url":        d.Rewrite.URL,
			})
			writeError(client, http.StatusBadRequest, "Bad Request", nil)
			return
		}
		r.URL = u
		r.Host = u.Host
	}
	if r.URL.Host == "" {
		writeError(client, http.StatusBadRequest, "url must be absolute", nil)
		return
	}
	addr := r.URL.Host
	if r.URL.Port() == "" {
		addr = net.JoinHostPort(r.URL.Hostname(), "80")
	}

	prepareRequest(r, req, rt.Relay)

	server, err := h.send(ctx, r, d.Upstream, addr)
	if err != nil {
		h.logger.Error("Could not forward request", err, map[string]interface{}{
			"request_id": req.ID,
			"host":       addr,
		})
		writeError(client, http.StatusBadGateway, "Unable to connect to "+addr, nil)
		return
	}
	defer server.Close()
	server = connection.WithIdleTimeout(server, rt.Relay.IdleTimeout)

	resp, err := http.ReadResponse(bufio.NewReader(server), r)
	if err != nil {
		h.logger.Error("Could not read response", err, map[string]interface{}{
			"request_id": req.ID,
			"host":       addr,
		})
		h.metrics.RecordError()
		writeError(client, http.StatusBadGateway, "Invalid response from "+addr, nil)
		return
	}
	defer resp.Body.Close()

	cleanHopHeaders(resp.Header)
	addVia(resp.Header, resp.ProtoMajor, resp.ProtoMinor, rt.Relay)
	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", rewriteLocation(loc, rt.Reverse))
	}
	if d.Rewrite != nil && d.Rewrite.StickyPath != "" {
		resp.Header.Add("Set-Cookie", domain.ReverseCookie+"="+d.Rewrite.StickyPath+"; path=/")
	}
	resp.Close = true

	cw := &countingWriter{w: client}
	if err := resp.Write(cw); err != nil {
		h.logger.Debug("Could not relay response", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}
	h.metrics.AddBytesTransferred(cw.n)
	h.logger.Info("Request served", map[string]interface{}{
		"request_id": req.ID,
		"status":     resp.StatusCode,
		"bytes":      cw.n,
	})
}

// send は上流の種類に応じてリクエストを書き出した接続を返す
func (h *ProxyHandler) send(
	ctx context.Context, r *http.Request, up *domain.UpstreamRule, addr string,
) (net.Conn, error) {
	if up != nil && up.Type == domain.ProxyHTTP {
		conn, err := h.proxyUseCase.DialUpstream(ctx, up)
		if err != nil {
			return nil, err
		}
		if up.User != "" {
			r.Header.Set("Proxy-Authorization", connection.ProxyAuthorization(up))
		}
		if err := r.WriteProxy(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}

	conn, err := h.proxyUseCase.Dial(ctx, up, addr)
	if err != nil {
		return nil, err
	}
	if err := r.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeError はエラーページを返す
func writeError(w io.Writer, status int, detail string, header http.Header) {
	if header == nil {
		header = make(http.Header)
	}
	text := http.StatusText(status)
	body := fmt.Sprintf(
		"<html><head><title>%d %s</title></head><body><h1>%s</h1><p>%s</p></body></html>\n",
		status, text, text, html.EscapeString(detail),
	)
	header.Set("Content-Type", "text/html")
	resp := &http.Response{
		StatusCode:    status,
		Status:        strconv.Itoa(status) + " " + text,
		ProtoMajor:    1,
		ProtoMinor:    0,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	resp.Write(w)
}
