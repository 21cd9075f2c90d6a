package usecase

import (
	"net/http"
	"net/url"
	"strings"

	"proxyd/internal/domain"
)

// Pipeline は接続ごとのポリシー判定を行う.
// ACL → 認証 → フィルタ → 上流選択 → リバースプロキシ の順に評価し、拒否した段階で打ち切る.
// 各段階はnilなら省略される.
type Pipeline struct {
	ACL      domain.AccessController
	Auth     domain.Authenticator
	Filter   domain.ContentFilter
	Upstream domain.UpstreamSelector
	Reverse  domain.ReverseRouter

	// ReverseOnly が真ならリバースプロキシとしてのみ動作する.
	ReverseOnly bool
	Realm       string

	logger  domain.Logger
	metrics domain.MetricsCollector
}

// NewPipeline は新しいPipelineインスタンスを作成
func NewPipeline(logger domain.Logger, metrics domain.MetricsCollector) *Pipeline {
	return &Pipeline{logger: logger, metrics: metrics}
}

// NeedsHostname はACLがクライアントのホスト名を必要とするかを返す
func (p *Pipeline) NeedsHostname() bool {
	return p.ACL != nil && p.ACL.NeedsHostname()
}

// Evaluate はリクエストに対する判定を返す. 設定を変更することはない
func (p *Pipeline) Evaluate(req *domain.Request) domain.Decision {
	if p.ACL != nil {
		v := p.ACL.Check(req.ClientIP, req.ClientHost)
		p.record(domain.StageACL, v)
		if v == domain.Deny {
			p.logger.Info("Access denied by ACL", map[string]interface{}{
				"request_id":  req.ID,
				"client_ip":   req.ClientIP,
				"client_host": req.ClientHost,
			})
			return reject(domain.StageACL, http.StatusForbidden, "Access denied")
		}
	}

	if p.Auth != nil && p.Auth.RequiresAuth() {
		if d, ok := p.authenticate(req); !ok {
			return d
		}
	}

	if p.Filter != nil {
		v := p.Filter.Check(req.Host, req.URL)
		p.record(domain.StageFilter, v)
		if v == domain.Deny {
			p.logger.Info("Request filtered", map[string]interface{}{
				"request_id": req.ID,
				"host":       req.Host,
				"url":        req.URL,
			})
			return reject(domain.StageFilter, http.StatusForbidden, "Filtered")
		}
	}

	d := domain.Decision{Action: domain.ActionForward, Status: http.StatusOK}
	if p.Upstream != nil && req.Host != "" {
		d.Upstream = p.Upstream.Select(req.Host)
		p.logUpstream(req, req.Host, d.Upstream)
	}

	if p.Reverse == nil {
		return d
	}

	if !req.IsReverse() {
		if p.ReverseOnly {
			p.record(domain.StageReverse, domain.Deny)
			return reject(domain.StageReverse, http.StatusBadRequest, "Bad Request")
		}
		return d
	}

	rw, ok := p.Reverse.Rewrite(req.Path, req.Headers.Get("Cookie"))
	if !ok {
		p.record(domain.StageReverse, domain.Deny)
		return reject(domain.StageReverse, http.StatusBadRequest, "Bad Request")
	}
	p.record(domain.StageReverse, domain.Allow)
	p.logger.Info("Rewriting URL", map[string]interface{}{
		"request_id": req.ID,
		"from":       req.URL,
		"to":         rw.URL,
	})
	d.Rewrite = &rw

	// 書き換え後の宛先で上流を選び直す
	d.Upstream = nil
	if p.Upstream != nil {
		if host := rewriteHost(rw.URL); host != "" {
			d.Upstream = p.Upstream.Select(host)
			p.logUpstream(req, host, d.Upstream)
		}
	}
	return d
}

func (p *Pipeline) authenticate(req *domain.Request) (domain.Decision, bool) {
	header, challenge, status := "Proxy-Authorization", "Proxy-Authenticate", http.StatusProxyAuthRequired
	if req.IsReverse() {
		header, challenge, status = "Authorization", "WWW-Authenticate", http.StatusUnauthorized
	}

	token, ok := domain.ParseBasicAuth(req.Headers.Get(header))
	if ok && p.Auth.Check(token) {
		p.record(domain.StageAuth, domain.Allow)
		return domain.Decision{}, true
	}

	p.record(domain.StageAuth, domain.Deny)
	p.logger.Info("Authentication failed", map[string]interface{}{
		"request_id": req.ID,
		"client_ip":  req.ClientIP,
		"supplied":   req.Headers.Get(header) != "",
	})
	d := reject(domain.StageAuth, status, http.StatusText(status))
	d.Challenge = challenge
	return d, false
}

func (p *Pipeline) record(stage domain.Stage, v domain.Verdict) {
	if p.metrics != nil {
		p.metrics.RecordDecision(stage, v)
	}
}

func (p *Pipeline) logUpstream(req *domain.Request, host string, up *domain.UpstreamRule) {
	if up == nil {
		p.logger.Debug("No upstream proxy", map[string]interface{}{
			"request_id": req.ID,
			"host":       host,
		})
		return
	}
	p.logger.Info("Found upstream proxy", map[string]interface{}{
		"request_id": req.ID,
		"host":       host,
		"upstream":   up.String(),
	})
}

// Challenge は認証要求ヘッダの値を返す
func (p *Pipeline) Challenge() string {
	realm := p.Realm
	if realm == "" {
		realm = "proxyd"
	}
	return `Basic realm="` + strings.ReplaceAll(realm, `"`, `'`) + `"`
}

func reject(stage domain.Stage, status int, reason string) domain.Decision {
	return domain.Decision{
		Action: domain.ActionReject,
		Stage:  stage,
		Status: status,
		Reason: reason,
	}
}

func rewriteHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
