package domain

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Request はポリシー判定に使うプロキシリクエストを表す.
type Request struct {
	ID         string
	ClientIP   string
	ClientHost string
	Method     string
	// Host はポートを除いた宛先ホスト. リバースプロキシ要求では空になりうる.
	Host string
	Port int
	// URL はリクエストラインのURLそのもの.
	URL       string
	Path      string
	Headers   http.Header
	IsConnect bool
	CreatedAt time.Time
}

// IsReverse はオリジン形式のリクエストかどうかを返す.
func (r *Request) IsReverse() bool {
	return !r.IsConnect && len(r.URL) > 0 && r.URL[0] == '/'
}

// Stage はポリシーパイプラインの段階.
type Stage string

const (
	StageACL      Stage = "acl"
	StageAuth     Stage = "auth"
	StageFilter   Stage = "filter"
	StageUpstream Stage = "upstream"
	StageReverse  Stage = "reverse"
)

// Action はパイプラインの最終判断.
type Action int

const (
	ActionForward Action = iota
	ActionReject
)

// Decision はパイプラインの判定結果.
type Decision struct {
	Action Action
	// Stage は拒否した段階. 転送時は空.
	Stage  Stage
	Status int
	Reason string
	// Challenge は認証を要求する際に返すヘッダ名 (Proxy-Authenticate か WWW-Authenticate).
	Challenge string
	// Upstream はnilなら直接接続.
	Upstream *UpstreamRule
	// Rewrite はリバースプロキシの書き換え結果. nilなら書き換えなし.
	Rewrite *Rewrite
}

// Rejected は拒否判定かどうかを返す.
func (d Decision) Rejected() bool { return d.Action == ActionReject }

// Dialer は上流ルールに従って宛先へ接続するインターフェース.
type Dialer interface {
	// DialTunnel は addr へのバイトストリームを確立する. up がnilなら直接接続.
	DialTunnel(ctx context.Context, up *UpstreamRule, addr string) (net.Conn, error)
}
