package domain

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ProxyType は上流プロキシの種類.
type ProxyType int

const (
	ProxyNone ProxyType = iota
	ProxyHTTP
	ProxySOCKS4
	ProxySOCKS5
)

func (t ProxyType) String() string {
	switch t {
	case ProxyNone:
		return "none"
	case ProxyHTTP:
		return "http"
	case ProxySOCKS4:
		return "socks4"
	case ProxySOCKS5:
		return "socks5"
	default:
		return "unknown"
	}
}

// ParseProxyType は設定ファイル上の名前をProxyTypeに変換する.
func ParseProxyType(s string) (ProxyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no":
		return ProxyNone, nil
	case "http":
		return ProxyHTTP, nil
	case "socks4":
		return ProxySOCKS4, nil
	case "socks5":
		return ProxySOCKS5, nil
	}
	return ProxyNone, fmt.Errorf("unknown upstream type %q", s)
}

// UpstreamKind は上流ルールの種別.
type UpstreamKind int

const (
	// UpstreamDefault は一致条件を持たず、常に最後に評価される.
	UpstreamDefault UpstreamKind = iota
	// UpstreamBypass は一致した宛先へ直接接続させる例外ルール.
	UpstreamBypass
	// UpstreamRouted は一致した宛先を上流プロキシ経由にする.
	UpstreamRouted
)

func (k UpstreamKind) String() string {
	switch k {
	case UpstreamDefault:
		return "default"
	case UpstreamBypass:
		return "bypass"
	default:
		return "routed"
	}
}

// UpstreamMatch はドメインかネットワークのどちらか一方を持つ.
type UpstreamMatch struct {
	Domain  string
	Network netip.Prefix
}

// IsNetwork はネットワーク一致かどうかを返す.
func (m UpstreamMatch) IsNetwork() bool { return m.Network.IsValid() }

// IsZero は一致条件が無いかどうかを返す.
func (m UpstreamMatch) IsZero() bool { return m.Domain == "" && !m.Network.IsValid() }

func (m UpstreamMatch) String() string {
	if m.IsNetwork() {
		return m.Network.String()
	}
	if m.Domain == "" {
		return "[default]"
	}
	return m.Domain
}

// UpstreamRule は上流プロキシのルール.
type UpstreamRule struct {
	Kind     UpstreamKind
	Match    UpstreamMatch
	Type     ProxyType
	Host     string
	Port     int
	User     string
	Password string
}

// Addr は上流プロキシの host:port を返す.
func (r *UpstreamRule) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r *UpstreamRule) String() string {
	if r.Kind == UpstreamBypass {
		return fmt.Sprintf("no upstream for %s", r.Match)
	}
	return fmt.Sprintf("%s %s for %s", r.Type, r.Addr(), r.Match)
}

// UpstreamSpec は設定ファイルから読み込んだ上流ルールの未検証の記述.
type UpstreamSpec struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Match    string `yaml:"match"`
}

// MaxUpstreamRules は登録できる上流ルールの上限.
const MaxUpstreamRules = 1000

// UpstreamSelector は宛先ホストに対する上流プロキシ選択のインターフェース.
// nilは直接接続を意味する.
type UpstreamSelector interface {
	Select(host string) *UpstreamRule
}
