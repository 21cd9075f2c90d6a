package domain

import "time"

// Header は送信リクエストに追加するヘッダ.
type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// RelayConfig はリクエスト中継の設定.
type RelayConfig struct {
	ConnectPorts  []int
	Anonymous     []string
	AddHeaders    []Header
	ViaProxyName  string
	DisableVia    bool
	XForwardedFor bool
	IdleTimeout   time.Duration
	Bind          string
}

// LogConfig はログ出力の設定.
type LogConfig struct {
	File       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// MetricsConfig はメトリクスサーバーの設定.
type MetricsConfig struct {
	Listen       string
	File         string
	SaveInterval time.Duration
}

// Config は読み込み済みで不変の設定一式.
// リロード時は新しいConfigが作られ、フィールドが書き換えられることはない.
type Config struct {
	Port   int
	Listen []string

	Pool PoolConfig

	ACLDefault Verdict
	ACL        []AccessRule

	Credentials []Credential
	AuthRealm   string

	Filter    FilterConfig
	Upstreams []UpstreamSpec
	Reverse   ReverseConfig
	Relay     RelayConfig

	Log     LogConfig
	Metrics MetricsConfig
}
