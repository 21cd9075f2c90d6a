package domain

// FilterPolicy はフィルタの既定動作.
type FilterPolicy int

const (
	// Blacklist は一致したものを拒否し、それ以外を許可する.
	Blacklist FilterPolicy = iota
	// Whitelist は一致したものだけを許可する.
	Whitelist
)

// FilterTarget はフィルタの照合対象.
type FilterTarget int

const (
	FilterHost FilterTarget = iota
	FilterURL
)

// MaxFilterRuleLength はフィルタファイル1行の最大長.
const MaxFilterRuleLength = 500

// FilterConfig はコンテンツフィルタの設定.
type FilterConfig struct {
	Enabled       bool
	File          string
	Policy        FilterPolicy
	Target        FilterTarget
	CaseSensitive bool
	Extended      bool
}

// ContentFilter はコンテンツフィルタのインターフェース.
type ContentFilter interface {
	Check(host, url string) Verdict
}
