package domain

// ReverseCookie はスティッキールーティング用のクッキー名.
const ReverseCookie = "yummy_magical_cookie"

// ReverseRoute は外部パスとバックエンドURLの対応.
type ReverseRoute struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

// ReverseConfig はリバースプロキシの設定.
type ReverseConfig struct {
	Routes  []ReverseRoute
	Only    bool
	Magic   bool
	BaseURL string
}

// Rewrite はリバースプロキシによるURL書き換え結果.
type Rewrite struct {
	URL string
	// StickyPath はマジッククッキーで返すルートのパス. 空なら設定しない.
	StickyPath string
}

// ReverseRouter はリバースプロキシのルーティングのインターフェース.
type ReverseRouter interface {
	Rewrite(path, cookieHeader string) (Rewrite, bool)
}
