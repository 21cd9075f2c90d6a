package domain

import "strings"

// MaxCredentials は登録できる認証情報の上限.
const MaxCredentials = 1000

// MaxCredentialLength は "user:pass" の最大長.
const MaxCredentialLength = 256 + 1

// Credential はBasic認証のユーザー名とパスワード.
type Credential struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Authenticator はBasic認証のインターフェース.
type Authenticator interface {
	RequiresAuth() bool
	// Check はAuthorizationヘッダのbase64部分を登録済みトークンと完全一致で比較する.
	Check(token string) bool
}

// ParseBasicAuth は "Basic <token>" 形式のヘッダ値からトークンを取り出す.
func ParseBasicAuth(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
