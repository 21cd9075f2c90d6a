package auth

import (
	"encoding/base64"

	"proxyd/internal/domain"
)

// Repository はBasic認証のトークン集合
// 平文の認証情報は保持せず、base64(user:pass) のみを保存する
type Repository struct {
	tokens map[string]struct{}
}

var _ domain.Authenticator = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New() *Repository {
	return &Repository{tokens: make(map[string]struct{})}
}

// Token は user と pass からBasic認証トークンを作る
func Token(user, pass string) (string, error) {
	if user == "" || pass == "" {
		return "", &domain.ErrInvalidRule{Kind: "basicauth", Rule: user, Reason: "missing user or pass"}
	}
	plain := user + ":" + pass
	if len(plain) > domain.MaxCredentialLength {
		return "", &domain.ErrInvalidRule{Kind: "basicauth", Rule: user, Reason: "user / pass too long"}
	}
	return base64.StdEncoding.EncodeToString([]byte(plain)), nil
}

// Add は認証情報を登録する
func (r *Repository) Add(user, pass string) error {
	if len(r.tokens) >= domain.MaxCredentials {
		return &domain.ErrTooManyRules{Kind: "basicauth", Limit: domain.MaxCredentials}
	}
	token, err := Token(user, pass)
	if err != nil {
		return err
	}
	r.tokens[token] = struct{}{}
	return nil
}

// RequiresAuth は認証情報が1つ以上登録されているかを返す
func (r *Repository) RequiresAuth() bool {
	return len(r.tokens) > 0
}

// Check はトークンが登録済みかを返す
// デコードせずに文字列として比較する
func (r *Repository) Check(token string) bool {
	_, ok := r.tokens[token]
	return ok
}
