// internal/interface/repository/access/repository.go
package access

import (
	"net/netip"

	"proxyd/internal/domain"
)

// Repository はアクセス制御リストの実装
// ルールは設定読み込み時にだけ追加され、その後は読み取り専用になる
type Repository struct {
	rules     []rule
	fallback  domain.Verdict
	hostRules bool
}

var _ domain.AccessController = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
// fallback はルールが存在するがどれにも一致しない場合の判定
func New(fallback domain.Verdict) *Repository {
	return &Repository{fallback: fallback}
}

// Add はルールを末尾に追加する
func (r *Repository) Add(location string, access domain.Verdict) error {
	if len(r.rules) >= domain.MaxACLRules {
		return &domain.ErrTooManyRules{Kind: "acl", Limit: domain.MaxACLRules}
	}

	parsed, err := parseRule(location, access)
	if err != nil {
		return err
	}

	r.rules = append(r.rules, parsed)
	if parsed.host != "" {
		r.hostRules = true
	}
	return nil
}

// Check はクライアントのIPアドレスとホスト名に対する判定を返す
func (r *Repository) Check(clientIP, clientHost string) domain.Verdict {
	// ACLが無ければオープンプロキシ
	if len(r.rules) == 0 {
		return domain.Allow
	}

	ip, err := netip.ParseAddr(clientIP)
	if err == nil {
		ip = ip.Unmap()
	}

	for _, rl := range r.rules {
		if rl.matches(ip, clientHost) {
			return rl.access
		}
	}

	return r.fallback
}

// NeedsHostname はホスト名ルールがあるかを返す
func (r *Repository) NeedsHostname() bool {
	return r.hostRules
}

// Len は登録済みルール数を返す
func (r *Repository) Len() int {
	return len(r.rules)
}
