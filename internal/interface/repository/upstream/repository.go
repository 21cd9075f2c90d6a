package upstream

import (
	"net/netip"
	"strings"

	"proxyd/internal/domain"
)

// Repository は上流プロキシのルール一覧
// 登録順に評価され、デフォルトは常に最後に評価される
type Repository struct {
	rules    []*domain.UpstreamRule
	fallback *domain.UpstreamRule
}

var _ domain.UpstreamSelector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New() *Repository {
	return &Repository{}
}

// Add は設定ファイルの記述を検証してルールを登録する
func (r *Repository) Add(spec domain.UpstreamSpec) (*domain.UpstreamRule, error) {
	if r.Len() >= domain.MaxUpstreamRules {
		return nil, &domain.ErrTooManyRules{Kind: "upstream", Limit: domain.MaxUpstreamRules}
	}

	rule, err := build(spec)
	if err != nil {
		return nil, err
	}

	if rule.Kind == domain.UpstreamDefault {
		if r.fallback != nil {
			return nil, domain.ErrDuplicateDefault
		}
		r.fallback = rule
		return rule, nil
	}

	r.rules = append(r.rules, rule)
	return rule, nil
}

func build(spec domain.UpstreamSpec) (*domain.UpstreamRule, error) {
	invalid := func(reason string) error {
		return &domain.ErrInvalidRule{Kind: "upstream", Rule: describe(spec), Reason: reason}
	}

	typ, err := domain.ParseProxyType(spec.Type)
	if err != nil {
		return nil, invalid(err.Error())
	}

	host := strings.TrimSpace(spec.Host)
	rule := &domain.UpstreamRule{
		Type:     typ,
		Host:     host,
		Port:     spec.Port,
		User:     spec.User,
		Password: spec.Password,
	}

	pattern := strings.TrimSpace(spec.Match)
	if pattern != "" {
		match, err := parseMatch(pattern)
		if err != nil {
			return nil, invalid(err.Error())
		}
		rule.Match = match
	}

	switch {
	case pattern == "":
		rule.Kind = domain.UpstreamDefault
	case host == "":
		rule.Kind = domain.UpstreamBypass
		rule.Type = domain.ProxyNone
		return rule, nil
	default:
		rule.Kind = domain.UpstreamRouted
	}

	if host == "" || spec.Port < 1 || spec.Port > 65535 {
		return nil, invalid("upstream needs a host and a port")
	}
	if typ == domain.ProxyNone {
		return nil, invalid("upstream with a host needs a proxy type")
	}
	if err := checkCredentials(typ, spec.User, spec.Password); err != nil {
		return nil, invalid(err.Error())
	}
	return rule, nil
}

func parseMatch(pattern string) (domain.UpstreamMatch, error) {
	if strings.Contains(pattern, "/") {
		prefix, err := domain.ParseNetwork(pattern)
		if err != nil {
			return domain.UpstreamMatch{}, err
		}
		return domain.UpstreamMatch{Network: prefix}, nil
	}
	if strings.ContainsAny(pattern, " \t") {
		return domain.UpstreamMatch{}, errInvalidDomain
	}
	return domain.UpstreamMatch{Domain: strings.ToLower(pattern)}, nil
}

// Select は宛先ホストに対する上流プロキシを返す. nilは直接接続
func (r *Repository) Select(host string) *domain.UpstreamRule {
	host = strings.ToLower(strings.Trim(host, "[]"))

	var (
		addr   netip.Addr
		parsed bool
	)
	for _, rule := range r.rules {
		if rule.Match.IsNetwork() {
			if !parsed {
				addr, _ = netip.ParseAddr(host)
				addr = addr.Unmap()
				parsed = true
			}
			if !addr.IsValid() || !rule.Match.Network.Contains(addr) {
				continue
			}
		} else if !matchDomain(host, rule.Match.Domain) {
			continue
		}

		if rule.Kind == domain.UpstreamBypass {
			return nil
		}
		return rule
	}
	return r.fallback
}

func matchDomain(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if pattern[0] != '.' {
		return false
	}
	if pattern == "." {
		return !strings.Contains(host, ".")
	}
	return strings.HasSuffix(host, pattern)
}

// Rules は評価順のルール一覧を返す
func (r *Repository) Rules() []*domain.UpstreamRule {
	rules := make([]*domain.UpstreamRule, 0, r.Len())
	rules = append(rules, r.rules...)
	if r.fallback != nil {
		rules = append(rules, r.fallback)
	}
	return rules
}

// Len は登録済みルール数を返す
func (r *Repository) Len() int {
	if r.fallback != nil {
		return len(r.rules) + 1
	}
	return len(r.rules)
}
