package access

import (
	"net/netip"
	"strings"

	"proxyd/internal/domain"
)

type rule struct {
	access  domain.Verdict
	network netip.Prefix
	host    string
	source  string
}

// parseRule はACLの記述を正規化する
func parseRule(location string, access domain.Verdict) (rule, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return rule{}, &domain.ErrInvalidRule{Kind: "acl", Rule: location, Reason: "empty location"}
	}

	r := rule{access: access, source: location}

	if strings.Contains(location, "/") {
		prefix, err := domain.ParseNetwork(location)
		if err != nil {
			return rule{}, &domain.ErrInvalidRule{Kind: "acl", Rule: location, Reason: err.Error()}
		}
		r.network = prefix
		return r, nil
	}

	if addr, err := netip.ParseAddr(location); err == nil {
		addr = addr.Unmap()
		r.network = netip.PrefixFrom(addr, addr.BitLen())
		return r, nil
	}

	if strings.ContainsAny(location, " \t*") {
		return rule{}, &domain.ErrInvalidRule{Kind: "acl", Rule: location, Reason: "not an address or host name"}
	}
	r.host = strings.ToLower(location)
	return r, nil
}

func (r rule) matches(ip netip.Addr, host string) bool {
	if r.network.IsValid() {
		return ip.IsValid() && r.network.Contains(ip)
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, r.host) {
		return true
	}
	return r.host[0] == '.' && strings.HasSuffix(strings.ToLower(host), r.host)
}
