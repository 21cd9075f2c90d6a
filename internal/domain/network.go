package domain

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseNetwork は "ip/bits" または "ip/netmask" 形式のネットワークを解析する
func ParseNetwork(s string) (netip.Prefix, error) {
	ipPart, maskPart, ok := strings.Cut(s, "/")
	if !ok {
		return netip.Prefix{}, fmt.Errorf("missing mask in %q", s)
	}

	addr, err := netip.ParseAddr(ipPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("bad address in %q: %w", s, err)
	}
	addr = addr.Unmap()

	// 255.255.255.0 形式のネットマスク
	if strings.Contains(maskPart, ".") {
		mask, err := netip.ParseAddr(maskPart)
		if err != nil || !mask.Is4() || !addr.Is4() {
			return netip.Prefix{}, fmt.Errorf("bad netmask in %q", s)
		}
		bits, ok := maskBits(mask.As4())
		if !ok {
			return netip.Prefix{}, fmt.Errorf("non-contiguous netmask in %q", s)
		}
		return netip.PrefixFrom(addr, bits).Masked(), nil
	}

	prefix, err := netip.ParsePrefix(addr.String() + "/" + maskPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("bad prefix length in %q: %w", s, err)
	}
	return prefix.Masked(), nil
}

func maskBits(m [4]byte) (int, bool) {
	v := uint32(m[0])<<24 | uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
	bits := 0
	for v&(1<<31) != 0 {
		bits++
		v <<= 1
	}
	return bits, v == 0
}
