package upstream

import (
	"errors"
	"fmt"

	"proxyd/internal/domain"
)

var errInvalidDomain = errors.New("domain must not contain whitespace")

// socks5MaxField はRFC 1929のユーザー名とパスワードの最大長
const socks5MaxField = 255

func checkCredentials(typ domain.ProxyType, user, password string) error {
	if user == "" {
		if password != "" {
			return errors.New("password without user")
		}
		return nil
	}

	switch typ {
	case domain.ProxyHTTP:
		if len(user)+1+len(password) > domain.MaxCredentialLength {
			return errors.New("user / pass too long")
		}
	case domain.ProxySOCKS4:
		if password != "" {
			return errors.New("socks4 does not support passwords")
		}
	case domain.ProxySOCKS5:
		if len(user) > socks5MaxField || len(password) > socks5MaxField {
			return fmt.Errorf("socks5 user and password are limited to %d bytes", socks5MaxField)
		}
	}
	return nil
}

func describe(spec domain.UpstreamSpec) string {
	match := spec.Match
	if match == "" {
		match = "[default]"
	}
	if spec.Host == "" {
		return fmt.Sprintf("no upstream for %s", match)
	}
	return fmt.Sprintf("%s %s:%d for %s", spec.Type, spec.Host, spec.Port, match)
}
