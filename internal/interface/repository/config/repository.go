package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"proxyd/internal/domain"
)

const (
	DefaultPort         = 8888
	DefaultAuthRealm    = "proxyd"
	DefaultViaName      = "proxyd"
	DefaultIdleTimeout  = 600 * time.Second
	DefaultSaveInterval = time.Minute
)

type aclEntry struct {
	Action   string `yaml:"action"`
	Location string `yaml:"location"`
}

type fileConfig struct {
	Port   int               `yaml:"port"`
	Listen []string          `yaml:"listen"`
	Pool   domain.PoolConfig `yaml:"pool"`

	ACL struct {
		Default string     `yaml:"default"`
		Rules   []aclEntry `yaml:"rules"`
	} `yaml:"acl"`

	BasicAuth []domain.Credential `yaml:"basic_auth"`
	AuthRealm string              `yaml:"auth_realm"`

	Filter struct {
		Enabled       bool   `yaml:"enabled"`
		File          string `yaml:"file"`
		Policy        string `yaml:"policy"`
		Match         string `yaml:"match"`
		CaseSensitive bool   `yaml:"case_sensitive"`
		Extended      bool   `yaml:"extended"`
	} `yaml:"filter"`

	Upstreams []domain.UpstreamSpec `yaml:"upstreams"`

	Reverse struct {
		Routes  []domain.ReverseRoute `yaml:"routes"`
		Only    bool                  `yaml:"only"`
		Magic   bool                  `yaml:"magic"`
		BaseURL string                `yaml:"base_url"`
	} `yaml:"reverse"`

	ConnectPorts  []int           `yaml:"connect_ports"`
	Anonymous     []string        `yaml:"anonymous"`
	AddHeaders    []domain.Header `yaml:"add_headers"`
	ViaProxyName  string          `yaml:"via_proxy_name"`
	DisableVia    bool            `yaml:"disable_via_header"`
	XForwardedFor bool            `yaml:"x_forwarded_for"`
	Timeout       time.Duration   `yaml:"timeout"`
	Bind          string          `yaml:"bind"`

	Log struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`

	Metrics struct {
		Listen       string        `yaml:"listen"`
		File         string        `yaml:"file"`
		SaveInterval time.Duration `yaml:"save_interval"`
	} `yaml:"metrics"`
}

func defaults() fileConfig {
	var fc fileConfig
	fc.Port = DefaultPort
	fc.Pool = domain.DefaultPoolConfig()
	fc.ACL.Default = "deny"
	fc.AuthRealm = DefaultAuthRealm
	fc.Filter.Policy = "blacklist"
	fc.Filter.Match = "host"
	fc.ViaProxyName = DefaultViaName
	fc.Timeout = DefaultIdleTimeout
	fc.Log.Level = "info"
	fc.Metrics.SaveInterval = DefaultSaveInterval
	return fc
}

// Default は設定ファイルが無い場合の設定を返す
func Default() *domain.Config {
	cfg, err := convert(defaults())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load は設定ファイルを読み込んで検証する
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse はYAMLを解析して検証する. 未知のキーはエラーになる
func Parse(data []byte) (*domain.Config, error) {
	fc := defaults()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return convert(fc)
}

func convert(fc fileConfig) (*domain.Config, error) {
	var result *multierror.Error

	cfg := &domain.Config{
		Port:        fc.Port,
		Listen:      fc.Listen,
		Pool:        fc.Pool,
		Credentials: fc.BasicAuth,
		AuthRealm:   fc.AuthRealm,
		Upstreams:   fc.Upstreams,
		Reverse: domain.ReverseConfig{
			Routes:  fc.Reverse.Routes,
			Only:    fc.Reverse.Only,
			Magic:   fc.Reverse.Magic,
			BaseURL: fc.Reverse.BaseURL,
		},
		Relay: domain.RelayConfig{
			ConnectPorts:  fc.ConnectPorts,
			Anonymous:     fc.Anonymous,
			AddHeaders:    fc.AddHeaders,
			ViaProxyName:  fc.ViaProxyName,
			DisableVia:    fc.DisableVia,
			XForwardedFor: fc.XForwardedFor,
			IdleTimeout:   fc.Timeout,
			Bind:          fc.Bind,
		},
		Log: domain.LogConfig{
			File:       fc.Log.File,
			Level:      fc.Log.Level,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
		},
		Metrics: domain.MetricsConfig{
			Listen:       fc.Metrics.Listen,
			File:         fc.Metrics.File,
			SaveInterval: fc.Metrics.SaveInterval,
		},
	}

	if fc.Port < 1 || fc.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", fc.Port))
	}
	if err := fc.Pool.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("pool: %w", err))
	}
	if fc.Pool.CheckInterval <= 0 {
		result = multierror.Append(result, errors.New("pool: check_interval must be positive"))
	}

	verdict, err := parseVerdict(fc.ACL.Default)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("acl.default: %w", err))
	}
	cfg.ACLDefault = verdict

	for i, e := range fc.ACL.Rules {
		v, err := parseVerdict(e.Action)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("acl.rules[%d]: %w", i, err))
			continue
		}
		cfg.ACL = append(cfg.ACL, domain.AccessRule{Location: e.Location, Access: v})
	}

	cfg.Filter = domain.FilterConfig{
		Enabled:       fc.Filter.Enabled,
		File:          fc.Filter.File,
		CaseSensitive: fc.Filter.CaseSensitive,
		Extended:      fc.Filter.Extended,
	}
	switch strings.ToLower(fc.Filter.Policy) {
	case "blacklist", "deny":
		cfg.Filter.Policy = domain.Blacklist
	case "whitelist", "allow":
		cfg.Filter.Policy = domain.Whitelist
	default:
		result = multierror.Append(result, fmt.Errorf("filter.policy: unknown policy %q", fc.Filter.Policy))
	}
	switch strings.ToLower(fc.Filter.Match) {
	case "host", "domain":
		cfg.Filter.Target = domain.FilterHost
	case "url":
		cfg.Filter.Target = domain.FilterURL
	default:
		result = multierror.Append(result, fmt.Errorf("filter.match: unknown target %q", fc.Filter.Match))
	}
	if fc.Filter.Enabled && fc.Filter.File == "" {
		result = multierror.Append(result, errors.New("filter.file is required when filtering is enabled"))
	}

	for i, p := range fc.ConnectPorts {
		if p < 1 || p > 65535 {
			result = multierror.Append(result, fmt.Errorf("connect_ports[%d]: port %d out of range", i, p))
		}
	}
	for i, h := range fc.AddHeaders {
		if h.Name == "" {
			result = multierror.Append(result, fmt.Errorf("add_headers[%d]: empty name", i))
		}
	}
	if fc.Reverse.Only && len(fc.Reverse.Routes) == 0 {
		result = multierror.Append(result, errors.New("reverse.only requires at least one route"))
	}
	if fc.Timeout < 0 {
		result = multierror.Append(result, errors.New("timeout must not be negative"))
	}
	if fc.Metrics.SaveInterval <= 0 {
		cfg.Metrics.SaveInterval = DefaultSaveInterval
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseVerdict(s string) (domain.Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return domain.Allow, nil
	case "deny":
		return domain.Deny, nil
	}
	return domain.Deny, fmt.Errorf("unknown action %q", s)
}
