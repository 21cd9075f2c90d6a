package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"proxyd/internal/domain"
	"proxyd/internal/interface/repository/access"
	"proxyd/internal/interface/repository/auth"
	"proxyd/internal/interface/repository/filter"
	"proxyd/internal/interface/repository/reverse"
	"proxyd/internal/interface/repository/upstream"
	"proxyd/internal/usecase"
)

// buildRuntime は設定から判定に使う部品を組み立てる.
// 登録を拒否された項目は読み飛ばして refused にまとめ、
// フィルタファイルが読めない場合だけ err を返す.
func buildRuntime(
	cfg *domain.Config, log domain.Logger, m domain.MetricsCollector,
) (rt *usecase.Runtime, refused error, err error) {
	var errs *multierror.Error
	refuse := func(kind string, e error) {
		log.Warn("Configuration entry refused", map[string]interface{}{
			"kind":  kind,
			"error": e.Error(),
		})
		errs = multierror.Append(errs, e)
	}

	p := usecase.NewPipeline(log, m)
	p.Realm = cfg.AuthRealm
	p.ReverseOnly = cfg.Reverse.Only

	if len(cfg.ACL) > 0 {
		acl := access.New(cfg.ACLDefault)
		for _, r := range cfg.ACL {
			if e := acl.Add(r.Location, r.Access); e != nil {
				refuse("acl", e)
			}
		}
		p.ACL = acl
	}

	if len(cfg.Credentials) > 0 {
		a := auth.New()
		for _, c := range cfg.Credentials {
			if e := a.Add(c.User, c.Password); e != nil {
				refuse("basic_auth", e)
			}
		}
		p.Auth = a
	}

	if cfg.Filter.Enabled {
		f, e := filter.Open(cfg.Filter)
		if e != nil {
			return nil, nil, fmt.Errorf("filter: %w", e)
		}
		log.Info("Filter rules loaded", map[string]interface{}{
			"file":  cfg.Filter.File,
			"rules": f.Len(),
		})
		p.Filter = f
	}

	if len(cfg.Upstreams) > 0 {
		u := upstream.New()
		for _, spec := range cfg.Upstreams {
			rule, e := u.Add(spec)
			if e != nil {
				refuse("upstream", e)
				continue
			}
			log.Debug("Upstream added", map[string]interface{}{
				"rule": rule.String(),
			})
		}
		p.Upstream = u
	}

	if len(cfg.Reverse.Routes) > 0 {
		r := reverse.New(cfg.Reverse.Magic)
		for _, route := range cfg.Reverse.Routes {
			if e := r.Add(route.Path, route.URL); e != nil {
				refuse("reverse", e)
			}
		}
		p.Reverse = r
	}

	rt = &usecase.Runtime{
		Pipeline: p,
		Relay:    cfg.Relay,
		Reverse:  cfg.Reverse,
	}
	return rt, errs.ErrorOrNil(), nil
}
