package reverse

import (
	"strings"

	"proxyd/internal/domain"
)

// Repository はリバースプロキシのルート一覧
// 後から登録されたルートほど先に評価される
type Repository struct {
	routes []domain.ReverseRoute
	magic  bool
}

var _ domain.ReverseRouter = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
// magic が真ならトラッキングクッキーによる振り分けを行う
func New(magic bool) *Repository {
	return &Repository{magic: magic}
}

// Add はルートを登録する. path が空なら "/" になる
func (r *Repository) Add(path, url string) error {
	if url == "" {
		return &domain.ErrInvalidRule{Kind: "reverse", Rule: path, Reason: "missing url"}
	}
	if !strings.Contains(url, "://") {
		return &domain.ErrInvalidRule{Kind: "reverse", Rule: url, Reason: "not a valid url"}
	}
	if path == "" {
		path = "/"
	}
	if path[0] != '/' {
		return &domain.ErrInvalidRule{Kind: "reverse", Rule: path, Reason: "path doesn't start with a /"}
	}

	r.routes = append(r.routes, domain.ReverseRoute{Path: path, URL: url})
	return nil
}

func (r *Repository) lookup(path string) (domain.ReverseRoute, bool) {
	for i := len(r.routes) - 1; i >= 0; i-- {
		if strings.HasPrefix(path, r.routes[i].Path) {
			return r.routes[i], true
		}
	}
	return domain.ReverseRoute{}, false
}

// Rewrite はオリジン形式のパスをバックエンドのURLに書き換える
func (r *Repository) Rewrite(path, cookieHeader string) (domain.Rewrite, bool) {
	if path == "" || path[0] != '/' {
		return domain.Rewrite{}, false
	}

	var rw domain.Rewrite
	route, ok := r.lookup(path)
	if ok {
		rw.URL = route.URL + path[len(route.Path):]
	} else if r.magic {
		value, found := magicCookie(cookieHeader)
		if !found {
			return domain.Rewrite{}, false
		}
		if route, ok = r.lookup(value); !ok {
			return domain.Rewrite{}, false
		}
		rw.URL = route.URL + path[1:]
	} else {
		return domain.Rewrite{}, false
	}

	if r.magic {
		rw.StickyPath = route.Path
	}
	return rw, true
}

// magicCookie はCookieヘッダからトラッキングクッキー以降の文字列を返す
func magicCookie(header string) (string, bool) {
	i := strings.Index(header, domain.ReverseCookie+"=")
	if i < 0 {
		return "", false
	}
	return header[i+len(domain.ReverseCookie)+1:], true
}

// Routes は登録順のルート一覧を返す
func (r *Repository) Routes() []domain.ReverseRoute {
	return append([]domain.ReverseRoute(nil), r.routes...)
}

// Len は登録済みルート数を返す
func (r *Repository) Len() int {
	return len(r.routes)
}
