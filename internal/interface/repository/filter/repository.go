package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	"proxyd/internal/domain"
)

type rule struct {
	source   string
	compiled *regexp.Regexp
}

// Repository は正規表現によるコンテンツフィルタ
type Repository struct {
	config domain.FilterConfig
	rules  []rule
}

var _ domain.ContentFilter = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(config domain.FilterConfig) *Repository {
	return &Repository{config: config}
}

// Open は設定されたファイルからルールを読み込んだRepositoryを返す
// フィルタが無効ならファイルは読まない
func Open(config domain.FilterConfig) (*Repository, error) {
	r := New(config)
	if !config.Enabled {
		return r, nil
	}

	file, err := os.Open(config.File)
	if err != nil {
		return nil, fmt.Errorf("cannot open file with filter rules %q: %w", config.File, err)
	}
	defer file.Close()

	if _, err := r.Load(file); err != nil {
		return nil, fmt.Errorf("%s: %w", config.File, err)
	}
	return r, nil
}

// Load は1行1パターンのルールを読み込み、追加したルール数を返す
// 各行は最初の空白または '#' で切り捨てられ、空行は無視される
func (r *Repository) Load(src io.Reader) (int, error) {
	scanner := bufio.NewScanner(src)
	added := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) >= domain.MaxFilterRuleLength {
			return added, fmt.Errorf("line %d: rule exceeds %d bytes", lineNo, domain.MaxFilterRuleLength)
		}

		if i := strings.IndexFunc(line, func(c rune) bool { return unicode.IsSpace(c) || c == '#' }); i >= 0 {
			line = line[:i]
		}
		if line == "" {
			continue
		}

		if err := r.Add(line); err != nil {
			return added, fmt.Errorf("line %d: %w", lineNo, err)
		}
		added++
	}
	if err := scanner.Err(); err != nil {
		return added, err
	}
	return added, nil
}

// Add はパターンをコンパイルして末尾に追加する
func (r *Repository) Add(pattern string) error {
	expr := pattern
	if !r.config.Extended {
		expr = basicToRE2(expr)
	}
	if !r.config.CaseSensitive {
		expr = "(?i)" + expr
	}

	compiled, err := regexp.Compile(expr)
	if err != nil {
		return &domain.ErrInvalidRule{Kind: "filter", Rule: pattern, Reason: err.Error()}
	}

	r.rules = append(r.rules, rule{source: pattern, compiled: compiled})
	return nil
}

// Check は宛先ホストまたはURLに対する判定を返す
func (r *Repository) Check(host, url string) domain.Verdict {
	if !r.config.Enabled {
		return domain.Allow
	}

	subject := host
	if r.config.Target == domain.FilterURL {
		subject = url
	}

	for _, rl := range r.rules {
		if rl.compiled.MatchString(subject) {
			if r.config.Policy == domain.Whitelist {
				return domain.Allow
			}
			return domain.Deny
		}
	}

	if r.config.Policy == domain.Whitelist {
		return domain.Deny
	}
	return domain.Allow
}

// Len は登録済みルール数を返す
func (r *Repository) Len() int {
	return len(r.rules)
}

// Enabled はフィルタが有効かを返す
func (r *Repository) Enabled() bool {
	return r.config.Enabled
}
