package domain

// Verdict はポリシー判定の結果を表す.
type Verdict int

const (
	Allow Verdict = iota
	Deny
)

func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// MaxACLRules はACLに登録できるルールの上限.
const MaxACLRules = 1000

// AccessRule はアクセス制御ルールを表す.
// Location はIPアドレス、CIDR、ホスト名、または先頭がドットのドメインサフィックス.
type AccessRule struct {
	Location string  `yaml:"location"`
	Access   Verdict `yaml:"-"`
}

// AccessController はアクセス制御のインターフェース.
type AccessController interface {
	Check(clientIP, clientHost string) Verdict
	// NeedsHostname はホスト名ルールが登録されているかを返す.
	// falseなら呼び出し側は逆引きを省略できる.
	NeedsHostname() bool
}
