package filter

import "strings"

// basicToRE2 はPOSIX基本正規表現をRE2の構文に変換する.
// 基本正規表現では ( ) { } | + ? はエスケープした時だけ特別な意味を持つ.
func basicToRE2(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 8)

	atStart := true
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			next := pattern[i]
			if strings.IndexByte("(){}|+?", next) >= 0 {
				b.WriteByte(next)
				atStart = next == '(' || next == '|'
				continue
			}
			b.WriteByte('\\')
			b.WriteByte(next)
		case c == '[':
			end := bracketEnd(pattern, i)
			b.WriteString(pattern[i:end])
			i = end - 1
		case strings.IndexByte("(){}|+?", c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '*' && atStart:
			b.WriteString(`\*`)
		case c == '^' && atStart:
			b.WriteByte(c)
			continue
		default:
			b.WriteByte(c)
		}
		atStart = false
	}
	return b.String()
}

// bracketEnd は pattern[start] の '[' に対応する ']' の次の位置を返す.
func bracketEnd(pattern string, start int) int {
	i := start + 1
	if i < len(pattern) && pattern[i] == '^' {
		i++
	}
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for ; i < len(pattern); i++ {
		switch {
		case pattern[i] == '[' && i+1 < len(pattern) && strings.IndexByte(":.=", pattern[i+1]) >= 0:
			// [:alpha:] などのクラス
			if end := strings.Index(pattern[i+2:], string(pattern[i+1])+"]"); end >= 0 {
				i += 2 + end + 1
			}
		case pattern[i] == ']':
			return i + 1
		}
	}
	return len(pattern)
}
