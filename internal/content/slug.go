package content

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxSlugLength はslugの最大文字数。
const maxSlugLength = 80

// Slugify はタイトルをURLに使えるslugへ変換する。
// 発音区別符号を外して小文字にし、英数字とアンダースコア以外を区切りのハイフンにまとめる。
func Slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(strings.TrimSpace(folded))

	var b strings.Builder
	pendingDash := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			pendingDash = true
		}
	}

	out := []rune(b.String())
	if len(out) > maxSlugLength {
		out = out[:maxSlugLength]
	}
	return strings.Trim(string(out), "-")
}
