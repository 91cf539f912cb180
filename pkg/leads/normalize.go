package leads

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText lowers, NFKC-normalizes, strips punctuation, and collapses
// whitespace. Dedup identity ((title, location) pairs) and CRM company-name
// matching both key off this form, so changing it invalidates stored
// identities.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeURL canonicalizes a source URL for exact-match dedup: scheme and
// host are lowered, default ports, fragments, and trailing slashes dropped.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	lower := strings.ToLower(s)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			rest := s[len(scheme):]
			hostEnd := strings.IndexByte(rest, '/')
			if hostEnd < 0 {
				hostEnd = len(rest)
			}
			host := strings.ToLower(rest[:hostEnd])
			host = strings.TrimSuffix(host, ":80")
			host = strings.TrimSuffix(host, ":443")
			return scheme + host + rest[hostEnd:]
		}
	}
	return s
}

// TokenSet returns the set of normalized tokens in s.
func TokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(NormalizeText(s)) {
		out[tok] = struct{}{}
	}
	return out
}

// TokenSetRatio computes a token-set similarity in [0,1] used by fuzzy
// dedup: the overlap relative to the smaller set, so a title that merely
// drops trailing words ("... Expansion Project" vs "... Expansion")
// still scores 1. Order and repetition never matter.
func TokenSetRatio(a, b string) float64 {
	sa, sb := TokenSet(a), TokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		if len(sa) == len(sb) {
			return 1
		}
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	smaller := len(sa)
	if len(sb) < smaller {
		smaller = len(sb)
	}
	return float64(inter) / float64(smaller)
}
