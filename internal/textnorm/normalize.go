// Package textnorm canonicalizes raw fault-description queries before
// retrieval. Normalization is deterministic and idempotent: running it a
// second time over its own output returns the output unchanged, so cached
// queries and re-submitted queries land on the same key.
package textnorm

import (
	"regexp"
	"strings"
)

// replacement is an ordered literal rewrite. Order matters when patterns
// overlap (the spaced pinyin form must win before its squashed form).
type replacement struct {
	from string
	to   string
}

// misspellings maps common pinyin renderings of domain terms back to the
// canonical Chinese form.
var misspellings = []replacement{
	{"fa men", "阀门"},
	{"famen", "阀门"},
	{"you yi xiang", "有异响"},
	{"youyixiang", "有异响"},
}

// abbreviations restores the canonical upper-case spelling for automotive
// subsystem acronyms. Matches are word-bounded so "absent" stays untouched.
var abbreviations = []struct {
	pattern *regexp.Regexp
	to      string
}{
	{regexp.MustCompile(`\babs\b`), "ABS"},
	{regexp.MustCompile(`\besp\b`), "ESP"},
	{regexp.MustCompile(`\bepb\b`), "EPB"},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize canonicalizes a query string:
//
//  1. trim surrounding whitespace
//  2. fold fullwidth forms to their halfwidth equivalents
//  3. collapse whitespace runs to a single space
//  4. lower-case ASCII letters only (CJK is untouched)
//  5. rewrite known misspellings
//  6. restore word-bounded acronyms
func Normalize(q string) string {
	q = strings.TrimSpace(q)
	q = foldWidth(q)
	q = whitespaceRun.ReplaceAllString(q, " ")
	q = lowerASCII(q)
	for _, m := range misspellings {
		q = strings.ReplaceAll(q, m.from, m.to)
	}
	for _, a := range abbreviations {
		q = a.pattern.ReplaceAllString(q, a.to)
	}
	return q
}

// foldWidth maps the ideographic space U+3000 to a plain space and the
// fullwidth ASCII block U+FF01..U+FF5E down to its halfwidth counterpart.
func foldWidth(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0x3000:
			r = 0x0020
		case r >= 0xFF01 && r <= 0xFF5E:
			r -= 0xFEE0
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lowerASCII lower-cases ASCII letters and leaves everything else alone.
// strings.ToLower would also fold non-ASCII letters, which must be
// preserved verbatim.
func lowerASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
