// Package reply bounds model output to SMS length and a single closing question.
package reply

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf16"
)

const (
	MaxChars = 240
	nudge    = " What do you think?"
)

var (
	sentenceRe      = regexp.MustCompile(`[^.!?]+[.!?]?`)
	trailingPunctRe = regexp.MustCompile(`[?!.,;:\s]+$`)
)

// Shape returns raw trimmed to at most MaxChars UTF-16 code units and ending
// in '?'.
// Input already within budget and ending in '?' comes back unchanged.
func Shape(raw string) string {
	return ensureQuestion(compress(raw))
}

func compress(raw string) string {
	if Len(raw) <= MaxChars {
		return raw
	}

	var acc string
	for _, chunk := range sentenceRe.FindAllString(raw, -1) {
		tentative := strings.TrimSpace(acc + strings.TrimSpace(chunk))
		if Len(tentative) > MaxChars {
			break
		}
		acc = tentative + " "
	}

	out := strings.TrimSpace(acc)
	if out == "" {
		out = truncate(raw, MaxChars-1)
	}
	out = stripTrailing(out)
	if Len(out) > MaxChars-1 {
		out = stripTrailing(truncate(out, MaxChars-1))
	}
	if out == "" {
		return ""
	}
	return out + "?"
}

func ensureQuestion(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasSuffix(trimmed, "?") {
		if strings.HasSuffix(s, "?") {
			return s
		}
		return strings.TrimRightFunc(s, unicode.IsSpace)
	}
	if trimmed == "" {
		return strings.TrimSpace(nudge)
	}
	if Len(trimmed)+Len(nudge) <= MaxChars {
		return trimmed + nudge
	}

	cut := truncate(trimmed, MaxChars-1)
	cut = strings.TrimRightFunc(cut, func(r rune) bool { return r == '?' || unicode.IsSpace(r) })
	return cut + "?"
}

func stripTrailing(s string) string {
	return strings.TrimSpace(trailingPunctRe.ReplaceAllString(s, ""))
}

// Len counts s the way carriers bill SMS text: in UTF-16 code units, so a
// character outside the Basic Multilingual Plane costs two.
func Len(s string) int {
	n := 0
	for _, r := range s {
		n += units(r)
	}
	return n
}

func units(r rune) int {
	if w := utf16.RuneLen(r); w > 0 {
		return w
	}
	return 1
}

// truncate keeps the longest prefix of s within n units without splitting a
// surrogate pair.
func truncate(s string, n int) string {
	used := 0
	for pos, r := range s {
		if used+units(r) > n {
			return s[:pos]
		}
		used += units(r)
	}
	return s
}
