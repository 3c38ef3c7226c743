// Package ident centralizes identifier normalization: kebab-case entity ids,
// dot-hierarchical log categories, and @mention extraction from free-form
// message text.
package ident

import (
	"strings"
	"unicode"
)

// ToKebabCase converts a free-form name to a kebab-case identifier:
// lower-cased, runs of non-alphanumeric characters collapsed to single
// hyphens, no leading or trailing hyphen.
func ToKebabCase(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

// ToLogCategory normalizes a category name to dot-hierarchical lower-case:
// separators (slashes, underscores, hyphens, spaces, dots) become single
// dots. "Gateway_WS" and "gateway.ws" normalize identically.
func ToLogCategory(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingDot := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDot && b.Len() > 0 {
				b.WriteByte('.')
			}
			pendingDot = false
			b.WriteRune(r)
			continue
		}
		pendingDot = true
	}
	return b.String()
}

// CategoryAncestors returns the dotted ancestors of a normalized category,
// nearest first. "a.b.c" yields ["a.b", "a"].
func CategoryAncestors(category string) []string {
	var out []string
	for {
		i := strings.LastIndexByte(category, '.')
		if i < 0 {
			return out
		}
		category = category[:i]
		out = append(out, category)
	}
}

// trailing punctuation stripped from a mention token
const mentionTrim = ",.!?;:()[]{}\"'"

// mentionToken returns the mention name if tok is an @mention, else "".
func mentionToken(tok string) string {
	if len(tok) < 2 || tok[0] != '@' {
		return ""
	}
	name := strings.TrimRight(tok[1:], mentionTrim)
	if name == "" {
		return ""
	}
	return name
}

// firstParagraph returns the first non-empty paragraph of text. Paragraphs
// are separated by blank lines.
func firstParagraph(text string) string {
	for _, para := range strings.Split(text, "\n\n") {
		for _, line := range strings.Split(para, "\n") {
			if strings.TrimSpace(line) != "" {
				return strings.TrimSpace(para)
			}
		}
	}
	return ""
}

// ExtractParagraphBeginMention returns the name of the mention that begins
// the first non-empty paragraph of text, or "" when there is none. Detection
// tolerates a single leading interjection word ("Hey @alice, ...") and
// trailing punctuation on the mention token. The returned name preserves the
// casing used in the text; callers compare case-insensitively.
func ExtractParagraphBeginMention(text string) string {
	para := firstParagraph(text)
	if para == "" {
		return ""
	}
	fields := strings.Fields(para)
	if len(fields) == 0 {
		return ""
	}
	if name := mentionToken(fields[0]); name != "" {
		return name
	}
	// One interjection word before the mention still counts.
	if len(fields) >= 2 {
		if name := mentionToken(fields[1]); name != "" {
			return name
		}
	}
	return ""
}

// BeginsWithMentionOf reports whether the first non-empty paragraph of text
// begins with a mention of name (case-insensitive, interjection tolerated).
func BeginsWithMentionOf(text, name string) bool {
	got := ExtractParagraphBeginMention(text)
	return got != "" && strings.EqualFold(got, name)
}
