package agents

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/agora/internal/ident"
)

// passDirective marks a response the agent uses to hand control back to the
// human instead of speaking.
var passDirective = regexp.MustCompile(`(?i)<world>\s*pass\s*</world>`)

// HasPassDirective reports whether the response contains the pass token.
func HasPassDirective(response string) bool {
	return passDirective.MatchString(response)
}

// RemoveSelfMentions strips leading consecutive @self mentions from a
// response, case-insensitively. Only the leading run is removed; mentions
// of self later in the text are preserved.
func RemoveSelfMentions(response, selfID string) string {
	if selfID == "" {
		return response
	}
	rest := response
	for {
		trimmed := strings.TrimLeft(rest, " \t\r\n")
		token, after := leadingMentionToken(trimmed)
		if token == "" || !strings.EqualFold(token, selfID) {
			if trimmed != rest {
				return trimmed
			}
			return rest
		}
		rest = after
	}
}

// leadingMentionToken returns the mention token at the start of s (without
// the @) and the remainder after it, or "" when s does not start with one.
func leadingMentionToken(s string) (string, string) {
	if !strings.HasPrefix(s, "@") {
		return "", s
	}
	body := s[1:]
	end := strings.IndexFunc(body, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if end == -1 {
		end = len(body)
	}
	token := strings.TrimRight(body[:end], `,.!?;:()[]{}"'`)
	if token == "" {
		return "", s
	}
	return token, body[end:]
}

// AddAutoMention prepends @sender to a response unless its first paragraph
// already begins with a mention of the sender. The sender's original casing
// is preserved in the inserted mention. Empty responses are returned as-is.
func AddAutoMention(response, sender string) string {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" || sender == "" {
		return trimmed
	}
	if ident.BeginsWithMentionOf(trimmed, sender) {
		return trimmed
	}
	return "@" + sender + " " + trimmed
}
