package steps

import (
	"regexp"
	"strings"

	types "github.com/yungbote/kbchat-backend/internal/domain"
)

var (
	markdownLinkRe = regexp.MustCompile(`(?s)\[(.*?)\]\(([^)]*)\)`)
	embeddedURLRe  = regexp.MustCompile(`(?i)https?://[^\s)]+|www\.[^\s)]+`)
)

const urlTrailingPunctuation = `.,;:!?'"}`

// NormalizeAssistantReply rewrites markdown links into "label\nurl" plain text, which
// renders on SMS. Placeholder targets ("", "#...") take the next unused http(s) source
// from entries in order. Links that cannot be resolved collapse to their label.
func NormalizeAssistantReply(text string, entries []types.KnowledgeEntry) string {
	if !strings.Contains(text, "[") || !strings.Contains(text, ")") {
		return text
	}
	matches := markdownLinkRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	queue := candidateSources(entries)
	next := func() (string, bool) {
		if len(queue) == 0 {
			return "", false
		}
		u := queue[0]
		queue = queue[1:]
		return u, true
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		label := text[m[2]:m[3]]
		target := text[m[4]:m[5]]
		b.WriteString(text[last:m[0]])
		b.WriteString(renderLink(label, target, next))
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func renderLink(label, target string, next func() (string, bool)) string {
	url, ok := resolveLinkTarget(target, next)
	if !ok {
		return strings.TrimSpace(label)
	}
	url = strings.TrimRight(url, urlTrailingPunctuation)
	cleanLabel := strings.Join(strings.Fields(label), " ")
	if cleanLabel == "" {
		return url
	}
	return cleanLabel + "\n" + url
}

func resolveLinkTarget(target string, next func() (string, bool)) (string, bool) {
	t := strings.TrimSpace(target)
	switch {
	case t == "" || strings.HasPrefix(t, "#"):
		return next()
	case hasHTTPScheme(t):
		return t, true
	case hasWWWPrefix(t):
		return "https://" + t, true
	}
	found := embeddedURLRe.FindString(t)
	if found == "" {
		return "", false
	}
	if hasWWWPrefix(found) {
		return "https://" + found, true
	}
	return found, true
}

func candidateSources(entries []types.KnowledgeEntry) []string {
	var out []string
	for _, e := range entries {
		if e.Source == nil {
			continue
		}
		s := strings.TrimSpace(*e.Source)
		if hasHTTPScheme(s) {
			out = append(out, s)
		}
	}
	return out
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func hasWWWPrefix(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "www.")
}
