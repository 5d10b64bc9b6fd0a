package twilio

import "strings"

// MaxMessageLength is the longest body the Messages API accepts in one request.
const MaxMessageLength = 1600

// SplitMessage breaks body into chunks of at most limit runes, preferring line breaks and
// then spaces as cut points. Chunks are trimmed; empty chunks are dropped.
func SplitMessage(body string, limit int) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if limit <= 0 {
		limit = MaxMessageLength
	}
	runes := []rune(body)
	var out []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			if chunk := strings.TrimSpace(string(runes)); chunk != "" {
				out = append(out, chunk)
			}
			break
		}
		cut := lastIndexRune(runes[:limit+1], '\n')
		if cut <= 0 {
			cut = lastIndexRune(runes[:limit+1], ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			out = append(out, chunk)
		}
		runes = runes[cut:]
	}
	return out
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
