package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPartLen is the rune budget of one outbound text part.
const DefaultMaxPartLen = 4096

// Split breaks body into parts of at most limit runes, preferring line, then
// word, then raw rune boundaries. When more than one part results, each is
// prefixed with "(i/n) " and the prefix counts towards the limit.
// Stripping the prefixes and concatenating the parts yields body exactly.
func Split(body string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxPartLen
	}
	if utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}

	// The prefix width depends on the part count, which depends on the prefix width.
	n := 2
	var chunks []string
	for {
		budget := limit - utf8.RuneCountInString(prefix(n, n))
		if budget < 1 {
			budget = 1
		}
		chunks = chunk(body, budget)
		if len(chunks) <= n || digits(len(chunks)) == digits(n) {
			break
		}
		n = len(chunks)
	}

	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = prefix(i+1, len(chunks)) + c
	}
	return parts
}

// StripPrefix removes a "(i/n) " part prefix.
func StripPrefix(part string) string {
	if !strings.HasPrefix(part, "(") {
		return part
	}
	end := strings.Index(part, ") ")
	if end < 0 {
		return part
	}
	var i, n int
	if _, err := fmt.Sscanf(part[:end+1], "(%d/%d)", &i, &n); err != nil {
		return part
	}
	return part[end+2:]
}

func prefix(i, n int) string {
	return fmt.Sprintf("(%d/%d) ", i, n)
}

func digits(n int) int {
	return len(fmt.Sprint(n))
}

func chunk(body string, budget int) []string {
	runes := []rune(body)
	var out []string
	for len(runes) > budget {
		cut := lastIndex(runes[:budget], '\n')
		if cut < 0 {
			cut = lastIndex(runes[:budget], ' ')
		}
		if cut < 0 {
			cut = budget
		} else {
			cut++ // the separator stays with the earlier part
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
