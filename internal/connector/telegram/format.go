package telegram

import (
	"regexp"
	"strings"
)

// Agents write replies in the WhatsApp markup every inbox channel shares:
// *bold*, _italic_, ~strike~, `code` and ``` fenced blocks.

var (
	reFence  = regexp.MustCompile("(?s)```(.*?)```")
	reCode   = regexp.MustCompile("`([^`\n]+)`")
	reStrong = regexp.MustCompile(`\*([^*\n]+)\*`)
	reEmph   = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_`)
	reStrike = regexp.MustCompile(`~([^~\n]+)~`)
)

// MarkupToHTML renders WhatsApp markup as Telegram's HTML subset.
func MarkupToHTML(text string) string {
	var blocks []string
	text = reFence.ReplaceAllStringFunc(text, func(match string) string {
		inner := strings.Trim(reFence.FindStringSubmatch(match)[1], "\n")
		blocks = append(blocks, "<pre>"+escapeHTML(inner)+"</pre>")
		return placeholder("B", len(blocks)-1)
	})

	var spans []string
	text = reCode.ReplaceAllStringFunc(text, func(match string) string {
		spans = append(spans, "<code>"+escapeHTML(reCode.FindStringSubmatch(match)[1])+"</code>")
		return placeholder("C", len(spans)-1)
	})

	text = escapeHTML(text)
	text = reStrong.ReplaceAllString(text, "<b>$1</b>")
	text = reEmph.ReplaceAllString(text, "$1<i>$2</i>")
	text = reStrike.ReplaceAllString(text, "<s>$1</s>")

	for i, s := range spans {
		text = strings.Replace(text, placeholder("C", i), s, 1)
	}
	for i, b := range blocks {
		text = strings.Replace(text, placeholder("B", i), b, 1)
	}
	return text
}

// StripMarkup removes markup delimiters, returning plain text.
func StripMarkup(text string) string {
	text = reFence.ReplaceAllString(text, "$1")
	text = reCode.ReplaceAllString(text, "$1")
	text = reStrong.ReplaceAllString(text, "$1")
	text = reEmph.ReplaceAllString(text, "$1$2")
	text = reStrike.ReplaceAllString(text, "$1")
	return text
}

func placeholder(kind string, i int) string {
	return "\x00" + kind + string(rune('A'+i)) + "\x00"
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
