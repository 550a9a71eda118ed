package domain

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// PrepareBody strips markup from raw and trims the text to at most maxLen
// runes. The cut prefers the last word boundary in the second half of the
// window; shorter input is returned whitespace-collapsed but otherwise as is.
func PrepareBody(raw string, maxLen int) string {
	text := StripTags(raw)
	if maxLen <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}

	cut := runes[:maxLen]
	if !unicode.IsSpace(runes[maxLen]) {
		for i := len(cut) - 1; i >= maxLen/2; i-- {
			if unicode.IsSpace(cut[i]) {
				cut = cut[:i]
				break
			}
		}
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace)
}

// StripTags returns the text content of an HTML fragment with entities
// unescaped and whitespace collapsed. Script and style bodies are dropped.
// Doubly escaped text ("&amp;lt;") is decoded all the way, so the output
// never contains an entity.
func StripTags(raw string) string {
	z := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	skip := 0

loop:
	for {
		switch z.Next() {
		case html.ErrorToken:
			break loop
		case html.StartTagToken:
			name, _ := z.TagName()
			if isRawTextTag(name) {
				skip++
			} else if isBlockTag(name) {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isRawTextTag(name) && skip > 0 {
				skip--
			} else if isBlockTag(name) {
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); isBlockTag(name) {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}

	return strings.Join(strings.Fields(unescapeFully(b.String())), " ")
}

// unescapeFully decodes entities until none are left, dropping angle
// brackets after each round. The result is a fixed point: running it
// through StripTags again yields the same text.
func unescapeFully(s string) string {
	for {
		next := dropAngleBrackets(html.UnescapeString(s))
		if next == s {
			return s
		}
		s = next
	}
}

func dropAngleBrackets(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, s)
}

func isRawTextTag(name []byte) bool {
	s := string(name)
	return s == "script" || s == "style"
}

// Block-level tags separate words; inline tags do not.
func isBlockTag(name []byte) bool {
	switch string(name) {
	case "p", "br", "div", "li", "ul", "ol", "tr", "td", "th", "table",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "section", "article", "hr":
		return true
	}
	return false
}
