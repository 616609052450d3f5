package safeenc

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// normalize repairs the encoding of s. Text without a single valid
// multi-byte sequence is assumed to be Windows-1252; otherwise invalid
// sequences are replaced with U+FFFD.
func normalize(s string) string {
	if !utf8.ValidString(s) {
		if legacy8Bit(s) {
			if decoded, err := charmap.Windows1252.NewDecoder().String(s); err == nil {
				s = decoded
			}
		}
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return norm.NFC.String(s)
}

// legacy8Bit reports whether every non-ASCII byte of s is part of an invalid
// UTF-8 sequence.
func legacy8Bit(s string) bool {
	for i := 0; i < len(s); {
		if s[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size > 1 {
			return false
		}
		i += size
	}
	return true
}

// strip removes markup and keeps printable characters plus line breaks.
func strip(s string) string {
	if strings.ContainsRune(s, '<') {
		s = textContent(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r == '\r':
		case unicode.IsPrint(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// textContent returns the text nodes of an HTML fragment, skipping script
// and style bodies.
func textContent(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li", "tr":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// PlainText returns the text content of an HTML fragment.
func PlainText(s string) string {
	return textContent(s)
}
