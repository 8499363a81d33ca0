package render

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PlainText flattens rendered markup back to readable text for
// previews and notifications. Block elements become line breaks and
// entities are decoded. Runs of blank lines collapse to one.
func PlainText(markup string) string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var b strings.Builder

	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF at the end of input; anything else is malformed
			// markup, and whatever was read so far is still useful.
			return tidy(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Br, atom.Hr:
				b.WriteString("\n")
			case atom.Li:
				b.WriteString("\n" + Bullet + " ")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isBlockTag(atom.Lookup(name)) {
				b.WriteString("\n")
			}
		}
	}
}

func isBlockTag(a atom.Atom) bool {
	switch a {
	case atom.P, atom.H1, atom.H2, atom.H3, atom.Blockquote,
		atom.Pre, atom.Ul, atom.Ol:
		return true
	}
	return false
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Preview returns at most n runes of the plain-text form of markup,
// with an ellipsis when truncated.
func Preview(markup string, n int) string {
	text := strings.Join(strings.Fields(PlainText(markup)), " ")
	runes := []rune(text)
	if n <= 0 || len(runes) <= n {
		return text
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
