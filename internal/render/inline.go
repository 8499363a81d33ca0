package render

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

// Placeholders park finished markup (code spans, link targets) while the
// emphasis rules run, so that markers inside them are never rewritten.
// Escape strips both runes from agent text, so they cannot be forged.
const (
	stashOpen  = '\uE000'
	stashClose = '\uE001'
)

var (
	fencedSpan = regexp.MustCompile("```(.+?)```")
	codeSpan   = regexp.MustCompile("`([^`]+)`")
	linkSpan   = regexp.MustCompile(`\[([^\[\]]+)\]\((https?://[^\s()<>\x{E000}\x{E001}]+)\)`)
	linkStash  = regexp.MustCompile(`\[([^\[\]]+)\]\(\x{E000}(\d+)\x{E001}\)`)
	stashRef   = regexp.MustCompile(`\x{E000}(\d+)\x{E001}`)

	strongEmStar  = regexp.MustCompile(`\*\*\*([^*]+?)\*\*\*`)
	strongEmUnder = regexp.MustCompile(`___([^_]+?)___`)
	strongStar    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strongUnder   = regexp.MustCompile(`__(.+?)__`)
	emStar        = regexp.MustCompile(`\*([^*\s](?:[^*]*[^*\s])?)\*`)
	emUnder       = regexp.MustCompile(`(^|[^\w])_([^_\s](?:[^_]*[^_\s])?)_($|[^\w])`)
	strike        = regexp.MustCompile(`~~([^~]+?)~~`)
)

// Escape HTML-escapes agent text and removes the private-use runes the
// inline formatter reserves for its placeholders.
func Escape(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == stashOpen || r == stashClose {
			return -1
		}
		return r
	}, s)
	return html.EscapeString(s)
}

// Inline rewrites emphasis spans in one line of already-escaped text.
// Rules apply in a fixed order: fenced code spans, inline code,
// bold-italic, bold, italic, strikethrough, then http(s) links. Code
// span contents are never touched by later rules.
func Inline(escaped string) string {
	if escaped == "" {
		return ""
	}

	var stash []string
	park := func(markup string) string {
		stash = append(stash, markup)
		return string(stashOpen) + strconv.Itoa(len(stash)-1) + string(stashClose)
	}

	s := fencedSpan.ReplaceAllStringFunc(escaped, func(m string) string {
		body := fencedSpan.FindStringSubmatch(m)[1]
		return park("<pre><code>" + strings.TrimSpace(body) + "</code></pre>")
	})
	s = codeSpan.ReplaceAllStringFunc(s, func(m string) string {
		return park("<code>" + codeSpan.FindStringSubmatch(m)[1] + "</code>")
	})

	// Link targets are parked before emphasis so underscores and
	// asterisks in URLs survive; labels still get emphasis. A target
	// holding a code span is not a link and stays literal.
	s = linkSpan.ReplaceAllStringFunc(s, func(m string) string {
		sub := linkSpan.FindStringSubmatch(m)
		return "[" + sub[1] + "](" + park(sub[2]) + ")"
	})

	s = strongEmStar.ReplaceAllString(s, "<strong><em>$1</em></strong>")
	s = strongEmUnder.ReplaceAllString(s, "<strong><em>$1</em></strong>")
	s = strongStar.ReplaceAllString(s, "<strong>$1</strong>")
	s = strongUnder.ReplaceAllString(s, "<strong>$1</strong>")
	s = emStar.ReplaceAllString(s, "<em>$1</em>")
	// Adjacent matches share a boundary character, so one pass can
	// miss every other span.
	for range 2 {
		s = emUnder.ReplaceAllString(s, "$1<em>$2</em>$3")
	}
	s = strike.ReplaceAllString(s, "<del>$1</del>")

	s = linkStash.ReplaceAllStringFunc(s, func(m string) string {
		sub := linkStash.FindStringSubmatch(m)
		idx, err := strconv.Atoi(sub[2])
		if err != nil || idx >= len(stash) {
			return m
		}
		return `<a href="` + stash[idx] + `" target="_blank" rel="noopener noreferrer">` + sub[1] + `</a>`
	})

	// A code span can wrap a fenced span, so parked markup may itself
	// hold placeholders. Each pass resolves one level.
	for range len(stash) + 1 {
		if !strings.ContainsRune(s, stashOpen) {
			break
		}
		s = stashRef.ReplaceAllStringFunc(s, func(m string) string {
			idx, err := strconv.Atoi(stashRef.FindStringSubmatch(m)[1])
			if err != nil || idx >= len(stash) {
				return ""
			}
			return stash[idx]
		})
	}
	return s
}
