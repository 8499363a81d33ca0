package render

import (
	"regexp"
	"strconv"
	"strings"
)

// SeparatorHTML is the rendering of a separator block. Agent text is
// escaped before segmentation, so this exact string can only come from
// a [SeparatorMarker] line.
const SeparatorHTML = "<hr>"

// BlockKind classifies one blank-line-delimited unit of text.
type BlockKind int

const (
	KindParagraph BlockKind = iota
	KindHeading
	KindBlockQuote
	KindUnorderedList
	KindOrderedList
	KindCodeFence
	KindSeparator
)

// String returns the kind's name for logs and test output.
func (k BlockKind) String() string {
	switch k {
	case KindParagraph:
		return "paragraph"
	case KindHeading:
		return "heading"
	case KindBlockQuote:
		return "blockquote"
	case KindUnorderedList:
		return "unordered_list"
	case KindOrderedList:
		return "ordered_list"
	case KindCodeFence:
		return "code_fence"
	case KindSeparator:
		return "separator"
	default:
		return "unknown"
	}
}

// Block is one classified unit of escaped text. Lines are the raw
// escaped lines of the block; Level is set for headings only.
type Block struct {
	Kind  BlockKind
	Level int
	Lines []string
}

const (
	fence      = "```"
	quotePrefx = "&gt;"
)

var (
	orderedItem = regexp.MustCompile(`^(\d+)\.\s+`)
	fenceLang   = regexp.MustCompile(`^[A-Za-z0-9_+-]+$`)
)

// classifier is one ordered test in [Classify]. The first match wins.
type classifier struct {
	kind  BlockKind
	level int
	match func(lines []string) bool
}

var classifiers = []classifier{
	{kind: KindSeparator, match: isSeparatorBlock},
	{kind: KindCodeFence, match: isCodeFence},
	{kind: KindHeading, level: 3, match: headingMatcher(3)},
	{kind: KindHeading, level: 2, match: headingMatcher(2)},
	{kind: KindHeading, level: 1, match: headingMatcher(1)},
	{kind: KindBlockQuote, match: everyLine(func(l string) bool { return strings.HasPrefix(l, quotePrefx) })},
	{kind: KindUnorderedList, match: everyLine(func(l string) bool { return strings.HasPrefix(l, Bullet) })},
	{kind: KindOrderedList, match: everyLine(orderedItem.MatchString)},
}

// Classify assigns a kind to a block's lines. Lines must be non-empty
// and already escaped.
func Classify(lines []string) Block {
	for _, c := range classifiers {
		if c.match(lines) {
			return Block{Kind: c.kind, Level: c.level, Lines: lines}
		}
	}
	return Block{Kind: KindParagraph, Lines: lines}
}

func isSeparatorBlock(lines []string) bool {
	return len(lines) == 1 && isSeparator(lines[0])
}

func isCodeFence(lines []string) bool {
	first := strings.TrimSpace(lines[0])
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(first, fence) || !strings.HasSuffix(last, fence) {
		return false
	}
	// A lone "```" line opens a fence but cannot also close it.
	if len(lines) == 1 {
		return len(first) >= 2*len(fence)
	}
	return true
}

func headingMatcher(level int) func([]string) bool {
	prefix := strings.Repeat("#", level) + " "
	return func(lines []string) bool {
		return strings.HasPrefix(strings.TrimSpace(lines[0]), prefix)
	}
}

func everyLine(pred func(string) bool) func([]string) bool {
	return func(lines []string) bool {
		for _, l := range lines {
			if !pred(strings.TrimLeft(l, " \t")) {
				return false
			}
		}
		return true
	}
}

// Blocks splits escaped text into classified blocks. Blocks are
// separated by one or more blank lines; a separator line always stands
// alone. Blank lines inside a fenced code block do not split it. An
// unterminated fence is split like ordinary text.
func Blocks(escaped string) []Block {
	if strings.TrimSpace(escaped) == "" {
		return nil
	}
	return splitLines(strings.Split(escaped, "\n"), true)
}

func splitLines(lines []string, fences bool) []Block {
	var (
		blocks  []Block
		cur     []string
		inFence bool
	)
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, Classify(cur))
			cur = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inFence:
			cur = append(cur, line)
			if strings.HasPrefix(trimmed, fence) {
				inFence = false
				flush()
			}
		case trimmed == "":
			flush()
		case isSeparator(trimmed):
			flush()
			blocks = append(blocks, Block{Kind: KindSeparator, Lines: []string{SeparatorMarker}})
		case fences && len(cur) == 0 && opensFence(trimmed):
			cur = append(cur, line)
			inFence = true
		default:
			cur = append(cur, line)
		}
	}

	if inFence {
		return append(blocks, splitLines(cur, false)...)
	}
	flush()
	return blocks
}

// opensFence reports whether a trimmed line starts a multi-line fence
// (as opposed to a one-line "```code```" span).
func opensFence(trimmed string) bool {
	if !strings.HasPrefix(trimmed, fence) {
		return false
	}
	rest := trimmed[len(fence):]
	return !strings.Contains(rest, fence)
}

// HTML renders the block. Inline formatting is applied to every kind
// except code fences and separators.
func (b Block) HTML() string {
	switch b.Kind {
	case KindSeparator:
		return SeparatorHTML
	case KindCodeFence:
		return codeFenceHTML(b.Lines)
	case KindHeading:
		tag := "h" + strconv.Itoa(b.Level)
		lines := trimAll(b.Lines)
		lines[0] = strings.TrimSpace(strings.TrimLeft(lines[0], "#"))
		return "<" + tag + ">" + inlineJoin(lines) + "</" + tag + ">"
	case KindBlockQuote:
		lines := trimAll(b.Lines)
		for i, l := range lines {
			lines[i] = strings.TrimSpace(strings.TrimPrefix(l, quotePrefx))
		}
		return "<blockquote>" + inlineJoin(lines) + "</blockquote>"
	case KindUnorderedList:
		return listHTML("ul", "", b.Lines, func(l string) string {
			return strings.TrimPrefix(l, Bullet)
		})
	case KindOrderedList:
		start := ""
		if m := orderedItem.FindStringSubmatch(strings.TrimSpace(b.Lines[0])); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n != 1 {
				start = ` start="` + strconv.Itoa(n) + `"`
			}
		}
		return listHTML("ol", start, b.Lines, func(l string) string {
			return orderedItem.ReplaceAllString(l, "")
		})
	default:
		return "<p>" + inlineJoin(trimAll(b.Lines)) + "</p>"
	}
}

func codeFenceHTML(lines []string) string {
	first := strings.TrimSpace(lines[0])
	if len(lines) == 1 {
		body := strings.TrimSuffix(strings.TrimPrefix(first, fence), fence)
		return "<pre><code>" + strings.TrimSpace(body) + "</code></pre>"
	}

	class := ""
	if lang := strings.TrimSpace(strings.TrimPrefix(first, fence)); fenceLang.MatchString(lang) {
		class = ` class="language-` + lang + `"`
	}
	body := make([]string, 0, len(lines))
	// Text after an opening fence that is not a language tag is code.
	if rest := strings.TrimPrefix(first, fence); class == "" && strings.TrimSpace(rest) != "" {
		body = append(body, rest)
	}
	for _, l := range lines[1 : len(lines)-1] {
		if isSeparator(l) {
			// Normalization rewrote a rule line inside the fence.
			l = "---"
		}
		body = append(body, l)
	}
	if last := strings.TrimSuffix(strings.TrimRight(lines[len(lines)-1], " \t"), fence); strings.TrimSpace(last) != "" {
		body = append(body, last)
	}
	return "<pre><code" + class + ">" + strings.Join(body, "\n") + "</code></pre>"
}

func listHTML(tag, attrs string, lines []string, strip func(string) string) string {
	var b strings.Builder
	b.WriteString("<" + tag + attrs + ">")
	for _, l := range lines {
		item := strings.TrimSpace(strip(strings.TrimSpace(l)))
		b.WriteString("<li>" + Inline(item) + "</li>")
	}
	b.WriteString("</" + tag + ">")
	return b.String()
}

func inlineJoin(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, Inline(l))
	}
	return strings.Join(out, "<br>")
}

func trimAll(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSpace(l)
	}
	return out
}

// Segment renders normalized, escaped text block by block. Rendered
// blocks are joined with newlines; empty input yields "".
func Segment(escaped string) string {
	blocks := Blocks(escaped)
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.HTML())
	}
	return strings.Join(out, "\n")
}

// Markup escapes and segments normalized text.
func Markup(normalized string) string {
	return Segment(Escape(normalized))
}

// Render runs the full pipeline on raw agent text.
func Render(raw string) string {
	return Markup(Normalize(raw))
}
