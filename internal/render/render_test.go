package render

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain unchanged", "Hello *world*", "Hello *world*"},
		{"crlf", "a\r\nb\r\nc", "a\nb\nc"},
		{"hard break", "line one  \nline two", "line one\nline two"},
		{"dash bullets", "- item1\n- item2", "• item1\n• item2"},
		{"star bullet", "* star", "• star"},
		{"indented bullet", "  - indented", "• indented"},
		{"bold at line start kept", "**bold** start", "**bold** start"},
		{"dash rule", "para\n---\nnext", "para\n" + SeparatorMarker + "\nnext"},
		{"underscore rule", "___", SeparatorMarker},
		{"em-dash rule", "———", SeparatorMarker},
		{"long rule with padding", "  -----  ", SeparatorMarker},
		{"two dashes are text", "--", "--"},
		{"dash without space is text", "-5 degrees", "-5 degrees"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"Hello *world*",
		"a\r\r\nb",
		"-  \t  \nnext",
		"- - nested dash",
		"* * *",
		"line  \n---  \n- item  \r\n* other",
		"text\n\n\n___\n\n1. one\n2. two",
		"```\n- code\n---\n```",
		SeparatorMarker,
		"• already bulleted",
	}

	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: once %q, twice %q", in, once, twice)
		}
	}
}

func TestEscape(t *testing.T) {
	got := Escape("<b>\"Tom\" & 'Jerry'</b>0")
	want := "&lt;b&gt;&#34;Tom&#34; &amp; &#39;Jerry&#39;&lt;/b&gt;0"
	if got != want {
		t.Errorf("Escape() = %q, want %q", got, want)
	}
}

func TestInline(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"no markup", "just text", "just text"},
		{"italic star", "Hello *world*", "Hello <em>world</em>"},
		{"italic underscore", "an _aside_ here", "an <em>aside</em> here"},
		{"adjacent underscores", "_a_ _b_", "<em>a</em> <em>b</em>"},
		{"snake case untouched", "snake_case_name", "snake_case_name"},
		{"bold star", "**bold**", "<strong>bold</strong>"},
		{"bold underscore", "__bold__", "<strong>bold</strong>"},
		{"bold italic", "***both***", "<strong><em>both</em></strong>"},
		{"bold then italic", "**a** and *b*", "<strong>a</strong> and <em>b</em>"},
		{"bold around italic", "**bold *it* more**", "<strong>bold <em>it</em> more</strong>"},
		{"bold underscore around italic", "__bold _it_ more__", "<strong>bold <em>it</em> more</strong>"},
		{"strikethrough", "~~gone~~", "<del>gone</del>"},
		{"arithmetic untouched", "2 * 3 * 4", "2 * 3 * 4"},
		{"inline code protects markers", "`a*b*c`", "<code>a*b*c</code>"},
		{"fenced span", "```x = *y*```", "<pre><code>x = *y*</code></pre>"},
		{"code span around fenced span", "`x ```y``` z`", "<code>x <pre><code>y</code></pre> z</code>"},
		{"code span in link target", "[a](https://x.com/`y`)", "[a](https://x.com/<code>y</code>)"},
		{
			"link",
			"[docs](https://example.com/a_b_c)",
			`<a href="https://example.com/a_b_c" target="_blank" rel="noopener noreferrer">docs</a>`,
		},
		{
			"link label emphasis",
			"see [**docs**](http://x.io)",
			`see <a href="http://x.io" target="_blank" rel="noopener noreferrer"><strong>docs</strong></a>`,
		},
		{"non-http link untouched", "[bad](javascript:alert(1))", "[bad](javascript:alert(1))"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Inline(tt.in); got != tt.want {
				t.Errorf("Inline(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestInline_LinkCannotBreakOutOfAttribute(t *testing.T) {
	got := Inline(Escape(`[x](https://a.com/?q="><script>alert(1)</script>)`))
	if strings.Contains(got, `"><script`) || strings.Contains(got, "<script") {
		t.Errorf("Inline produced injectable markup: %q", got)
	}
}

func TestRender_NoPlaceholderLeaks(t *testing.T) {
	for _, in := range []string{
		"[a](https://x.com/`y`)",
		"`x ```y``` z`",
		"**`a` and [b](https://b.io/_c_)**",
	} {
		got := Render(in)
		if strings.ContainsAny(got, "\uE000\uE001") {
			t.Errorf("Render(%q) leaked placeholder runes: %q", in, got)
		}
		if strings.Contains(got, `href="https://x.com/<`) {
			t.Errorf("Render(%q) wrote markup into an href: %q", in, got)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		lines     []string
		wantKind  BlockKind
		wantLevel int
	}{
		{"paragraph", []string{"hello"}, KindParagraph, 0},
		{"h1", []string{"# Title"}, KindHeading, 1},
		{"h2", []string{"## Title"}, KindHeading, 2},
		{"h3", []string{"### Title"}, KindHeading, 3},
		{"h4 is paragraph", []string{"#### Title"}, KindParagraph, 0},
		{"hash without space", []string{"#hashtag"}, KindParagraph, 0},
		{"quote", []string{"&gt; a", "&gt;b"}, KindBlockQuote, 0},
		{"partial quote", []string{"&gt; a", "b"}, KindParagraph, 0},
		{"bullets", []string{"• a", "• b"}, KindUnorderedList, 0},
		{"numbered", []string{"1. a", "10. b"}, KindOrderedList, 0},
		{"mixed list", []string{"1. a", "• b"}, KindParagraph, 0},
		{"fence", []string{"```go", "x", "```"}, KindCodeFence, 0},
		{"one-line fence", []string{"```x```"}, KindCodeFence, 0},
		{"lone fence", []string{"```"}, KindParagraph, 0},
		{"separator", []string{SeparatorMarker}, KindSeparator, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Classify(tt.lines)
			if b.Kind != tt.wantKind || b.Level != tt.wantLevel {
				t.Errorf("Classify(%q) = %v/%d, want %v/%d", tt.lines, b.Kind, b.Level, tt.wantKind, tt.wantLevel)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "  \n\n ", ""},
		{"plain paragraph", "plain text", "<p>plain text</p>"},
		{"emphasis", "Hello *world*", "<p>Hello <em>world</em></p>"},
		{"bullets", "- item1\n- item2", "<ul><li>item1</li><li>item2</li></ul>"},
		{"numbered", "1. one\n2. two", "<ol><li>one</li><li>two</li></ol>"},
		{"numbered from three", "3. three\n4. four", `<ol start="3"><li>three</li><li>four</li></ol>`},
		{"headings", "# One\n\n## Two\n\n### Three", "<h1>One</h1>\n<h2>Two</h2>\n<h3>Three</h3>"},
		{"quote", "> quoted\n> **more**", "<blockquote>quoted<br><strong>more</strong></blockquote>"},
		{"line breaks", "line1\nline2", "<p>line1<br>line2</p>"},
		{"two paragraphs", "first\n\n\nsecond", "<p>first</p>\n<p>second</p>"},
		{"separator", "para one\n---\npara two", "<p>para one</p>\n<hr>\n<p>para two</p>"},
		{
			"code fence keeps blank lines and escapes",
			"```go\nfmt.Println(\"<hi>\")\n\nx := *y*\n```",
			"<pre><code class=\"language-go\">fmt.Println(&#34;&lt;hi&gt;&#34;)\n\nx := *y*</code></pre>",
		},
		{"rule inside fence", "```\n---\n```", "<pre><code>---</code></pre>"},
		{"unterminated fence", "```\nnot closed\n\nnext", "<p>```<br>not closed</p>\n<p>next</p>"},
		{
			"html is escaped",
			"<script>alert('x') & co</script>",
			"<p>&lt;script&gt;alert(&#39;x&#39;) &amp; co&lt;/script&gt;</p>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.in); got != tt.want {
				t.Errorf("Render(%q)\n got: %q\nwant: %q", tt.in, got, tt.want)
			}
		})
	}
}

// allowedTags is every element the renderer may emit.
var allowedTags = map[string]map[string]bool{
	"p": nil, "br": nil, "hr": nil, "h1": nil, "h2": nil, "h3": nil,
	"blockquote": nil, "ul": nil, "ol": {"start": true}, "li": nil,
	"pre": nil, "code": {"class": true}, "strong": nil, "em": nil, "del": nil,
	"a": {"href": true, "target": true, "rel": true},
}

func TestRender_NeverEmitsAgentMarkup(t *testing.T) {
	hostile := []string{
		"<script>alert(1)</script>",
		"<img src=x onerror=alert(1)>",
		"**<b>bold</b>**",
		"> <iframe src=//evil>",
		"- <a href='javascript:x'>item</a>",
		"```\n<style>body{}</style>\n```",
		"[click](https://ok.example/\"onmouseover=\"alert(1))",
		"`<code>` & `&amp;`",
		"# <h1>nested</h1>",
		"1. <ol><li>x</li></ol>",
		"[x](\uE0000\uE001) placeholder forgery",
	}

	for _, in := range hostile {
		out := Render(in)
		z := html.NewTokenizer(strings.NewReader(out))
		for {
			tt := z.Next()
			if tt == html.ErrorToken {
				break
			}
			if tt != html.StartTagToken && tt != html.SelfClosingTagToken && tt != html.EndTagToken {
				continue
			}
			name, hasAttr := z.TagName()
			attrs, ok := allowedTags[string(name)]
			if !ok {
				t.Errorf("Render(%q) emitted <%s>: %q", in, name, out)
				continue
			}
			for hasAttr {
				var key []byte
				key, _, hasAttr = z.TagAttr()
				if !attrs[string(key)] {
					t.Errorf("Render(%q) emitted attribute %q on <%s>: %q", in, key, name, out)
				}
			}
		}
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"entities decoded", "<p>a &amp; b &lt;c&gt;</p>", "a & b <c>"},
		{
			"blocks and lists",
			"<p>Hello <em>world</em></p>\n<ul><li>a</li><li>b</li></ul>",
			"Hello world\n\n• a\n• b",
		},
		{"line breaks", "<p>one<br>two</p>", "one\ntwo"},
		{"separator", "<p>a</p>\n<hr>\n<p>b</p>", "a\n\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.in); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	markup := "<p>Hello <strong>big</strong> world</p>"
	if got := Preview(markup, 100); got != "Hello big world" {
		t.Errorf("Preview() = %q", got)
	}
	if got := Preview(markup, 8); got != "Hello..." {
		t.Errorf("Preview(8) = %q, want %q", got, "Hello...")
	}
}
