// Package render turns the freeform text agents send back into safe,
// display-ready HTML. The pipeline is Normalize → Escape → Segment:
// normalization tidies line endings, bullets and rules; escaping makes
// every character from the agent inert; segmentation classifies blocks
// and applies inline emphasis on the already-escaped text. Nothing in
// this package does I/O or keeps state between calls.
package render

import (
	"regexp"
	"strings"
)

// SeparatorMarker replaces horizontal-rule lines during normalization.
// The segmenter renders it as [SeparatorHTML], which is where the
// message assembler splits a response into separate fragments.
const SeparatorMarker = "[[separator]]"

// Bullet is the list marker normalization substitutes for "-" and "*".
const Bullet = "•"

var (
	crlf      = regexp.MustCompile(`\r+\n`)
	hardBreak = regexp.MustCompile(` {2,}\n`)
	ruleLine  = regexp.MustCompile(`(?m)^[ \t]*[-_\x{2014}]{3,}[ \t]*$`)
	dashItem  = regexp.MustCompile(`(?m)^[ \t]*[-*][ \t]+`)
)

// Normalize cleans a raw text fragment from the backend. It converts
// CRLF to LF, drops markdown hard-break trailing spaces, rewrites "-"
// and "*" list items to [Bullet] items, and replaces lines made only of
// three or more dashes, underscores or em-dashes with
// [SeparatorMarker]. Normalize is total and idempotent.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = crlf.ReplaceAllString(s, "\n")
	s = hardBreak.ReplaceAllString(s, "\n")
	s = ruleLine.ReplaceAllString(s, SeparatorMarker)
	s = dashItem.ReplaceAllString(s, Bullet+" ")
	return s
}

// isSeparator reports whether a line is a normalized separator.
func isSeparator(line string) bool {
	return strings.TrimSpace(line) == SeparatorMarker
}
