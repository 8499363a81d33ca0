package relay

import (
	"iter"
	"strings"

	"github.com/nugget/switchboard/internal/render"
)

// Texts yields the normalized, trimmed body of every text envelope in
// p, in order. Non-text envelopes and blank bodies are skipped. The
// sequence holds no state of its own and may be ranged over any number
// of times; a nil payload yields nothing.
func Texts(p *Payload) iter.Seq[string] {
	return func(yield func(string) bool) {
		if p == nil {
			return
		}
		for _, env := range p.AIMessages {
			if !env.IsText() {
				continue
			}
			text := strings.TrimSpace(render.Normalize(env.TextBody))
			if text == "" {
				continue
			}
			if !yield(text) {
				return
			}
		}
	}
}
