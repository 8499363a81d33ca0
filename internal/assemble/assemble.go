// Package assemble turns backend responses into the ordered, display
// ready message fragments that are stored and shown in a conversation.
//
// A response is split into fragments wherever the agent wrote a
// horizontal rule. Each fragment carries pre-rendered, escaped markup
// (IsMarkup is always true) and the ids of the agents the response is
// attributed to.
package assemble

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/switchboard/internal/agents"
	"github.com/nugget/switchboard/internal/relay"
	"github.com/nugget/switchboard/internal/render"
)

// ErrNoPayload is returned by [FromPayload] when there is no response
// to assemble.
var ErrNoPayload = errors.New("no payload")

// RoleAssistant is the sender role of every assembled fragment.
const RoleAssistant = "assistant"

// DefaultHeaderName is used for the header line when no agent name is
// known and none is configured.
const DefaultHeaderName = "Assistant"

// Fragment is one independently displayable piece of agent output.
// Fragments are never modified after assembly.
type Fragment struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId,omitempty"`
	Content          string    `json:"content"`
	SenderRole       string    `json:"senderRole"`
	Timestamp        time.Time `json:"timestamp"`
	ResolvedAgentIDs []string  `json:"resolvedAgentIds"`
	IsMarkup         bool      `json:"isMarkup"`
}

// Options controls fragment ids and the optional decorations.
type Options struct {
	// ConversationID is copied onto every fragment.
	ConversationID string

	// ResponseID seeds fragment ids. When empty a timestamp-based id is
	// used instead.
	ResponseID string

	// Header, when non-empty, is written in bold above the first entry.
	Header string

	// Footer, when non-empty, is written in italics below the last
	// entry.
	Footer string

	// Now overrides the clock for timestamps and fallback ids.
	Now func() time.Time
}

// Assemble renders each text entry and splits it into fragments.
//
// Entries are expected to be normalized already (see [relay.Texts]).
// The header is added to the first entry only and the footer to the
// last entry only. Every fragment gets a copy of agentIDs. Fragment ids
// have the form "<response>-<entry>-<chunk>" and are unique within one
// call. No texts yields no fragments.
func Assemble(texts iter.Seq[string], agentIDs []string, opts Options) []Fragment {
	entries := slices.Collect(texts)
	if len(entries) == 0 {
		return nil
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ts := now().UTC()
	base := opts.ResponseID
	if base == "" {
		base = "resp" + strconv.FormatInt(ts.UnixNano(), 10)
	}

	var out []Fragment
	for i, text := range entries {
		if i == 0 && opts.Header != "" {
			text = "**" + opts.Header + "**\n\n" + text
		}
		if i == len(entries)-1 && opts.Footer != "" {
			text = text + "\n\n_" + opts.Footer + "_"
		}

		for j, chunk := range Split(render.Markup(text)) {
			out = append(out, Fragment{
				ID:               fmt.Sprintf("%s-%d-%d", base, i, j),
				ConversationID:   opts.ConversationID,
				Content:          chunk,
				SenderRole:       RoleAssistant,
				Timestamp:        ts,
				ResolvedAgentIDs: slices.Clone(agentIDs),
				IsMarkup:         true,
			})
		}
	}
	return out
}

// Split breaks rendered markup at separator blocks and returns the
// trimmed, non-empty chunks in order.
func Split(markup string) []string {
	var chunks []string
	for _, part := range strings.Split(markup, render.SeparatorHTML) {
		if part = strings.TrimSpace(part); part != "" {
			chunks = append(chunks, part)
		}
	}
	return chunks
}

// Decorations chooses header and footer text for a response.
type Decorations struct {
	ShowHeader  bool
	ShowFooter  bool
	DefaultName string
}

// FromPayload resolves the responding agent, decorates and assembles
// one backend response. known is the workspace's agent list and
// fallback the agents the user had selected when sending.
func FromPayload(p *relay.Payload, known []agents.Agent, fallback []string, deco Decorations, opts Options) ([]Fragment, error) {
	if p == nil {
		return nil, ErrNoPayload
	}

	ids := agents.Resolve(p.Conversation, known, fallback)
	if deco.ShowHeader {
		opts.Header = headerName(p.Conversation, known, ids, deco.DefaultName)
	}
	if deco.ShowFooter {
		if credits, ok := p.Credits(); ok {
			opts.Footer = "Credits used: " + strconv.FormatFloat(credits, 'f', -1, 64)
		}
	}
	if opts.ResponseID == "" {
		opts.ResponseID = p.ID
	}

	return Assemble(relay.Texts(p), ids, opts), nil
}

func headerName(meta *relay.ConversationMetadata, known []agents.Agent, ids []string, def string) string {
	if len(ids) == 1 {
		if name := strings.TrimSpace(agents.Named(known, ids[0])); name != "" {
			return name
		}
	}
	if meta != nil {
		if name := strings.TrimSpace(meta.AssignedAgentName); name != "" {
			return name
		}
	}
	if def != "" {
		return def
	}
	return DefaultHeaderName
}
