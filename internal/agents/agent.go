// Package agents keeps the per-workspace registry of agents users can
// chat with and attributes backend responses to one of them.
package agents

import (
	"errors"
	"strings"
	"time"

	"github.com/nugget/switchboard/internal/relay"
)

var (
	// ErrNotFound is returned when an agent id does not exist.
	ErrNotFound = errors.New("agent not found")

	// ErrInvalid wraps validation failures on create and update.
	ErrInvalid = errors.New("invalid agent")
)

// Agent is one configured agent within a workspace.
type Agent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	DisplayName string    `json:"displayName"`
	Description string    `json:"description,omitempty"` // markdown
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Resolve attributes a response to agents. An assigned agent id that
// matches a known agent exactly wins; otherwise an assigned agent name
// matching a display name (trimmed, case-insensitive) wins; otherwise
// fallback is returned unchanged. meta may be nil.
func Resolve(meta *relay.ConversationMetadata, known []Agent, fallback []string) []string {
	if meta == nil {
		return fallback
	}

	if id := meta.AssignedAgentID; id != "" {
		for _, a := range known {
			if a.ID == id {
				return []string{a.ID}
			}
		}
	}

	if name := strings.TrimSpace(meta.AssignedAgentName); name != "" {
		for _, a := range known {
			if strings.EqualFold(strings.TrimSpace(a.DisplayName), name) {
				return []string{a.ID}
			}
		}
	}

	return fallback
}

// Named returns the display name of the agent with the given id, or
// "" when it is not in known.
func Named(known []Agent, id string) string {
	for _, a := range known {
		if a.ID == id {
			return a.DisplayName
		}
	}
	return ""
}
