// Package relay talks to the hosted conversational backend. It defines
// the response payload the backend returns, extracts the agent text
// from it, and sends user turns over HTTP.
//
// Every field of the payload is optional. Decoding is deliberately
// forgiving at the envelope level: an entry with an unexpected shape
// becomes an invalid [Envelope] that extraction skips, instead of
// failing the whole response.
package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ContentTypeText is the envelope content type that carries agent text.
// Matching is case-insensitive.
const ContentTypeText = "TEXT"

// Payload is the backend's response to one user turn.
type Payload struct {
	// ID identifies the backend response. It seeds fragment ids and may
	// be empty.
	ID string `json:"id,omitempty"`

	// AIMessages holds the agent output, in display order.
	AIMessages []Envelope `json:"aiMessages,omitempty"`

	Conversation *ConversationMetadata `json:"conversationMetadata,omitempty"`
	Usage        *UsageMetadata        `json:"usageMetadata,omitempty"`
}

// Envelope is one message-like unit in [Payload.AIMessages].
type Envelope struct {
	ContentType string `json:"contentType,omitempty"`
	TextBody    string `json:"textBody,omitempty"`
	SenderType  string `json:"senderType,omitempty"`
	SenderName  string `json:"senderName,omitempty"`

	// hasText is false when textBody was absent, null or not a string.
	hasText bool
}

// HasText reports whether the envelope carried a string text body.
func (e Envelope) HasText() bool {
	return e.hasText
}

// IsText reports whether the envelope is a text envelope with a
// non-blank body.
func (e Envelope) IsText() bool {
	return e.hasText &&
		strings.EqualFold(strings.TrimSpace(e.ContentType), ContentTypeText) &&
		strings.TrimSpace(e.TextBody) != ""
}

// TextEnvelope builds a text envelope, mostly for tests and the render
// preview endpoint.
func TextEnvelope(body string) Envelope {
	return Envelope{ContentType: ContentTypeText, TextBody: body, hasText: true}
}

// UnmarshalJSON decodes an envelope without ever failing on shape.
// Non-object entries and non-string fields leave the corresponding
// field empty.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	*e = Envelope{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	e.ContentType, _ = stringField(fields["contentType"])
	e.TextBody, e.hasText = stringField(fields["textBody"])
	e.SenderType, _ = stringField(fields["senderType"])
	e.SenderName, _ = stringField(fields["senderName"])
	return nil
}

// MarshalJSON mirrors UnmarshalJSON so an envelope survives a round
// trip through storage or the event bus.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		ContentType string  `json:"contentType,omitempty"`
		TextBody    *string `json:"textBody"`
		SenderType  string  `json:"senderType,omitempty"`
		SenderName  string  `json:"senderName,omitempty"`
	}
	w := wire{ContentType: e.ContentType, SenderType: e.SenderType, SenderName: e.SenderName}
	if e.hasText {
		w.TextBody = &e.TextBody
	}
	return json.Marshal(w)
}

// ConversationMetadata describes routing state the backend reports for
// the conversation, including which agent answered.
type ConversationMetadata struct {
	Status            string `json:"status,omitempty"`
	AssignedAgentID   string `json:"assignedAgentId,omitempty"`
	AssignedAgentName string `json:"assignedAgentName,omitempty"`
	TeamID            string `json:"teamId,omitempty"`
	TeamName          string `json:"teamName,omitempty"`
}

// UnmarshalJSON tolerates non-string values, which the backend has been
// seen to send for ids.
func (m *ConversationMetadata) UnmarshalJSON(data []byte) error {
	*m = ConversationMetadata{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	m.Status, _ = scalarField(fields["status"])
	m.AssignedAgentID, _ = scalarField(fields["assignedAgentId"])
	m.AssignedAgentName, _ = stringField(fields["assignedAgentName"])
	m.TeamID, _ = scalarField(fields["teamId"])
	m.TeamName, _ = stringField(fields["teamName"])
	return nil
}

// UsageMetadata reports billing for one backend response.
type UsageMetadata struct {
	// CreditsUsed is nil when the backend did not report credits.
	CreditsUsed *float64 `json:"creditsUsed,omitempty"`
}

// UnmarshalJSON accepts creditsUsed as a number or a numeric string.
func (u *UsageMetadata) UnmarshalJSON(data []byte) error {
	*u = UsageMetadata{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	raw, ok := scalarField(fields["creditsUsed"])
	if !ok {
		return nil
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		u.CreditsUsed = &v
	}
	return nil
}

// Credits returns the reported credit count and whether it was present.
func (p *Payload) Credits() (float64, bool) {
	if p == nil || p.Usage == nil || p.Usage.CreditsUsed == nil {
		return 0, false
	}
	return *p.Usage.CreditsUsed, true
}

// UnmarshalJSON decodes a payload. A non-array aiMessages value is
// treated as absent.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*p = Payload{}
	p.ID, _ = scalarField(fields["id"])

	if raw := fields["aiMessages"]; isArray(raw) {
		if err := json.Unmarshal(raw, &p.AIMessages); err != nil {
			p.AIMessages = nil
		}
	}
	if raw := fields["conversationMetadata"]; isObject(raw) {
		p.Conversation = new(ConversationMetadata)
		_ = json.Unmarshal(raw, p.Conversation)
	}
	if raw := fields["usageMetadata"]; isObject(raw) {
		p.Usage = new(UsageMetadata)
		_ = json.Unmarshal(raw, p.Usage)
	}
	return nil
}

func stringField(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// scalarField reads a string or number as text.
func scalarField(raw json.RawMessage) (string, bool) {
	if s, ok := stringField(raw); ok {
		return s, true
	}
	if isNull(raw) {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func isArray(raw json.RawMessage) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("["))
}

func isObject(raw json.RawMessage) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}
