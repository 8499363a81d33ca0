// Package chat runs one conversational turn end to end: store the
// user's text, relay it to the backend, format the response into
// fragments, store them and announce them on the event bus.
//
// Formatting is the failure boundary. If anything goes wrong while a
// response is being assembled, including a panic, the whole response
// is discarded and [ErrFormat] is returned; fragments from earlier
// turns are never touched.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/switchboard/internal/agents"
	"github.com/nugget/switchboard/internal/assemble"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/messages"
	"github.com/nugget/switchboard/internal/relay"
	"github.com/nugget/switchboard/internal/render"
	"github.com/nugget/switchboard/internal/usage"
)

// FormatNotice is the user-visible text shown when a response could
// not be formatted.
const FormatNotice = "Could not format the response."

var (
	// ErrFormat is returned when a backend response could not be
	// turned into fragments. Nothing from that response is stored.
	ErrFormat = errors.New("could not format response")

	// ErrInvalidTurn is returned for a turn without text or
	// conversation id.
	ErrInvalidTurn = errors.New("invalid turn")

	// ErrNoBackend is returned when no backend URL is configured.
	ErrNoBackend = errors.New("backend not configured")
)

// Backend relays a user turn and returns the raw response.
type Backend interface {
	Send(ctx context.Context, req relay.SendRequest) (*relay.Payload, error)
}

// AgentLister returns the agents known in a workspace.
type AgentLister interface {
	List(ctx context.Context, workspaceID string) ([]agents.Agent, error)
}

// MessageStore persists conversation history.
type MessageStore interface {
	SaveUser(ctx context.Context, conversationID, text string, agentIDs []string) (*messages.Message, error)
	SaveFragments(ctx context.Context, frags []assemble.Fragment) error
}

// UsageRecorder stores credit usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Turn is one user message.
type Turn struct {
	ConversationID string   `json:"conversationId"`
	WorkspaceID    string   `json:"workspaceId,omitempty"`
	Text           string   `json:"text"`
	AgentIDs       []string `json:"agentIds,omitempty"`
}

// Result is the outcome of a successful turn.
type Result struct {
	UserMessage *messages.Message    `json:"userMessage"`
	Fragments   []assemble.Fragment `json:"fragments"`
	Credits     *float64            `json:"credits,omitempty"`
}

// Deps are the collaborators of a [Service]. Agents, Usage and Bus are
// optional.
type Deps struct {
	Messages MessageStore
	Agents   AgentLister
	Usage    UsageRecorder
	Bus      *events.Bus
	Logger   *slog.Logger

	// NewBackend builds the backend client on first use. When nil a
	// [relay.Client] is built from the backend configuration.
	NewBackend func() Backend
}

type formatFunc func(*relay.Payload, []agents.Agent, []string, assemble.Decorations, assemble.Options) ([]assemble.Fragment, error)

// Service runs chat turns. It is safe for concurrent use; turns in
// different conversations do not coordinate.
type Service struct {
	backendCfg config.BackendConfig
	renderCfg  config.RenderConfig

	messages MessageStore
	agents   AgentLister
	usage    UsageRecorder
	bus      *events.Bus
	logger   *slog.Logger

	newBackend  func() Backend
	backendOnce sync.Once
	backend     Backend

	format formatFunc
}

// New creates a chat service. The backend client is not built until
// the first turn.
func New(backendCfg config.BackendConfig, renderCfg config.RenderConfig, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chat")

	s := &Service{
		backendCfg: backendCfg,
		renderCfg:  renderCfg,
		messages:   deps.Messages,
		agents:     deps.Agents,
		usage:      deps.Usage,
		bus:        deps.Bus,
		logger:     logger,
		newBackend: deps.NewBackend,
		format:     assemble.FromPayload,
	}
	if s.newBackend == nil {
		s.newBackend = func() Backend {
			if !backendCfg.Configured() {
				return nil
			}
			return relay.NewClient(backendCfg, logger)
		}
	}
	return s
}

// client returns the shared backend client, building it exactly once.
func (s *Service) client() Backend {
	s.backendOnce.Do(func() {
		s.backend = s.newBackend()
		if s.backend != nil {
			s.logger.Info("backend client initialized", "base_url", s.backendCfg.BaseURL)
		}
	})
	return s.backend
}

// CheckBackend builds the backend client if needed and checks that it
// can be reached. Backends without a Ping method are assumed reachable.
func (s *Service) CheckBackend(ctx context.Context) error {
	b := s.client()
	if b == nil {
		return ErrNoBackend
	}
	if p, ok := b.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Send runs one turn. The user message is stored before the backend is
// called, so it survives backend and formatting failures. Fragments are
// stored all together or not at all.
func (s *Service) Send(ctx context.Context, turn Turn) (*Result, error) {
	turn.Text = strings.TrimSpace(turn.Text)
	if turn.ConversationID == "" || turn.Text == "" {
		return nil, fmt.Errorf("%w: conversation id and text are required", ErrInvalidTurn)
	}

	backend := s.client()
	if backend == nil {
		return nil, ErrNoBackend
	}

	log := s.logger.With("conversation_id", turn.ConversationID)

	userMsg, err := s.messages.SaveUser(ctx, turn.ConversationID, turn.Text, turn.AgentIDs)
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	s.bus.Emit(events.SourceChat, events.KindUserMessage, map[string]any{
		"conversation_id": turn.ConversationID,
		"message_id":      userMsg.ID,
		"agent_ids":       turn.AgentIDs,
		"text_len":        len(turn.Text),
	})

	start := time.Now()
	payload, err := backend.Send(ctx, relay.SendRequest{
		ConversationID: turn.ConversationID,
		Text:           turn.Text,
		AgentIDs:       turn.AgentIDs,
	})
	if err != nil {
		log.Warn("backend call failed", "error", err)
		s.bus.Emit(events.SourceChat, events.KindBackendError, map[string]any{
			"conversation_id": turn.ConversationID,
			"error":           err.Error(),
		})
		return nil, fmt.Errorf("relay turn: %w", err)
	}

	known := s.knownAgents(ctx, turn.WorkspaceID)

	frags, err := s.assemble(payload, known, turn)
	if err != nil {
		responseID := ""
		if payload != nil {
			responseID = payload.ID
		}
		log.Error("response formatting failed", "response_id", responseID, "error", err)
		s.bus.Emit(events.SourceChat, events.KindFormatFailed, map[string]any{
			"conversation_id": turn.ConversationID,
			"response_id":     responseID,
			"error":           err.Error(),
		})
		return nil, err
	}

	if err := s.messages.SaveFragments(ctx, frags); err != nil {
		return nil, fmt.Errorf("save fragments: %w", err)
	}

	result := &Result{UserMessage: userMsg, Fragments: frags}
	if credits, ok := payload.Credits(); ok {
		result.Credits = &credits
		s.recordUsage(ctx, payload.ID, turn, frags, credits)
	}

	for i, f := range frags {
		s.bus.Emit(events.SourceChat, events.KindFragment, map[string]any{
			"conversation_id": f.ConversationID,
			"fragment_id":     f.ID,
			"index":           i,
			"agent_ids":       f.ResolvedAgentIDs,
			"content":         f.Content,
			"preview":         render.Preview(f.Content, messages.PreviewLength),
		})
	}

	log.Info("turn complete",
		"response_id", payload.ID,
		"fragments", len(frags),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

// assemble formats a response, converting any failure or panic into
// ErrFormat with no fragments.
func (s *Service) assemble(p *relay.Payload, known []agents.Agent, turn Turn) (frags []assemble.Fragment, err error) {
	defer func() {
		if r := recover(); r != nil {
			frags = nil
			err = fmt.Errorf("%w: panic: %v", ErrFormat, r)
		}
	}()

	frags, err = s.format(p, known, turn.AgentIDs, s.decorations(), assemble.Options{
		ConversationID: turn.ConversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return frags, nil
}

func (s *Service) decorations() assemble.Decorations {
	return assemble.Decorations{
		ShowHeader:  s.renderCfg.ShowHeader,
		ShowFooter:  s.renderCfg.ShowFooter,
		DefaultName: s.renderCfg.DefaultAgentName,
	}
}

func (s *Service) knownAgents(ctx context.Context, workspaceID string) []agents.Agent {
	if s.agents == nil || workspaceID == "" {
		return nil
	}
	known, err := s.agents.List(ctx, workspaceID)
	if err != nil {
		// Resolution degrades to the caller's selection.
		s.logger.Warn("list agents failed", "workspace_id", workspaceID, "error", err)
		return nil
	}
	return known
}

func (s *Service) recordUsage(ctx context.Context, responseID string, turn Turn, frags []assemble.Fragment, credits float64) {
	if s.usage == nil {
		return
	}
	agentID := ""
	if len(frags) > 0 && len(frags[0].ResolvedAgentIDs) > 0 {
		agentID = frags[0].ResolvedAgentIDs[0]
	} else if len(turn.AgentIDs) > 0 {
		agentID = turn.AgentIDs[0]
	}
	if err := s.usage.Record(ctx, usage.Record{
		ResponseID:     responseID,
		ConversationID: turn.ConversationID,
		WorkspaceID:    turn.WorkspaceID,
		AgentID:        agentID,
		Credits:        credits,
		Fragments:      len(frags),
	}); err != nil {
		s.logger.Warn("record usage failed", "conversation_id", turn.ConversationID, "error", err)
	}
}

// Preview formats text as if an agent had sent it, without calling the
// backend or storing anything.
func (s *Service) Preview(text string) (frags []assemble.Fragment, err error) {
	defer func() {
		if r := recover(); r != nil {
			frags = nil
			err = fmt.Errorf("%w: panic: %v", ErrFormat, r)
		}
	}()
	p := &relay.Payload{ID: "preview", AIMessages: []relay.Envelope{relay.TextEnvelope(text)}}
	return s.format(p, nil, nil, assemble.Decorations{}, assemble.Options{})
}
