package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/switchboard/internal/agents"
	"github.com/nugget/switchboard/internal/assemble"
	"github.com/nugget/switchboard/internal/chat"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/messages"
	"github.com/nugget/switchboard/internal/relay"
	"github.com/nugget/switchboard/internal/render"
	"github.com/nugget/switchboard/internal/usage"
)

// Query limits for list endpoints.
const (
	defaultMessageLimit      = 200
	defaultConversationLimit = 50
	defaultUsageDays         = 30
	maxUsageDays             = 365
)

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text        string   `json:"text"`
	AgentIDs    []string `json:"agentIds,omitempty"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
}

// SendMessageResponse carries the fragments of one response.
type SendMessageResponse struct {
	Fragments []assemble.Fragment `json:"fragments"`
	Credits   *float64            `json:"credits,omitempty"`
}

// AgentRequest is the body for creating or updating an agent.
type AgentRequest struct {
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// AgentResponse is an agent with its description rendered to HTML.
type AgentResponse struct {
	agents.Agent
	DescriptionHTML string `json:"descriptionHtml,omitempty"`
}

// RenderRequest is the body of POST /api/render.
type RenderRequest struct {
	Text string `json:"text"`
}

// RenderResponse shows how text would be displayed.
type RenderResponse struct {
	HTML      string              `json:"html"`
	Fragments []assemble.Fragment `json:"fragments"`
}

// UsageResponse is the credit summary for a trailing window of days.
type UsageResponse struct {
	Days        int                       `json:"days"`
	Start       time.Time                 `json:"start"`
	End         time.Time                 `json:"end"`
	Total       *usage.Summary            `json:"total"`
	ByAgent     map[string]*usage.Summary `json:"byAgent"`
	ByWorkspace map[string]*usage.Summary `json:"byWorkspace"`
	ByDay       map[string]*usage.Summary `json:"byDay"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}

	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.chat.Send(r.Context(), chat.Turn{
		ConversationID: r.PathValue("id"),
		WorkspaceID:    req.WorkspaceID,
		Text:           req.Text,
		AgentIDs:       req.AgentIDs,
	})
	if err != nil {
		s.chatError(w, err)
		return
	}

	frags := res.Fragments
	if frags == nil {
		frags = []assemble.Fragment{}
	}
	writeJSON(w, http.StatusOK, SendMessageResponse{Fragments: frags, Credits: res.Credits}, s.logger)
}

// chatError maps a turn failure to a status code and a message that is
// safe to show the user.
func (s *Server) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidTurn):
		s.errorResponse(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, chat.ErrFormat):
		s.errorResponse(w, http.StatusBadGateway, chat.FormatNotice)
	case errors.Is(err, chat.ErrNoBackend):
		s.errorResponse(w, http.StatusServiceUnavailable, "backend not configured")
	case errors.Is(err, relay.ErrUnavailable):
		s.errorResponse(w, http.StatusBadGateway, "backend unavailable")
	default:
		s.logger.Error("chat turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	limit := queryInt(r, "limit", defaultMessageLimit)

	msgs, err := s.messages.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("list messages failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []messages.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": r.PathValue("id"),
		"messages":       msgs,
	}, s.logger)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	convs, err := s.messages.Conversations(r.Context(), queryInt(r, "limit", defaultConversationLimit))
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []messages.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs}, s.logger)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}
	list, err := s.agents.List(r.Context(), r.PathValue("ws"))
	if err != nil {
		s.logger.Error("list agents failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if list == nil {
		list = []agents.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list}, s.logger)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}
	var req AgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := s.agents.Create(r.Context(), agents.Agent{
		WorkspaceID: r.PathValue("ws"),
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		s.agentError(w, err)
		return
	}
	s.agentChanged(a, "created")
	writeJSON(w, http.StatusCreated, s.agentResponse(a), s.logger)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}
	a, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.agentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agentResponse(a), s.logger)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}
	var req AgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.agents.Update(r.Context(), agents.Agent{
		ID:          r.PathValue("id"),
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		s.agentError(w, err)
		return
	}
	s.agentChanged(a, "updated")
	writeJSON(w, http.StatusOK, s.agentResponse(a), s.logger)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}
	id := r.PathValue("id")
	a, err := s.agents.Get(r.Context(), id)
	if err != nil {
		s.agentError(w, err)
		return
	}
	if err := s.agents.Delete(r.Context(), id); err != nil {
		s.agentError(w, err)
		return
	}
	s.agentChanged(a, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agents.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, agents.ErrInvalid):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("agent registry error", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent registry error")
	}
}

func (s *Server) agentChanged(a *agents.Agent, action string) {
	s.bus.Emit(events.SourceAgents, events.KindAgentChanged, map[string]any{
		"agent_id":     a.ID,
		"workspace_id": a.WorkspaceID,
		"action":       action,
	})
}

func (s *Server) agentResponse(a *agents.Agent) AgentResponse {
	resp := AgentResponse{Agent: *a}
	html, err := agents.DescribeHTML(*a)
	if err != nil {
		s.logger.Warn("agent description render failed", "agent_id", a.ID, "error", err)
		return resp
	}
	resp.DescriptionHTML = html
	return resp
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	days := min(max(queryInt(r, "days", defaultUsageDays), 1), maxUsageDays)

	resp, err := s.usageWindow(r.Context(), days)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

// usageWindow summarizes the ledger over whole UTC days ending with
// today.
func (s *Server) usageWindow(ctx context.Context, days int) (*UsageResponse, error) {
	y, m, d := s.now().UTC().Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -days)

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byAgent, err := s.usage.SummaryByAgent(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byWorkspace, err := s.usage.SummaryByWorkspace(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byDay, err := s.usage.SummaryByDay(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &UsageResponse{
		Days:        days,
		Start:       start,
		End:         end,
		Total:       total,
		ByAgent:     byAgent,
		ByWorkspace: byWorkspace,
		ByDay:       byDay,
	}, nil
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := RenderResponse{HTML: render.Render(req.Text), Fragments: []assemble.Fragment{}}
	if s.chat != nil {
		frags, err := s.chat.Preview(req.Text)
		if err != nil {
			s.chatError(w, err)
			return
		}
		if frags != nil {
			resp.Fragments = frags
		}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

// queryInt parses a positive integer query parameter, falling back to
// def when it is missing or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
