package web

import (
	"cmp"
	"html/template"
	"net/http"
	"slices"
	"time"

	"github.com/nugget/switchboard/internal/agents"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/messages"
	"github.com/nugget/switchboard/internal/usage"
)

// Page carries the fields every page template reads.
type Page struct {
	Brand     string
	ActiveNav string
}

// UsageRow is one line of a usage table.
type UsageRow struct {
	Key     string
	Summary usage.Summary
}

// DashboardData is the template context for the usage dashboard.
type DashboardData struct {
	Page
	Days          int
	Total         usage.Summary
	ByAgent       []UsageRow
	ByWorkspace   []UsageRow
	ByDay         []UsageRow
	Conversations []messages.Conversation
	Uptime        time.Duration
}

// MessageView is one message on the chat page. Assistant fragments are
// already-escaped markup from the formatting pipeline; user text is
// plain and escaped by the template.
type MessageView struct {
	ID        string
	Role      string
	Markup    template.HTML
	Text      string
	CreatedAt time.Time
}

// ChatData is the template context for a conversation page.
type ChatData struct {
	Page
	ConversationID string
	WorkspaceID    string
	Messages       []MessageView
}

// AgentView is one agent on the agents page.
type AgentView struct {
	agents.Agent
	DescriptionHTML template.HTML
}

// AgentsData is the template context for a workspace's agents page.
type AgentsData struct {
	Page
	WorkspaceID string
	Agents      []AgentView
}

// handleDashboard renders the usage dashboard at "/". Only exact "/"
// requests get the dashboard; all other paths return 404.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := DashboardData{
		Page:   Page{Brand: s.cfg.BrandName, ActiveNav: "usage"},
		Days:   min(max(queryInt(r, "days", defaultUsageDays), 1), maxUsageDays),
		Uptime: buildinfo.Uptime(),
	}

	if s.usage != nil {
		win, err := s.usageWindow(r.Context(), data.Days)
		if err != nil {
			s.logger.Error("usage summary failed", "error", err)
		} else {
			if win.Total != nil {
				data.Total = *win.Total
			}
			data.ByAgent = usageRows(win.ByAgent, func(a, b UsageRow) int {
				return cmp.Compare(b.Summary.TotalCredits, a.Summary.TotalCredits)
			})
			data.ByWorkspace = usageRows(win.ByWorkspace, func(a, b UsageRow) int {
				return cmp.Compare(b.Summary.TotalCredits, a.Summary.TotalCredits)
			})
			data.ByDay = usageRows(win.ByDay, func(a, b UsageRow) int {
				return cmp.Compare(b.Key, a.Key)
			})
		}
	}

	if s.messages != nil {
		convs, err := s.messages.Conversations(r.Context(), 10)
		if err != nil {
			s.logger.Error("list conversations failed", "error", err)
		}
		data.Conversations = convs
	}

	s.render(w, r, "dashboard.html", data)
}

// usageRows flattens a grouped summary into rows sorted by less, with
// the key as a tie-breaker.
func usageRows(m map[string]*usage.Summary, less func(a, b UsageRow) int) []UsageRow {
	rows := make([]UsageRow, 0, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		rows = append(rows, UsageRow{Key: k, Summary: *v})
	}
	slices.SortFunc(rows, func(a, b UsageRow) int {
		if c := less(a, b); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return rows
}

// handleChatPage renders the history of one conversation and a form to
// continue it. ?workspace=<id> is passed through to new turns.
func (s *Server) handleChatPage(w http.ResponseWriter, r *http.Request) {
	data := ChatData{
		Page:           Page{Brand: s.cfg.BrandName, ActiveNav: "chat"},
		ConversationID: r.PathValue("id"),
		WorkspaceID:    r.URL.Query().Get("workspace"),
	}

	if s.messages != nil {
		msgs, err := s.messages.List(r.Context(), data.ConversationID, defaultMessageLimit)
		if err != nil {
			s.logger.Error("list messages failed", "conversation_id", data.ConversationID, "error", err)
			http.Error(w, "failed to load conversation", http.StatusInternalServerError)
			return
		}
		data.Messages = make([]MessageView, 0, len(msgs))
		for _, m := range msgs {
			data.Messages = append(data.Messages, messageView(m))
		}
	}

	s.render(w, r, "chat.html", data)
}

func messageView(m messages.Message) MessageView {
	v := MessageView{ID: m.ID, Role: m.Role, CreatedAt: m.CreatedAt}
	if m.IsMarkup {
		// Produced by the formatting pipeline, which escapes all agent
		// text before adding its own tags.
		v.Markup = template.HTML(m.Content) //nolint:gosec // pipeline output
	} else {
		v.Text = m.Content
	}
	return v
}

func (s *Server) handleAgentsPage(w http.ResponseWriter, r *http.Request) {
	data := AgentsData{
		Page:        Page{Brand: s.cfg.BrandName, ActiveNav: "agents"},
		WorkspaceID: r.PathValue("ws"),
	}

	if s.agents != nil {
		list, err := s.agents.List(r.Context(), data.WorkspaceID)
		if err != nil {
			s.logger.Error("list agents failed", "workspace_id", data.WorkspaceID, "error", err)
			http.Error(w, "failed to load agents", http.StatusInternalServerError)
			return
		}
		for _, a := range list {
			view := AgentView{Agent: a}
			// goldmark drops raw HTML unless told otherwise.
			if html, err := agents.DescribeHTML(a); err == nil {
				view.DescriptionHTML = template.HTML(html) //nolint:gosec // goldmark safe mode
			}
			data.Agents = append(data.Agents, view)
		}
	}

	s.render(w, r, "agents.html", data)
}
