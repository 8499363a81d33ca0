// Package web serves the Switchboard HTTP surface: the JSON API used by
// the chat client, server-rendered pages for chat, agents and usage,
// and a WebSocket feed of conversation events.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/switchboard/internal/agents"
	"github.com/nugget/switchboard/internal/assemble"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/chat"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/messages"
	"github.com/nugget/switchboard/internal/usage"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// ChatService runs turns and formats previews.
type ChatService interface {
	Send(ctx context.Context, turn chat.Turn) (*chat.Result, error)
	Preview(text string) ([]assemble.Fragment, error)
}

// MessageStore reads conversation history.
type MessageStore interface {
	List(ctx context.Context, conversationID string, limit int) ([]messages.Message, error)
	Conversations(ctx context.Context, limit int) ([]messages.Conversation, error)
}

// AgentStore is the agent registry.
type AgentStore interface {
	Create(ctx context.Context, a agents.Agent) (*agents.Agent, error)
	Get(ctx context.Context, id string) (*agents.Agent, error)
	List(ctx context.Context, workspaceID string) ([]agents.Agent, error)
	Update(ctx context.Context, a agents.Agent) (*agents.Agent, error)
	Delete(ctx context.Context, id string) error
}

// UsageStore reads the credit ledger.
type UsageStore interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByAgent(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByWorkspace(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByDay(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Config holds listener and presentation settings.
type Config struct {
	Address   string
	Port      int
	BrandName string
}

// Deps are the collaborators a [Server] serves from.
type Deps struct {
	Chat     ChatService
	Messages MessageStore
	Agents   AgentStore
	Usage    UsageStore
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	cfg       Config
	chat      ChatService
	messages  MessageStore
	agents    AgentStore
	usage     UsageStore
	bus       *events.Bus
	logger    *slog.Logger
	templates map[string]*template.Template
	server    *http.Server
	stopLive  context.CancelFunc
	now       func() time.Time
}

// NewServer creates a server. Templates are parsed here so a broken
// template fails at startup.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BrandName == "" {
		cfg.BrandName = "Switchboard"
	}
	s := &Server{
		cfg:       cfg,
		chat:      deps.Chat,
		messages:  deps.Messages,
		agents:    deps.Agents,
		usage:     deps.Usage,
		bus:       deps.Bus,
		logger:    logger.With("component", "web"),
		templates: loadTemplates(),
		now:       time.Now,
	}
	// Hijacked WebSocket connections outlive Shutdown; they watch
	// baseCtx instead.
	baseCtx, cancel := context.WithCancel(context.Background())
	s.stopLive = cancel
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversations
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)

	// Agent registry
	mux.HandleFunc("GET /api/workspaces/{ws}/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/workspaces/{ws}/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("POST /api/render", s.handleRender)

	mux.HandleFunc("GET /ws", s.handleLive)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Pages
	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /chat/{id}", s.handleChatPage)
	mux.HandleFunc("GET /agents/{ws}", s.handleAgentsPage)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called and then returns
// [http.ErrServerClosed]. Shutdown may be called before Start.
func (s *Server) Start() error {
	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting HTTP server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopLive()
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w. Encoding errors usually mean the
// client went away and are only logged at debug level.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}
