package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/switchboard/internal/events"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = 50 * time.Second
	liveBuffer     = 64
)

// The zero CheckOrigin only admits same-origin browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// LiveEvent is one frame on the /ws feed.
type LiveEvent struct {
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	Kind           string         `json:"kind"`
	ConversationID string         `json:"conversationId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// wantLive reports whether an event belongs on a feed filtered to
// conversationID. An empty filter receives every event.
func wantLive(e events.Event, conversationID string) bool {
	if conversationID == "" {
		return true
	}
	return e.ConversationID() == conversationID
}

// handleLive upgrades to a WebSocket and streams bus events until the
// client goes away. ?conversation=<id> limits the feed to one
// conversation. The feed is write-only; client frames are discarded.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := r.URL.Query().Get("conversation")
	log := s.logger.With("remote", r.RemoteAddr, "conversation_id", filter)
	log.Debug("live feed connected")

	sub := s.bus.Subscribe(liveBuffer)
	defer s.bus.Unsubscribe(sub)

	// Reader: handles pongs and notices the close handshake.
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("live feed read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("live feed disconnected", "dropped", s.bus.Dropped(sub))
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				return
			}
			if !wantLive(e, filter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(LiveEvent{
				Timestamp:      e.Timestamp,
				Source:         e.Source,
				Kind:           e.Kind,
				ConversationID: e.ConversationID(),
				Data:           e.Data,
			}); err != nil {
				log.Debug("live feed write failed", "error", err)
				return
			}
		}
	}
}
