// Package broker forwards conversation events from the in-process bus
// to external message brokers, so other systems can follow chats as
// they happen. MQTT and AMQP (RabbitMQ) are supported; either, both or
// neither may be configured.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/switchboard/internal/events"
)

// publishTimeout bounds a single publish to one broker.
const publishTimeout = 5 * time.Second

// Message is the JSON document published for one bus event.
type Message struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"ts"`
	Source         string         `json:"source"`
	Kind           string         `json:"kind"`
	ConversationID string         `json:"conversationId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// FromEvent converts a bus event to a broker message with a fresh id.
func FromEvent(e events.Event) Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Message{
		ID:             id.String(),
		Timestamp:      e.Timestamp,
		Source:         e.Source,
		Kind:           e.Kind,
		ConversationID: e.ConversationID(),
		Data:           e.Data,
	}
}

// Publisher delivers messages to one broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
}

// Forwarded reports whether an event kind is forwarded to brokers.
// Registry changes stay in-process.
func Forwarded(kind string) bool {
	switch kind {
	case events.KindUserMessage, events.KindFragment, events.KindFormatFailed, events.KindBackendError:
		return true
	}
	return false
}

// Forwarder subscribes to the bus and hands each forwarded event to
// every publisher.
type Forwarder struct {
	bus     *events.Bus
	pubs    []Publisher
	limiter *rateLimiter
	logger  *slog.Logger
}

// NewForwarder creates a forwarder. At most ratePerMinute events are
// forwarded per minute; zero means unlimited.
func NewForwarder(bus *events.Bus, pubs []Publisher, ratePerMinute int, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker")
	f := &Forwarder{bus: bus, pubs: pubs, logger: logger}
	if ratePerMinute > 0 {
		f.limiter = newRateLimiter(int64(ratePerMinute), time.Minute, logger)
	}
	return f
}

// Run forwards events until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	if len(f.pubs) == 0 {
		return
	}
	ch := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(ch)

	if f.limiter != nil {
		go f.limiter.start(ctx)
	}

	names := make([]string, len(f.pubs))
	for i, p := range f.pubs {
		names[i] = p.Name()
	}
	f.logger.Info("broker forwarding started", "publishers", strings.Join(names, ","))

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("broker forwarding stopped", "dropped", f.bus.Dropped(ch))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.forward(ctx, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, e events.Event) {
	if !Forwarded(e.Kind) {
		return
	}
	if f.limiter != nil && !f.limiter.allow() {
		return
	}

	msg := FromEvent(e)
	for _, p := range f.pubs {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := p.Publish(pubCtx, msg)
		cancel()
		if err != nil {
			f.logger.Warn("broker publish failed",
				"publisher", p.Name(), "kind", msg.Kind,
				"conversation_id", msg.ConversationID, "error", err)
			continue
		}
		f.logger.Debug("broker published",
			"publisher", p.Name(), "kind", msg.Kind, "id", msg.ID)
	}
}

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// The id names this process to brokers (MQTT client id, AMQP app id)
// and stays stable across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}
