package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/switchboard/internal/config"
)

// ErrUnavailable is returned when the backend answers with a non-2xx
// status. The wrapped message carries the status and a body excerpt.
var ErrUnavailable = errors.New("backend unavailable")

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 4 << 20

// SendRequest is one user turn relayed to the backend.
type SendRequest struct {
	ConversationID string   `json:"conversationId"`
	Text           string   `json:"text"`
	AgentIDs       []string `json:"agentIds,omitempty"`
}

// Client sends user turns to the conversational backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client from configuration. The returned
// client is safe for concurrent use.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: newHTTPClient(cfg, logger),
		logger:     logger,
	}
}

// Send relays one user turn and decodes the backend's response.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Payload, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("send: conversation id is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v1/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := errorExcerpt(resp.Body)
		c.logger.Warn("backend returned error",
			"conversation_id", req.ConversationID,
			"status", resp.StatusCode,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(excerpt))
	}
	defer drain(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "backend response",
		"conversation_id", req.ConversationID,
		"bytes", len(raw),
		"body", string(raw),
	)

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("backend responded",
		"conversation_id", req.ConversationID,
		"response_id", payload.ID,
		"envelopes", len(payload.AIMessages),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return &payload, nil
}

// Ping checks that the backend is reachable. Any HTTP response counts
// as reachable; only transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	drain(resp.Body)
	return nil
}
