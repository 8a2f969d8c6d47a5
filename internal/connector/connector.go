// Package connector implements the Agent Runtime Connector: calls the
// external agent runtime for a (room, agent, conversation) triple, streams
// partials back to the caller, and enforces one in-flight send per
// conversation, retrying transient failures with exponential backoff.
package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/pkg/logger"
)

// StreamEventKind tags one partial event on a StreamHandle.
type StreamEventKind string

const (
	EventPartialText StreamEventKind = "partial-text"
	EventToolCall    StreamEventKind = "tool-call"
	EventToolResult  StreamEventKind = "tool-result"
	EventReasoning   StreamEventKind = "reasoning"
	EventTerminal    StreamEventKind = "terminal"
)

// StreamEvent is one event yielded on a StreamHandle.
type StreamEvent struct {
	Kind           StreamEventKind
	Text           string
	ConversationID string // populated on EventTerminal
	Raw            json.RawMessage
}

// StreamHandle is a lazy, finite, forward-only sequence of StreamEvents.
// Restart is only possible by caller-held offset; the connector does not
// persist partials itself.
type StreamHandle struct {
	events chan StreamEvent
	errc   chan error
}

// Recv blocks for the next event, returning io.EOF when the stream ends
// normally after a terminal event.
func (h *StreamHandle) Recv(ctx context.Context) (StreamEvent, error) {
	select {
	case evt, ok := <-h.events:
		if !ok {
			select {
			case err := <-h.errc:
				return StreamEvent{}, err
			default:
			}
			return StreamEvent{}, io.EOF
		}
		return evt, nil
	case err := <-h.errc:
		return StreamEvent{}, err
	case <-ctx.Done():
		return StreamEvent{}, ctx.Err()
	}
}

// ErrConversationBusy is returned when a send is attempted on a
// conversation that already has an in-flight call.
var ErrConversationBusy = fmt.Errorf("connector: conversation busy")

// Connector is the Agent Runtime Connector component.
type Connector struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    []time.Duration
	log        *logger.Logger

	mu     sync.Mutex
	inUse  map[string]bool // conversation_id -> in-flight
}

// New constructs a Connector pointed at the agent runtime's base URL.
func New(baseURL, token string, maxRetries int, log *logger.Logger) *Connector {
	if log == nil {
		log = logger.Global()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Connector{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: maxRetries,
		backoff:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		log:        log.WithComponent("connector"),
		inUse:      make(map[string]bool),
	}
}

// ListAgents satisfies reconciler.RuntimeLister by calling the agent
// runtime's roster endpoint.
func (c *Connector) ListAgents(ctx context.Context) ([]runtimeAgent, error) {
	var out struct {
		Agents []runtimeAgent `json:"agents"`
	}
	if err := c.getJSON(ctx, "/v1/agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

type runtimeAgent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Send dispatches content to agent_id within conversation_id, returning a
// StreamHandle. At most one send may be in flight per conversation_id at a
// time; a concurrent call fails fast with ErrConversationBusy rather than
// silently queuing beyond the bound the caller configured.
func (c *Connector) Send(ctx context.Context, agentID, conversationID string, content string, metadata map[string]string) (*StreamHandle, error) {
	c.mu.Lock()
	if c.inUse[conversationID] {
		c.mu.Unlock()
		return nil, ErrConversationBusy
	}
	c.inUse[conversationID] = true
	c.mu.Unlock()

	handle := &StreamHandle{events: make(chan StreamEvent, 16), errc: make(chan error, 1)}

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inUse, conversationID)
			c.mu.Unlock()
			close(handle.events)
		}()
		if err := c.streamWithRetry(ctx, agentID, conversationID, content, metadata, handle); err != nil {
			select {
			case handle.errc <- err:
			default:
			}
		}
	}()

	return handle, nil
}

func (c *Connector) streamWithRetry(ctx context.Context, agentID, conversationID, content string, metadata map[string]string, handle *StreamHandle) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := c.stream(ctx, agentID, conversationID, content, metadata, handle)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.KindOf(err).Retryable() {
			return err
		}
		if attempt == c.maxRetries {
			break
		}
		delay := c.backoff[min(attempt, len(c.backoff)-1)]
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errs.Wrap("connector", errs.TransientUpstream, lastErr)
}

func (c *Connector) stream(ctx context.Context, agentID, conversationID, content string, metadata map[string]string, handle *StreamHandle) error {
	body, err := json.Marshal(map[string]interface{}{
		"agent_id":        agentID,
		"conversation_id": conversationID,
		"content":         content,
		"metadata":        metadata,
		"stream":          true,
	})
	if err != nil {
		return fmt.Errorf("marshaling send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("constructing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap("connector", errs.TransientUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return errs.New("connector", errs.RateLimited, "agent runtime rate limited the request")
	case http.StatusUnauthorized:
		return errs.New("connector", errs.AuthExpired, "agent runtime rejected credential")
	case http.StatusNotFound:
		return errs.New("connector", errs.NotFound, "agent not found")
	default:
		if resp.StatusCode >= 500 {
			return errs.Newf("connector", errs.TransientUpstream, "agent runtime returned %d", resp.StatusCode)
		}
		return errs.Newf("connector", errs.MalformedInput, "agent runtime returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw struct {
			Kind           string `json:"kind"`
			Text           string `json:"text"`
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}
		evt := StreamEvent{Kind: StreamEventKind(raw.Kind), Text: raw.Text, ConversationID: raw.ConversationID, Raw: json.RawMessage(line)}
		select {
		case handle.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
		if evt.Kind == EventTerminal {
			return nil
		}
	}
	return scanner.Err()
}

func (c *Connector) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap("connector", errs.TransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Newf("connector", errs.TransientUpstream, "agent runtime returned %d listing agents", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Abort issues a best-effort cancellation to the runtime for an in-flight
// conversation and releases the conversation_id slot locally regardless of
// whether the runtime acknowledges.
func (c *Connector) Abort(ctx context.Context, conversationID string) {
	defer func() {
		c.mu.Lock()
		delete(c.inUse, conversationID)
		c.mu.Unlock()
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages/"+conversationID+"/abort", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
