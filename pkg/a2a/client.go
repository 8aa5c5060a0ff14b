package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// JSON-RPC methods understood by agents.
const (
	methodMessageStream = "message/stream"
	methodTaskCancel    = "tasks/cancel"
)

// maxEventBytes bounds a single SSE event. Agents attach base64 screenshots
// and videos to artifacts, so this is generous.
const maxEventBytes = 32 << 20

// RPCError is a JSON-RPC error envelope received from an agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// StreamEvent is one decoded event from an agent stream. Exactly one
// field is set: a task snapshot, a progress message, a JSON-RPC error
// envelope, or the transport failure that ended the stream. A closed
// channel without a Transport event means the remote ended the stream
// cleanly.
type StreamEvent struct {
	Task      *Task
	Message   *Message
	Err       *RPCError
	Transport error
}

// Client speaks the agent protocol: card fetch, streaming message send,
// and task cancel. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	userAgent  string
	nextID     atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header on outgoing requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates an agent protocol client. The default HTTP client has
// no global timeout: streams are long-lived and bounded by the caller's
// context deadline instead.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		userAgent:  "conductor",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCard retrieves and decodes an agent card from the well-known path
// under baseURL.
func (c *Client) FetchCard(ctx context.Context, baseURL string) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL(baseURL), nil)
	if err != nil {
		return nil, fmt.Errorf("create card request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent card from %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card endpoint returned HTTP %d for %s", resp.StatusCode, baseURL)
	}

	var card AgentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode agent card from %s: %w", baseURL, err)
	}
	return &card, nil
}

// Probe checks reachability of an agent with a cheap GET of the card
// endpoint, discarding the body.
func (c *Client) Probe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL(baseURL), nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe %s: HTTP %d", baseURL, resp.StatusCode)
	}
	return nil
}

// StreamMessage opens a streaming message call against an agent and
// returns a channel of decoded events. The channel closes when the remote
// stream ends or ctx is cancelled. Incremental status and artifact updates
// are folded into a running task snapshot, so every Task event carries the
// full state observed so far.
func (c *Client) StreamMessage(ctx context.Context, agentURL string, msg Message) (<-chan StreamEvent, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  methodMessageStream,
		Params:  map[string]any{"message": msg},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", agentURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("agent %s returned HTTP %d", agentURL, resp.StatusCode)
	}

	events := make(chan StreamEvent, 8)
	go c.readStream(ctx, resp, events)
	return events, nil
}

// CancelTask asks an agent to cancel a task and returns the resulting task
// snapshot. A snapshot in state canceled is a positive ack.
func (c *Client) CancelTask(ctx context.Context, agentURL, taskID string) (*Task, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  methodTaskCancel,
		Params:  map[string]any{"id": taskID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cancel task %s on %s: %w", taskID, agentURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent %s returned HTTP %d for cancel", agentURL, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEventBytes)).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode cancel response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	var task Task
	if err := json.Unmarshal(rpcResp.Result, &task); err != nil {
		return nil, fmt.Errorf("decode cancelled task: %w", err)
	}
	return &task, nil
}

// readStream consumes the SSE response body, folds updates into a task
// snapshot, and forwards decoded events until EOF or ctx cancellation.
func (c *Client) readStream(ctx context.Context, resp *http.Response, events chan<- StreamEvent) {
	defer close(events)
	defer resp.Body.Close()

	// Non-streaming agents may answer with a single JSON-RPC response.
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEventBytes))
		if err != nil {
			emit(ctx, events, StreamEvent{Transport: fmt.Errorf("read response: %w", err)})
			return
		}
		var snapshot *Task
		if ev, ok := decodeEvent(raw, &snapshot); ok {
			emit(ctx, events, ev)
		}
		return
	}

	var snapshot *Task
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventBytes)

	var data []string
	flush := func() bool {
		if len(data) == 0 {
			return true
		}
		raw := strings.Join(data, "\n")
		data = data[:0]
		ev, ok := decodeEvent([]byte(raw), &snapshot)
		if !ok {
			return true
		}
		return emit(ctx, events, ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry:/comment lines carry nothing we need.
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, events, StreamEvent{Transport: fmt.Errorf("read stream: %w", err)})
		return
	}
	flush()
}

// decodeEvent decodes one JSON-RPC stream payload into a StreamEvent,
// updating the running task snapshot. Returns ok=false for payloads that
// produce no event (unknown kinds, undecodable frames).
func decodeEvent(raw []byte, snapshot **Task) (StreamEvent, bool) {
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return StreamEvent{}, false
	}
	if rpcResp.Error != nil {
		return StreamEvent{Err: rpcResp.Error}, true
	}
	if len(rpcResp.Result) == 0 {
		return StreamEvent{}, false
	}

	var kindProbe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(rpcResp.Result, &kindProbe); err != nil {
		return StreamEvent{}, false
	}

	switch kindProbe.Kind {
	case "message":
		var msg Message
		if err := json.Unmarshal(rpcResp.Result, &msg); err != nil {
			return StreamEvent{}, false
		}
		return StreamEvent{Message: &msg}, true

	case "status-update":
		var upd statusUpdateEvent
		if err := json.Unmarshal(rpcResp.Result, &upd); err != nil {
			return StreamEvent{}, false
		}
		if *snapshot == nil {
			*snapshot = &Task{ID: upd.TaskID, ContextID: upd.ContextID}
		}
		(*snapshot).Status = upd.Status
		return StreamEvent{Task: copyTask(*snapshot)}, true

	case "artifact-update":
		var upd artifactUpdateEvent
		if err := json.Unmarshal(rpcResp.Result, &upd); err != nil {
			return StreamEvent{}, false
		}
		if *snapshot == nil {
			*snapshot = &Task{ID: upd.TaskID, ContextID: upd.ContextID}
		}
		(*snapshot).Artifacts = append((*snapshot).Artifacts, upd.Artifact)
		return StreamEvent{Task: copyTask(*snapshot)}, true

	default:
		// Full task snapshots arrive with kind "task" or, from older
		// agents, with no kind at all.
		var task Task
		if err := json.Unmarshal(rpcResp.Result, &task); err != nil || task.ID == "" {
			return StreamEvent{}, false
		}
		*snapshot = &task
		return StreamEvent{Task: copyTask(&task)}, true
	}
}

func emit(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func copyTask(t *Task) *Task {
	dup := *t
	dup.Artifacts = make([]Artifact, len(t.Artifacts))
	copy(dup.Artifacts, t.Artifacts)
	return &dup
}

func cardURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + CardPath
}

// DialTimeout returns an HTTP client with a bounded connect plus response
// header budget but no overall timeout, suitable for long streams.
func DialTimeout(d time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: d,
		},
	}
}
