package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/proofshell/pfs/internal/httpclient"
	"github.com/proofshell/pfs/pkg/jsonrpc"
)

// Sentinel errors for client construction and calls.
var (
	// ErrPrivateURL aliases the transport-level guard so callers can
	// check either package.
	ErrPrivateURL = httpclient.ErrPrivateURL

	ErrInvalidResponse = errors.New("invalid_response: agent returned a non-JSON body")
	ErrTimeout         = errors.New("a2a request timed out")
)

// DefaultTimeout bounds one agent call.
const DefaultTimeout = 60 * time.Second

// Client talks JSON-RPC 2.0 to one remote agent.
type Client struct {
	card    *a2a.AgentCard
	http    *http.Client
	timeout time.Duration
	nextID  int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client. The card URL guard
// still applies at construction.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient wraps an agent card. Cards with private or local URLs are
// refused; this is a hard invariant, not a configuration choice.
func NewClient(card *a2a.AgentCard, opts ...ClientOption) (*Client, error) {
	if card == nil {
		return nil, fmt.Errorf("agent card is required")
	}
	if card.URL == "" {
		return nil, fmt.Errorf("agent card has no URL")
	}
	if err := httpclient.ValidateURL(card.URL); err != nil {
		return nil, err
	}

	c := &Client{
		card:    card,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(c.timeout)
	}
	return c, nil
}

// Card returns the agent card this client was built from.
func (c *Client) Card() *a2a.AgentCard {
	return c.card
}

// SendMessage sends one message. When blocking is set the agent is asked
// to hold the response until the task settles.
func (c *Client) SendMessage(ctx context.Context, msg Message, cfg *SendConfiguration) (*Task, error) {
	return c.callTask(ctx, "message/send", sendParams{Message: msg, Configuration: cfg})
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return c.callTask(ctx, "tasks/get", taskParams{Name: taskName(taskID)})
}

// CancelTask asks the agent to cancel a task and returns its state.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	return c.callTask(ctx, "tasks/cancel", taskParams{Name: taskName(taskID)})
}

// ListTasks lists the agent's tasks.
func (c *Client) ListTasks(ctx context.Context) ([]*Task, error) {
	raw, err := c.Call(ctx, "tasks/list", struct{}{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return result.Tasks, nil
}

func (c *Client) callTask(ctx context.Context, method string, params any) (*Task, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &task, nil
}

// Call performs one JSON-RPC exchange and returns the raw result. A
// JSON-RPC error object surfaces as *jsonrpc.Error; a body that is not
// JSON surfaces as ErrInvalidResponse.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(id), method, params)
	if err != nil {
		return nil, err
	}
	body, err := req.Encode()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.card.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", method, err)
	}

	msg, err := jsonrpc.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w (HTTP %d)", ErrInvalidResponse, resp.StatusCode)
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: HTTP %d without JSON-RPC error", method, resp.StatusCode)
	}
	return msg.Result, nil
}
