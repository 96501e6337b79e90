package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	a2acard "github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofshell/pfs/pkg/a2a"
	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/store"
)

const testToken = "pfs_test_token_123"

type invokerFunc func(ctx context.Context, target *store.Target, method string, params any) (json.RawMessage, error)

func (f invokerFunc) Do(ctx context.Context, target *store.Target, method string, params any) (json.RawMessage, error) {
	return f(ctx, target, method, params)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func bearerConfig(permissions ...string) *config.Config {
	if len(permissions) == 0 {
		permissions = []string{"*"}
	}
	cfg := testConfig()
	cfg.Gateway.Auth.Mode = config.AuthModeBearer
	cfg.Gateway.Auth.Tokens = []*config.TokenConfig{{
		ClientID:    "my-client",
		TokenSHA256: HashToken(testToken),
		Permissions: permissions,
	}}
	return cfg
}

func gatewayStore(t *testing.T) *store.Store {
	t.Helper()
	pool := store.NewPool()
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.Open(pool, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.CreateTarget(ctx, &store.Target{
		ID: "echo", Type: store.TargetConnector, Protocol: store.ProtocolMCP,
		Name: "Echo", Enabled: true,
	}))
	require.NoError(t, s.CreateTarget(ctx, &store.Target{
		ID: "dormant", Type: store.TargetConnector, Protocol: store.ProtocolMCP,
		Name: "Dormant", Enabled: false,
	}))
	return s
}

func newTestGateway(t *testing.T, cfg *config.Config, st *store.Store, invoker MCPInvoker, opts ...Option) *httptest.Server {
	t.Helper()
	if st == nil {
		st = gatewayStore(t)
	}
	srv, err := New(cfg, st, invoker, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func errorCode(t *testing.T, body map[string]any) (code, requestID string) {
	t.Helper()
	env, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	code, _ = env["code"].(string)
	requestID, _ = env["request_id"].(string)
	return code, requestID
}

func TestHealthSkipsAuth(t *testing.T) {
	ts := newTestGateway(t, bearerConfig(), nil, nil)

	resp, body := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestBearerAuthOnTestEndpoint(t *testing.T) {
	ts := newTestGateway(t, bearerConfig(), nil, nil)

	resp, body := doJSON(t, ts, http.MethodGet, "/test", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, requestID := errorCode(t, body)
	assert.Equal(t, CodeUnauthorized, code)
	assert.NotEmpty(t, requestID)

	resp, body = doJSON(t, ts, http.MethodGet, "/test", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ = errorCode(t, body)
	assert.Equal(t, CodeInvalidToken, code)

	resp, body = doJSON(t, ts, http.MethodGet, "/test", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "my-client", body["client_id"])
}

func TestMCPDispatch(t *testing.T) {
	var gotMethod string
	var gotTarget string
	invoker := invokerFunc(func(_ context.Context, target *store.Target, method string, _ any) (json.RawMessage, error) {
		gotTarget = target.ID
		gotMethod = method
		return json.RawMessage(`{"tools":[{"name":"add"}]}`), nil
	})
	ts := newTestGateway(t, bearerConfig(), nil, invoker)

	resp, body := doJSON(t, ts, http.MethodPost, "/mcp", testToken,
		map[string]any{"connector": "echo", "method": "tools/list"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo", gotTarget)
	assert.Equal(t, "tools/list", gotMethod)
	assert.NotEmpty(t, resp.Header.Get("X-Queue-Wait-Ms"))
	assert.NotEmpty(t, resp.Header.Get("X-Upstream-Latency-Ms"))

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)
}

func TestMCPPermissionDenied(t *testing.T) {
	cfg := bearerConfig("mcp:tools:call:echo")
	ts := newTestGateway(t, cfg, nil, nil)

	resp, body := doJSON(t, ts, http.MethodPost, "/mcp", testToken,
		map[string]any{"connector": "echo", "method": "tools/list"})

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, _ := errorCode(t, body)
	assert.Equal(t, CodeForbidden, code)
}

func TestMCPTargetLookup(t *testing.T) {
	ts := newTestGateway(t, testConfig(), nil, nil)

	resp, body := doJSON(t, ts, http.MethodPost, "/mcp", "",
		map[string]any{"connector": "ghost", "method": "tools/list"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	code, _ := errorCode(t, body)
	assert.Equal(t, CodeNotFound, code)

	resp, body = doJSON(t, ts, http.MethodPost, "/mcp", "",
		map[string]any{"connector": "dormant", "method": "tools/list"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, _ = errorCode(t, body)
	assert.Equal(t, CodeTargetDisabled, code)
}

func TestMCPHideNotFound(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.HideNotFound = true
	ts := newTestGateway(t, cfg, nil, nil)

	for _, connector := range []string{"ghost", "dormant"} {
		resp, body := doJSON(t, ts, http.MethodPost, "/mcp", "",
			map[string]any{"connector": connector, "method": "tools/list"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, connector)
		code, _ := errorCode(t, body)
		assert.Equal(t, CodeForbidden, code, connector)
	}
}

func TestMCPQueueTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Limits.QueueDepth = 1
	cfg.Gateway.Limits.TimeoutMS = 100

	invoker := invokerFunc(func(ctx context.Context, _ *store.Target, _ string, _ any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ts := newTestGateway(t, cfg, nil, invoker)

	start := time.Now()
	resp, body := doJSON(t, ts, http.MethodPost, "/mcp", "",
		map[string]any{"connector": "echo", "method": "tools/call", "params": map[string]any{"name": "sleep"}})

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)
	code, requestID := errorCode(t, body)
	assert.Equal(t, CodeGatewayTimeout, code)
	assert.NotEmpty(t, requestID)
}

func TestMCPQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Limits.QueueDepth = 1
	cfg.Gateway.Limits.TimeoutMS = 0

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	invoker := invokerFunc(func(_ context.Context, _ *store.Target, _ string, _ any) (json.RawMessage, error) {
		started <- struct{}{}
		<-release
		return json.RawMessage(`{}`), nil
	})
	ts := newTestGateway(t, cfg, nil, invoker)
	defer close(release)

	body := map[string]any{"connector": "echo", "method": "tools/call"}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	// First request occupies the worker, second fills the single queue
	// slot.
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := ts.Client().Post(ts.URL+"/mcp", "application/json", bytes.NewReader(raw))
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	<-started
	time.Sleep(100 * time.Millisecond)

	resp, respBody := doJSON(t, ts, http.MethodPost, "/mcp", "", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	code, _ := errorCode(t, respBody)
	assert.Equal(t, CodeTooManyRequests, code)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// agentDialerFunc lets tests substitute the card cache.
type agentDialerFunc func(ctx context.Context, id string, opts ...a2a.ClientOption) (*a2a.Client, error)

func (f agentDialerFunc) CreateClient(ctx context.Context, id string, opts ...a2a.ClientOption) (*a2a.Client, error) {
	return f(ctx, id, opts...)
}

// fakeAgent answers every JSON-RPC call with a task in the given state.
func fakeAgent(t *testing.T, taskState string) AgentDialer {
	t.Helper()

	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		var rpc struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(raw, &rpc); err != nil {
			return nil, err
		}
		id, _ := json.Marshal(rpc.ID)
		payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"id":"task-1","status":{"state":%q}}}`, id, taskState)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(payload)),
			Request:    req,
		}, nil
	})

	return agentDialerFunc(func(_ context.Context, id string, _ ...a2a.ClientOption) (*a2a.Client, error) {
		if id != "planner" {
			return nil, store.ErrTargetNotFound
		}
		return a2a.NewClient(
			&a2acard.AgentCard{Name: "planner", URL: "https://planner.invalid/a2a"},
			a2a.WithHTTPClient(&http.Client{Transport: rt}),
		)
	})
}

func TestA2AMessageSend(t *testing.T) {
	st := gatewayStore(t)
	require.NoError(t, st.CreateTarget(context.Background(), &store.Target{
		ID: "planner", Type: store.TargetAgent, Protocol: store.ProtocolA2A,
		Name: "Planner", Enabled: true,
	}))

	ts := newTestGateway(t, testConfig(), st, nil, WithAgentDialer(fakeAgent(t, "working")))

	resp, body := doJSON(t, ts, http.MethodPost, "/a2a/v1/message/send", "", map[string]any{
		"agent": "planner",
		"params": map[string]any{
			"message": map[string]any{"role": "user", "parts": []map[string]any{{"kind": "text", "text": "hi"}}},
		},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "task-1", result["id"])

	// The dispatch leaves a recorded session with a task creation marker.
	sessions, err := st.ListSessions(context.Background(), store.SessionFilter{ConnectorID: "planner"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.ExitNormal, sessions[0].ExitReason)

	events, err := st.TaskEvents(context.Background(), sessions[0].SessionID, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.TaskCreated, events[0].Kind)
}

func TestA2ATaskGetCompleted(t *testing.T) {
	st := gatewayStore(t)
	require.NoError(t, st.CreateTarget(context.Background(), &store.Target{
		ID: "planner", Type: store.TargetAgent, Protocol: store.ProtocolA2A,
		Name: "Planner", Enabled: true,
	}))

	ts := newTestGateway(t, testConfig(), st, nil, WithAgentDialer(fakeAgent(t, "completed")))

	resp, body := doJSON(t, ts, http.MethodPost, "/a2a/v1/tasks/get", "", map[string]any{
		"agent":  "planner",
		"params": map[string]any{"name": "tasks/task-1"},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "task-1", result["id"])

	sessions, err := st.ListSessions(context.Background(), store.SessionFilter{ConnectorID: "planner"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	events, err := st.TaskEvents(context.Background(), sessions[0].SessionID, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.TaskCompleted, events[0].Kind)
}

func TestA2AUnknownAgent(t *testing.T) {
	ts := newTestGateway(t, testConfig(), nil, nil, WithAgentDialer(fakeAgent(t, "working")))

	resp, body := doJSON(t, ts, http.MethodPost, "/a2a/v1/message/send", "",
		map[string]any{"agent": "ghost"})

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	code, _ := errorCode(t, body)
	assert.Equal(t, CodeNotFound, code)
}

func TestA2ADisabledAgentHidden(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.HideNotFound = true

	dialer := agentDialerFunc(func(context.Context, string, ...a2a.ClientOption) (*a2a.Client, error) {
		return nil, a2a.ErrTargetDisabled
	})
	ts := newTestGateway(t, cfg, nil, nil, WithAgentDialer(dialer))

	resp, body := doJSON(t, ts, http.MethodPost, "/a2a/v1/tasks/get", "",
		map[string]any{"agent": "planner", "params": map[string]any{"id": "task-1"}})

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, _ := errorCode(t, body)
	assert.Equal(t, CodeForbidden, code)
}

func TestBadRequestBodies(t *testing.T) {
	ts := newTestGateway(t, testConfig(), nil, nil)

	resp, body := doJSON(t, ts, http.MethodPost, "/mcp", "", map[string]any{"method": "tools/list"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, _ := errorCode(t, body)
	assert.Equal(t, CodeBadRequest, code)

	resp, body = doJSON(t, ts, http.MethodPost, "/a2a/v1/message/send", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, _ = errorCode(t, body)
	assert.Equal(t, CodeBadRequest, code)
}

func TestEventStreamEmitsEachEventOnce(t *testing.T) {
	st := gatewayStore(t)
	ts := newTestGateway(t, testConfig(), st, nil)

	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, ts.URL+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	received := make(chan string, 16)
	go func() {
		defer close(received)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				received <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	counts := make(map[string]int)
	waitFor := func(summary string) {
		t.Helper()
		deadline := time.After(10 * time.Second)
		for {
			select {
			case data := <-received:
				var wire struct {
					Summary string `json:"summary"`
				}
				require.NoError(t, json.Unmarshal([]byte(data), &wire))
				counts[wire.Summary]++
				if wire.Summary == summary {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q, saw %v", summary, counts)
			}
		}
	}

	// Two events share one timestamp; a third lands on the same
	// timestamp only after the first pair has been streamed.
	shared := time.Now().UTC().Add(100 * time.Millisecond)
	_, err = st.SaveEvent(ctx, sess.SessionID, store.ClientToServer, store.EventRequest,
		store.EventParams{Summary: "first", TS: shared})
	require.NoError(t, err)
	_, err = st.SaveEvent(ctx, sess.SessionID, store.ServerToClient, store.EventResponse,
		store.EventParams{Summary: "second", TS: shared})
	require.NoError(t, err)
	waitFor("second")

	_, err = st.SaveEvent(ctx, sess.SessionID, store.ClientToServer, store.EventRequest,
		store.EventParams{Summary: "third", TS: shared})
	require.NoError(t, err)
	waitFor("third")

	_, err = st.SaveEvent(ctx, sess.SessionID, store.ServerToClient, store.EventResponse,
		store.EventParams{Summary: "fourth", TS: shared.Add(2 * time.Second)})
	require.NoError(t, err)
	waitFor("fourth")

	cancel()
	for summary, n := range counts {
		assert.Equal(t, 1, n, "event %q streamed %d times", summary, n)
	}
}
