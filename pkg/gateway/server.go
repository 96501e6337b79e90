package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/proofshell/pfs/pkg/a2a"
	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/observability"
	"github.com/proofshell/pfs/pkg/queue"
	"github.com/proofshell/pfs/pkg/store"
)

// MCPInvoker performs one MCP operation against a connector target.
// Satisfied by mcp.ToolClient.
type MCPInvoker interface {
	Do(ctx context.Context, target *store.Target, method string, params any) (json.RawMessage, error)
}

// AgentDialer builds an A2A client for a registered agent target.
// Satisfied by a2a.CardCache.
type AgentDialer interface {
	CreateClient(ctx context.Context, targetIDOrPrefix string, opts ...a2a.ClientOption) (*a2a.Client, error)
}

// Server is the HTTP gateway.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Manager
	mcp     MCPInvoker
	agents  AgentDialer
	auth    Authenticator
	logger  *slog.Logger
	metrics observability.Metrics
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAuthenticator overrides the authenticator built from config.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithAgentDialer overrides the agent card cache.
func WithAgentDialer(d AgentDialer) Option {
	return func(s *Server) { s.agents = d }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the gateway over the target registry in st. The queue
// manager is sized from cfg.Gateway.Limits.
func New(cfg *config.Config, st *store.Store, invoker MCPInvoker, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		store:   st,
		queue:   queue.New(cfg.Gateway.Limits.QueueDepth, cfg.Gateway.Limits.Timeout()),
		mcp:     invoker,
		agents:  a2a.NewCardCache(st),
		logger:  slog.Default(),
		metrics: observability.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.auth == nil {
		auth, err := NewAuthenticator(cfg.Gateway.Auth)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}

	s.router = s.routes()
	return s, nil
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the gateway until ctx is cancelled, then shuts down
// gracefully and drains the queues.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Gateway.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", srv.Addr, "auth_mode", string(s.cfg.Gateway.Auth.Mode))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.queue.Shutdown(shutdownCtx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(observability.HTTPMiddleware(observability.GetTracer("gateway"), s.metrics))
	r.Use(s.requireAuth)

	r.Get("/health", s.handleHealth)
	r.Get("/test", s.handleTest)
	r.Post("/mcp", s.handleMCP)
	r.Post("/a2a/v1/message/send", s.a2aHandler("message/send"))
	r.Post("/a2a/v1/tasks/send", s.a2aHandler("message/send"))
	r.Post("/a2a/v1/tasks/get", s.a2aHandler("tasks/get"))
	r.Post("/a2a/v1/tasks/cancel", s.a2aHandler("tasks/cancel"))
	r.Get("/events/stream", s.handleEventStream)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// logRequests emits one line per request with status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// requireAuth authenticates every route except health and metrics.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := s.auth.Authenticate(r)
		if err != nil {
			code := CodeInvalidToken
			if errors.Is(err, ErrNoToken) {
				code = CodeUnauthorized
			}
			writeError(w, r, http.StatusUnauthorized, code, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleTest echoes the authenticated caller, for token verification.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"client_id":   principal.ClientID,
		"permissions": principal.Permissions,
	})
}

type mcpRequest struct {
	Connector string          `json:"connector"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var body mcpRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Connector == "" || body.Method == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "body must carry connector and method")
		return
	}

	principal, _ := PrincipalFrom(r.Context())
	required := MCPPermission(body.Method, body.Connector)
	if !Allowed(principal.Permissions, required) {
		writeError(w, r, http.StatusForbidden, CodeForbidden, fmt.Sprintf("missing permission %s", required))
		return
	}

	target, ok := s.lookupTarget(w, r, body.Connector, store.TargetConnector)
	if !ok {
		return
	}

	var params any
	if len(body.Params) > 0 {
		params = body.Params
	}

	result, err := s.queue.Enqueue(r.Context(), target.ID, func(ctx context.Context) (any, error) {
		return s.mcp.Do(ctx, target, body.Method, params)
	})
	if err != nil {
		s.metrics.RecordQueueRejection(r.Context(), target.ID, err.Error())
		status, code := mapDispatchError(err)
		writeError(w, r, status, code, err.Error())
		return
	}

	s.metrics.RecordQueueWait(r.Context(), target.ID, time.Duration(result.QueueWaitMs)*time.Millisecond)
	s.respond(w, result, result.Value)
}

type a2aRequest struct {
	Agent  string          `json:"agent"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (s *Server) a2aHandler(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body a2aRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Agent == "" {
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, "body must carry agent")
			return
		}

		principal, _ := PrincipalFrom(r.Context())
		required := A2APermission(op, body.Agent)
		if !Allowed(principal.Permissions, required) {
			writeError(w, r, http.StatusForbidden, CodeForbidden, fmt.Sprintf("missing permission %s", required))
			return
		}

		client, err := s.agents.CreateClient(r.Context(), body.Agent)
		if err != nil {
			s.writeAgentError(w, r, err)
			return
		}

		result, err := s.queue.Enqueue(r.Context(), "agent:"+body.Agent, func(ctx context.Context) (any, error) {
			return s.dispatchA2A(ctx, client, body.Agent, op, body.Params)
		})
		if err != nil {
			status, code := mapDispatchError(err)
			writeError(w, r, status, code, err.Error())
			return
		}
		s.respond(w, result, result.Value)
	}
}

// dispatchA2A performs one agent operation inside a recorded session.
func (s *Server) dispatchA2A(ctx context.Context, client *a2a.Client, agentID, op string, params json.RawMessage) (any, error) {
	sess, err := s.store.CreateSession(ctx, agentID, agentID, nil)
	if err != nil {
		return nil, err
	}

	reason := store.ExitError
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if endErr := s.store.EndSession(endCtx, sess.SessionID, reason); endErr != nil {
			s.logger.Warn("failed to end session", "session", sess.SessionID, "error", endErr)
		}
	}()

	var task *a2a.Task
	switch op {
	case "message/send":
		var p struct {
			Message       a2a.Message            `json:"message"`
			Configuration *a2a.SendConfiguration `json:"configuration"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		task, err = client.SendMessage(ctx, p.Message, p.Configuration)
	case "tasks/get":
		id, derr := taskID(params)
		if derr != nil {
			return nil, derr
		}
		task, err = client.GetTask(ctx, id)
	case "tasks/cancel":
		id, derr := taskID(params)
		if derr != nil {
			return nil, derr
		}
		task, err = client.CancelTask(ctx, id)
	default:
		return nil, fmt.Errorf("unknown a2a operation %q", op)
	}
	if err != nil {
		return nil, err
	}

	reason = store.ExitNormal
	s.recordTaskEvent(ctx, sess.SessionID, op, task)
	return task, nil
}

// recordTaskEvent mirrors the operation outcome onto the task timeline.
func (s *Server) recordTaskEvent(ctx context.Context, sessionID, op string, task *a2a.Task) {
	if task == nil || task.ID == "" {
		return
	}

	kind := store.TaskUpdated
	switch {
	case op == "message/send":
		kind = store.TaskCreated
	case task.Status == a2a.StatusCompleted:
		kind = store.TaskCompleted
	case task.Status == a2a.StatusFailed, task.Status == a2a.StatusRejected:
		kind = store.TaskFailed
	case task.Status == a2a.StatusCanceled:
		kind = store.TaskCanceled
	}

	if err := s.store.SaveTaskEvent(ctx, sessionID, task.ID, kind, string(task.Status)); err != nil {
		s.logger.Warn("failed to record task event", "task", task.ID, "error", err)
	}
}

func taskID(params json.RawMessage) (string, error) {
	var p struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return "", fmt.Errorf("decode params: %w", err)
		}
	}
	id := p.ID
	if id == "" && p.Name != "" {
		id = p.Name
		if len(id) > len("tasks/") && id[:len("tasks/")] == "tasks/" {
			id = id[len("tasks/"):]
		}
	}
	if id == "" {
		return "", fmt.Errorf("params must carry a task id")
	}
	return id, nil
}

// lookupTarget resolves a target id and applies the hide-not-found
// policy: unknown and disabled targets become indistinguishable 403s.
func (s *Server) lookupTarget(w http.ResponseWriter, r *http.Request, id string, wantType store.TargetType) (*store.Target, bool) {
	hide := s.cfg.Gateway.HideNotFound

	target, err := s.store.GetTarget(r.Context(), id)
	if err != nil || target.Type != wantType {
		if hide {
			writeError(w, r, http.StatusForbidden, CodeForbidden, "access denied")
		} else {
			writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("target %s not found", id))
		}
		return nil, false
	}
	if !target.Enabled {
		if hide {
			writeError(w, r, http.StatusForbidden, CodeForbidden, "access denied")
		} else {
			writeError(w, r, http.StatusForbidden, CodeTargetDisabled, fmt.Sprintf("target %s is disabled", id))
		}
		return nil, false
	}
	return target, true
}

// writeAgentError maps card-cache failures onto the envelope.
func (s *Server) writeAgentError(w http.ResponseWriter, r *http.Request, err error) {
	hide := s.cfg.Gateway.HideNotFound
	switch {
	case errors.Is(err, store.ErrTargetNotFound):
		if hide {
			writeError(w, r, http.StatusForbidden, CodeForbidden, "access denied")
		} else {
			writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
		}
	case errors.Is(err, a2a.ErrTargetDisabled):
		if hide {
			writeError(w, r, http.StatusForbidden, CodeForbidden, "access denied")
		} else {
			writeError(w, r, http.StatusForbidden, CodeTargetDisabled, err.Error())
		}
	case errors.Is(err, a2a.ErrPrivateURL), errors.Is(err, a2a.ErrNoURL):
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusBadGateway, CodeBadGateway, err.Error())
	}
}

// respond writes a success envelope with queue timing headers.
func (s *Server) respond(w http.ResponseWriter, res *queue.Result, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(res.QueueWaitMs, 10))
	w.Header().Set("X-Upstream-Latency-Ms", strconv.FormatInt(res.UpstreamLatencyMs, 10))
	_ = json.NewEncoder(w).Encode(map[string]any{"result": value})
}

// eventWire is the SSE representation of one audit event.
type eventWire struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	RPCID     string `json:"rpc_id,omitempty"`
	Direction string `json:"direction"`
	Kind      string `json:"kind"`
	TS        string `json:"ts"`
	Seq       int64  `json:"seq"`
	Summary   string `json:"summary,omitempty"`
}

// handleEventStream streams audit events as server-sent events, newest
// events polled from the store once a second.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, CodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// The store filter is ts >= since, so events sharing the boundary
	// timestamp can come back again; atBoundary remembers only those.
	since := time.Now().UTC()
	atBoundary := make(map[string]bool)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		events, err := s.store.RecentEvents(r.Context(), store.EventFilter{Since: since, Limit: 200})
		if err != nil {
			s.logger.Warn("event stream query failed", "error", err)
			continue
		}

		// RecentEvents is newest first; emit oldest first.
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if ev.TS.Before(since) || (ev.TS.Equal(since) && atBoundary[ev.EventID]) {
				continue
			}
			if ev.TS.After(since) {
				since = ev.TS
				atBoundary = make(map[string]bool)
			}
			atBoundary[ev.EventID] = true

			data, err := json.Marshal(eventWire{
				EventID:   ev.EventID,
				SessionID: ev.SessionID,
				RPCID:     ev.RPCID,
				Direction: string(ev.Direction),
				Kind:      string(ev.Kind),
				TS:        ev.TS.UTC().Format(time.RFC3339Nano),
				Seq:       ev.Seq,
				Summary:   ev.Summary,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		flusher.Flush()
	}
}
