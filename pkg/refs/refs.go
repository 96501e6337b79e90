// Package refs resolves symbolic references against the event log:
// @last for the newest RPC, @rpc:<id> for an exact RPC, @ref:<name> for a
// saved user ref, and bare session-id prefixes. Replay, view and inscribe
// flows all address history through this one resolver.
package refs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/proofshell/pfs/pkg/store"
)

// ErrUnresolvable is wrapped around inputs no rule matches.
var ErrUnresolvable = errors.New("reference did not resolve")

// Kind tags what a reference resolved to.
type Kind string

const (
	KindSession   Kind = "session"
	KindRPC       Kind = "rpc"
	KindConnector Kind = "connector"
	KindToolCall  Kind = "tool_call"
	KindContext   Kind = "context"
	KindPOPL      Kind = "popl"
	KindPlan      Kind = "plan"
	KindRun       Kind = "run"
)

// Context scopes resolution. A selected session narrows @last and
// @rpc:<id> to that session's history.
type Context struct {
	SessionID string
}

// Resolved is the tagged outcome of one resolution.
type Resolved struct {
	Kind        Kind
	SessionID   string
	RPCID       string
	ConnectorID string

	// Name is set when the input was a named user ref. For popl refs
	// ConnectorID carries the entry id and Path the target path (the
	// documented user_refs column reuse).
	Name string
	Path string
}

// Resolver answers symbolic lookups from the store.
type Resolver struct {
	store *store.Store
}

// New builds a resolver over the event store.
func New(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve maps one symbolic input to a concrete record.
func (r *Resolver) Resolve(ctx context.Context, input string, rctx Context) (*Resolved, error) {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return nil, fmt.Errorf("%w: empty input", ErrUnresolvable)
	case input == "@last":
		return r.resolveLast(ctx, rctx)
	case strings.HasPrefix(input, "@rpc:"):
		return r.resolveRPC(ctx, strings.TrimPrefix(input, "@rpc:"), rctx)
	case strings.HasPrefix(input, "@ref:"):
		return r.resolveNamed(ctx, strings.TrimPrefix(input, "@ref:"))
	case strings.HasPrefix(input, "@"):
		return nil, fmt.Errorf("%w: unknown form %q", ErrUnresolvable, input)
	default:
		return r.resolveSessionPrefix(ctx, input)
	}
}

// resolveLast finds the newest RPC: session-scoped when a session is
// selected, otherwise the latest session's latest RPC.
func (r *Resolver) resolveLast(ctx context.Context, rctx Context) (*Resolved, error) {
	sessionID := rctx.SessionID
	if sessionID == "" {
		sess, err := r.store.LatestSession(ctx)
		if err != nil {
			return nil, err
		}
		sessionID = sess.SessionID
	}

	call, err := r.store.LatestRPC(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.rpcResolved(ctx, call)
}

func (r *Resolver) resolveRPC(ctx context.Context, rpcID string, rctx Context) (*Resolved, error) {
	if rpcID == "" {
		return nil, fmt.Errorf("%w: @rpc: needs an id", ErrUnresolvable)
	}

	var call *store.RPCCall
	var err error
	if rctx.SessionID != "" {
		call, err = r.store.GetRPC(ctx, rctx.SessionID, rpcID)
	} else {
		call, err = r.store.FindRPC(ctx, rpcID)
	}
	if err != nil {
		return nil, err
	}
	return r.rpcResolved(ctx, call)
}

func (r *Resolver) rpcResolved(ctx context.Context, call *store.RPCCall) (*Resolved, error) {
	res := &Resolved{Kind: KindRPC, SessionID: call.SessionID, RPCID: call.RPCID}
	if sess, err := r.store.GetSession(ctx, call.SessionID); err == nil {
		res.ConnectorID = sess.ConnectorID
	}
	return res, nil
}

// resolveNamed looks up a saved user ref and maps it by kind.
func (r *Resolver) resolveNamed(ctx context.Context, name string) (*Resolved, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: @ref: needs a name", ErrUnresolvable)
	}

	ref, err := r.store.GetRef(ctx, name)
	if err != nil {
		return nil, err
	}

	res := &Resolved{Name: ref.Name}
	switch ref.Kind {
	case store.RefConnector:
		res.Kind = KindConnector
		res.ConnectorID = ref.Connector
	case store.RefSession:
		res.Kind = KindSession
		res.SessionID = ref.Session
		res.ConnectorID = ref.Connector
	case store.RefRPC:
		res.Kind = KindRPC
		res.SessionID = ref.Session
		res.RPCID = ref.RPC
		res.ConnectorID = ref.Connector
	case store.RefToolCall:
		res.Kind = KindToolCall
		res.SessionID = ref.Session
		res.RPCID = ref.RPC
		res.ConnectorID = ref.Connector
	case store.RefContext:
		res.Kind = KindContext
		res.SessionID = ref.Session
		res.ConnectorID = ref.Connector
	case store.RefPOPL:
		// Column reuse: connector holds the entry id, session the path.
		res.Kind = KindPOPL
		res.ConnectorID = ref.Connector
		res.Path = ref.Session
	case store.RefPlan:
		res.Kind = KindPlan
		res.ConnectorID = ref.Connector
	case store.RefRun:
		res.Kind = KindRun
		res.ConnectorID = ref.Connector
	default:
		return nil, fmt.Errorf("%w: ref %q has unknown kind %q", ErrUnresolvable, name, ref.Kind)
	}
	return res, nil
}

// resolveSessionPrefix treats the input as a session-id prefix. SQL
// wildcards are escaped inside the store query, so they match literally.
func (r *Resolver) resolveSessionPrefix(ctx context.Context, prefix string) (*Resolved, error) {
	sessions, err := r.store.FindSessionsByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	switch len(sessions) {
	case 0:
		return nil, fmt.Errorf("%w: no session matches %q", store.ErrSessionNotFound, prefix)
	case 1:
		sess := sessions[0]
		return &Resolved{
			Kind:        KindSession,
			SessionID:   sess.SessionID,
			ConnectorID: sess.ConnectorID,
		}, nil
	default:
		return nil, fmt.Errorf("session prefix %q: %w", prefix, store.ErrAmbiguousPrefix)
	}
}
