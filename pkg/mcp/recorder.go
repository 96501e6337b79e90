package mcp

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/proofshell/pfs/pkg/jsonrpc"
	"github.com/proofshell/pfs/pkg/store"
	"github.com/proofshell/pfs/pkg/transport"
)

// recorder persists every frame crossing one transport as events on a
// session timeline, and mirrors request/response pairs into rpc_calls.
type recorder struct {
	store     *store.Store
	sessionID string
	logger    *slog.Logger
}

func newRecorder(s *store.Store, sessionID string, logger *slog.Logger) *recorder {
	return &recorder{store: s, sessionID: sessionID, logger: logger}
}

// observe is the transport FrameFunc. Store writes serialize on the
// single-connection pool, preserving per-session event order.
func (r *recorder) observe(f transport.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := f.Msg
	kind := store.EventKind(msg.Kind())
	direction := store.ServerToClient
	if f.Outbound {
		direction = store.ClientToServer
	}

	rpcID := ""
	switch msg.Kind() {
	case jsonrpc.KindRequest:
		rpcID = msg.IDString()
		if f.Outbound {
			if err := r.store.SaveRPC(ctx, r.sessionID, rpcID, msg.Method); err != nil {
				r.logger.Warn("failed to record rpc", "session", r.sessionID, "rpc", rpcID, "error", err)
			}
		}
	case jsonrpc.KindResponse:
		rpcID = msg.IDString()
		if !f.Outbound {
			errCode := ""
			if msg.Error != nil {
				errCode = strconv.Itoa(msg.Error.Code)
			}
			if err := r.store.CompleteRPC(ctx, r.sessionID, rpcID, msg.Error == nil, errCode); err != nil {
				r.logger.Warn("failed to complete rpc", "session", r.sessionID, "rpc", rpcID, "error", err)
			}
		}
	case jsonrpc.KindInvalid:
		kind = store.EventTransport
	}

	_, err := r.store.SaveEvent(ctx, r.sessionID, direction, kind, store.EventParams{
		RPCID:    rpcID,
		RawJSON:  string(f.Raw),
		Summary:  Summarize(msg),
		Protocol: store.ProtocolMCP,
		TS:       f.Time,
	})
	if err != nil {
		r.logger.Warn("failed to record event", "session", r.sessionID, "error", err)
	}
}
