package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/proofshell/pfs/pkg/jsonrpc"
	"github.com/proofshell/pfs/pkg/queue"
)

// Error codes carried in the HTTP error envelope.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeTargetDisabled  = "TARGET_DISABLED"
	CodeBadRequest      = "BAD_REQUEST"
	CodeBadGateway      = "BAD_GATEWAY"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeGatewayTimeout  = "GATEWAY_TIMEOUT"
	CodeInternalError   = "INTERNAL_ERROR"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// writeError emits the {error:{code,message,request_id}} envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]errorBody{
		"error": {Code: code, Message: message, RequestID: middleware.GetReqID(r.Context())},
	})
}

// mapDispatchError converts a queue or upstream failure to HTTP. JSON-RPC
// protocol codes mean the upstream itself misbehaved (502); parse errors
// and application codes mean the request was bad (400).
func mapDispatchError(err error) (status int, code string) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests, CodeTooManyRequests
	case errors.Is(err, queue.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeGatewayTimeout
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.Code == jsonrpc.CodeParseError:
			return http.StatusBadRequest, CodeBadRequest
		case jsonrpc.IsProtocolCode(rpcErr.Code):
			return http.StatusBadGateway, CodeBadGateway
		default:
			return http.StatusBadRequest, CodeBadRequest
		}
	}
	return http.StatusInternalServerError, CodeInternalError
}
