package store

import (
	"errors"
	"time"
)

// Sentinel errors shared by store lookups.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrRPCNotFound      = errors.New("rpc not found")
	ErrTargetNotFound   = errors.New("target not found")
	ErrRefNotFound      = errors.New("ref not found")
	ErrAmbiguousPrefix  = errors.New("prefix matches more than one row")
	ErrDuplicateTarget  = errors.New("target id already exists")
	ErrSessionProtected = errors.New("session is protected")
)

// Direction tells which way a recorded frame traveled.
type Direction string

const (
	ClientToServer Direction = "client_to_server"
	ServerToClient Direction = "server_to_client"
)

// EventKind classifies a recorded event.
type EventKind string

const (
	EventRequest      EventKind = "request"
	EventResponse     EventKind = "response"
	EventNotification EventKind = "notification"
	EventTransport    EventKind = "transport_event"
)

// ExitReason records how a session ended.
type ExitReason string

const (
	ExitNormal ExitReason = "normal"
	ExitError  ExitReason = "error"
	ExitKilled ExitReason = "killed"
)

// TargetType distinguishes MCP connectors from A2A agents.
type TargetType string

const (
	TargetConnector TargetType = "connector"
	TargetAgent     TargetType = "agent"
)

// Protocol is the wire protocol a target speaks.
type Protocol string

const (
	ProtocolMCP Protocol = "mcp"
	ProtocolA2A Protocol = "a2a"
)

// TaskEventKind is an A2A task lifecycle marker.
type TaskEventKind string

const (
	TaskCreated     TaskEventKind = "a2a:task:created"
	TaskUpdated     TaskEventKind = "a2a:task:updated"
	TaskCompleted   TaskEventKind = "a2a:task:completed"
	TaskFailed      TaskEventKind = "a2a:task:failed"
	TaskCanceled    TaskEventKind = "a2a:task:canceled"
	TaskWaitTimeout TaskEventKind = "a2a:task:wait_timeout"
	TaskPollError   TaskEventKind = "a2a:task:poll_error"
)

// RefKind tags a named user reference.
type RefKind string

const (
	RefConnector RefKind = "connector"
	RefSession   RefKind = "session"
	RefRPC       RefKind = "rpc"
	RefToolCall  RefKind = "tool_call"
	RefContext   RefKind = "context"
	RefPOPL      RefKind = "popl"
	RefPlan      RefKind = "plan"
	RefRun       RefKind = "run"
)

// ValidRefKinds is the full kind set accepted since schema v5.
var ValidRefKinds = []RefKind{
	RefConnector, RefSession, RefRPC, RefToolCall,
	RefContext, RefPOPL, RefPlan, RefRun,
}

// Actor identifies who opened a session.
type Actor struct {
	ID    string
	Kind  string
	Label string
}

// Session is one conversational lifetime with an upstream.
type Session struct {
	SessionID      string
	TargetID       string
	ConnectorID    string
	StartedAt      time.Time
	EndedAt        *time.Time
	ExitReason     ExitReason
	Protected      bool
	Actor          *Actor
	SecretRefCount int
}

// RPCCall is one request/response pair within a session.
type RPCCall struct {
	RPCID      string
	SessionID  string
	Method     string
	RequestTS  time.Time
	ResponseTS *time.Time
	Success    *bool
	ErrorCode  string
}

// Event is an atomic record on a session timeline.
type Event struct {
	EventID        string
	SessionID      string
	RPCID          string
	Direction      Direction
	Kind           EventKind
	TS             time.Time
	Seq            int64
	Summary        string
	PayloadHash    string
	RawJSON        string
	NormalizedJSON string
}

// TaskEvent is an A2A task lifecycle marker tied to a session.
type TaskEvent struct {
	ID        int64
	SessionID string
	TaskID    string
	Kind      TaskEventKind
	TS        time.Time
	Detail    string
}

// Target is the unified connector-or-agent row.
type Target struct {
	ID        string
	Type      TargetType
	Protocol  Protocol
	Name      string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt *time.Time
	Config    map[string]any
}

// UserRef is a named symbolic reference. For kind=popl the connector
// column holds an entry id and the session column a target path; this
// column reuse is carried over from the original schema.
type UserRef struct {
	Name      string
	Kind      RefKind
	Connector string
	Session   string
	RPC       string
	Proto     string
	Level     string
	CreatedAt time.Time
}

// CachedCard is one agent_cache row.
type CachedCard struct {
	TargetID  string
	CardJSON  string
	Hash      string
	FetchedAt time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the cached card is past its expiry. A missing
// expiry means the card never expires.
func (c *CachedCard) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
