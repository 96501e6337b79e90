// Package config defines the pfs configuration document: connectors,
// agents, retention policy, gateway settings, and the ambient logging and
// observability sections. Documents are YAML (JSON accepted), versioned,
// environment-expanded, and validated before anything consumes them.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/proofshell/pfs/pkg/observability"
)

// CurrentVersion is the only document version this build understands.
const CurrentVersion = 1

// idPattern constrains connector and agent ids. Double underscores are
// rejected separately: the proxy namespaces tools as connector__tool and
// splits on the first occurrence.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TransportType identifies how a connector is reached.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "rpc-http"
	TransportSSE   TransportType = "rpc-sse"
)

// AuthMode selects gateway authentication.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeBearer AuthMode = "bearer"
	AuthModeJWT    AuthMode = "jwt"
)

// Config is the root configuration document.
type Config struct {
	Version    int                `yaml:"version"`
	Connectors []*ConnectorConfig `yaml:"connectors,omitempty"`
	Agents     []*AgentConfig     `yaml:"agents,omitempty"`
	Retention  RetentionConfig    `yaml:"retention,omitempty"`
	Gateway    GatewayConfig      `yaml:"gateway,omitempty"`
	Proxy      ProxyConfig        `yaml:"proxy,omitempty"`
	Logging    LoggingConfig      `yaml:"logging,omitempty"`

	// Observability is optional; nil leaves tracing and metrics off.
	Observability *observability.Config `yaml:"observability,omitempty"`

	// Inscriber is accepted opaquely. Proof artifact emission is handled
	// by external tooling; pfs only carries the section through.
	Inscriber map[string]any `yaml:"inscriber,omitempty"`
}

// ConnectorConfig declares one MCP upstream.
type ConnectorConfig struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name,omitempty"`
	Enabled   *bool            `yaml:"enabled,omitempty"`
	Transport TransportConfig  `yaml:"transport"`
	Retention *RetentionConfig `yaml:"retention,omitempty"`
}

// IsEnabled reports whether the connector participates in aggregation and
// dispatch. Unset means enabled.
func (c *ConnectorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DisplayName returns the human name, falling back to the id.
func (c *ConnectorConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// TransportConfig describes how to reach a connector.
type TransportConfig struct {
	Type    TransportType     `yaml:"type,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`
	URL     string            `yaml:"url,omitempty"`
}

// AgentConfig declares one A2A upstream.
type AgentConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	URL     string `yaml:"url,omitempty"`

	// TTLSeconds bounds how long a cached agent card stays fresh.
	// Zero means the cached card never expires.
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
}

// IsEnabled reports whether the agent accepts dispatch. Unset means enabled.
func (a *AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// DisplayName returns the human name, falling back to the id.
func (a *AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// RetentionConfig bounds how much recorded history is kept. Zero values
// leave the corresponding dimension unlimited.
type RetentionConfig struct {
	KeepLastSessions int `yaml:"keep_last_sessions,omitempty"`
	RawDays          int `yaml:"raw_days,omitempty"`
	MaxDBMB          int `yaml:"max_db_mb,omitempty"`
}

// IsZero reports whether no retention dimension is set.
func (r RetentionConfig) IsZero() bool {
	return r.KeepLastSessions == 0 && r.RawDays == 0 && r.MaxDBMB == 0
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Host         string       `yaml:"host,omitempty"`
	Port         int          `yaml:"port,omitempty"`
	HideNotFound bool         `yaml:"hide_not_found,omitempty"`
	Auth         AuthConfig   `yaml:"auth,omitempty"`
	Limits       LimitsConfig `yaml:"limits,omitempty"`
}

// Addr returns the host:port listen address.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, fmt.Sprintf("%d", g.Port))
}

// AuthConfig configures gateway authentication.
type AuthConfig struct {
	Mode   AuthMode       `yaml:"mode,omitempty"`
	Tokens []*TokenConfig `yaml:"tokens,omitempty"`
	JWT    *JWTConfig     `yaml:"jwt,omitempty"`
}

// TokenConfig is one bearer token principal. Only the SHA-256 of the token
// is ever written to disk.
type TokenConfig struct {
	ClientID    string   `yaml:"client_id"`
	TokenSHA256 string   `yaml:"token_sha256"`
	Permissions []string `yaml:"permissions,omitempty"`
}

// JWTConfig configures JWKS-backed token validation.
type JWTConfig struct {
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// LimitsConfig bounds gateway dispatch.
type LimitsConfig struct {
	QueueDepth int `yaml:"queue_depth,omitempty"`
	TimeoutMS  int `yaml:"timeout_ms,omitempty"`
}

// Timeout returns the per-request deadline.
func (l LimitsConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

// ProxyConfig configures the aggregating stdio proxy.
type ProxyConfig struct {
	LogMaxLines int `yaml:"log_max_lines,omitempty"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	for _, conn := range c.Connectors {
		if conn != nil && conn.Transport.Type == "" {
			conn.Transport.Type = TransportStdio
		}
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8787
	}
	if c.Gateway.Auth.Mode == "" {
		c.Gateway.Auth.Mode = AuthModeNone
	}
	if c.Gateway.Limits.QueueDepth == 0 {
		c.Gateway.Limits.QueueDepth = 32
	}
	if c.Gateway.Limits.TimeoutMS == 0 {
		c.Gateway.Limits.TimeoutMS = 30000
	}
	if c.Proxy.LogMaxLines == 0 {
		c.Proxy.LogMaxLines = 2000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks the document for errors.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version %d (expected %d)", c.Version, CurrentVersion)
	}

	seen := make(map[string]string)
	for i, conn := range c.Connectors {
		if conn == nil {
			return fmt.Errorf("connectors[%d]: empty entry", i)
		}
		if err := validateID(conn.ID); err != nil {
			return fmt.Errorf("connector %q: %w", conn.ID, err)
		}
		if prev, dup := seen[conn.ID]; dup {
			return fmt.Errorf("duplicate id %q (already used by %s)", conn.ID, prev)
		}
		seen[conn.ID] = "connector"

		if err := conn.Transport.Validate(); err != nil {
			return fmt.Errorf("connector %q: %w", conn.ID, err)
		}
		if conn.Retention != nil {
			if err := conn.Retention.Validate(); err != nil {
				return fmt.Errorf("connector %q retention: %w", conn.ID, err)
			}
		}
	}

	for i, agent := range c.Agents {
		if agent == nil {
			return fmt.Errorf("agents[%d]: empty entry", i)
		}
		if err := validateID(agent.ID); err != nil {
			return fmt.Errorf("agent %q: %w", agent.ID, err)
		}
		if prev, dup := seen[agent.ID]; dup {
			return fmt.Errorf("duplicate id %q (already used by %s)", agent.ID, prev)
		}
		seen[agent.ID] = "agent"

		if agent.TTLSeconds < 0 {
			return fmt.Errorf("agent %q: ttl_seconds must not be negative", agent.ID)
		}
	}

	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c.Proxy.LogMaxLines < 0 {
		return fmt.Errorf("proxy: log_max_lines must not be negative")
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}

	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("id must match [A-Za-z0-9_-]+")
	}
	if strings.Contains(id, "__") {
		return fmt.Errorf("id must not contain %q", "__")
	}
	return nil
}

// Validate checks the transport section.
func (t *TransportConfig) Validate() error {
	switch t.Type {
	case TransportStdio:
		if t.Command == "" {
			return fmt.Errorf("transport: command is required for stdio")
		}
	case TransportHTTP, TransportSSE:
		if t.URL == "" {
			return fmt.Errorf("transport: url is required for %s", t.Type)
		}
	default:
		return fmt.Errorf("transport: unknown type %q", t.Type)
	}
	return nil
}

// Validate checks retention bounds.
func (r RetentionConfig) Validate() error {
	if r.KeepLastSessions < 0 {
		return fmt.Errorf("keep_last_sessions must not be negative")
	}
	if r.RawDays < 0 {
		return fmt.Errorf("raw_days must not be negative")
	}
	if r.MaxDBMB < 0 {
		return fmt.Errorf("max_db_mb must not be negative")
	}
	return nil
}

// Validate checks the gateway section.
func (g *GatewayConfig) Validate() error {
	if g.Port < 0 || g.Port > 65535 {
		return fmt.Errorf("port %d out of range", g.Port)
	}
	if g.Limits.QueueDepth <= 0 {
		return fmt.Errorf("limits: queue_depth must be positive")
	}
	if g.Limits.TimeoutMS <= 0 {
		return fmt.Errorf("limits: timeout_ms must be positive")
	}

	switch g.Auth.Mode {
	case AuthModeNone:
	case AuthModeBearer:
		if len(g.Auth.Tokens) == 0 {
			return fmt.Errorf("auth: bearer mode requires at least one token")
		}
		for i, tok := range g.Auth.Tokens {
			if tok == nil || tok.ClientID == "" {
				return fmt.Errorf("auth: tokens[%d]: client_id is required", i)
			}
			if !strings.HasPrefix(tok.TokenSHA256, "sha256:") {
				return fmt.Errorf("auth: token for %q: token_sha256 must start with sha256:", tok.ClientID)
			}
		}
	case AuthModeJWT:
		if g.Auth.JWT == nil || g.Auth.JWT.JWKSURL == "" {
			return fmt.Errorf("auth: jwt mode requires jwt.jwks_url")
		}
	default:
		return fmt.Errorf("auth: unknown mode %q", g.Auth.Mode)
	}

	return nil
}

// FindConnector returns the connector with the given id, or nil.
func (c *Config) FindConnector(id string) *ConnectorConfig {
	for _, conn := range c.Connectors {
		if conn != nil && conn.ID == id {
			return conn
		}
	}
	return nil
}

// FindAgent returns the agent with the given id, or nil.
func (c *Config) FindAgent(id string) *AgentConfig {
	for _, agent := range c.Agents {
		if agent != nil && agent.ID == id {
			return agent
		}
	}
	return nil
}

// ConnectorRetention returns the effective retention policy for a
// connector: its override when present, the global policy otherwise.
func (c *Config) ConnectorRetention(id string) RetentionConfig {
	if conn := c.FindConnector(id); conn != nil && conn.Retention != nil {
		return *conn.Retention
	}
	return c.Retention
}
