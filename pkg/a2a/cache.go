package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/mitchellh/mapstructure"

	"github.com/proofshell/pfs/internal/httpclient"
	"github.com/proofshell/pfs/pkg/jsonrpc"
	"github.com/proofshell/pfs/pkg/store"
)

// Cache lookup errors.
var (
	ErrTargetDisabled = errors.New("target is disabled")
	ErrNoURL          = errors.New("no URL configured")
)

// agentSettings is the decoded shape of an agent target's opaque config.
type agentSettings struct {
	URL        string `mapstructure:"url"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// CardCache creates clients for agent targets, fetching and caching their
// cards in the event store. Cached cards are reused until they expire; a
// TTL of zero means the card never expires.
type CardCache struct {
	store  *store.Store
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// CacheOption configures a CardCache.
type CacheOption func(*CardCache)

// WithCacheHTTPClient swaps the card-fetching HTTP client.
func WithCacheHTTPClient(hc *http.Client) CacheOption {
	return func(c *CardCache) { c.http = hc }
}

// WithCacheLogger sets the cache logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *CardCache) { c.logger = l }
}

// NewCardCache builds a cache over the event store.
func NewCardCache(s *store.Store, opts ...CacheOption) *CardCache {
	c := &CardCache{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(DefaultTimeout)
	}
	return c
}

// CreateClient resolves an agent target by id or unique prefix and returns
// a client for it, fetching the agent card if the cache has no fresh copy.
func (c *CardCache) CreateClient(ctx context.Context, targetIDOrPrefix string, opts ...ClientOption) (*Client, error) {
	target, err := c.store.FindTargetByPrefix(ctx, targetIDOrPrefix)
	if err != nil {
		return nil, err
	}
	if target.Type != store.TargetAgent {
		return nil, fmt.Errorf("target %s is not an agent", target.ID)
	}
	if !target.Enabled {
		return nil, fmt.Errorf("agent %s: %w", target.ID, ErrTargetDisabled)
	}

	var settings agentSettings
	if err := decodeSettings(target.Config, &settings); err != nil {
		return nil, fmt.Errorf("agent %s: %w", target.ID, err)
	}
	if settings.URL == "" {
		return nil, fmt.Errorf("agent %s: %w", target.ID, ErrNoURL)
	}

	card, err := c.cardFor(ctx, target.ID, settings)
	if err != nil {
		return nil, err
	}
	return NewClient(card, opts...)
}

// cardFor returns a cached card when fresh, fetching and re-caching
// otherwise.
func (c *CardCache) cardFor(ctx context.Context, targetID string, settings agentSettings) (*a2a.AgentCard, error) {
	if cached, err := c.store.GetCachedCard(ctx, targetID); err == nil && !cached.Expired(c.now()) {
		var card a2a.AgentCard
		if err := json.Unmarshal([]byte(cached.CardJSON), &card); err == nil {
			return &card, nil
		}
		// Corrupt cache entry; refetch below.
		c.logger.Warn("discarding unreadable cached agent card", "target", targetID)
	}

	raw, card, err := c.fetchCard(ctx, settings.URL)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", targetID, err)
	}

	entry := &store.CachedCard{
		TargetID:  targetID,
		CardJSON:  string(raw),
		Hash:      jsonrpc.PayloadHash(raw),
		FetchedAt: c.now().UTC(),
	}
	if settings.TTLSeconds > 0 {
		expires := entry.FetchedAt.Add(time.Duration(settings.TTLSeconds) * time.Second)
		entry.ExpiresAt = &expires
	}
	if err := c.store.PutCachedCard(ctx, entry); err != nil {
		// The fetched card is still usable even if caching it failed.
		c.logger.Warn("failed to cache agent card", "target", targetID, "error", err)
	}
	return card, nil
}

// fetchCard downloads and validates an agent card. The URL guard applies
// before any bytes move.
func (c *CardCache) fetchCard(ctx context.Context, url string) ([]byte, *a2a.AgentCard, error) {
	if err := httpclient.ValidateURL(url); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build card request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch agent card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch agent card: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read agent card: %w", err)
	}

	var card a2a.AgentCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if card.Name == "" || card.URL == "" || card.Version == "" {
		return nil, nil, fmt.Errorf("agent card missing required fields (name, url, version)")
	}
	return raw, &card, nil
}

func decodeSettings(cfg map[string]any, out *agentSettings) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode agent config: %w", err)
	}
	return nil
}
