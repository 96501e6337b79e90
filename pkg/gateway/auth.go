package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/proofshell/pfs/pkg/config"
)

// Authentication failures map to distinct error codes: a missing
// credential is UNAUTHORIZED, a present-but-wrong one is INVALID_TOKEN.
var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is an authenticated caller.
type Principal struct {
	ClientID    string
	Permissions []string
}

type principalKey struct{}

// PrincipalFrom recovers the authenticated principal from a request
// context.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Authenticator resolves a request to a principal.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// NewAuthenticator builds the authenticator for the configured mode.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case config.AuthModeNone, "":
		return noneAuth{}, nil
	case config.AuthModeBearer:
		return &bearerAuth{tokens: cfg.Tokens}, nil
	case config.AuthModeJWT:
		if cfg.JWT == nil || cfg.JWT.JWKSURL == "" {
			return nil, fmt.Errorf("jwt auth requires jwks_url")
		}
		return newJWTAuth(cfg.JWT)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// HashToken returns the stored form of a bearer token. Config files and
// state only ever carry the hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}

// noneAuth admits everyone with every permission.
type noneAuth struct{}

func (noneAuth) Authenticate(*http.Request) (*Principal, error) {
	return &Principal{ClientID: "anonymous", Permissions: []string{"*"}}, nil
}

// bearerAuth compares token hashes in constant time. Every configured
// token is checked so the comparison count does not leak which prefix
// matched.
type bearerAuth struct {
	tokens []*config.TokenConfig
}

func (a *bearerAuth) Authenticate(r *http.Request) (*Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	presented := []byte(HashToken(token))

	var matched *config.TokenConfig
	for _, tc := range a.tokens {
		if subtle.ConstantTimeCompare(presented, []byte(tc.TokenSHA256)) == 1 && matched == nil {
			matched = tc
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return &Principal{ClientID: matched.ClientID, Permissions: matched.Permissions}, nil
}

// jwtAuth validates tokens against a cached JWKS. Keys auto-refresh to
// survive provider key rotation.
type jwtAuth struct {
	cache    *jwk.Cache
	jwksURL  string
	issuer   string
	audience string
}

func newJWTAuth(cfg *config.JWTConfig) (*jwtAuth, error) {
	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", cfg.JWKSURL, err)
	}
	return &jwtAuth{
		cache:    cache,
		jwksURL:  cfg.JWKSURL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

func (a *jwtAuth) Authenticate(r *http.Request) (*Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	keyset, err := a.cache.Get(r.Context(), a.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("get jwks: %w", err)
	}

	opts := []jwt.ParseOption{jwt.WithKeySet(keyset), jwt.WithValidate(true)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	principal := &Principal{ClientID: parsed.Subject()}
	if raw, ok := parsed.Get("permissions"); ok {
		if items, ok := raw.([]any); ok {
			for _, item := range items {
				if s, ok := item.(string); ok {
					principal.Permissions = append(principal.Permissions, s)
				}
			}
		}
	}
	if len(principal.Permissions) == 0 {
		if raw, ok := parsed.Get("scope"); ok {
			if s, ok := raw.(string); ok && s != "" {
				principal.Permissions = strings.Fields(s)
			}
		}
	}
	return principal, nil
}
