// Package httpclient builds outbound HTTP clients for talking to remote
// agents. Clients are hardened against server-side request forgery: any
// URL whose host is, or resolves to, a private, loopback or link-local
// address is refused, both up front and again at dial time.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPrivateURL is returned for URLs pointing at private or local hosts.
// The message is part of the public contract; callers surface it verbatim.
var ErrPrivateURL = errors.New("Private or local URLs are not allowed")

// DefaultTimeout bounds one outbound request end to end.
const DefaultTimeout = 30 * time.Second

// ValidateURL checks that raw is an absolute http(s) URL whose host is
// public. Hostnames are resolved; if every resolved address is private the
// URL is rejected. Resolution failures are left for the dialer, which
// re-checks each address it actually connects to.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}

	if isPrivateHostname(host) {
		return ErrPrivateURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateURL
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable now; the guarded dialer decides later.
		return nil
	}
	for _, addr := range addrs {
		if !isPrivateIP(addr) {
			return nil
		}
	}
	return ErrPrivateURL
}

func isPrivateHostname(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// guardedDialContext re-validates the address a connection is actually
// made to, so DNS rebinding cannot slip a private target past ValidateURL.
func guardedDialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if isPrivateHostname(host) {
			return nil, ErrPrivateURL
		}
		if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
			return nil, ErrPrivateURL
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

// New returns a hardened client with the given overall timeout. A zero
// timeout means DefaultTimeout.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           guardedDialContext(dialer),
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// NewUnguarded returns a plain client without the private-address guard.
// Test servers run on loopback and need it.
func NewUnguarded(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
