// Package fetch performs outbound HTTP requests to untrusted video sites.
// Every request is checked against a host allowlist, every connection is
// checked against private and host-local address space, and every host gets
// a concurrency cap and a request pace.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/constants"
)

const defaultUserAgent = "face-finder/1.0 (+thumbnail matcher)"

// Options configures a Client.
type Options struct {
	AllowedHosts       []string
	PerHostConcurrency int
	PerHostRPS         float64
	UserAgent          string
	// AllowPrivateNetworks permits loopback and RFC1918 targets. Link-local
	// addresses (cloud metadata endpoints) stay blocked regardless.
	AllowPrivateNetworks bool
}

// BlockedError reports a URL refused by the SSRF guard.
type BlockedError struct {
	URL    string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked request to %s: %s", e.URL, e.Reason)
}

// StatusError reports an HTTP status of 400 or above.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Code)
}

// ErrTooLarge is returned when a body exceeds the caller's cap.
var ErrTooLarge = errors.New("response body exceeds size limit")

// IsBlocked reports whether err was caused by the SSRF guard.
func IsBlocked(err error) (*BlockedError, bool) {
	var b *BlockedError
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}

type hostGate struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// Client is safe for concurrent use.
type Client struct {
	opts    Options
	allowed []string
	http    *http.Client

	mu    sync.Mutex
	hosts map[string]*hostGate
}

// New creates a guarded client.
func New(opts Options) *Client {
	if opts.PerHostConcurrency <= 0 {
		opts.PerHostConcurrency = constants.DefaultPerHostConcurrency
	}
	if opts.PerHostRPS <= 0 {
		opts.PerHostRPS = constants.DefaultPerHostRPS
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	c := &Client{
		opts:  opts,
		hosts: make(map[string]*hostGate),
	}
	for _, h := range opts.AllowedHosts {
		if h = normalizeHost(h); h != "" {
			c.allowed = append(c.allowed, h)
		}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   c.controlDial,
	}
	transport := &http.Transport{
		// No proxy: a proxy would make the dial check meaningless.
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	c.http = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= constants.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", constants.MaxRedirects)
			}
			_, err := c.Validate(req.URL.String())
			return err
		},
	}
	return c
}

// normalizeHost lowercases a host and strips a port or trailing dot.
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}

// hostAllowed matches the host exactly or as a subdomain of an allowed host.
func (c *Client) hostAllowed(host string) bool {
	for _, a := range c.allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// Validate checks scheme, allowlist membership and IP-literal hosts. It
// returns the parsed URL or a *BlockedError wrapped as SSRF_BLOCKED.
func (c *Client) Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, blocked(raw, "malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, blocked(raw, "scheme not allowed")
	}
	if u.User != nil {
		return nil, blocked(raw, "credentials in URL")
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, blocked(raw, "missing host")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := c.addrBlocked(addr); reason != "" {
			return nil, blocked(raw, reason)
		}
	}
	if !c.hostAllowed(host) {
		return nil, blocked(raw, "host not in allowlist")
	}
	return u, nil
}

func blocked(raw, reason string) error {
	return apperr.Wrap(apperr.KindSSRFBlocked, "request blocked", &BlockedError{URL: raw, Reason: reason})
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// addrBlocked returns a non-empty reason when connecting to addr is refused.
func (c *Client) addrBlocked(addr netip.Addr) string {
	addr = addr.Unmap()
	switch {
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local address"
	case addr.IsUnspecified():
		return "unspecified address"
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return "multicast address"
	case addr.Is4() && addr.As4()[0] == 0:
		return "reserved address"
	}
	if c.opts.AllowPrivateNetworks {
		return ""
	}
	switch {
	case addr.IsLoopback():
		return "loopback address"
	case addr.IsPrivate():
		return "private address"
	case cgnat.Contains(addr):
		return "shared address space"
	}
	return ""
}

// controlDial runs after DNS resolution, right before connect, so it also
// catches allowlisted names that resolve to internal addresses.
func (c *Client) controlDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return &BlockedError{URL: address, Reason: "malformed address"}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return &BlockedError{URL: address, Reason: "unresolved address"}
	}
	if reason := c.addrBlocked(addr); reason != "" {
		return &BlockedError{URL: address, Reason: reason}
	}
	return nil
}

func (c *Client) gate(host string) *hostGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.hosts[host]
	if !ok {
		g = &hostGate{
			sem:     make(chan struct{}, c.opts.PerHostConcurrency),
			limiter: rate.NewLimiter(rate.Limit(c.opts.PerHostRPS), c.opts.PerHostConcurrency),
		}
		c.hosts[host] = g
	}
	return g
}

// Result describes a completed download.
type Result struct {
	ContentType string
	Size        int64
	FinalURL    string
}

// Stream downloads raw into w, refusing bodies larger than maxBytes. The
// context deadline is the hard timeout for the whole exchange.
func (c *Client) Stream(ctx context.Context, raw string, maxBytes int64, w io.Writer) (*Result, error) {
	u, err := c.Validate(raw)
	if err != nil {
		return nil, err
	}

	g := c.gate(normalizeHost(u.Hostname()))
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.sem }()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for host pacing: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req) //nolint:gosec // URL validated against the allowlist; dial guarded
	if err != nil {
		if b, ok := IsBlocked(err); ok {
			return nil, apperr.Wrap(apperr.KindSSRFBlocked, "request blocked", b)
		}
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{URL: raw, Code: resp.StatusCode}
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, ErrTooLarge
	}

	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	n, err := io.Copy(w, reader)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return nil, ErrTooLarge
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return &Result{
		ContentType: contentType,
		Size:        n,
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// Get downloads raw into memory.
func (c *Client) Get(ctx context.Context, raw string, maxBytes int64) ([]byte, *Result, error) {
	var buf bytes.Buffer
	res, err := c.Stream(ctx, raw, maxBytes, &buf)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), res, nil
}
