// Package ratelimit implements per-(endpoint, principal) sliding-window
// request limits. Denials are immediate; nothing is queued.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/audit"
)

// Policy caps requests per window.
type Policy struct {
	Window time.Duration
	Max    int
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type key struct {
	endpoint  string
	principal string
}

// Limiter keeps a timestamp log per key. Each log holds at most Max entries,
// so memory is bounded by the number of active principals.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]Policy
	hits     map[key][]time.Time
	audit    *audit.Log
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a limiter with the given policy table keyed by endpoint.
func New(policies map[string]Policy, auditLog *audit.Log) *Limiter {
	p := make(map[string]Policy, len(policies))
	for k, v := range policies {
		if v.Window > 0 && v.Max > 0 {
			p[k] = v
		}
	}
	return &Limiter{
		policies: p,
		hits:     make(map[key][]time.Time),
		audit:    auditLog,
		now:      time.Now,
	}
}

// Principal picks the rate-limit identity: the session id when present, else
// the caller IP, else "anonymous".
func Principal(sessionID, ip string) string {
	switch {
	case sessionID != "":
		return sessionID
	case ip != "":
		return ip
	default:
		return "anonymous"
	}
}

// Check records a request for (endpoint, principal) if the window has room.
// Endpoints without a policy are always allowed. Denied requests are not
// recorded and emit a rate-limit-exceeded security event.
func (l *Limiter) Check(endpoint, principal string) Decision {
	_, d := l.CheckAll(principal, endpoint)
	return d
}

// CheckAll applies several endpoint windows to one request. The request is
// recorded against every endpoint only when all of them have room; on
// denial nothing is recorded and the denying endpoint is returned. An
// allowed decision reports the tightest window.
func (l *Limiter) CheckAll(principal string, endpoints ...string) (string, Decision) {
	type pending struct {
		k      key
		hits   []time.Time
		policy Policy
	}

	l.mu.Lock()
	now := l.now()
	passed := make([]pending, 0, len(endpoints))
	for _, endpoint := range endpoints {
		policy, ok := l.policies[endpoint]
		if !ok {
			continue
		}
		k := key{endpoint: endpoint, principal: principal}
		stored, tracked := l.hits[k]
		hits := prune(stored, now, policy.Window)
		if tracked {
			l.hits[k] = hits
		}

		if len(hits) >= policy.Max {
			resetAt := hits[0].Add(policy.Window)
			l.mu.Unlock()

			l.audit.Security(audit.SecurityEvent{
				Type:      audit.EventRateLimitExceeded,
				Severity:  audit.SeverityLow,
				Principal: principal,
				Details:   endpoint,
			})
			return endpoint, Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
		}
		passed = append(passed, pending{k: k, hits: hits, policy: policy})
	}

	d := Decision{Allowed: true, Remaining: -1, ResetAt: now}
	for i, p := range passed {
		hits := append(p.hits, now)
		l.hits[p.k] = hits
		remaining := p.policy.Max - len(hits)
		if i == 0 || remaining < d.Remaining {
			d.Remaining = remaining
			d.ResetAt = hits[0].Add(p.policy.Window)
		}
	}
	l.mu.Unlock()
	return "", d
}

// prune drops timestamps that have left the window ending at now.
func prune(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// Sweep removes keys whose windows have fully expired and returns how many
// were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, hits := range l.hits {
		policy := l.policies[k.endpoint]
		if hits = prune(hits, now, policy.Window); len(hits) == 0 {
			delete(l.hits, k)
			removed++
			continue
		}
		l.hits[k] = hits
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// Start runs the periodic sweep until ctx is cancelled or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	interval := time.Minute
	for _, p := range l.policies {
		interval = min(interval, p.Window)
	}
	stop, done := l.stop, l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Stop ends the sweep goroutine and waits for it.
func (l *Limiter) Stop() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// ExceededError carries the retry time of a denied request.
type ExceededError struct {
	Endpoint string
	ResetAt  time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit for %s exceeded until %s", e.Endpoint, e.ResetAt.Format(time.RFC3339))
}

// Allow is Check returning a RATE_LIMIT_EXCEEDED error on denial. The cause
// is an *ExceededError.
func (l *Limiter) Allow(endpoint, principal string) error {
	return l.AllowAll(principal, endpoint)
}

// AllowAll is CheckAll returning a RATE_LIMIT_EXCEEDED error that names the
// denying endpoint.
func (l *Limiter) AllowAll(principal string, endpoints ...string) error {
	endpoint, d := l.CheckAll(principal, endpoints...)
	if d.Allowed {
		return nil
	}
	return apperr.Wrap(apperr.KindRateLimitExceeded, "too many requests, try again later",
		&ExceededError{Endpoint: endpoint, ResetAt: d.ResetAt})
}
