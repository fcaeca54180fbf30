package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/audit"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(policies map[string]Policy) (*Limiter, *fakeClock, *audit.Log) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	log := audit.New(100, nil)
	l := New(policies, log)
	l.now = clock.now
	return l, clock, log
}

func TestCheck_DeniesOverMax(t *testing.T) {
	l, clock, log := newTestLimiter(map[string]Policy{"face-detect": {Window: time.Minute, Max: 3}})

	for i := range 3 {
		d := l.Check("face-detect", "10.0.0.1")
		require.True(t, d.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 2-i, d.Remaining)
		clock.advance(time.Second)
	}

	d := l.Check("face-detect", "10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	events := log.SecurityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventRateLimitExceeded, events[0].Type)
	assert.Equal(t, "10.0.0.1", events[0].Principal)
}

func TestCheck_AllowsAfterReset(t *testing.T) {
	l, clock, _ := newTestLimiter(map[string]Policy{"video-search": {Window: 5 * time.Minute, Max: 2}})

	l.Check("video-search", "p")
	clock.advance(time.Minute)
	l.Check("video-search", "p")

	denied := l.Check("video-search", "p")
	require.False(t, denied.Allowed)

	clock.t = denied.ResetAt
	assert.True(t, l.Check("video-search", "p").Allowed)
	assert.False(t, l.Check("video-search", "p").Allowed)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(map[string]Policy{
		"face-detect": {Window: time.Minute, Max: 1},
		"similarity":  {Window: time.Minute, Max: 1},
	})

	assert.True(t, l.Check("face-detect", "a").Allowed)
	assert.True(t, l.Check("face-detect", "b").Allowed)
	assert.True(t, l.Check("similarity", "a").Allowed)
	assert.False(t, l.Check("face-detect", "a").Allowed)
}

func TestCheck_UnknownEndpointAllowed(t *testing.T) {
	l, _, _ := newTestLimiter(nil)

	for range 50 {
		assert.True(t, l.Check("anything", "p").Allowed)
	}
	assert.Zero(t, l.Len())
}

func TestSweep(t *testing.T) {
	l, clock, _ := newTestLimiter(map[string]Policy{"similarity": {Window: time.Minute, Max: 100}})

	l.Check("similarity", "a")
	clock.advance(30 * time.Second)
	l.Check("similarity", "b")
	clock.advance(31 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	clock.advance(time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Zero(t, l.Len())
}

func TestPrincipal(t *testing.T) {
	assert.Equal(t, "sess", Principal("sess", "1.2.3.4"))
	assert.Equal(t, "1.2.3.4", Principal("", "1.2.3.4"))
	assert.Equal(t, "anonymous", Principal("", ""))
}

func TestStartStop(t *testing.T) {
	l := New(map[string]Policy{"x": {Window: 10 * time.Millisecond, Max: 1}}, nil)
	l.Check("x", "p")

	l.Start(context.Background())
	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestAllow(t *testing.T) {
	l, _, _ := newTestLimiter(map[string]Policy{"similarity": {Window: time.Minute, Max: 1}})

	require.NoError(t, l.Allow("similarity", "p"))
	err := l.Allow("similarity", "p")

	assert.Equal(t, apperr.KindRateLimitExceeded, apperr.KindOf(err))
	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "similarity", ex.Endpoint)
	assert.False(t, ex.ResetAt.IsZero())
}

func TestAllowAll_DenialChargesNoWindow(t *testing.T) {
	l, _, log := newTestLimiter(map[string]Policy{
		"face-detect":  {Window: time.Minute, Max: 3},
		"video-search": {Window: time.Minute, Max: 1},
	})

	require.NoError(t, l.AllowAll("p", "face-detect", "video-search"))
	for range 2 {
		err := l.AllowAll("p", "face-detect", "video-search")
		var ex *ExceededError
		require.ErrorAs(t, err, &ex)
		assert.Equal(t, "video-search", ex.Endpoint)
	}

	d := l.Check("face-detect", "p")
	assert.True(t, d.Allowed, "denied requests must not spend face-detect quota")
	assert.Equal(t, 1, d.Remaining)
	assert.Len(t, log.SecurityEvents(), 2)
}

func TestCheckAll_ReportsTightestWindow(t *testing.T) {
	l, clock, _ := newTestLimiter(map[string]Policy{
		"face-detect":  {Window: time.Minute, Max: 10},
		"video-search": {Window: 5 * time.Minute, Max: 3},
	})

	endpoint, d := l.CheckAll("p", "face-detect", "video-search", "unknown")

	assert.Empty(t, endpoint)
	require.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, clock.t.Add(5*time.Minute), d.ResetAt)
}

func TestCheckAll_NoPolicies(t *testing.T) {
	l, _, _ := newTestLimiter(nil)

	_, d := l.CheckAll("p", "face-detect")

	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.Remaining)
	assert.Zero(t, l.Len())
}
