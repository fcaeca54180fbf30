// Package audit keeps an append-only, bounded in-memory record of every
// operation on biometric data plus security events. Every record is
// mirrored to the structured log.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Op is the kind of operation performed on biometric data.
type Op string

const (
	OpCreate  Op = "create"
	OpRead    Op = "read"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpEncrypt Op = "encrypt"
	OpDecrypt Op = "decrypt"
)

// Data types recorded in entries.
const (
	DataUserEmbedding = "user-embedding"
	DataFaceEmbedding = "face-embedding"
	DataSession       = "search-session"
	DataMatches       = "match-results"
)

// EventType classifies a security event.
type EventType string

const (
	EventRateLimitExceeded EventType = "rate-limit-exceeded"
	EventInvalidInput      EventType = "invalid-input"
	EventMaliciousFile     EventType = "malicious-file"
	EventSSRFBlocked       EventType = "ssrf-blocked"
)

// Severity ranks security events.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Entry is one biometric data operation.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Op        Op        `json:"op"`
	SessionID string    `json:"session_id,omitempty"`
	DataType  string    `json:"data_type"`
	Success   bool      `json:"success"`
	ErrorCode string    `json:"error_code,omitempty"`
	Principal string    `json:"principal"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// SecurityEvent is a suspicious or policy-relevant occurrence.
type SecurityEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	SessionID string    `json:"session_id,omitempty"`
	Principal string    `json:"principal"`
	Details   string    `json:"details,omitempty"`
}

// Log is the audit trail. A nil *Log discards everything, which lets
// components run without auditing in tests.
type Log struct {
	mu        sync.Mutex
	entries   []Entry
	events    []SecurityEvent
	retention int
	logger    logrus.FieldLogger
	now       func() time.Time
}

// New creates a log that keeps at most retention entries (and as many
// security events); older records are dropped first.
func New(retention int, logger logrus.FieldLogger) *Log {
	if retention <= 0 {
		retention = 1
	}
	return &Log{
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Record appends a data operation entry.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Principal == "" {
		e.Principal = "anonymous"
	}

	l.mu.Lock()
	l.entries = appendBounded(l.entries, e, l.retention)
	l.mu.Unlock()

	if l.logger != nil {
		fields := logrus.Fields{
			"audit":      true,
			"op":         e.Op,
			"session_id": e.SessionID,
			"data_type":  e.DataType,
			"success":    e.Success,
			"principal":  e.Principal,
		}
		if e.ErrorCode != "" {
			fields["error_code"] = e.ErrorCode
		}
		l.logger.WithFields(fields).Debug("biometric data access")
	}
}

// Security appends a security event.
func (l *Log) Security(ev SecurityEvent) {
	if l == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	if ev.Principal == "" {
		ev.Principal = "anonymous"
	}
	if ev.Severity == "" {
		ev.Severity = SeverityMedium
	}

	l.mu.Lock()
	l.events = appendBounded(l.events, ev, l.retention)
	l.mu.Unlock()

	if l.logger != nil {
		entry := l.logger.WithFields(logrus.Fields{
			"audit":      true,
			"event":      ev.Type,
			"severity":   ev.Severity,
			"session_id": ev.SessionID,
			"principal":  ev.Principal,
			"details":    ev.Details,
		})
		if ev.Severity == SeverityHigh {
			entry.Error("security event")
		} else {
			entry.Warn("security event")
		}
	}
}

// Entries returns a copy of the retained data operation entries, oldest first.
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// SecurityEvents returns a copy of the retained security events, oldest first.
func (l *Log) SecurityEvents() []SecurityEvent {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SecurityEvent(nil), l.events...)
}

// PurgeSession removes every retained record tied to the session and returns
// how many were dropped.
func (l *Log) PurgeSession(sessionID string) int {
	if l == nil || sessionID == "" {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.entries) + len(l.events)
	l.entries = deleteWhere(l.entries, func(e Entry) bool { return e.SessionID == sessionID })
	l.events = deleteWhere(l.events, func(e SecurityEvent) bool { return e.SessionID == sessionID })
	return before - len(l.entries) - len(l.events)
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		clear(s[:over])
		s = append(s[:0], s[over:]...)
	}
	return s
}

func deleteWhere[T any](s []T, match func(T) bool) []T {
	out := s[:0]
	for _, v := range s {
		if !match(v) {
			out = append(out, v)
		}
	}
	clear(s[len(out):])
	return out
}

// Actor identifies who triggered an operation.
type Actor struct {
	Principal string
	UserAgent string
}

type actorKey struct{}

// WithActor attaches the caller identity to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the identity attached by WithActor, if any.
func ActorFrom(ctx context.Context) Actor {
	if ctx == nil {
		return Actor{}
	}
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}
