// Package session owns search sessions: the sealed user embedding, every
// scored match, the caller's threshold and the session lifecycle.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/audit"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/envelope"
	"github.com/kozaktomas/face-finder/internal/facedetect"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidID reports whether id has the shape of a session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidThreshold reports whether t is a finite value in the accepted range.
func ValidThreshold(t float64) bool {
	return !math.IsNaN(t) && t >= constants.MinThreshold && t <= constants.MaxThreshold
}

// Options configures a Store.
type Options struct {
	TTL              time.Duration
	SweepInterval    time.Duration
	MaxProcessing    time.Duration
	DefaultThreshold float64
	ResultLimit      int
}

type session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	expiresAt time.Time

	sealed    []byte
	matches   []Match
	threshold float64
	status    Status
	failure   *ErrorInfo
	progress  float64
	sites     []SiteOutcome
	errors    []PartialError
	cancel    context.CancelFunc

	// erased marks a tombstone: the session expired or was deleted and
	// holds no biometric data.
	erased bool
}

// Stats counts live sessions by status.
type Stats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Store is the process-wide session owner. The map is guarded by mu and
// each session by its own lock; the store lock is never held while taking
// a session lock for longer than the map operation.
type Store struct {
	opts   Options
	sealer *envelope.Sealer
	audit  *audit.Log
	logger logrus.FieldLogger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates an empty store.
func NewStore(opts Options, sealer *envelope.Sealer, auditLog *audit.Log, logger logrus.FieldLogger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = constants.DefaultSessionTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = constants.DefaultSweepInterval
	}
	if opts.MaxProcessing <= 0 {
		opts.MaxProcessing = constants.DefaultMaxProcessing
	}
	if !ValidThreshold(opts.DefaultThreshold) {
		opts.DefaultThreshold = constants.DefaultThreshold
	}
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = constants.DefaultResultLimit
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		opts:     opts,
		sealer:   sealer,
		audit:    auditLog,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

func generateID() (string, error) {
	b := make([]byte, constants.SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Store) record(ctx context.Context, op audit.Op, id, dataType string, err error) {
	actor := audit.ActorFrom(ctx)
	e := audit.Entry{
		Op:        op,
		SessionID: id,
		DataType:  dataType,
		Success:   err == nil,
		Principal: actor.Principal,
		UserAgent: actor.UserAgent,
	}
	if err != nil {
		e.ErrorCode = string(apperr.KindOf(err))
	}
	s.audit.Record(e)
}

// Create stores a new processing session for the user embedding and
// returns its id. The embedding is sealed; the caller's slice is not kept.
func (s *Store) Create(ctx context.Context, embedding []float32) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	sealed, err := s.sealer.Seal(embedding, id)
	s.record(ctx, audit.OpEncrypt, id, audit.DataUserEmbedding, err)
	if err != nil {
		return "", fmt.Errorf("failed to seal embedding: %w", err)
	}

	now := s.now()
	sess := &session{
		id:        id,
		createdAt: now,
		expiresAt: now.Add(s.opts.TTL),
		sealed:    sealed,
		threshold: s.opts.DefaultThreshold,
		status:    StatusProcessing,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.record(ctx, audit.OpCreate, id, audit.DataSession, nil)
	return id, nil
}

// lookup returns the session locked, after applying expiry and the
// processing deadline. On error the lock is not held.
func (s *Store) lookup(id string) (*session, error) {
	if !ValidID(id) {
		return nil, apperr.New(apperr.KindInvalidSessionID, "invalid search id")
	}

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindSessionNotFound, "search session not found")
	}

	sess.mu.Lock()
	now := s.now()
	if !sess.erased && !now.Before(sess.expiresAt) {
		s.erase(sess)
		s.record(context.Background(), audit.OpDelete, id, audit.DataSession, nil)
		s.logger.WithField("session_id", id).Debug("session expired")
	}
	if sess.erased {
		sess.mu.Unlock()
		if now.Before(sess.expiresAt) {
			return nil, apperr.New(apperr.KindSessionNotFound, "search session not found")
		}
		return nil, apperr.New(apperr.KindSessionExpired, "search session has expired")
	}
	if sess.status == StatusProcessing && now.Sub(sess.createdAt) > s.opts.MaxProcessing {
		s.fail(sess, apperr.New(apperr.KindInternal, "processing timed out"))
		s.logger.WithField("session_id", id).Warn("session processing timed out")
	}
	return sess, nil
}

// erase overwrites and drops every biometric field and stops the worker.
// The caller holds sess.mu.
func (s *Store) erase(sess *session) {
	envelope.Wipe(sess.sealed)
	sess.sealed = nil
	for i := range sess.matches {
		for j := range sess.matches[i].Faces {
			envelope.WipeFloats(sess.matches[i].Faces[j].Embedding)
			sess.matches[i].Faces[j].Embedding = nil
		}
	}
	sess.matches = nil
	sess.erased = true
	if sess.cancel != nil {
		sess.cancel()
		sess.cancel = nil
	}
}

// fail moves a processing session to error. The caller holds sess.mu.
func (s *Store) fail(sess *session, err error) {
	kind, msg := apperr.Public(err)
	sess.status = StatusError
	sess.failure = &ErrorInfo{Code: kind, Message: msg}
	sess.progress = 100
	if sess.cancel != nil {
		sess.cancel()
		sess.cancel = nil
	}
}

// view builds a snapshot. The caller holds sess.mu.
func (s *Store) view(sess *session) View {
	progress := int(sess.progress)
	if sess.status.Terminal() {
		progress = 100
	}
	v := View{
		ID:             sess.id,
		Status:         sess.status,
		Progress:       progress,
		Threshold:      sess.threshold,
		Results:        Filter(sess.matches, sess.threshold, s.opts.ResultLimit),
		TotalMatches:   len(sess.matches),
		ProcessedSites: slices.Clone(sess.sites),
		Errors:         slices.Clone(sess.errors),
		CreatedAt:      sess.createdAt,
		ExpiresAt:      sess.expiresAt,
	}
	if v.ProcessedSites == nil {
		v.ProcessedSites = []SiteOutcome{}
	}
	if v.Errors == nil {
		v.Errors = []PartialError{}
	}
	if sess.failure != nil {
		f := *sess.failure
		v.Error = &f
	}
	return v
}

// Get returns a snapshot of the session filtered by its current threshold.
func (s *Store) Get(ctx context.Context, id string) (View, error) {
	sess, err := s.lookup(id)
	if err != nil {
		s.record(ctx, audit.OpRead, id, audit.DataMatches, err)
		return View{}, err
	}
	v := s.view(sess)
	sess.mu.Unlock()

	s.record(ctx, audit.OpRead, id, audit.DataMatches, nil)
	return v, nil
}

// SetThreshold changes the caller threshold and returns the refiltered
// snapshot. Stored matches are never touched.
func (s *Store) SetThreshold(ctx context.Context, id string, t float64) (View, error) {
	if !ValidThreshold(t) {
		return View{}, apperr.New(apperr.KindInvalidThreshold,
			fmt.Sprintf("threshold must be between %.1f and %.1f", constants.MinThreshold, constants.MaxThreshold))
	}
	sess, err := s.lookup(id)
	if err != nil {
		s.record(ctx, audit.OpUpdate, id, audit.DataMatches, err)
		return View{}, err
	}
	sess.threshold = t
	v := s.view(sess)
	sess.mu.Unlock()

	s.record(ctx, audit.OpUpdate, id, audit.DataMatches, nil)
	return v, nil
}

// Progress reports status and progress without reading biometric data.
func (s *Store) Progress(id string) (Status, int, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return "", 0, err
	}
	defer sess.mu.Unlock()
	if sess.status.Terminal() {
		return sess.status, 100, nil
	}
	return sess.status, int(sess.progress), nil
}

// UserEmbedding returns a decrypted copy of the session's user embedding.
// The caller should wipe it when done.
func (s *Store) UserEmbedding(ctx context.Context, id string) ([]float32, error) {
	sess, err := s.lookup(id)
	if err != nil {
		s.record(ctx, audit.OpDecrypt, id, audit.DataUserEmbedding, err)
		return nil, err
	}
	sealed := slices.Clone(sess.sealed)
	sess.mu.Unlock()
	defer envelope.Wipe(sealed)

	embedding, err := s.sealer.Open(sealed, id)
	s.record(ctx, audit.OpDecrypt, id, audit.DataUserEmbedding, err)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding: %w", err)
	}
	return embedding, nil
}

// Attach binds the cancel function of the session's worker. It is invoked
// on delete, expiry or processing timeout. If the session is already gone
// or finished, cancel runs immediately.
func (s *Store) Attach(id string, cancel context.CancelFunc) error {
	sess, err := s.lookup(id)
	if err != nil {
		cancel()
		return err
	}
	defer sess.mu.Unlock()
	if sess.status.Terminal() {
		cancel()
		return apperr.New(apperr.KindSessionClosed, "search session is closed")
	}
	sess.cancel = cancel
	return nil
}

// writable returns the locked session if it still accepts pipeline writes.
func (s *Store) writable(id string) (*session, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return nil, apperr.New(apperr.KindSessionClosed, "search session is closed")
	}
	return sess, nil
}

// AppendMatches adds scored matches and advances progress (capped at 99
// until Complete). Faces are copied, so the caller may reuse its slices.
// Storing face embeddings is audited.
func (s *Store) AppendMatches(ctx context.Context, id string, matches []Match, deltaProgress float64) error {
	faces := 0
	for _, m := range matches {
		faces += len(m.Faces)
	}

	sess, err := s.writable(id)
	if err != nil {
		if faces > 0 {
			s.record(ctx, audit.OpCreate, id, audit.DataFaceEmbedding, err)
		}
		return err
	}
	defer sess.mu.Unlock()

	if faces > 0 {
		s.record(ctx, audit.OpCreate, id, audit.DataFaceEmbedding, nil)
	}
	for _, m := range matches {
		faces := make([]facedetect.Face, len(m.Faces))
		for i, f := range m.Faces {
			f.Embedding = slices.Clone(f.Embedding)
			faces[i] = f
		}
		m.Faces = faces
		sess.matches = append(sess.matches, m)
	}
	if deltaProgress > 0 {
		sess.progress = min(sess.progress+deltaProgress, 99)
	}
	return nil
}

// RecordSite stores the outcome of one site.
func (s *Store) RecordSite(id string, outcome SiteOutcome) error {
	sess, err := s.writable(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()
	sess.sites = append(sess.sites, outcome)
	return nil
}

// RecordError stores a partial failure.
func (s *Store) RecordError(id string, pe PartialError) error {
	sess, err := s.writable(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()
	sess.errors = append(sess.errors, pe)
	return nil
}

// Complete finishes processing. A nil err means completed; anything else
// moves the session to error with the public form of err.
func (s *Store) Complete(id string, err error) error {
	sess, lookupErr := s.writable(id)
	if lookupErr != nil {
		return lookupErr
	}
	defer sess.mu.Unlock()

	if err != nil {
		s.fail(sess, err)
		return nil
	}
	sess.status = StatusCompleted
	sess.progress = 100
	sess.cancel = nil
	return nil
}

// Delete removes the session, erasing its biometric data, cancelling its
// worker and purging audit entries tied to it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return apperr.New(apperr.KindInvalidSessionID, "invalid search id")
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		err := apperr.New(apperr.KindSessionNotFound, "search session not found")
		s.record(ctx, audit.OpDelete, id, audit.DataSession, err)
		return err
	}

	sess.mu.Lock()
	s.erase(sess)
	sess.mu.Unlock()

	s.record(ctx, audit.OpDelete, id, audit.DataSession, nil)
	purged := s.audit.PurgeSession(id)
	s.logger.WithFields(logrus.Fields{"session_id": id, "audit_purged": purged}).Info("session deleted")
	return nil
}

// Sweep removes every session whose expiry has passed and returns how many
// were removed. It is safe to run concurrently with Delete.
func (s *Store) Sweep() int {
	now := s.now()

	var expired []*session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if !now.Before(sess.expiresAt) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.mu.Lock()
		erased := sess.erased
		s.erase(sess)
		sess.mu.Unlock()
		// Tombstones were already recorded when they expired on access.
		if !erased {
			s.record(context.Background(), audit.OpDelete, sess.id, audit.DataSession, nil)
		}
		s.audit.PurgeSession(sess.id)
	}
	if len(expired) > 0 {
		s.logger.WithField("count", len(expired)).Debug("expired sessions swept")
	}
	return len(expired)
}

// Len returns the number of stored sessions, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats counts live sessions by status.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	var st Stats
	for _, sess := range all {
		sess.mu.Lock()
		if !sess.erased {
			st.Total++
			switch sess.status {
			case StatusProcessing:
				st.Processing++
			case StatusCompleted:
				st.Completed++
			case StatusError:
				st.Failed++
			}
		}
		sess.mu.Unlock()
	}
	return st
}

// Start runs the expiry sweep every SweepInterval until ctx is done or
// Stop is called.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends the sweeper and erases every remaining session.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		s.mu.Lock()
		all := s.sessions
		s.sessions = make(map[string]*session)
		s.mu.Unlock()

		for _, sess := range all {
			sess.mu.Lock()
			s.erase(sess)
			sess.mu.Unlock()
		}
	})
}
