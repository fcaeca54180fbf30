// Package pipeline runs face searches: it turns an uploaded photo into a
// session, fans out over the configured sites and their thumbnails, scores
// every detected face against the user and feeds the session store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/audit"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/envelope"
	"github.com/kozaktomas/face-finder/internal/facedetect"
	"github.com/kozaktomas/face-finder/internal/fetch"
	"github.com/kozaktomas/face-finder/internal/imaging"
	"github.com/kozaktomas/face-finder/internal/ratelimit"
	"github.com/kozaktomas/face-finder/internal/scraper"
	"github.com/kozaktomas/face-finder/internal/session"
	"github.com/kozaktomas/face-finder/internal/similarity"
)

// Embedder extracts the user's face.
type Embedder interface {
	Embed(ctx context.Context, data []byte) (facedetect.Face, error)
}

// Discoverer lists candidate videos for a site.
type Discoverer interface {
	Discover(ctx context.Context, site config.SiteDescriptor) (scraper.Discovery, error)
}

// ThumbnailProcessor detects faces in a thumbnail.
type ThumbnailProcessor interface {
	Process(ctx context.Context, thumbURL string) ([]facedetect.Face, error)
}

// Options configures a Service.
type Options struct {
	SiteConcurrency  int
	ThumbConcurrency int
	CoarseFloor      float64
	Upload           imaging.Limits
}

// Deps are the collaborators of a Service.
type Deps struct {
	Detector   Embedder
	Scraper    Discoverer
	Thumbnails ThumbnailProcessor
	Store      *session.Store
	Limiter    *ratelimit.Limiter
	Audit      *audit.Log
	Logger     logrus.FieldLogger
}

// ProcessResult is the outcome of ProcessImage.
type ProcessResult struct {
	Success      bool   `json:"success"`
	SearchID     string `json:"searchId,omitempty"`
	FaceDetected bool   `json:"faceDetected"`
}

// Service is the search orchestrator.
type Service struct {
	deps  Deps
	sites []config.SiteDescriptor
	opts  Options
	hub   *hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator over the given sites.
func New(deps Deps, sites []config.SiteDescriptor, opts Options) *Service {
	if opts.SiteConcurrency <= 0 {
		opts.SiteConcurrency = constants.DefaultSiteConcurrency
	}
	if opts.ThumbConcurrency <= 0 {
		opts.ThumbConcurrency = constants.DefaultThumbConcurrency
	}
	if opts.CoarseFloor <= 0 {
		opts.CoarseFloor = constants.CoarseFloor
	}
	if opts.Upload.MinSize <= 0 {
		opts.Upload.MinSize = constants.MinUploadSize
	}
	if opts.Upload.MaxSize <= 0 {
		opts.Upload.MaxSize = constants.MaxUploadSize
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:   deps,
		sites:  sites,
		opts:   opts,
		hub:    newHub(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels every running search and waits for the workers to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every running search has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) principal(ctx context.Context, sessionID string) string {
	return ratelimit.Principal(sessionID, audit.ActorFrom(ctx).Principal)
}

// ProcessImage validates the upload, extracts the user's face and starts a
// background search. When no face is found no session is created and the
// result reports FaceDetected false alongside a NO_FACE_DETECTED error.
func (s *Service) ProcessImage(ctx context.Context, data []byte) (ProcessResult, error) {
	// Both windows are charged together or not at all.
	err := s.deps.Limiter.AllowAll(s.principal(ctx, ""), constants.EndpointFaceDetect, constants.EndpointVideoSearch)
	if err != nil {
		return ProcessResult{}, err
	}

	if _, err := imaging.Validate(data, s.opts.Upload); err != nil {
		s.securityEvent(ctx, "", err)
		return ProcessResult{}, err
	}

	face, err := s.deps.Detector.Embed(ctx, data)
	if err != nil {
		if apperr.IsKind(err, apperr.KindInvalidImage) {
			s.securityEvent(ctx, "", err)
		}
		return ProcessResult{}, err
	}
	defer envelope.WipeFloats(face.Embedding)

	id, err := s.deps.Store.Create(ctx, face.Embedding)
	if err != nil {
		return ProcessResult{}, err
	}

	workerCtx, cancel := context.WithCancel(audit.WithActor(s.ctx, audit.ActorFrom(ctx)))
	if err := s.deps.Store.Attach(id, cancel); err != nil {
		return ProcessResult{}, err
	}

	s.wg.Add(1)
	go s.run(workerCtx, cancel, id)

	s.deps.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"sites":      len(s.sites),
	}).Info("search started")
	return ProcessResult{Success: true, SearchID: id, FaceDetected: true}, nil
}

// securityEvent records rejected input. Files that claim to be images but
// are not count as malicious.
func (s *Service) securityEvent(ctx context.Context, sessionID string, err error) {
	ev := audit.SecurityEvent{
		Type:      audit.EventInvalidInput,
		Severity:  audit.SeverityLow,
		SessionID: sessionID,
		Principal: s.principal(ctx, sessionID),
		Details:   string(apperr.KindOf(err)),
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalidFileType, apperr.KindInvalidImage:
		ev.Type = audit.EventMaliciousFile
		ev.Severity = audit.SeverityMedium
	case apperr.KindSSRFBlocked:
		ev.Type = audit.EventSSRFBlocked
		ev.Severity = audit.SeverityHigh
		if b, ok := fetch.IsBlocked(err); ok {
			ev.Details = b.Reason + ": " + b.URL
		}
	}
	s.deps.Audit.Security(ev)
}

// Results returns the session snapshot, optionally re-thresholded first.
func (s *Service) Results(ctx context.Context, id string, threshold *float64) (session.View, error) {
	if !session.ValidID(id) {
		return session.View{}, apperr.New(apperr.KindInvalidSessionID, "invalid search id")
	}
	if err := s.deps.Limiter.Allow(constants.EndpointSimilarity, s.principal(ctx, id)); err != nil {
		return session.View{}, err
	}
	if threshold != nil {
		return s.deps.Store.SetThreshold(ctx, id, *threshold)
	}
	return s.deps.Store.Get(ctx, id)
}

// Configure sets a new threshold and returns the refiltered results.
func (s *Service) Configure(ctx context.Context, id string, threshold float64) (session.View, error) {
	if !session.ValidID(id) {
		return session.View{}, apperr.New(apperr.KindInvalidSessionID, "invalid search id")
	}
	if err := s.deps.Limiter.Allow(constants.EndpointSimilarity, s.principal(ctx, id)); err != nil {
		return session.View{}, err
	}
	return s.deps.Store.SetThreshold(ctx, id, threshold)
}

// Delete removes the session and stops its search.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.deps.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.hub.finish(id, Event{Type: EventDeleted})
	return nil
}

// Subscribe streams progress events for a session. The channel is closed
// when the session finishes or is deleted; call the returned function to
// stop listening earlier.
func (s *Service) Subscribe(id string) (<-chan Event, func(), error) {
	ch := s.hub.add(id)
	status, progress, err := s.deps.Store.Progress(id)
	if err != nil {
		s.hub.remove(id, ch)
		return nil, nil, err
	}
	if status.Terminal() {
		s.hub.finish(id, terminalEvent(status))
	} else {
		s.hub.send(id, Event{Type: EventProgress, Status: status, Progress: progress})
	}
	return ch, func() { s.hub.remove(id, ch) }, nil
}

func terminalEvent(status session.Status) Event {
	if status == session.StatusCompleted {
		return Event{Type: EventCompleted, Status: status, Progress: 100}
	}
	return Event{Type: EventFailed, Status: status, Progress: 100}
}

func (s *Service) notify(id string) {
	status, progress, err := s.deps.Store.Progress(id)
	if err != nil {
		return
	}
	s.hub.send(id, Event{Type: EventProgress, Status: status, Progress: progress})
}

// run is the background search for one session.
func (s *Service) run(ctx context.Context, cancel context.CancelFunc, id string) {
	logger := s.deps.Logger.WithField("session_id", id)
	defer s.wg.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Errorf("search panicked\n%s", debug.Stack())
			s.finish(id, apperr.New(apperr.KindInternal, fmt.Sprint(r)))
		}
	}()

	user, err := s.deps.Store.UserEmbedding(ctx, id)
	if err != nil {
		logger.WithError(err).Warn("search aborted before start")
		s.finish(id, err)
		return
	}
	defer envelope.WipeFloats(user)

	share := 0.0
	if len(s.sites) > 0 {
		share = 100 / float64(len(s.sites))
	}

	// Shared across sites so total thumbnail work stays bounded.
	thumbSem := make(chan struct{}, s.opts.ThumbConcurrency)

	var g errgroup.Group
	g.SetLimit(s.opts.SiteConcurrency)
	for _, site := range s.sites {
		g.Go(func() error {
			s.runSite(ctx, id, site, user, share, thumbSem)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// Deleted, expired or shutting down; whatever is left is discarded.
		logger.Debug("search cancelled")
		s.finish(id, apperr.New(apperr.KindSessionClosed, "search was cancelled"))
		return
	}
	s.finish(id, nil)
	logger.Info("search completed")
}

func (s *Service) finish(id string, err error) {
	if cerr := s.deps.Store.Complete(id, err); cerr != nil {
		if apperr.IsKind(cerr, apperr.KindSessionClosed) {
			// Already failed, e.g. by the processing deadline.
			s.hub.finish(id, terminalEvent(session.StatusError))
			return
		}
		s.hub.finish(id, Event{Type: EventDeleted})
		return
	}
	if err != nil {
		s.hub.finish(id, terminalEvent(session.StatusError))
		return
	}
	s.hub.finish(id, terminalEvent(session.StatusCompleted))
}

func (s *Service) runSite(ctx context.Context, id string, site config.SiteDescriptor, user []float32, share float64, thumbSem chan struct{}) {
	logger := s.deps.Logger.WithFields(logrus.Fields{"session_id": id, "site": site.Name})

	d, err := s.deps.Scraper.Discover(ctx, site)
	for _, skipped := range d.Skipped {
		s.recordPartial(ctx, id, site.Name, skipped.URL, skipped.Err)
	}
	if err != nil {
		logger.WithError(err).Warn("site discovery failed")
		pe := s.recordPartial(ctx, id, site.Name, "", err)
		_ = s.deps.Store.RecordSite(id, session.SiteOutcome{Site: site.Name, Error: pe.Message})
		_ = s.deps.Store.AppendMatches(ctx, id, nil, share)
		s.notify(id)
		return
	}

	if len(d.Candidates) == 0 {
		_ = s.deps.Store.RecordSite(id, session.SiteOutcome{Site: site.Name, Success: true})
		_ = s.deps.Store.AppendMatches(ctx, id, nil, share)
		s.notify(id)
		return
	}

	step := share / float64(len(d.Candidates))
	var matched atomic.Int32
	var wg sync.WaitGroup

	for _, c := range d.Candidates {
		if !acquire(ctx, thumbSem) {
			break
		}
		wg.Go(func() {
			defer func() { <-thumbSem }()
			if s.processCandidate(ctx, id, c, user, step) {
				matched.Add(1)
			}
		})
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	_ = s.deps.Store.RecordSite(id, session.SiteOutcome{
		Site:       site.Name,
		Candidates: len(d.Candidates),
		Matches:    int(matched.Load()),
		Success:    true,
	})
	s.hub.send(id, Event{Type: EventSite, Site: site.Name, Matches: int(matched.Load())})
}

// acquire takes a slot unless ctx is done first.
func acquire(ctx context.Context, sem chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// processCandidate scores one thumbnail and appends it to the session.
// It reports whether the candidate became a match.
func (s *Service) processCandidate(ctx context.Context, id string, c scraper.Candidate, user []float32, step float64) bool {
	faces, err := s.deps.Thumbnails.Process(ctx, c.ThumbnailURL)
	if err != nil {
		if ctx.Err() == nil {
			s.recordPartial(ctx, id, c.SourceSite, c.ID, err)
		}
		_ = s.deps.Store.AppendMatches(ctx, id, nil, step)
		s.notify(id)
		return false
	}

	kept := make([]facedetect.Face, 0, len(faces))
	best := 0.0
	for _, f := range faces {
		score, err := similarity.Cosine(user, f.Embedding)
		if err != nil {
			s.recordPartial(ctx, id, c.SourceSite, c.ID, err)
			continue
		}
		if score >= s.opts.CoarseFloor {
			kept = append(kept, f)
			best = max(best, score)
		}
	}

	var matches []session.Match
	if len(kept) > 0 {
		matches = []session.Match{{Video: c, Faces: kept, BestSimilarity: best}}
	}
	err = s.deps.Store.AppendMatches(ctx, id, matches, step)
	for _, f := range faces {
		envelope.WipeFloats(f.Embedding)
	}
	if err != nil {
		return false
	}
	s.notify(id)
	return len(kept) > 0
}

// recordPartial stores a per-site or per-candidate failure and audits
// blocked URLs.
func (s *Service) recordPartial(ctx context.Context, id, site, candidate string, err error) session.PartialError {
	if _, ok := fetch.IsBlocked(err); ok {
		s.securityEvent(ctx, id, apperr.Wrap(apperr.KindSSRFBlocked, "request blocked", err))
	} else if apperr.IsKind(err, apperr.KindInvalidFileType) {
		s.securityEvent(ctx, id, err)
	}

	pe := session.PartialError{Site: site, Candidate: candidate}
	pe.Code, pe.Message = describe(err)
	_ = s.deps.Store.RecordError(id, pe)

	s.deps.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"site":       site,
		"candidate":  candidate,
	}).WithError(err).Debug("partial failure")
	return pe
}

// describe turns a component error into a public code and message.
func describe(err error) (apperr.Kind, string) {
	var se *fetch.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.KindUpstreamFailed, "request timed out"
	case errors.As(err, &se):
		return apperr.KindUpstreamFailed, fmt.Sprintf("upstream returned status %d", se.Code)
	}
	if _, ok := fetch.IsBlocked(err); ok {
		return apperr.KindSSRFBlocked, "URL blocked by outbound request policy"
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		return apperr.KindUpstreamFailed, "request failed"
	}
	return apperr.Public(err)
}
