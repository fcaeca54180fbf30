// Package facedetect turns image bytes into face detections with embeddings.
//
// The model itself runs behind a Backend (normally the HTTP face service).
// Service adds what the rest of the system relies on: input validation,
// orientation and size normalization, a one-shot initialization latch,
// confidence filtering and embedding hygiene checks.
package facedetect

import (
	"cmp"
	"context"
	"image"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/imaging"
)

// RawFace is a detection as reported by the backend, in the pixel space of
// the image it was given.
type RawFace struct {
	BBox      [4]float64 // x1, y1, x2, y2
	Embedding []float32
	Score     float64
}

// Backend is the face detection capability.
type Backend interface {
	Ping(ctx context.Context) error
	DetectFaces(ctx context.Context, jpegData []byte) ([]RawFace, error)
}

// Box is a bounding box in pixels of the original image.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in pixels.
func (b Box) Area() int {
	return b.Width * b.Height
}

// Face is one detected face.
type Face struct {
	Box        Box
	Embedding  []float32
	Confidence float64
}

// Options tune a Service.
type Options struct {
	ModelDim      int
	MinConfidence float64
	MaxDimension  int
	InitTimeout   time.Duration
	// OverlapIoU is the overlap at which two detections count as one face.
	OverlapIoU float64
}

type initAttempt struct {
	done chan struct{}
	err  error
}

// Service is the process-wide face detector.
type Service struct {
	backend Backend
	opts    Options
	logger  logrus.FieldLogger

	mu      sync.Mutex
	ready   bool
	pending *initAttempt
}

// NewService wraps a backend.
func NewService(backend Backend, opts Options, logger logrus.FieldLogger) *Service {
	if opts.ModelDim <= 0 {
		opts.ModelDim = constants.DefaultModelDim
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = constants.MaxImageDimension
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 15 * time.Second
	}
	if opts.OverlapIoU <= 0 {
		opts.OverlapIoU = constants.DefaultOverlapIoU
	}
	return &Service{backend: backend, opts: opts, logger: logger}
}

// ModelDim returns the embedding dimension every emitted face has.
func (s *Service) ModelDim() int {
	return s.opts.ModelDim
}

// Init initializes the backend once. Concurrent callers share one attempt;
// success is memoized and a failure lets the next caller try again.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return nil
	}
	a := s.pending
	if a == nil {
		a = &initAttempt{done: make(chan struct{})}
		s.pending = a
		go s.runInit(a)
	}
	s.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindDetectorUnavailable, "face detector is not ready", ctx.Err())
	}
}

func (s *Service) runInit(a *initAttempt) {
	// Detached from any caller so one cancelled request does not fail the
	// attempt for everyone else.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.InitTimeout)
	defer cancel()

	err := s.backend.Ping(ctx)

	s.mu.Lock()
	if err == nil {
		s.ready = true
	} else {
		a.err = apperr.Wrap(apperr.KindDetectorUnavailable, "face detector is not ready", err)
		if s.logger != nil {
			s.logger.WithError(err).Warn("face detector initialization failed")
		}
	}
	s.pending = nil
	close(a.done)
	s.mu.Unlock()
}

// Ready reports whether initialization has succeeded.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Detect returns every face above the confidence floor. An image without
// faces yields an empty slice, not an error.
func (s *Service) Detect(ctx context.Context, data []byte) ([]Face, error) {
	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	return s.DetectImage(ctx, img)
}

// DetectImage runs detection on an already decoded image. Only a re-encoded
// copy of the pixels reaches the backend.
func (s *Service) DetectImage(ctx context.Context, img image.Image) ([]Face, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	orig := img.Bounds()
	scaled, scale := imaging.Fit(img, s.opts.MaxDimension)

	jpegData, err := imaging.EncodeJPEG(scaled)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidImage, "image could not be prepared", err)
	}

	raw, err := s.backend.DetectFaces(ctx, jpegData)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(apperr.KindDetectorUnavailable, "face detection failed", err)
	}

	faces := make([]Face, 0, len(raw))
	for _, r := range raw {
		if r.Score < s.opts.MinConfidence {
			continue
		}
		if !ValidEmbedding(r.Embedding, s.opts.ModelDim) {
			if s.logger != nil {
				s.logger.WithField("dim", len(r.Embedding)).Warn("dropping face with invalid embedding")
			}
			continue
		}
		faces = append(faces, Face{
			Box:        toBox(r.BBox, scale, orig.Dx(), orig.Dy()),
			Embedding:  slices.Clone(r.Embedding),
			Confidence: min(max(r.Score, 0), 1),
		})
	}
	return suppressOverlaps(faces, s.opts.OverlapIoU), nil
}

// Embed detects faces and returns the largest one.
func (s *Service) Embed(ctx context.Context, data []byte) (Face, error) {
	faces, err := s.Detect(ctx, data)
	if err != nil {
		return Face{}, err
	}
	face, ok := Largest(faces)
	if !ok {
		return Face{}, apperr.New(apperr.KindNoFaceDetected, "no face detected in image")
	}
	return face, nil
}

// Largest picks the face with the greatest box area; ties go to higher
// confidence, then to the smaller (x, y).
func Largest(faces []Face) (Face, bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	best := slices.MinFunc(faces, func(a, b Face) int {
		return cmp.Or(
			cmp.Compare(b.Box.Area(), a.Box.Area()),
			cmp.Compare(b.Confidence, a.Confidence),
			cmp.Compare(a.Box.X, b.Box.X),
			cmp.Compare(a.Box.Y, b.Box.Y),
		)
	})
	return best, true
}

// ValidEmbedding reports whether e has the model dimension and only finite values.
func ValidEmbedding(e []float32, dim int) bool {
	if len(e) != dim {
		return false
	}
	for _, v := range e {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// toBox maps an [x1, y1, x2, y2] box from the scaled image back to the
// original pixel space and clamps it to the image.
func toBox(b [4]float64, scale float64, width, height int) Box {
	x1 := clampInt(int(math.Round(b[0]*scale)), 0, width)
	y1 := clampInt(int(math.Round(b[1]*scale)), 0, height)
	x2 := clampInt(int(math.Round(b[2]*scale)), x1, width)
	y2 := clampInt(int(math.Round(b[3]*scale)), y1, height)
	return Box{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
