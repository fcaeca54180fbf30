// Package facedetecttest provides an in-memory face backend for tests.
//
// Detections are keyed by image dimensions, which survive re-encoding and
// metadata stripping, so a test can decide what a given picture "contains".
package facedetecttest

import (
	"bytes"
	"context"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	_ "image/jpeg"

	"github.com/kozaktomas/face-finder/internal/facedetect"
)

// Backend implements facedetect.Backend.
type Backend struct {
	mu      sync.Mutex
	faces   map[image.Point][]facedetect.RawFace
	pingErr error
	delay   time.Duration

	Pings atomic.Int32
	Calls atomic.Int32
}

// NewBackend returns a healthy backend that finds no faces.
func NewBackend() *Backend {
	return &Backend{faces: make(map[image.Point][]facedetect.RawFace)}
}

// Set registers the faces reported for any w×h image.
func (b *Backend) Set(w, h int, faces ...facedetect.RawFace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faces[image.Pt(w, h)] = faces
}

// FailPing makes Ping return err (nil restores health).
func (b *Backend) FailPing(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = err
}

// SetDelay makes every call wait d first.
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

func (b *Backend) wait(ctx context.Context) error {
	b.mu.Lock()
	d := b.delay
	b.mu.Unlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) Ping(ctx context.Context) error {
	b.Pings.Add(1)
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *Backend) DetectFaces(ctx context.Context, jpegData []byte) ([]facedetect.RawFace, error) {
	b.Calls.Add(1)
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(jpegData))
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faces[image.Pt(cfg.Width, cfg.Height)], nil
}

// Face builds a confident detection.
func Face(x1, y1, x2, y2 float64, embedding []float32) facedetect.RawFace {
	return facedetect.RawFace{
		BBox:      [4]float64{x1, y1, x2, y2},
		Embedding: embedding,
		Score:     0.99,
	}
}

// Axis returns the unit vector along axis i.
func Axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i%dim] = 1
	return v
}

// Similar returns a unit vector whose cosine similarity with Axis(dim, 0)
// is s.
func Similar(dim int, s float64) []float32 {
	v := make([]float32, dim)
	v[0] = float32(s)
	v[1] = float32(math.Sqrt(1 - s*s))
	return v
}
