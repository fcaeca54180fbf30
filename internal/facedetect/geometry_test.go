package facedetect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Box
		expected float64
	}{
		{"identical boxes", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1.0},
		{"no overlap", Box{0, 0, 10, 10}, Box{20, 20, 10, 10}, 0},
		{"touching edges", Box{0, 0, 10, 10}, Box{10, 0, 10, 10}, 0},
		{"partial overlap", Box{0, 0, 10, 10}, Box{5, 5, 10, 10}, 25.0 / 175.0},
		{"one inside other", Box{0, 0, 20, 20}, Box{5, 5, 10, 10}, 100.0 / 400.0},
		{"empty boxes", Box{}, Box{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, IoU(tt.a, tt.b), 1e-9)
			assert.InDelta(t, tt.expected, IoU(tt.b, tt.a), 1e-9)
		})
	}
}

func TestSuppressOverlaps(t *testing.T) {
	faces := []Face{
		{Box: Box{0, 0, 10, 10}, Confidence: 0.7},
		{Box: Box{1, 1, 10, 10}, Confidence: 0.9},
		{Box: Box{50, 50, 10, 10}, Confidence: 0.6},
		{Box: Box{0, 0, 10, 10}, Confidence: 0.8},
	}

	got := suppressOverlaps(faces, 0.5)

	require.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Equal(t, 0.6, got[1].Confidence)
	assert.Len(t, faces, 4, "input must not be modified")
	assert.Equal(t, 0.7, faces[0].Confidence)
}

func TestSuppressOverlaps_Disjoint(t *testing.T) {
	faces := []Face{
		{Box: Box{0, 0, 10, 10}, Confidence: 0.5},
		{Box: Box{20, 0, 10, 10}, Confidence: 0.9},
	}

	assert.Equal(t, faces, suppressOverlaps(faces, 0.5))
}
