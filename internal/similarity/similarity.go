// Package similarity scores face embeddings against each other.
package similarity

import (
	"fmt"
	"math"

	"github.com/kozaktomas/face-finder/internal/apperr"
)

// Cosine returns the cosine similarity of a and b mapped into [0, 1]:
// negative cosines and zero-magnitude vectors score 0.
// Vectors of different length fail with DIM_MISMATCH.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, apperr.New(apperr.KindDimMismatch,
			fmt.Sprintf("embedding dimensions differ: %d vs %d", len(a), len(b)))
	}
	if len(a) == 0 {
		return 0, nil
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	s := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to handle floating point error and drop negative similarity.
	if s > 1 {
		s = 1
	}
	if s < 0 || math.IsNaN(s) {
		s = 0
	}
	return s, nil
}

// Round rounds a score to two decimal places before it leaves the process.
func Round(s float64) float64 {
	return math.Round(s*100) / 100
}

// Meets reports whether score s passes threshold t.
func Meets(s, t float64) bool {
	return s >= t
}
