package session

import (
	"cmp"
	"slices"
	"time"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/facedetect"
	"github.com/kozaktomas/face-finder/internal/scraper"
	"github.com/kozaktomas/face-finder/internal/similarity"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no more matches can be appended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Match is a scored candidate. Faces keep their embeddings; they never
// leave the store, only Results built from them do.
type Match struct {
	Video          scraper.Candidate
	Faces          []facedetect.Face
	BestSimilarity float64
}

// SiteOutcome summarizes one site's run.
type SiteOutcome struct {
	Site       string `json:"site"`
	Candidates int    `json:"candidates"`
	Matches    int    `json:"matches"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// PartialError is a per-site or per-candidate failure that did not stop
// the search.
type PartialError struct {
	Site      string      `json:"site"`
	Candidate string      `json:"candidate,omitempty"`
	Code      apperr.Kind `json:"code"`
	Message   string      `json:"message"`
}

// ErrorInfo is the public form of a session failure.
type ErrorInfo struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

// Result is the wire shape of one match. It has no embedding fields.
type Result struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	ThumbnailURL    string           `json:"thumbnailUrl"`
	VideoURL        string           `json:"videoUrl"`
	SourceWebsite   string           `json:"sourceWebsite"`
	SimilarityScore float64          `json:"similarityScore"`
	FaceCount       int              `json:"faceCount"`
	BoundingBoxes   []facedetect.Box `json:"boundingBoxes"`
}

// View is a consistent snapshot of a session, safe to serialize.
type View struct {
	ID             string         `json:"searchId"`
	Status         Status         `json:"status"`
	Progress       int            `json:"progress"`
	Threshold      float64        `json:"threshold"`
	Results        []Result       `json:"results"`
	TotalMatches   int            `json:"totalMatches"`
	ProcessedSites []SiteOutcome  `json:"processedSites"`
	Errors         []PartialError `json:"errors"`
	Error          *ErrorInfo     `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
}

// Filter returns the matches whose rounded score meets t, sorted by score
// descending, then source site, then id, and truncated to limit (0 means
// no limit). The input is not modified.
func Filter(matches []Match, t float64, limit int) []Result {
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		score := similarity.Round(m.BestSimilarity)
		if !similarity.Meets(score, t) {
			continue
		}
		boxes := make([]facedetect.Box, len(m.Faces))
		for i, f := range m.Faces {
			boxes[i] = f.Box
		}
		results = append(results, Result{
			ID:              m.Video.ID,
			Title:           m.Video.Title,
			ThumbnailURL:    m.Video.ThumbnailURL,
			VideoURL:        m.Video.PageURL,
			SourceWebsite:   m.Video.SourceSite,
			SimilarityScore: score,
			FaceCount:       len(m.Faces),
			BoundingBoxes:   boxes,
		})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Or(
			cmp.Compare(b.SimilarityScore, a.SimilarityScore),
			cmp.Compare(a.SourceWebsite, b.SourceWebsite),
			cmp.Compare(a.ID, b.ID),
		)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
