package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-finder/internal/audit"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/envelope"
	"github.com/kozaktomas/face-finder/internal/facedetect"
	"github.com/kozaktomas/face-finder/internal/facedetect/facedetecttest"
	"github.com/kozaktomas/face-finder/internal/logging"
	"github.com/kozaktomas/face-finder/internal/pipeline"
	"github.com/kozaktomas/face-finder/internal/ratelimit"
	"github.com/kozaktomas/face-finder/internal/scraper"
	"github.com/kozaktomas/face-finder/internal/session"
)

const (
	testDim      = 8
	testUserSize = 96
)

// stubScraper returns fixed candidates per site.
type stubScraper struct {
	candidates map[string][]scraper.Candidate
}

func (s stubScraper) Discover(_ context.Context, site config.SiteDescriptor) (scraper.Discovery, error) {
	return scraper.Discovery{Site: site.Name, Candidates: s.candidates[site.Name]}, nil
}

// stubThumbnails maps thumbnail URLs to detected faces.
type stubThumbnails struct {
	faces map[string][]facedetect.Face
}

func (s stubThumbnails) Process(_ context.Context, thumbURL string) ([]facedetect.Face, error) {
	faces := s.faces[thumbURL]
	out := make([]facedetect.Face, len(faces))
	for i, f := range faces {
		f.Embedding = append([]float32(nil), f.Embedding...)
		out[i] = f
	}
	return out, nil
}

// testEnv is a search stack wired with fakes behind a chi router.
type testEnv struct {
	router  *chi.Mux
	store   *session.Store
	audit   *audit.Log
	backend *facedetecttest.Backend
	search  *pipeline.Service
}

type envOptions struct {
	policies map[string]ratelimit.Policy
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := logging.Discard()

	backend := facedetecttest.NewBackend()
	backend.Set(testUserSize, testUserSize, facedetecttest.Face(10, 10, 80, 80, facedetecttest.Axis(testDim, 0)))
	detector := facedetect.NewService(backend, facedetect.Options{ModelDim: testDim}, logger)

	auditLog := audit.New(1000, logger)
	sealer, err := envelope.New(nil)
	require.NoError(t, err)
	store := session.NewStore(session.Options{}, sealer, auditLog, logger)

	site := config.SiteDescriptor{Name: "alpha", BaseURL: "https://alpha.example", MaxVideos: 10}
	scr := stubScraper{candidates: map[string][]scraper.Candidate{
		"alpha": {
			{ID: "v1", Title: "First", PageURL: "https://alpha.example/v1", ThumbnailURL: "https://alpha.example/t1.jpg", SourceSite: "alpha"},
			{ID: "v2", Title: "Second", PageURL: "https://alpha.example/v2", ThumbnailURL: "https://alpha.example/t2.jpg", SourceSite: "alpha"},
		},
	}}
	thumbs := stubThumbnails{faces: map[string][]facedetect.Face{
		"https://alpha.example/t1.jpg": {{
			Box:        facedetect.Box{X: 1, Y: 2, Width: 30, Height: 40},
			Embedding:  facedetecttest.Similar(testDim, 0.9),
			Confidence: 0.99,
		}},
		"https://alpha.example/t2.jpg": {{
			Box:        facedetect.Box{X: 5, Y: 5, Width: 20, Height: 20},
			Embedding:  facedetecttest.Similar(testDim, 0.65),
			Confidence: 0.95,
		}},
	}}

	policies := opts.policies
	if policies == nil {
		policies = map[string]ratelimit.Policy{}
	}

	search := pipeline.New(pipeline.Deps{
		Detector:   detector,
		Scraper:    scr,
		Thumbnails: thumbs,
		Store:      store,
		Limiter:    ratelimit.New(policies, auditLog),
		Audit:      auditLog,
		Logger:     logger,
	}, []config.SiteDescriptor{site}, pipeline.Options{})
	t.Cleanup(search.Close)

	sh := NewSearchHandler(search, 1<<20, logger)
	hh := NewHealthHandler(store, detector)

	r := chi.NewRouter()
	r.Get("/api/v1/health", hh.Get)
	r.Post("/api/v1/search", sh.Create)
	r.Get("/api/v1/search/{searchId}", sh.Get)
	r.Put("/api/v1/search/{searchId}/threshold", sh.UpdateThreshold)
	r.Delete("/api/v1/search/{searchId}", sh.Delete)
	r.Get("/api/v1/search/{searchId}/events", sh.Events)

	return &testEnv{router: r, store: store, audit: auditLog, backend: backend, search: search}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// multipartImage builds a multipart body with data under field.
func multipartImage(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, "me.jpg")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

// startSearch uploads a face photo and waits for the search to finish.
func (e *testEnv) startSearch(t *testing.T, image []byte) string {
	t.Helper()
	body, ct := multipartImage(t, "image", image)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", body)
	req.Header.Set("Content-Type", ct)

	rec := e.do(req)
	assertStatusCode(t, rec, http.StatusAccepted)

	var res pipeline.ProcessResult
	parseJSONResponse(t, rec, &res)
	require.True(t, res.Success)
	e.search.Wait()
	return res.SearchID
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertErrorCode checks the error body carries the expected code.
func assertErrorCode(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	var body errorBody
	parseJSONResponse(t, recorder, &body)
	if string(body.Error.Code) != expected {
		t.Errorf("expected error code '%s', got '%s'", expected, body.Error.Code)
	}
	if body.Success {
		t.Error("error response must have success=false")
	}
}
