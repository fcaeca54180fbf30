package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/pipeline"
	"github.com/kozaktomas/face-finder/internal/session"
)

// uploadField is the multipart field carrying the user photo.
const uploadField = "image"

// multipartOverhead is the allowance for form boundaries and headers on top
// of the image size cap.
const multipartOverhead = 64 << 10

// SearchHandler serves the face search endpoints.
type SearchHandler struct {
	search    *pipeline.Service
	maxUpload int64
	logger    logrus.FieldLogger
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(search *pipeline.Service, maxUpload int64, logger logrus.FieldLogger) *SearchHandler {
	return &SearchHandler{
		search:    search,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// thresholdRequest is the body of PUT /search/{searchId}/threshold.
type thresholdRequest struct {
	Threshold *float64 `json:"threshold"`
}

// configureResponse is returned after a threshold change.
type configureResponse struct {
	Success        bool             `json:"success"`
	SearchID       string           `json:"searchId"`
	Threshold      float64          `json:"threshold"`
	UpdatedResults []session.Result `json:"updatedResults"`
	TotalMatches   int              `json:"totalMatches"`
}

// searchID reads and validates the {searchId} route parameter.
func searchID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "searchId")
	if !session.ValidID(id) {
		return "", apperr.New(apperr.KindInvalidSessionID, "invalid search id")
	}
	return id, nil
}

// parseThreshold accepts a finite decimal; range checks happen in the store.
func parseThreshold(raw string) (float64, error) {
	t, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, apperr.New(apperr.KindInvalidThreshold, "threshold must be a number between 0.1 and 1.0")
	}
	return t, nil
}

// readUpload returns the image bytes from a multipart form field or a raw body.
func (h *SearchHandler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.ContentLength > h.maxUpload+multipartOverhead {
		return nil, apperr.New(apperr.KindFileTooLarge, "image exceeds the upload limit")
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)

	var src io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxUpload + multipartOverhead); err != nil {
			return nil, uploadError(err)
		}
		defer r.MultipartForm.RemoveAll()
		file, _, err := r.FormFile(uploadField)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("multipart field %q is required", uploadField))
		}
		defer file.Close()
		src = file
	}

	// One byte past the cap is enough for validation to reject it.
	data, err := io.ReadAll(io.LimitReader(src, h.maxUpload+1))
	if err != nil {
		return nil, uploadError(err)
	}
	return data, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Wrap(apperr.KindFileTooLarge, "image exceeds the upload limit", err)
	}
	return apperr.Wrap(apperr.KindInvalidInput, "failed to read upload", err)
}

// Create handles POST /search: it accepts a photo and starts a search.
func (h *SearchHandler) Create(w http.ResponseWriter, r *http.Request) {
	data, err := h.readUpload(w, r)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	result, err := h.search.ProcessImage(r.Context(), data)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// Get handles GET /search/{searchId}, optionally re-thresholding first.
func (h *SearchHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := searchID(r)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	var threshold *float64
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		t, err := parseThreshold(raw)
		if err != nil {
			respondAppError(w, r, h.logger, err)
			return
		}
		threshold = &t
	}

	view, err := h.search.Results(r.Context(), id, threshold)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// UpdateThreshold handles PUT /search/{searchId}/threshold.
func (h *SearchHandler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	id, err := searchID(r)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	var req thresholdRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, apperr.KindInvalidInput, errInvalidRequestBody)
		return
	}
	if req.Threshold == nil {
		respondError(w, http.StatusBadRequest, apperr.KindInvalidThreshold, "threshold is required")
		return
	}

	view, err := h.search.Configure(r.Context(), id, *req.Threshold)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, configureResponse{
		Success:        true,
		SearchID:       view.ID,
		Threshold:      view.Threshold,
		UpdatedResults: view.Results,
		TotalMatches:   view.TotalMatches,
	})
}

// Delete handles DELETE /search/{searchId}.
func (h *SearchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := searchID(r)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	if err := h.search.Delete(r.Context(), id); err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Events handles GET /search/{searchId}/events as a server-sent event stream.
func (h *SearchHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := searchID(r)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	events, stop, err := h.search.Subscribe(id)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	defer stop()
	streamSSEEvents(w, r, events)
}
