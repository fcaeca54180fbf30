package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/face-finder/internal/session"
)

// Readiness reports whether a dependency has initialized.
type Readiness interface {
	Ready() bool
}

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	store    *session.Store
	detector Readiness
	now      func() time.Time
}

// NewHealthHandler creates a health handler. detector may be nil.
func NewHealthHandler(store *session.Store, detector Readiness) *HealthHandler {
	return &HealthHandler{store: store, detector: detector, now: time.Now}
}

type healthResponse struct {
	Status        string        `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	Sessions      int           `json:"sessions"`
	SessionStatus session.Stats `json:"sessionStatus"`
	DetectorReady bool          `json:"detectorReady"`
}

// Get handles GET /health. The face detector initializes lazily, so a
// cold detector does not make the service unhealthy.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	stats := h.store.Stats()
	resp := healthResponse{
		Status:        "ok",
		Timestamp:     h.now().UTC(),
		Sessions:      stats.Total,
		SessionStatus: stats,
	}
	if h.detector != nil {
		resp.DetectorReady = h.detector.Ready()
	}
	respondJSON(w, http.StatusOK, resp)
}
