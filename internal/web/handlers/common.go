package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/ratelimit"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Success      bool        `json:"success"`
	FaceDetected *bool       `json:"faceDetected,omitempty"`
	Error        errorDetail `json:"error"`
}

type errorDetail struct {
	Code      apperr.Kind `json:"code"`
	Message   string      `json:"message"`
	Reference string      `json:"reference,omitempty"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response with an explicit kind.
func respondError(w http.ResponseWriter, status int, kind apperr.Kind, message string) {
	respondJSON(w, status, errorBody{Error: errorDetail{Code: kind, Message: message}})
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput, apperr.KindInvalidFileType, apperr.KindInvalidSessionID,
		apperr.KindInvalidThreshold, apperr.KindInvalidImage, apperr.KindSSRFBlocked:
		return http.StatusBadRequest
	case apperr.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.KindSessionNotFound:
		return http.StatusNotFound
	case apperr.KindSessionExpired:
		return http.StatusGone
	case apperr.KindSessionClosed:
		return http.StatusConflict
	case apperr.KindNoFaceDetected:
		return http.StatusUnprocessableEntity
	case apperr.KindDetectorUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError translates a classified error into a response. Internal
// errors are logged with their cause under a reference id; only the
// reference and a generic message reach the caller.
func respondAppError(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger, err error) {
	kind, message := apperr.Public(err)
	status := statusFor(kind)
	body := errorBody{Error: errorDetail{Code: kind, Message: message}}

	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		secs := int(math.Ceil(time.Until(exceeded.ResetAt).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}

	switch {
	case kind == apperr.KindNoFaceDetected:
		detected := false
		body.FaceDetected = &detected
	case status >= http.StatusInternalServerError:
		body.Error.Reference = uuid.NewString()
		logger.WithFields(logrus.Fields{
			"reference": body.Error.Reference,
			"method":    r.Method,
			"path":      sanitizeForLog(r.URL.Path),
		}).WithError(err).Error("request failed")
	default:
		logger.WithFields(logrus.Fields{
			"code": kind,
			"path": sanitizeForLog(r.URL.Path),
		}).Debug("request rejected")
	}
	respondJSON(w, status, body)
}

// RespondKind writes an error body for routes outside this package.
func RespondKind(w http.ResponseWriter, status int, kind apperr.Kind, message string) {
	respondError(w, status, kind, message)
}
