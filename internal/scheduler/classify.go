package scheduler

import (
	"errors"
	"net/http"

	"offsync/internal/models"
)

// ClassifyStatus maps an HTTP status code to a failure kind. Timeouts,
// throttling and server errors are worth retrying; other client errors are
// not. Unexpected non-2xx codes below 400 (unfollowed redirects) are retried.
func ClassifyStatus(code int) models.TransportErrorKind {
	switch {
	case code < 400:
		return models.Transient
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return models.Transient
	case code >= 500:
		return models.Transient
	default:
		return models.Permanent
	}
}

// Classify decides whether a send error is transient or permanent. Errors the
// engine cannot recognise are treated as transient: retrying is bounded by
// the attempt cap, dropping work is not recoverable.
func Classify(err error) models.TransportErrorKind {
	if err == nil {
		return 0
	}

	var tErr *models.TransportError
	if errors.As(err, &tErr) {
		if tErr.Kind != 0 {
			return tErr.Kind
		}
		if tErr.StatusCode != 0 {
			return ClassifyStatus(tErr.StatusCode)
		}
		return models.Transient
	}

	if errors.Is(err, models.ErrValidation) {
		return models.Permanent
	}
	// Deadlines, dropped connections and DNS failures all land here.
	return models.Transient
}
