package api

import (
	"context"
	"errors"
	"magazyn-plikow/internal/drive"
	"net/http"
)

// errorResponse maps an engine error to a status and a message safe to show
// the client. Backend detail stays in the log.
func errorResponse(err error) (int, string) {
	kind := drive.Kind(err)
	switch kind {
	case drive.ErrInvalidArchive:
		return http.StatusBadRequest, err.Error()
	case drive.ErrInvalidInput:
		return http.StatusBadRequest, err.Error()
	case drive.ErrSizeLimitExceeded:
		return http.StatusRequestEntityTooLarge, kind.Error()
	case drive.ErrForbidden:
		return http.StatusForbidden, kind.Error()
	case drive.ErrEmptyFolder, drive.ErrNotFound:
		return http.StatusNotFound, kind.Error()
	case drive.ErrNameConflict:
		return http.StatusConflict, kind.Error()
	case drive.ErrPartialFailure:
		return http.StatusBadGateway, kind.Error()
	case drive.ErrStoreUnavailable, drive.ErrRepositoryUnavailable:
		return http.StatusServiceUnavailable, kind.Error()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "operation timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "request cancelled"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorResponse(err)

	event := s.log.Warn()
	if status >= http.StatusInternalServerError {
		event = s.log.Error()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")

	http.Error(w, msg, status)
}
