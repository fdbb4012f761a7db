package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/odvcencio/barehub/pkg/repo"
)

var errBadRequestBody = errors.New("invalid request body")

// statusFor maps repository errors onto HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, repo.ErrBranchNotFound), errors.Is(err, repo.ErrPathNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrWrongKind), errors.Is(err, repo.ErrInvalidInput), errors.Is(err, errBadRequestBody):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, repo.ErrNotText):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repo.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, repo.ErrRepositoryUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as a plain-text message. Server-side failures are
// logged with the request id.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := s.logger.WithRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}
