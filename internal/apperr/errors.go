package apperr

import (
	"errors"
	"net/http"
)

// Domain errors shared by the user proxy, auth and media layers. Callers wrap them
// with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInternal           = errors.New("internal error")
)

// Status maps an error onto the HTTP status code surfaced to clients.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidCredentials):
		// login failures have always answered 400
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing text for err. Internal failures are reduced to a
// generic message; the detail belongs in the logs.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if Status(err) == http.StatusInternalServerError {
		return "Internal error"
	}
	return err.Error()
}
