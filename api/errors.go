package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRejected is a permanent refusal: invalid proof, stale challenge, duplicate.
	ErrRejected = errors.New("rejected by service")
	// ErrTransient covers every failure that is not a rejection.
	ErrTransient = errors.New("transient service error")
	// ErrNotFound and ErrInvalidRequest further classify transient 4xx responses.
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d %s: %s", e.Op, e.Code, http.StatusText(e.Code), e.Body)
}

// Unwrap classifies the response. Only 400 and 409 are rejections,
// the service answers with them for bad proofs and already solved pairs.
func (e *StatusError) Unwrap() []error {
	switch {
	case e.Code == http.StatusBadRequest, e.Code == http.StatusConflict:
		return []error{ErrRejected}
	case e.Code == http.StatusNotFound:
		return []error{ErrTransient, ErrNotFound}
	case e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests:
		return []error{ErrTransient, ErrInvalidRequest}
	default:
		return []error{ErrTransient}
	}
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected reports whether the service refused the request for good.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
