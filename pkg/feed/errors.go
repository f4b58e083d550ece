package feed

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned when the session endpoint answers 403: the
// user may no longer view this feed.
var ErrUnauthorized = errors.New("not authorized for this feed")

// StatusError represents a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Status returns the status line text, e.g. "503 Service Unavailable".
func (e *StatusError) Status() string {
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsStatusError checks if an error is, or wraps, a StatusError.
func IsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
