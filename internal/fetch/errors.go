package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
)

// ErrInvalidArtifact marks content that failed the format or length check.
var ErrInvalidArtifact = errors.New("invalid artifact")

// StatusError is returned by an origin that answered with a non-success status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// FetchError is the result of a failed Fetch.
type FetchError struct {
	Item       catalog.WorkItem
	StatusCode int // zero unless the origin returned a status
	Cause      error
}

func newFetchError(item catalog.WorkItem, cause error) *FetchError {
	fe := &FetchError{Item: item, Cause: cause}
	var se *StatusError
	if errors.As(cause, &se) {
		fe.StatusCode = se.Code
	}
	return fe
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Item, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether another attempt could succeed. Transport errors,
// timeouts, truncated bodies, 408, 429 and 5xx are transient. Any other status
// (404 for a month missing upstream) is permanent.
func (e *FetchError) Retryable() bool {
	if errors.Is(e.Cause, context.Canceled) {
		return false
	}
	if e.StatusCode == 0 {
		return true
	}
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	default:
		return false
	}
}
