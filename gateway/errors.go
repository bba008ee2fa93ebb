package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// requestError classifies a failed runtime request for the retry loop.
type requestError struct {
	err       error
	status    int
	permanent bool
}

func (e *requestError) Error() string {
	return e.err.Error()
}

func (e *requestError) Unwrap() error {
	return e.err
}

// retryable marks a failure that may succeed on another attempt.
func retryable(err error) error {
	return &requestError{err: err}
}

// permanent marks a failure that will not improve on retry.
func permanent(err error) error {
	return &requestError{err: err, permanent: true}
}

// isPermanent reports whether err was classified as not worth retrying.
func isPermanent(err error) bool {
	var re *requestError
	return errors.As(err, &re) && re.permanent
}

// StatusCode returns the runtime's HTTP status carried by err, or 0 when the
// request never got a response.
func StatusCode(err error) int {
	var re *requestError
	if errors.As(err, &re) {
		return re.status
	}
	return 0
}

// classifyHTTPError turns a non-2xx response into a request error. Rate
// limiting and server errors are retried; other 4xx responses are not.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	return &requestError{
		err:       fmt.Errorf("agent runtime error (status %d): %s", statusCode, bodyStr),
		status:    statusCode,
		permanent: statusCode != http.StatusTooManyRequests && statusCode < 500,
	}
}
