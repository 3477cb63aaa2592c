package client

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// userinfoPattern matches credentials embedded in URLs, such as the SOCKS proxy address.
var userinfoPattern = regexp.MustCompile(`://[^/@\s"]+@`)

// ErrUnavailable is returned when the metadata circuit breaker rejects a call.
var ErrUnavailable = errors.New("metadata upstream temporarily unavailable")

// UpstreamFetchError reports a failed upstream call: a network failure, a
// timeout, or a non-2xx status. StatusCode is 0 when no response arrived.
type UpstreamFetchError struct {
	StatusCode int
	URL        string
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream responded with %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err == nil {
		return "upstream request failed"
	}
	return e.Err.Error()
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// statusError builds an UpstreamFetchError for a non-2xx response.
func statusError(resp *http.Response, target string) *UpstreamFetchError {
	return &UpstreamFetchError{StatusCode: resp.StatusCode, URL: target}
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// RedactError renders err with URL credentials replaced, for logs and client-facing messages.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return userinfoPattern.ReplaceAllString(err.Error(), "://[REDACTED]@")
}
