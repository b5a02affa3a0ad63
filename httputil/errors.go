// Package httputil provides HTTP error handling shared by the outbound clients.
package httputil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxErrorBodySize caps how much of an error body ends up in an error message.
const MaxErrorBodySize = 500

// HTTPError is a non-2xx response from an upstream service.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s (status %d): %s", e.Status, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s (status %d)", e.Status, e.URL, e.StatusCode)
}

// StatusCode extracts the upstream status from err, or 0 when err is not an *HTTPError.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ParseErrorResponse returns an *HTTPError for 4xx/5xx responses and nil otherwise.
// The body is re-wrapped so the caller can still read it.
func ParseErrorResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	bodyStr := ""
	if err == nil && len(bodyBytes) > 0 {
		bodyStr = truncate(string(bodyBytes), MaxErrorBodySize)
	}

	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}

	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       bodyStr,
		URL:        url,
	}
}
