package upstream

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// maxErrorBody caps how much of an upstream error response is read.
const maxErrorBody = 4096

// HTTPError is a non-2xx response from the upstream, preserved so the
// gateway can relay the original status and message.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

// Error returns a formatted error string including status and message.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Message)
}

// parseHTTPError reads up to 4KB of the response body and extracts the
// OpenAI-style error.message, falling back to the body text, then to the
// status text.
func parseHTTPError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg, Body: string(body)}
}
