package chatgpt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// BackendError wraps a failed backend request with enough classification for
// the caller to log and decide on rotation. The raw detail is never shown to
// end users.
type BackendError struct {
	Mode       Mode
	Endpoint   string
	StatusCode int // zero when the failure happened before a response
	Err        error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s backend", strings.ToLower(string(e.Mode)))
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " (%s)", e.Endpoint)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a request deadline expiry, either from the
// transport or from the per-request context.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func backendErr(mode Mode, endpoint string, status int, err error) error {
	return &BackendError{Mode: mode, Endpoint: endpoint, StatusCode: status, Err: err}
}

func statusErr(mode Mode, endpoint string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	const maxDetail = 512
	if len(detail) > maxDetail {
		detail = detail[:maxDetail]
	}
	return &BackendError{Mode: mode, Endpoint: endpoint, StatusCode: status, Err: errors.New(detail)}
}
