package tool

import (
	"errors"
	"fmt"
	"net/http"
)

// UpstreamError is a non-success response from the backend.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	msg := http.StatusText(e.Status)
	if e.Body != "" {
		msg = e.Body
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
}

// ErrorResult turns a backend failure into a tool result with IsError set.
// Upstream responses keep their status and body; other failures keep their
// message.
func ErrorResult(err error) *Result {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return &Result{Content: ue.Error(), RawData: map[string]any{"status": ue.Status}, IsError: true}
	}
	return &Result{Content: err.Error(), IsError: true}
}
