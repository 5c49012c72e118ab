package controlplane

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fentz26/coderelay/internal/pipeline"
	"github.com/fentz26/coderelay/internal/store"
	"github.com/fentz26/coderelay/internal/workspace"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// RequestError reports a malformed request body.
type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// statusFor maps an error to the HTTP status returned to the client.
// Generation failures, archive collisions and timeouts are all 500.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsRequestError(err), pipeline.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrNotDirectory):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
