/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies analysis failures.
type Kind string

const (
	KindModelNotLoaded      Kind = "model_not_loaded"
	KindPreprocessingFailed Kind = "preprocessing_failed"
	KindInvalidOutputShape  Kind = "invalid_output_shape"
	KindInferenceFailed     Kind = "inference_failed"
	KindInvalidImage        Kind = "invalid_image"
)

var statusCodes = map[Kind]int{
	KindModelNotLoaded:      http.StatusServiceUnavailable,
	KindPreprocessingFailed: http.StatusUnprocessableEntity,
	KindInvalidOutputShape:  http.StatusInternalServerError,
	KindInferenceFailed:     http.StatusInternalServerError,
	KindInvalidImage:        http.StatusBadRequest,
}

// Error is a failed analysis call.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode is the HTTP status reporting the error. An inference that ran
// out of time is a gateway timeout whatever its kind.
func (e *Error) StatusCode() int {
	if errors.Is(e.Cause, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if code, ok := statusCodes[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// IsKind checks whether err is an analysis error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetStatusCode extracts the HTTP status code from an error.
func GetStatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}
