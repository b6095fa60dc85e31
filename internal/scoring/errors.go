package scoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"registry-scorer/internal/common"
	"registry-scorer/internal/ml"
)

// Stage names the handler step an error came from.
type Stage string

const (
	StageParse    Stage = "parse"
	StageValidate Stage = "validate"
	StageShape    Stage = "shape"
	StagePredict  Stage = "predict"
)

var (
	ErrMissingInputData   = errors.New(common.ErrMsgMissingInputData)
	ErrAlreadyInitialized = errors.New("scoring service already initialized")
)

// Error is a failed request, tagged with the stage that rejected it.
type Error struct {
	Stage   Stage
	Message string
	Err     error
}

func newError(stage Stage, err error) *Error {
	return &Error{Stage: stage, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Stage {
	case StageParse, StageValidate:
		return http.StatusBadRequest
	case StageShape:
		if errors.Is(e.Err, ml.ErrRagged) || errors.Is(e.Err, ml.ErrNonFinite) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case StagePredict:
		if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		if errors.Is(e.Err, ml.ErrFeatureCount) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// StatusOf returns the HTTP status for any handler error.
func StatusOf(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return http.StatusInternalServerError
}
