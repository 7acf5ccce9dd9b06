// Package apperr defines the render server's error taxonomy. Every stage
// failure is an *Error carrying a code, the pipeline stage that produced it
// and structured details that end up in the HTTP error envelope.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code categorizes a failure.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeAsset         Code = "ASSET_ERROR"
	CodeNormalization Code = "NORMALIZATION_ERROR"
	CodeComposition   Code = "COMPOSITION_ERROR"
	CodeRenderTimeout Code = "RENDER_TIMEOUT"
	CodeRenderEngine  Code = "RENDER_ENGINE_ERROR"
	CodePublish       Code = "PUBLISH_ERROR"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeConflict      Code = "CONFLICT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeCanceled      Code = "CANCELED"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// Stage names the pipeline step an error belongs to.
type Stage string

const (
	StageAdmission  Stage = "admission"
	StageValidation Stage = "validation"
	StageFetch      Stage = "fetch"
	StageNormalize  Stage = "normalize"
	StageCompose    Stage = "compose"
	StageRender     Stage = "render"
	StageUpload     Stage = "upload"
)

// Error is a coded, stage-tagged error.
type Error struct {
	Code    Code
	Stage   Stage
	Op      string
	Message string
	Err     error
	Fields  map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so errors.Is(err, &Error{Code: CodeAsset}) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches a detail that is reported to the caller.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithOp sets the failing operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// HTTPStatus maps the code to the response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAsset, CodePublish:
		return http.StatusBadGateway
	case CodeComposition:
		return http.StatusUnprocessableEntity
	case CodeRenderTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeCanceled:
		return http.StatusServiceUnavailable
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with the given code, stage and message.
func New(code Code, stage Stage, message string) *Error {
	return &Error{Code: code, Stage: stage, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, stage Stage, format string, args ...any) *Error {
	return New(code, stage, fmt.Sprintf(format, args...))
}

// Wrap wraps err. An *Error already in the chain keeps its code and stage.
func Wrap(err error, op, message string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Code: e.Code, Stage: e.Stage, Op: op, Message: message, Err: err, Fields: e.Fields}
	}
	return &Error{Code: CodeInternal, Op: op, Message: message, Err: err}
}

// Validation reports a malformed job description. fields maps a request path
// (e.g. "scenes[1].duration") to the problem found there.
func Validation(message string, fields map[string]string) *Error {
	e := New(CodeValidation, StageValidation, message)
	if len(fields) > 0 {
		e.WithField("fields", fields)
	}
	return e
}

// Asset reports an unavailable or unusable media reference.
func Asset(scene int, url string, err error) *Error {
	e := &Error{
		Code:    CodeAsset,
		Stage:   StageFetch,
		Message: fmt.Sprintf("asset unavailable for scene %d", scene),
		Err:     err,
	}
	return e.WithField("scene", scene).WithField("url", url)
}

// Normalization reports an engine failure while preparing one scene.
func Normalization(scene int, err error) *Error {
	e := &Error{
		Code:    CodeNormalization,
		Stage:   StageNormalize,
		Message: fmt.Sprintf("normalization failed for scene %d", scene),
		Err:     err,
	}
	return e.WithField("scene", scene)
}

// Composition reports an element that cannot be placed on the timeline.
func Composition(format string, args ...any) *Error {
	return Newf(CodeComposition, StageCompose, format, args...)
}

// RenderTimeout reports a final encode that exceeded its budget.
func RenderTimeout(limit fmt.Stringer, stderrTail string) *Error {
	e := Newf(CodeRenderTimeout, StageRender, "render exceeded %s", limit)
	if stderrTail != "" {
		e.WithField("stderr", stderrTail)
	}
	return e
}

// RenderEngine reports a non-zero engine exit.
func RenderEngine(err error, stderrTail string) *Error {
	e := &Error{Code: CodeRenderEngine, Stage: StageRender, Message: "render engine failed", Err: err}
	if stderrTail != "" {
		e.WithField("stderr", stderrTail)
	}
	return e
}

// Publish reports an upload that failed after retries.
func Publish(key string, err error) *Error {
	e := &Error{Code: CodePublish, Stage: StageUpload, Message: "publish failed", Err: err}
	return e.WithField("key", key)
}

// Unavailable reports that the server is at its admission ceiling.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, StageAdmission, message)
}

// Conflict reports an idempotency key that is already in flight.
func Conflict(message string) *Error {
	return New(CodeConflict, StageAdmission, message)
}

// Canceled reports a job stopped by cancellation or its hard timeout.
func Canceled(stage Stage, err error) *Error {
	return &Error{Code: CodeCanceled, Stage: stage, Message: "job canceled", Err: err}
}

// Internal wraps an unexpected failure in a stage.
func Internal(stage Stage, err error) *Error {
	return &Error{Code: CodeInternal, Stage: stage, Message: "internal error", Err: err}
}

// From converts any error into an *Error. Context errors become Canceled.
func From(err error, stage Stage) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled(stage, err)
	}
	return Internal(stage, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// GetCode returns the code of the first *Error in the chain, or CodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
