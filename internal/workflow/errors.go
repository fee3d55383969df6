package workflow

import (
	"errors"
	"fmt"

	"github.com/framesmith/framesmith-agent/internal/ffmpeg"
	"github.com/framesmith/framesmith-agent/internal/processors"
)

// ErrorCode is the small integer outcome of one pipeline invocation. The
// CLI exits with it.
type ErrorCode int

const (
	CodeSuccess         ErrorCode = 0
	CodeError           ErrorCode = 1
	CodeValidation      ErrorCode = 2
	CodeContentRejected ErrorCode = 3
	CodeStopped         ErrorCode = 4
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeError:
		return "error"
	case CodeValidation:
		return "validation"
	case CodeContentRejected:
		return "content_rejected"
	case CodeStopped:
		return "stopped"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

var (
	ErrContentRejected = errors.New("content rejected by analysis")
	ErrStopped         = errors.New("processing stopped")
	ErrBusy            = errors.New("another process is running")
)

// TaskError is a stage-aware pipeline failure.
type TaskError struct {
	Stage string
	Code  ErrorCode
	Err   error
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *TaskError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CodeOf maps an error to its code. nil is success.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	switch {
	case errors.Is(err, ErrStopped), errors.Is(err, ffmpeg.ErrStopped):
		return CodeStopped
	case errors.Is(err, ErrContentRejected):
		return CodeContentRejected
	case errors.Is(err, processors.ErrValidation), errors.Is(err, processors.ErrUnknownProcessor):
		return CodeValidation
	}
	return CodeError
}

func taskError(stage string, code ErrorCode, err error) *TaskError {
	return &TaskError{Stage: stage, Code: code, Err: err}
}
