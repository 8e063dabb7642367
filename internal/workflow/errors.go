package workflow

import (
	"errors"
	"fmt"
)

// Guard errors returned when a trigger is not allowed in the current phase.
var (
	ErrBusy        = errors.New("processing already in progress")
	ErrNoSource    = errors.New("no image loaded")
	ErrAlreadyDone = errors.New("image already processed")
	ErrNotReady    = errors.New("no processed image to download")
	ErrClosed      = errors.New("session closed")
)

// FailureKind says which user action a failure belongs to.
type FailureKind string

const (
	FailureRead       FailureKind = "read"
	FailureProcessing FailureKind = "processing"
	FailureSave       FailureKind = "save"
)

// User-facing messages, one per kind.
const (
	MessageRead       = "Failed to read the image file. Please try again."
	MessageProcessing = "Failed to process the image. Please try a different image or try again later."
	MessageSave       = "Failed to download the image. Please try again."
)

// Failure is the single error slot of the workflow state.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

func newFailure(kind FailureKind, err error) *Failure {
	f := &Failure{Kind: kind}
	switch kind {
	case FailureRead:
		f.Message = MessageRead
	case FailureProcessing:
		f.Message = MessageProcessing
	case FailureSave:
		f.Message = MessageSave
	}
	if err != nil {
		f.Detail = err.Error()
	}
	return f
}

// ProcessingError reports a failed segmentation run.
type ProcessingError struct {
	RunID string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process run %s: %v", e.RunID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
