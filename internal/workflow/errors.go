package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for rendering.
type Kind int

const (
	KindNone Kind = iota
	KindCameraUnavailable
	KindCaptureFailed
	KindValidationFailed
	KindServerRejected
	KindTransportFailed
)

func (k Kind) String() string {
	switch k {
	case KindCameraUnavailable:
		return "camera_unavailable"
	case KindCaptureFailed:
		return "capture_failed"
	case KindValidationFailed:
		return "validation_failed"
	case KindServerRejected:
		return "server_rejected"
	case KindTransportFailed:
		return "transport_failed"
	default:
		return "none"
	}
}

// Sentinel errors, matched with errors.Is.
var (
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrCaptureFailed     = errors.New("capture failed")
	ErrValidationFailed  = errors.New("validation failed")
	ErrServerRejected    = errors.New("server rejected request")
	ErrTransportFailed   = errors.New("transport failed")

	// ErrBusy is returned when a trigger arrives while a request is in flight.
	ErrBusy = errors.New("request already in progress")
)

func sentinel(k Kind) error {
	switch k {
	case KindCameraUnavailable:
		return ErrCameraUnavailable
	case KindCaptureFailed:
		return ErrCaptureFailed
	case KindValidationFailed:
		return ErrValidationFailed
	case KindServerRejected:
		return ErrServerRejected
	case KindTransportFailed:
		return ErrTransportFailed
	}
	return nil
}

// Error carries a Kind together with the underlying cause.
// Error() returns the cause's text unchanged so platform and server messages
// reach the user verbatim.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return sentinel(e.Kind).Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	s := sentinel(e.Kind)
	return s != nil && target == s
}

func newError(k Kind, err error) error {
	return &Error{Kind: k, Err: err}
}

// CameraUnavailable wraps a device error (permission denied, no device, busy).
func CameraUnavailable(err error) error { return newError(KindCameraUnavailable, err) }

// CaptureFailed wraps an encoding failure.
func CaptureFailed(err error) error { return newError(KindCaptureFailed, err) }

// Transport wraps a request-level failure.
func Transport(err error) error { return newError(KindTransportFailed, err) }

// Validation reports missing or malformed input caught before any network call.
func Validation(format string, args ...interface{}) error {
	return newError(KindValidationFailed, fmt.Errorf(format, args...))
}

// Rejected reports an ok:false or error response. msg may be empty.
func Rejected(msg string) error {
	if msg == "" {
		return &Error{Kind: KindServerRejected}
	}
	return newError(KindServerRejected, errors.New(msg))
}

// Classify maps any error to a Kind. Unclassified errors are reported as
// transport failures since they originate below the controller.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindTransportFailed
}

// Reason returns the text to show for err without any Kind prefix.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var we *Error
	if errors.As(err, &we) && we.Err != nil {
		return we.Err.Error()
	}
	return err.Error()
}
