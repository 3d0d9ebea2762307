package errors

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable category of a measurement failure.
type Kind string

const (
	KindTimeout           Kind = "TIMEOUT"
	KindOffline           Kind = "OFFLINE"
	KindServerUnavailable Kind = "SERVER_UNAVAILABLE"
	KindAborted           Kind = "ABORTED"
	KindNetwork           Kind = "NETWORK_ERROR"
)

// Phase names the measurement phase that was active when an error occurred.
type Phase string

const (
	PhaseNone     Phase = ""
	PhasePing     Phase = "ping"
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

// MeasurementError is the single error type surfaced by the samplers and the
// phase orchestrator. Cause is kept for diagnostics only.
type MeasurementError struct {
	Kind    Kind
	Message string
	Cause   error
	Phase   Phase
}

func (e *MeasurementError) Error() string {
	prefix := string(e.Kind)
	if e.Phase != PhaseNone {
		prefix = fmt.Sprintf("%s [%s]", e.Kind, e.Phase)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *MeasurementError) Unwrap() error { return e.Cause }

// New builds a MeasurementError with the default message for kind.
func New(kind Kind, phase Phase, cause error) *MeasurementError {
	return &MeasurementError{
		Kind:    kind,
		Message: Message(kind),
		Cause:   cause,
		Phase:   phase,
	}
}

// Newf builds a MeasurementError with a custom message.
func Newf(kind Kind, phase Phase, cause error, format string, args ...interface{}) *MeasurementError {
	return &MeasurementError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
		Phase:   phase,
	}
}

// As reports whether err is (or wraps) a MeasurementError.
func As(err error) (*MeasurementError, bool) {
	var me *MeasurementError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if me, ok := As(err); ok {
		return me.Kind
	}
	return ""
}

// IsKind reports whether err is a MeasurementError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// withPhase returns e tagged with phase. An existing tag is never replaced.
func (e *MeasurementError) withPhase(phase Phase) *MeasurementError {
	if e.Phase != PhaseNone || phase == PhaseNone {
		return e
	}
	tagged := *e
	tagged.Phase = phase
	return &tagged
}
