// Package apperr defines the single error type shared by the dispense service.
//
// Every failure surfaced to a caller is an *Error carrying a Kind and, where
// applicable, the collaborator error that caused it. Errors are rendered to
// strings only at the presentation boundary (JSON, MQTT, CLI).
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	Other Kind = iota
	// NoScale means an operation needed the scale but none was available.
	NoScale
	// ScaleAlreadyPresent means returning a scale would duplicate ownership.
	// It is a contract violation, not a user error.
	ScaleAlreadyPresent
	// ZeroSamples means a sampling batch of length zero was requested.
	ZeroSamples
	// HardwareFault wraps a scale or motor I/O failure.
	HardwareFault
	// Timeout marks a run that exceeded its deadline. Dispense reports it as
	// an outcome rather than an error; the kind exists for callers that need it.
	Timeout
	// Cancelled marks a run stopped through its context.
	Cancelled
	// NotImplemented marks a feature stub.
	NotImplemented
	// Backend wraps calibration backend failures.
	Backend
	// Serialization wraps encoding failures.
	Serialization
	// InvalidSettings marks rejected dispense settings.
	InvalidSettings
)

var kindText = map[Kind]string{
	Other:               "other error",
	NoScale:             "no scale connected",
	ScaleAlreadyPresent: "scale already exists",
	ZeroSamples:         "must have nonzero samples",
	HardwareFault:       "hardware fault",
	Timeout:             "timed out",
	Cancelled:           "cancelled",
	NotImplemented:      "this feature is not yet implemented",
	Backend:             "calibration backend error",
	Serialization:       "serialization error",
	InvalidSettings:     "invalid settings",
}

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is the tagged error type used across the service.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "scale.weight".
	Op  string
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. This lets callers
// compare against the sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// MarshalJSON renders the error as its message string.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Error())
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoScale             = &Error{Kind: NoScale}
	ErrScaleAlreadyPresent = &Error{Kind: ScaleAlreadyPresent}
	ErrZeroSamples         = &Error{Kind: ZeroSamples}
	ErrHardwareFault       = &Error{Kind: HardwareFault}
	ErrTimeout             = &Error{Kind: Timeout}
	ErrCancelled           = &Error{Kind: Cancelled}
	ErrNotImplemented      = &Error{Kind: NotImplemented}
	ErrBackend             = &Error{Kind: Backend}
	ErrInvalidSettings     = &Error{Kind: InvalidSettings}
)

// New returns an Error of the given kind without a cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap returns an Error of the given kind wrapping err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Hardware wraps a device failure.
func Hardware(op string, err error) error { return Wrap(HardwareFault, op, err) }

// Errorf builds an Other error from a format string.
func Errorf(op, format string, args ...any) error {
	return &Error{Kind: Other, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}
