package errorsx

import (
	"errors"
	"fmt"
	"strings"
)

// Error carries a reason code through %w chains.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same reason, so callers can write
// errors.Is(err, &errorsx.Error{Reason: errorsx.ReasonTransportTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Wrap attaches reason to err. The innermost reason wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

func New(reason ReasonCode, msg string) error {
	return &Error{Reason: reason, Err: errors.New(msg)}
}

func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the innermost reason on err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Stage is the component prefix of a reason: stt, llm, tts, codec,
// transport or webhook.
func (r ReasonCode) Stage() string {
	stage, _, ok := strings.Cut(string(r), "_")
	if !ok {
		return string(r)
	}
	return stage
}
