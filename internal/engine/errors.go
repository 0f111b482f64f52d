package engine

import (
	"errors"
	"fmt"

	"breaklock/internal/domain"
)

// Kind classifies an admission failure.
type Kind string

const (
	KindAlreadyActive    Kind = "already_active"
	KindCapacityReached  Kind = "capacity_reached"
	KindNotActive        Kind = "not_active"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindInvalid          Kind = "invalid"
	KindStoreUnavailable Kind = "store_unavailable"
)

// AdmissionError is every error the engine returns. Errors of the same Kind match
// with errors.Is, so callers can test against the sentinels below.
type AdmissionError struct {
	Kind Kind
	Msg  string
	// Break is the subject's existing record for KindAlreadyActive.
	Break *domain.BreakRecord
	Err   error
}

func (e *AdmissionError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func (e *AdmissionError) Is(target error) bool {
	t, ok := target.(*AdmissionError)
	return ok && t.Kind == e.Kind
}

var (
	ErrAlreadyActive    = &AdmissionError{Kind: KindAlreadyActive}
	ErrCapacityReached  = &AdmissionError{Kind: KindCapacityReached}
	ErrNotActive        = &AdmissionError{Kind: KindNotActive}
	ErrNotFound         = &AdmissionError{Kind: KindNotFound}
	ErrForbidden        = &AdmissionError{Kind: KindForbidden}
	ErrInvalid          = &AdmissionError{Kind: KindInvalid}
	ErrStoreUnavailable = &AdmissionError{Kind: KindStoreUnavailable}
)

func admissionErr(kind Kind, format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the error's kind, or "" when err is not an AdmissionError.
func KindOf(err error) Kind {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// classify passes admission errors through and reports anything else as a store failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae
	}
	return &AdmissionError{Kind: KindStoreUnavailable, Msg: "break store unavailable", Err: err}
}
