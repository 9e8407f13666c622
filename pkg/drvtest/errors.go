package drvtest

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// SkipError ends a case without judging it, usually because the device
// lacks the feature under test.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skip: " + e.Reason
}

// Skip returns a SkipError.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// Skipf returns a SkipError with a formatted reason.
func Skipf(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// IsSkip reports whether err asks for the case to be skipped.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}

// AssertionError is a check that did not hold.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Msg
}

// Failf returns an AssertionError.
func Failf(format string, args ...any) error {
	return &AssertionError{Msg: fmt.Sprintf(format, args...)}
}

// Eq checks that got equals want.
func Eq(what string, got, want any) error {
	if diff := cmp.Diff(want, got); diff != "" {
		return &AssertionError{Msg: fmt.Sprintf("%s: got %v, want %v (-want +got):\n%s", what, got, want, diff)}
	}
	return nil
}

// True checks cond.
func True(cond bool, format string, args ...any) error {
	if !cond {
		return Failf(format, args...)
	}
	return nil
}

// Raises checks that err is (or wraps) an E and returns it.
func Raises[E error](err error) (E, error) {
	var target E
	if err == nil {
		return target, Failf("expected %s, got no error", typeName[E]())
	}
	if !errors.As(err, &target) {
		return target, Failf("expected %s, got %v", typeName[E](), err)
	}
	return target, nil
}

func typeName[E any]() string {
	return reflect.TypeOf((*E)(nil)).Elem().String()
}
