package z

import (
	"fmt"

	"github.com/pkg/errors"
)

// Check panics if the provided error is not nil. It is meant for errors that can only happen when there is a bug.
func Check(err error) {
	if err != nil {
		panic(fmt.Sprintf("%+v", Wrap(err)))
	}
}

// AssertTrue panics with a stack trace when b is false.
func AssertTrue(b bool) {
	if !b {
		panic(errors.New("assert failed"))
	}
}

// AssertTruef is AssertTrue with a message. The panic value is an error so that the caller that recovers it can
// inspect it.
func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		panic(errors.Errorf(format, args...))
	}
}

// Wrap attaches a stack trace to the error if it does not have one yet.
func Wrap(err error) error {
	if err == nil {
		return nil
	}

	return errors.WithStack(err)
}

// Wrapf is like Wrap but it also adds a message to the error.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
