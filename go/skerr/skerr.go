// Package skerr provides annotated errors: errors.Wrap equivalents that record the
// call site of every wrap, so a chain of Wrap/Wrapf calls builds up a poor-man's
// stack trace without requiring panics or a tracing library.
package skerr

import (
	"errors"
	"fmt"
	"runtime"
)

type withCallsite struct {
	err      error
	file     string
	line     int
	funcName string
}

func (w *withCallsite) Error() string {
	return fmt.Sprintf("%s. At %s:%d", w.err.Error(), w.file, w.line)
}

func (w *withCallsite) Unwrap() error {
	return w.err
}

func callsite(skip int) (file string, line int) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???", 0
	}
	// Trim to the base file name; full paths make error strings unreadably long.
	for i := len(file) - 1; i >= 0; i-- {
		if file[i] == '/' {
			return file[i+1:], line
		}
	}
	return file, line
}

// Wrap annotates err with the call site of Wrap, or returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	file, line := callsite(2)
	return &withCallsite{err: err, file: file, line: line}
}

// Wrapf annotates err with a formatted message and the call site of Wrapf, or returns
// nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	file, line := callsite(2)
	return &withCallsite{err: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), file: file, line: line}
}

// Fmt builds a new error from a format string, annotated with the call site of Fmt.
func Fmt(format string, args ...interface{}) error {
	file, line := callsite(2)
	return &withCallsite{err: fmt.Errorf(format, args...), file: file, line: line}
}

// Unwrap returns the innermost error in err's chain, same as repeatedly calling
// errors.Unwrap until it returns nil.
func Unwrap(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
