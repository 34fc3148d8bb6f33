// Package errors annotates errors with the place where they are raised.
//
//	wrapped := xe.Wrap(err)
//
// `wrapped` remembers the function, file and line of the call site,
// so that a log line of a failure in the bridge points where it came from.
// Messages chain with "<-"; replace
//
//	s/<-/\n/
//
// to read them as a stack.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrWithCaller is an error with its origin.
type ErrWithCaller struct {
	file     string
	line     int
	funcname string
	note     string
	err      error
}

func (e *ErrWithCaller) File() string {
	return e.file
}

func (e *ErrWithCaller) Line() int {
	return e.line
}

func (e *ErrWithCaller) Func() string {
	return e.funcname
}

func (e *ErrWithCaller) Error() string {
	if e.note == "" {
		return fmt.Sprintf(`@ %s "%s" l%d <- %s`, e.funcname, e.file, e.line, e.err.Error())
	}
	return fmt.Sprintf(`@ %s "%s" l%d (%s) <- %s`, e.funcname, e.file, e.line, e.note, e.err.Error())
}

func (e *ErrWithCaller) Unwrap() error {
	return e.err
}

// New creates an error with message, marked with the caller.
func New(text string) error {
	return wrap("", errors.New(text), 1)
}

// Wrap marks err with the caller. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return wrap("", err, 1)
}

// WrapAsOuter marks err with the caller of the caller (depth = 1), or further.
//
// Use this from constructor functions of errors,
// to let the error know where the constructor is called.
func WrapAsOuter(err error, depth int) error {
	if err == nil {
		return nil
	}
	return wrap("", err, depth+1)
}

// WrapWithNote is Wrap with a short note, e.g. which workload is being handled.
func WrapWithNote(note string, err error) error {
	if err == nil {
		return nil
	}
	return wrap(note, err, 1)
}

func wrap(note string, err error, depth int) error {
	pc, file, line, ok := runtime.Caller(depth + 1)
	funcname := "(unknown func)"
	if !ok {
		file = "?"
		line = -1
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcname = fn.Name()
	}

	return &ErrWithCaller{
		funcname: funcname,
		file:     file,
		line:     line,
		note:     note,
		err:      err,
	}
}
