package bridgeerrors

import (
	"errors"
	"fmt"

	xe "github.com/opst/logbridge/pkg/errors"
)

type wrappingError struct {
	message  string
	causedBy error
}

func as[E error](err error) bool {
	if err == nil {
		return false
	}
	p := new(E)
	return errors.As(err, p)
}

func format(e wrappingError) string {
	if e.causedBy == nil {
		return e.message
	}
	if e.message == "" {
		return fmt.Sprintf("caused by: %+v", e.causedBy)
	}

	return fmt.Sprintf("%s / caused by: %+v", e.message, e.causedBy)
}

// Inbound message is not a command envelope.
//
// Recovered locally: the message is discarded and the connection stays open.
type ErrDecode wrappingError

var AsDecode = as[*ErrDecode]

func NewDecode(message string) error {
	return xe.WrapAsOuter(&ErrDecode{message: message}, 1)
}

func NewDecodeCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrDecode{message: message, causedBy: err}, 1)
}

func (e *ErrDecode) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrDecode) Unwrap() error {
	return e.causedBy
}

// Workload (pod) does not exist.
type ErrWorkloadNotFound wrappingError

var AsWorkloadNotFound = as[*ErrWorkloadNotFound]

func NewWorkloadNotFound(workload string) error {
	return xe.WrapAsOuter(&ErrWorkloadNotFound{message: fmt.Sprintf("workload not found: %s", workload)}, 1)
}

func NewWorkloadNotFoundCausedBy(workload string, err error) error {
	return xe.WrapAsOuter(
		&ErrWorkloadNotFound{message: fmt.Sprintf("workload not found: %s", workload), causedBy: err}, 1,
	)
}

func (e *ErrWorkloadNotFound) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrWorkloadNotFound) Unwrap() error {
	return e.causedBy
}

// Log source of a workload can not be read for now. It is worth to retry.
type ErrUpstreamUnavailable wrappingError

var AsUpstreamUnavailable = as[*ErrUpstreamUnavailable]

func NewUpstreamUnavailable(message string) error {
	return xe.WrapAsOuter(&ErrUpstreamUnavailable{message: message}, 1)
}

func NewUpstreamUnavailableCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrUpstreamUnavailable{message: message, causedBy: err}, 1)
}

func (e *ErrUpstreamUnavailable) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrUpstreamUnavailable) Unwrap() error {
	return e.causedBy
}

// Retries for the log source are over. Subscribers are disconnected.
type ErrUpstreamExhausted wrappingError

var AsUpstreamExhausted = as[*ErrUpstreamExhausted]

func NewUpstreamExhaustedCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrUpstreamExhausted{message: message, causedBy: err}, 1)
}

func (e *ErrUpstreamExhausted) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrUpstreamExhausted) Unwrap() error {
	return e.causedBy
}

// Command could not be run, or it was broken while running.
//
// It is reported on the output of the command only.
type ErrExecutionFailure wrappingError

var AsExecutionFailure = as[*ErrExecutionFailure]

func NewExecutionFailure(message string) error {
	return xe.WrapAsOuter(&ErrExecutionFailure{message: message}, 1)
}

func NewExecutionFailureCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrExecutionFailure{message: message, causedBy: err}, 1)
}

func (e *ErrExecutionFailure) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrExecutionFailure) Unwrap() error {
	return e.causedBy
}

// The platform refused to run a command in the workload (forbidden, container not running, ...).
type ErrExecutionRefused wrappingError

var AsExecutionRefused = as[*ErrExecutionRefused]

func NewExecutionRefusedCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrExecutionRefused{message: message, causedBy: err}, 1)
}

func (e *ErrExecutionRefused) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrExecutionRefused) Unwrap() error {
	return e.causedBy
}

// The execution backend (API server, exec transport) can not be reached.
type ErrBackendUnavailable wrappingError

var AsBackendUnavailable = as[*ErrBackendUnavailable]

func NewBackendUnavailableCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrBackendUnavailable{message: message, causedBy: err}, 1)
}

func (e *ErrBackendUnavailable) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrBackendUnavailable) Unwrap() error {
	return e.causedBy
}

// Command has not produced anything for too long, and is terminated.
type ErrExecutionTimeout wrappingError

var AsExecutionTimeout = as[*ErrExecutionTimeout]

func NewExecutionTimeout(message string) error {
	return xe.WrapAsOuter(&ErrExecutionTimeout{message: message}, 1)
}

func (e *ErrExecutionTimeout) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrExecutionTimeout) Unwrap() error {
	return e.causedBy
}

// command text is empty after trimming spaces.
var ErrEmptyCommand = errors.New("empty command")

// connection has too many commands in flight.
var ErrTooManyCommands = errors.New("too many commands in flight")

// connection can not keep up with the frames for it.
var ErrSlowConsumer = errors.New("slow consumer")

// connection is closing or closed.
var ErrConnectionClosed = errors.New("connection closed")
