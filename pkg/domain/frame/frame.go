package frame

import (
	"fmt"
)

// Kind of the origin of a frame.
type Kind int

const (
	// ambient log output of the workload
	Upstream Kind = iota

	// output of a command issued by a client
	Command

	// message from the bridge itself (diagnostics)
	Bridge
)

// Source tells where a frame comes from.
//
// Its string form is "upstream", "command:<request id>" or "bridge".
type Source struct {
	kind      Kind
	requestId string
}

func UpstreamSource() Source {
	return Source{kind: Upstream}
}

func CommandSource(requestId string) Source {
	return Source{kind: Command, requestId: requestId}
}

func BridgeSource() Source {
	return Source{kind: Bridge}
}

func (s Source) Kind() Kind {
	return s.kind
}

// RequestId returns the id of the command request for Command sources.
//
// For other sources, it returns "".
func (s Source) RequestId() string {
	return s.requestId
}

func (s Source) String() string {
	switch s.kind {
	case Command:
		return "command:" + s.requestId
	case Bridge:
		return "bridge"
	default:
		return "upstream"
	}
}

// Status of the terminal chunk of a command.
type Status int

const (
	// frame is not a terminal chunk.
	NotTerminal Status = iota

	// the command ran to its end. ExitCode is meaningful.
	Exited

	// the command could not be run or was broken.
	Failed

	// the command was silent for too long and has been terminated.
	TimedOut
)

// LogFrame is one line of text to be delivered to clients.
//
// It is a value; do not try to mutate it after it is produced.
type LogFrame struct {
	source   Source
	text     string
	status   Status
	exitCode int
}

// Line makes a non-terminal frame.
func Line(source Source, text string) LogFrame {
	return LogFrame{source: source, text: text}
}

// Diagnostic makes a frame from the bridge.
func Diagnostic(format string, args ...any) LogFrame {
	return LogFrame{source: BridgeSource(), text: fmt.Sprintf(format, args...)}
}

// Exit makes a terminal frame of a command which has been run through.
func Exit(requestId string, exitCode int) LogFrame {
	return LogFrame{
		source:   CommandSource(requestId),
		text:     fmt.Sprintf("exit %d", exitCode),
		status:   Exited,
		exitCode: exitCode,
	}
}

// Failure makes a terminal frame of a command which has failed.
func Failure(requestId string, reason string) LogFrame {
	return LogFrame{
		source: CommandSource(requestId),
		text:   "error: " + reason,
		status: Failed,
	}
}

// Timeout makes a terminal frame of a command which has been terminated for its silence.
func Timeout(requestId string, after fmt.Stringer) LogFrame {
	return LogFrame{
		source: CommandSource(requestId),
		text:   "timeout after " + after.String(),
		status: TimedOut,
	}
}

func (f LogFrame) Source() Source {
	return f.source
}

func (f LogFrame) Text() string {
	return f.text
}

func (f LogFrame) Status() Status {
	return f.status
}

// Terminal is true if the frame closes the output of a command.
func (f LogFrame) Terminal() bool {
	return f.status != NotTerminal
}

// ExitCode of the command. Meaningful only if Status() == Exited.
func (f LogFrame) ExitCode() int {
	return f.exitCode
}

func (f LogFrame) String() string {
	return fmt.Sprintf("[%s] %s", f.source, f.text)
}

// CommandRequest is a command text which a client asks to run in the workload.
type CommandRequest struct {
	// unique in a connection
	Id string

	// raw command text, as sent.
	Command string

	// id of the connection which issues this request.
	ConnectionId string
}
