package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/pkg/bridge/codec"
	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	"github.com/opst/logbridge/pkg/domain/frame"
	"k8s.io/utils/clock"
)

// Executor runs a command in a workload. Implemented by k8s.Cluster .
type Executor interface {
	// Exec runs command, writing its output into output,
	// and returns the exit code.
	Exec(ctx context.Context, workload string, command []string, output io.Writer) (int, error)
}

// MaxLineSize is the longest line of output emitted as one frame.
// Longer output without a line break is emitted in pieces of this size.
const MaxLineSize = 64 << 10

// errIdle is the cause of cancellation by the idle timeout.
var errIdle = errors.New("no output")

// Emit receives frames of a command, in the order of output.
type Emit func(frame.LogFrame)

// Channel runs commands in workloads one-shot, and reports their output as frames.
type Channel struct {
	executor Executor
	shell    []string
	timeout  time.Duration
	clock    clock.WithDelayedExecution
	logger   *log.Logger
}

type Option func(*Channel)

func WithClock(c clock.WithDelayedExecution) Option {
	return func(ch *Channel) {
		ch.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(ch *Channel) {
		ch.logger = l
	}
}

// New creates a Channel.
//
// # Args
//
// - executor
//
// - shell: command prefix. The command text is appended as the last argument.
//
// - timeout: a command is killed when it has no output for this long. 0 disables.
//
// - options...
func New(executor Executor, shell []string, timeout time.Duration, options ...Option) *Channel {
	ch := &Channel{
		executor: executor,
		shell:    append([]string{}, shell...),
		timeout:  timeout,
		clock:    clock.RealClock{},
		logger:   log.New("command"),
	}
	for _, o := range options {
		o(ch)
	}
	return ch
}

// Execute runs the command of req in the workload, and blocks until it completes.
//
// Output lines are emitted tagged with the request id, followed by exactly one terminal frame:
// exit status, error, or timeout. Blank lines are not emitted.
//
// # Returns
//
// - error: nil if the command exits (regardless of its exit code).
// Otherwise, the reason of the terminal frame:
// ErrEmptyCommand (not sent to the workload), ErrExecutionTimeout, error from Executor, or ctx.Err().
func (ch *Channel) Execute(ctx context.Context, workload string, req frame.CommandRequest, emit Emit) error {
	requestId := req.Id
	commandText := req.Command
	if strings.TrimSpace(commandText) == "" {
		emit(frame.Failure(requestId, bridgeerrors.ErrEmptyCommand.Error()))
		return bridgeerrors.ErrEmptyCommand
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := &lineWriter{ctx: ctx, source: frame.CommandSource(requestId), emit: emit}

	if 0 < ch.timeout {
		timer := ch.clock.AfterFunc(ch.timeout, func() { cancel(errIdle) })
		defer timer.Stop()
		out.touch = func() { timer.Reset(ch.timeout) }
	}

	command := append(append([]string{}, ch.shell...), commandText)
	ch.logger.Debugf("[%s] command %s on %s: %q", req.ConnectionId, requestId, workload, commandText)
	code, err := ch.executor.Exec(ctx, workload, command, out)

	// output after here is discarded: the terminal frame is the last one.
	out.Close()

	// a command completed just when the timer fires is not a timeout.
	switch {
	case err != nil && errors.Is(context.Cause(ctx), errIdle):
		ch.logger.Infof("command %s on %s is timed out", requestId, workload)
		emit(frame.Timeout(requestId, ch.timeout))
		return bridgeerrors.NewExecutionTimeout(fmt.Sprintf("no output for %s", ch.timeout))
	case err == nil:
		ch.logger.Debugf("command %s on %s exits with %d", requestId, workload, code)
		emit(frame.Exit(requestId, code))
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		emit(frame.Failure(requestId, "canceled"))
		return err
	default:
		ch.logger.Warnf("command %s on %s is failed: %s", requestId, workload, err)
		emit(frame.Failure(requestId, reason(err)))
		return err
	}
}

// reason is the message of err for clients.
func reason(err error) string {
	switch {
	case bridgeerrors.AsWorkloadNotFound(err):
		return "workload not found"
	case bridgeerrors.AsExecutionRefused(err):
		return "execution refused: " + innermost(err)
	case bridgeerrors.AsExecutionTimeout(err):
		return "execution timed out: " + innermost(err)
	case bridgeerrors.AsBackendUnavailable(err):
		return "execution backend unavailable: " + innermost(err)
	default:
		return innermost(err)
	}
}

func innermost(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

// lineWriter splits written bytes into lines, and emits them as frames.
//
// It is safe for concurrent writers (stdout and stderr).
// Writes after ctx is done are discarded.
type lineWriter struct {
	ctx    context.Context
	source frame.Source
	emit   Emit
	touch  func()

	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.ctx.Err() != nil {
		return len(p), nil
	}
	if w.touch != nil {
		w.touch()
	}

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.pieces(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for MaxLineSize < len(w.buf) {
		n := cut(w.buf)
		w.line(string(w.buf[:n]))
		w.buf = w.buf[n:]
	}
	if 2*MaxLineSize < cap(w.buf) {
		w.buf = append(make([]byte, 0, len(w.buf)), w.buf...)
	}
	return len(p), nil
}

// pieces emits a line, in pieces when it is longer than MaxLineSize. w.mu should be locked.
func (w *lineWriter) pieces(b []byte) {
	for MaxLineSize < len(b) {
		n := cut(b)
		w.line(string(b[:n]))
		b = b[n:]
	}
	w.line(string(b))
}

// cut returns where to split b, which is longer than MaxLineSize,
// without splitting a multibyte character.
func cut(b []byte) int {
	n := MaxLineSize
	for back := 0; back < utf8.UTFMax-1 && !utf8.RuneStart(b[n]); back++ {
		n -= 1
	}
	return n
}

// line emits a line. w.mu should be locked.
func (w *lineWriter) line(text string) {
	if codec.Blank(text) {
		return
	}
	w.emit(frame.Line(w.source, strings.TrimRight(text, "\r")))
}

// Close flushes an incomplete last line, and discards further writes.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if 0 < len(w.buf) {
		w.line(string(w.buf))
		w.buf = nil
	}
	return nil
}
