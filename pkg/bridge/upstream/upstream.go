package upstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/pkg/bridge/codec"
	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	"github.com/opst/logbridge/pkg/domain/frame"
	"github.com/opst/logbridge/pkg/utils/retry"
	k8s "github.com/opst/logbridge/pkg/workloads/k8s"
	"k8s.io/utils/clock"
)

// Source opens log streams of workloads. Implemented by k8s.Cluster .
type Source interface {
	StreamLogs(ctx context.Context, workload string, opts k8s.LogOptions) (io.ReadCloser, error)
}

// Sink receives frames from streams. Implemented by registry.Registry .
//
// Each stream calls its Sink from a single goroutine, in the order of lines read.
type Sink interface {
	// Deliver a frame read by the stream of the epoch.
	Deliver(workload string, epoch uint64, f frame.LogFrame)

	// Exhausted is called once when the stream of the epoch gives up.
	// No frames are delivered from the stream after that.
	Exhausted(workload string, epoch uint64, last frame.LogFrame, reason error)
}

type Status string

const (
	// reading log lines.
	Running Status = "running"

	// the stream is lost, and is being reopened.
	Reconnecting Status = "reconnecting"

	// no stream for the workload.
	Stopped Status = "stopped"
)

type stream struct {
	workload string
	epoch    uint64
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status Status
}

func (s *stream) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

func (s *stream) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Manager owns at most one log stream per workload.
type Manager struct {
	source Source
	sink   Sink
	policy retry.Policy
	tail   *int64
	clock  clock.Clock
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*stream
	epoch   uint64
	starts  uint64
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTailLines limits the first read of each stream to the last n lines.
func WithTailLines(n *int64) Option {
	return func(m *Manager) {
		m.tail = n
	}
}

// New creates a Manager.
//
// # Args
//
// - source: where log streams come from
//
// - sink: where log frames go to
//
// - policy: how reopening streams are retried.
//
// - options...
func New(source Source, sink Sink, policy retry.Policy, options ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:  source,
		sink:    sink,
		policy:  policy,
		clock:   clock.RealClock{},
		logger:  log.New("upstream"),
		ctx:     ctx,
		cancel:  cancel,
		streams: map[string]*stream{},
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// EnsureStarted starts a stream of the workload unless it is running,
// and returns the epoch of the running stream.
//
// It does not block: the stream is opened in background.
// Epochs are unique in the Manager; a restarted stream has a new one.
func (m *Manager) EnsureStarted(workload string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[workload]; ok {
		return s.epoch
	}

	m.epoch += 1
	m.starts += 1
	ctx, cancel := context.WithCancel(m.ctx)
	s := &stream{
		workload: workload,
		epoch:    m.epoch,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Reconnecting,
	}
	m.streams[workload] = s

	m.wg.Add(1)
	go m.run(ctx, s)
	m.logger.Infof("log stream of %s is started (epoch: %d)", workload, s.epoch)
	return s.epoch
}

// Stop stops the stream of the workload if its epoch matches.
//
// It does not wait for the stream goroutine to finish.
func (m *Manager) Stop(workload string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[workload]
	if !ok || s.epoch != epoch {
		return
	}
	delete(m.streams, workload)
	s.cancel()
	m.logger.Infof("log stream of %s is stopped (epoch: %d)", workload, epoch)
}

// Status of the stream of the workload.
func (m *Manager) Status(workload string) Status {
	m.mu.Lock()
	s, ok := m.streams[workload]
	m.mu.Unlock()
	if !ok {
		return Stopped
	}
	return s.getStatus()
}

// Starts returns how many streams have been started.
func (m *Manager) Starts() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Close stops all streams and waits them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.streams = map[string]*stream{}
	m.mu.Unlock()
	m.wg.Wait()
}

// release forgets s if it is the current stream. It reports whether s was current.
func (m *Manager) release(s *stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[s.workload]; ok && cur == s {
		delete(m.streams, s.workload)
		return true
	}
	return false
}

func (m *Manager) run(ctx context.Context, s *stream) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	opts := k8s.LogOptions{TailLines: m.tail}
	backoff := m.policy.Backoff(m.clock)
	announced := false

	for {
		opened := m.clock.Now()
		r, err := m.source.StreamLogs(ctx, s.workload, opts)
		if err == nil {
			s.setStatus(Running)
			var lines int
			var last time.Time
			lines, last, err = m.pump(ctx, s, r)
			r.Close()

			if 0 < lines {
				backoff = m.policy.Backoff(m.clock)
				announced = false
				opts = k8s.LogOptions{Since: last}
			} else if opts.Since.IsZero() {
				opts = k8s.LogOptions{Since: opened}
			}
			if err == nil {
				err = bridgeerrors.NewUpstreamUnavailable("log stream is closed")
			}
		}

		if ctx.Err() != nil {
			return
		}
		s.setStatus(Reconnecting)

		if bridgeerrors.AsWorkloadNotFound(err) {
			m.exhaust(s, frame.Diagnostic("workload %s is not found", s.workload), err)
			return
		}

		m.logger.Warnf("log stream of %s is lost: %s", s.workload, err)
		if !announced {
			announced = true
			m.sink.Deliver(
				s.workload, s.epoch,
				frame.Diagnostic("log stream is interrupted (%s). reconnecting...", describe(err)),
			)
		}

		if berr := backoff(ctx); berr != nil {
			if ctx.Err() != nil {
				return
			}
			m.exhaust(
				s,
				frame.Diagnostic("log stream is given up: %s", describe(err)),
				bridgeerrors.NewUpstreamExhaustedCausedBy(
					"log stream of "+s.workload+" cannot be recovered", errors.Join(berr, err),
				),
			)
			return
		}
		m.logger.Debugf("reopening log stream of %s", s.workload)
	}
}

// pump reads lines from r and delivers them until r ends.
//
// # Returns
//
// - int: number of lines delivered
//
// - time.Time: when the last line is read
//
// - error: read error. nil when r reaches EOF.
func (m *Manager) pump(ctx context.Context, s *stream, r io.Reader) (int, time.Time, error) {
	reader := bufio.NewReader(r)
	lines := 0
	var last time.Time
	for {
		line, err := reader.ReadString('\n')
		if line != "" && !codec.Blank(line) && ctx.Err() == nil {
			m.sink.Deliver(
				s.workload, s.epoch,
				frame.Line(frame.UpstreamSource(), strings.TrimRight(line, "\r\n")),
			)
			lines += 1
			last = m.clock.Now()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, last, nil
			}
			return lines, last, bridgeerrors.NewUpstreamUnavailableCausedBy("log stream is broken", err)
		}
	}
}

func (m *Manager) exhaust(s *stream, last frame.LogFrame, reason error) {
	if !m.release(s) {
		return
	}
	s.setStatus(Stopped)
	m.logger.Errorf("log stream of %s is exhausted: %s", s.workload, reason)
	m.sink.Exhausted(s.workload, s.epoch, last, reason)
}

// describe returns the innermost message of err, for clients.
func describe(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
