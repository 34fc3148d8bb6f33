package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/pkg/bridge/codec"
	"github.com/opst/logbridge/pkg/bridge/command"
	"github.com/opst/logbridge/pkg/bridge/registry"
	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	"github.com/opst/logbridge/pkg/domain/frame"
	"github.com/opst/logbridge/pkg/utils/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// ErrShuttingDown is the reason of connections closed by Shutdown.
var ErrShuttingDown = errors.New("server is shutting down")

// Workloads tells whether a workload exists. Implemented by k8s.Cluster .
type Workloads interface {
	FindWorkload(ctx context.Context, workload string) error
}

// Registry is where connections subscribe workloads. Implemented by registry.Registry .
type Registry interface {
	Subscribe(workload string, sub registry.Subscriber) (registry.SubscribeResult, error)
	Unsubscribe(workload string, subscriberId string) registry.UnsubscribeResult
}

// Commands runs commands from clients. Implemented by command.Channel .
type Commands interface {
	Execute(ctx context.Context, workload string, req frame.CommandRequest, emit command.Emit) error
}

type Config struct {
	// outbound frames queued per connection. Overflow disconnects the client.
	SendBuffer int

	// interval of websocket pings. 0 disables pings and read deadlines.
	PingInterval time.Duration

	// deadline of each write.
	WriteTimeout time.Duration

	// max size of an inbound message, in bytes.
	// Larger messages are discarded, unless they are larger than the transport read limit.
	MaxMessageSize int64

	// commands in flight per connection.
	MaxInflight int64

	// consecutive backend-unavailable failures of commands to close a connection. 0 means never.
	MaxBackendFailures int64

	// backoff of workload lookups failed for reasons other than not-found.
	// Zero Window disables retrying.
	LookupRetry retry.Policy
}

// minReadLimit is the least read limit of transports.
// Messages larger than this close the connection with websocket.CloseMessageTooBig .
const minReadLimit = 1 << 20

type live struct {
	conn   *Conn
	cancel context.CancelCauseFunc
}

// Controller drives client connections through CONNECTING, ACTIVE, CLOSING and CLOSED.
type Controller struct {
	registry  Registry
	workloads Workloads
	commands  Commands
	config    Config
	logger    *log.Logger
	clock     clock.Clock
	newId     func() string

	mu       sync.Mutex
	conns    map[string]live
	shutdown bool
	wg       sync.WaitGroup
}

type Option func(*Controller)

func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

func New(reg Registry, workloads Workloads, commands Commands, config Config, options ...Option) *Controller {
	if config.SendBuffer < 1 {
		config.SendBuffer = 1
	}
	if config.MaxInflight < 1 {
		config.MaxInflight = 1
	}
	ctl := &Controller{
		registry:  reg,
		workloads: workloads,
		commands:  commands,
		config:    config,
		logger:    log.New("session"),
		clock:     clock.RealClock{},
		newId:     uuid.NewString,
		conns:     map[string]live{},
	}
	for _, o := range options {
		o(ctl)
	}
	return ctl
}

func (ctl *Controller) register(conn *Conn, cancel context.CancelCauseFunc) bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.shutdown {
		return false
	}
	ctl.conns[conn.id] = live{conn: conn, cancel: cancel}
	ctl.wg.Add(1)
	return true
}

func (ctl *Controller) deregister(conn *Conn) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	delete(ctl.conns, conn.id)
	ctl.wg.Done()
}

// Serve runs a connection for the workload until it is closed.
//
// The workload is looked up first; a missing one is closed with CloseWorkloadNotFound,
// without subscribing.
// Once subscribed, the connection is unsubscribed exactly once when it is closed, however it is closed.
//
// # Returns
//
// - error: why the connection is closed. nil for normal closure.
func (ctl *Controller) Serve(ctx context.Context, workload string, transport Transport) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	conn := newConn(ctl.newId(), workload, transport, ctl.config.SendBuffer, time.Now())
	if !ctl.register(conn, cancel) {
		conn.transition(Closed)
		ctl.closeTransport(conn, closeFor(ErrShuttingDown))
		return ErrShuttingDown
	}
	defer ctl.deregister(conn)
	ctl.logger.Infof("[%s] connecting to %s", conn.id, workload)

	if err := ctl.lookup(ctx, conn); err != nil {
		req := closeFor(err)
		switch {
		case errors.Is(context.Cause(ctx), ErrShuttingDown):
			req = closeFor(ErrShuttingDown)
		case !bridgeerrors.AsWorkloadNotFound(err):
			req = closeRequest{code: CloseInternalError, text: "workload lookup failed", reason: err}
		}
		conn.transition(Closed)
		ctl.closeTransport(conn, req)
		ctl.logger.Infof("[%s] CONNECTING -> CLOSED: %s", conn.id, err)
		return err
	}

	result, err := ctl.registry.Subscribe(workload, conn)
	if err != nil {
		conn.transition(Closed)
		ctl.closeTransport(conn, closeRequest{code: CloseInternalError, text: "internal error", reason: err})
		ctl.logger.Errorf("[%s] cannot subscribe %s: %s", conn.id, workload, err)
		return err
	}
	conn.transition(Active)
	defer ctl.unsubscribe(conn)
	ctl.logger.Infof(
		"[%s] CONNECTING -> ACTIVE: %s (subscribers: %d, first: %v, resumed: %v)",
		conn.id, workload, result.Subscribers, result.First, result.Resumed,
	)

	err = ctl.pump(ctx, conn)
	conn.transition(Closing)

	select {
	case <-conn.closing:
		// closed by the server. err is the side effect of that.
		return conn.closeReq.reason
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

// lookup finds the workload of the connection.
// Failures other than not-found are retried under LookupRetry.
func (ctl *Controller) lookup(ctx context.Context, conn *Conn) error {
	backoff := retry.Backoff(func(context.Context) error { return retry.ErrBudgetExhausted })
	if 0 < ctl.config.LookupRetry.Window {
		backoff = ctl.config.LookupRetry.Backoff(ctl.clock)
	}

	var lastErr error
	_, err := retry.Blocking(ctx, backoff, func() (struct{}, error) {
		lastErr = ctl.workloads.FindWorkload(ctx, conn.workload)
		if lastErr == nil || bridgeerrors.AsWorkloadNotFound(lastErr) || ctx.Err() != nil {
			return struct{}{}, lastErr
		}
		ctl.logger.Warnf("[%s] cannot look up %s: %s", conn.id, conn.workload, lastErr)
		return struct{}{}, errors.Join(retry.ErrRetry, lastErr)
	})
	if err == nil {
		return nil
	}
	return lastErr
}

// unsubscribe leaves the registry, once per connection.
func (ctl *Controller) unsubscribe(conn *Conn) {
	conn.unsubscribeOnce.Do(func() {
		result := ctl.registry.Unsubscribe(conn.workload, conn.id)
		conn.transition(Closed)
		if result.Empty {
			ctl.logger.Infof("[%s] CLOSING -> CLOSED: %s has no subscribers; teardown is scheduled", conn.id, conn.workload)
		} else {
			ctl.logger.Infof("[%s] CLOSING -> CLOSED", conn.id)
		}
	})
}

func (ctl *Controller) pump(ctx context.Context, conn *Conn) error {
	t := conn.transport
	t.SetReadLimit(max(minReadLimit, 16*ctl.config.MaxMessageSize))
	ctl.extendReadDeadline(conn)
	t.SetPongHandler(func(string) error {
		conn.touch(time.Now())
		ctl.extendReadDeadline(conn)
		return nil
	})

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return ctl.readPump(gctx, eg, conn) })
	eg.Go(func() error { return ctl.writePump(gctx, ctx, conn) })
	return eg.Wait()
}

func (ctl *Controller) extendReadDeadline(conn *Conn) {
	if ctl.config.PingInterval <= 0 {
		return
	}
	conn.transport.SetReadDeadline(time.Now().Add(ctl.config.PingInterval + ctl.config.WriteTimeout))
}

// readPump decodes inbound messages and runs commands, until the transport is broken or closed.
func (ctl *Controller) readPump(ctx context.Context, eg *errgroup.Group, conn *Conn) error {
	sem := semaphore.NewWeighted(ctl.config.MaxInflight)
	failures := new(atomic.Int64)
	var seq uint64

	for {
		mt, raw, err := conn.transport.ReadMessage()
		if err != nil {
			conn.transition(Closing)
			return err
		}
		conn.touch(time.Now())
		ctl.extendReadDeadline(conn)

		if limit := ctl.config.MaxMessageSize; 0 < limit && limit < int64(len(raw)) {
			err := bridgeerrors.NewDecode(fmt.Sprintf("message is too large: %d bytes", len(raw)))
			ctl.logger.Warnf("[%s] inbound message is discarded: %s", conn.id, err)
			continue
		}
		text, err := codec.DecodeInbound(mt, raw)
		if err != nil {
			ctl.logger.Warnf("[%s] inbound message is discarded: %s", conn.id, err)
			continue
		}

		seq += 1
		req := frame.CommandRequest{Id: strconv.FormatUint(seq, 10), Command: text, ConnectionId: conn.id}
		if !sem.TryAcquire(1) {
			ctl.emit(conn, frame.Failure(req.Id, bridgeerrors.ErrTooManyCommands.Error()))
			continue
		}
		eg.Go(func() error {
			defer sem.Release(1)
			err := ctl.commands.Execute(ctx, conn.workload, req, func(f frame.LogFrame) { ctl.emit(conn, f) })
			ctl.countFailure(conn, failures, err)
			return nil
		})
	}
}

// emit queues a frame for the connection only.
func (ctl *Controller) emit(conn *Conn, f frame.LogFrame) {
	if err := conn.Offer(f); errors.Is(err, bridgeerrors.ErrSlowConsumer) {
		ctl.logger.Warnf("[%s] outbound queue is full", conn.id)
		conn.Evict(err)
	}
}

func (ctl *Controller) countFailure(conn *Conn, failures *atomic.Int64, err error) {
	switch {
	case bridgeerrors.AsBackendUnavailable(err):
		n := failures.Add(1)
		limit := ctl.config.MaxBackendFailures
		if 0 < limit && limit <= n {
			ctl.logger.Warnf("[%s] execution backend is unavailable %d times in a row", conn.id, n)
			conn.Evict(err)
		}
	case errors.Is(err, context.Canceled):
	default:
		failures.Store(0)
	}
}

// writePump writes queued frames and pings, and closes the transport at last.
func (ctl *Controller) writePump(ctx context.Context, connCtx context.Context, conn *Conn) error {
	defer conn.transport.Close()

	var ping <-chan time.Time
	if 0 < ctl.config.PingInterval {
		ticker := time.NewTicker(ctl.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-conn.closing:
			ctl.finish(conn)
			return nil
		case <-ctx.Done():
			if errors.Is(context.Cause(connCtx), ErrShuttingDown) {
				conn.requestClose(closeFor(ErrShuttingDown))
			}
			select {
			case <-conn.closing:
				ctl.finish(conn)
			default:
				conn.transition(Closing)
			}
			return nil
		case f := <-conn.send:
			if err := ctl.write(conn, f); err != nil {
				conn.transition(Closing)
				return err
			}
		case <-ping:
			deadline := time.Now().Add(ctl.config.WriteTimeout)
			if err := conn.transport.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.transition(Closing)
				return err
			}
		}
	}
}

func (ctl *Controller) write(conn *Conn, f frame.LogFrame) error {
	if 0 < ctl.config.WriteTimeout {
		conn.transport.SetWriteDeadline(time.Now().Add(ctl.config.WriteTimeout))
	}
	if err := conn.transport.WriteMessage(websocket.TextMessage, codec.EncodeOutbound(f)); err != nil {
		return err
	}
	conn.touch(time.Now())
	return nil
}

// finish flushes queued frames if requested, and sends the close frame.
func (ctl *Controller) finish(conn *Conn) {
	req := conn.closeReq
	if req.flush {
	drain:
		for {
			select {
			case f := <-conn.send:
				if err := ctl.write(conn, f); err != nil {
					break drain
				}
			default:
				break drain
			}
		}
	}
	ctl.closeTransport(conn, req)
}

func (ctl *Controller) closeTransport(conn *Conn, req closeRequest) {
	deadline := time.Now().Add(ctl.config.WriteTimeout)
	if err := conn.transport.WriteControl(
		websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.text), deadline,
	); err != nil {
		ctl.logger.Debugf("[%s] cannot send close frame: %s", conn.id, err)
	}
	conn.transport.Close()
	ctl.logger.Infof("[%s] closed by server: %d %s", conn.id, req.code, req.text)
}

// Connections returns snapshots of live connections, ordered by workload and id.
func (ctl *Controller) Connections() []ConnInfo {
	ctl.mu.Lock()
	infos := make([]ConnInfo, 0, len(ctl.conns))
	for _, l := range ctl.conns {
		infos = append(infos, l.conn.Info())
	}
	ctl.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Workload != infos[j].Workload {
			return infos[i].Workload < infos[j].Workload
		}
		return infos[i].Id < infos[j].Id
	})
	return infos
}

// Shutdown closes all connections with CloseGoingAway, and waits them to finish.
//
// Connections arriving after this are refused.
func (ctl *Controller) Shutdown(ctx context.Context) error {
	ctl.mu.Lock()
	ctl.shutdown = true
	for _, l := range ctl.conns {
		l.cancel(ErrShuttingDown)
	}
	ctl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ctl.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
