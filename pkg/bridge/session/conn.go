package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	"github.com/opst/logbridge/pkg/domain/frame"
)

// Transport is a websocket connection. *websocket.Conn satisfies this.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type State int

const (
	Connecting State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Active:
		return "ACTIVE"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// websocket close codes.
const (
	CloseNormal             = websocket.CloseNormalClosure
	CloseGoingAway          = websocket.CloseGoingAway
	CloseInternalError      = websocket.CloseInternalServerErr
	CloseWorkloadNotFound   = 4404
	CloseSlowConsumer       = 4408
	CloseBackendUnavailable = 4502
	CloseUpstreamExhausted  = 4503
)

type closeRequest struct {
	code   int
	text   string
	reason error

	// deliver queued frames before closing.
	flush bool
}

// closeFor decides how to close a connection for the reason.
func closeFor(reason error) closeRequest {
	req := closeRequest{reason: reason}
	switch {
	case reason == nil:
		req.code, req.text, req.flush = CloseNormal, "bye", true
	case bridgeerrors.AsWorkloadNotFound(reason):
		req.code, req.text, req.flush = CloseWorkloadNotFound, "workload not found", true
	case bridgeerrors.AsUpstreamExhausted(reason):
		req.code, req.text, req.flush = CloseUpstreamExhausted, "upstream exhausted retries", true
	case bridgeerrors.AsBackendUnavailable(reason):
		req.code, req.text, req.flush = CloseBackendUnavailable, "execution backend unavailable", true
	case errors.Is(reason, bridgeerrors.ErrSlowConsumer):
		req.code, req.text = CloseSlowConsumer, "slow consumer"
	case errors.Is(reason, ErrShuttingDown):
		req.code, req.text, req.flush = CloseGoingAway, "server is shutting down", true
	default:
		req.code, req.text = CloseInternalError, "internal error"
	}
	return req
}

// Conn is a client connection subscribing a workload.
type Conn struct {
	id        string
	workload  string
	transport Transport

	// outbound queue. bounded.
	send chan frame.LogFrame

	closeOnce sync.Once
	closing   chan struct{}
	closeReq  closeRequest

	unsubscribeOnce sync.Once

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

func newConn(id string, workload string, transport Transport, buffer int, now time.Time) *Conn {
	return &Conn{
		id:           id,
		workload:     workload,
		transport:    transport,
		send:         make(chan frame.LogFrame, buffer),
		closing:      make(chan struct{}),
		state:        Connecting,
		lastActivity: now,
	}
}

func (c *Conn) Id() string {
	return c.id
}

func (c *Conn) Workload() string {
	return c.workload
}

// Offer queues a frame without blocking.
//
// # Returns
//
// - error: ErrConnectionClosed if the connection is closing, ErrSlowConsumer if the queue is full.
func (c *Conn) Offer(f frame.LogFrame) error {
	select {
	case <-c.closing:
		return bridgeerrors.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	default:
		return bridgeerrors.ErrSlowConsumer
	}
}

// Evict closes the connection for the reason.
func (c *Conn) Evict(reason error) {
	c.requestClose(closeFor(reason))
}

// requestClose asks the writer to close the transport. Only the first request takes effect.
func (c *Conn) requestClose(req closeRequest) bool {
	requested := false
	c.closeOnce.Do(func() {
		c.closeReq = req
		close(c.closing)
		requested = true
	})
	if requested {
		c.transition(Closing)
	}
	return requested
}

// transition moves the state forward. Backward moves are ignored.
func (c *Conn) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to <= c.state {
		return false
	}
	c.state = to
	return true
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

// ConnInfo is a snapshot of a connection.
type ConnInfo struct {
	Id           string    `json:"id"`
	Workload     string    `json:"workload"`
	State        State     `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
}

func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{Id: c.id, Workload: c.workload, State: c.state, LastActivity: c.lastActivity}
}
