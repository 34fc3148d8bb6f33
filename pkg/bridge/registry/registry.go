package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/pkg/domain/frame"
	"k8s.io/utils/clock"
)

// Subscriber is a client connection interested in a workload.
type Subscriber interface {
	// Id of the connection. Unique in the process.
	Id() string

	// Offer queues a frame to the subscriber.
	//
	// It MUST NOT block. Non-nil error means the subscriber can not accept the frame
	// (its buffer is full, or it is closed); the registry evicts it.
	Offer(frame.LogFrame) error

	// Evict asks the subscriber to disconnect for the reason.
	//
	// The subscriber should Unsubscribe itself in its close path.
	// Registry calls this without holding any of its locks.
	Evict(reason error)
}

// Upstream starts and stops log streams. Implemented by upstream.Manager .
//
// Both methods are called while the workload is locked, so they must not block
// nor call back into the Registry.
type Upstream interface {
	// EnsureStarted starts a stream for the workload if not running,
	// and returns the epoch of the running stream.
	EnsureStarted(workload string) uint64

	// Stop stops the stream of the epoch. Stale epochs are ignored.
	Stop(workload string, epoch uint64)
}

type State string

const (
	// subscribers are there, but no upstream stream is running.
	Idle State = "idle"

	// upstream stream is running for subscribers.
	Streaming State = "streaming"

	// no subscribers. teardown is scheduled.
	Draining State = "draining"

	// torn down. It is no longer in the registry.
	Closed State = "closed"
)

// ErrUpstreamNotBound is reported when the registry is used before Bind.
var ErrUpstreamNotBound = errors.New("registry: upstream is not bound")

type subscription struct {
	sub     Subscriber
	evicted bool
}

// workloadSession is the set of subscribers of one workload.
//
// All fields are guarded by mu.
type workloadSession struct {
	workload string

	mu       sync.Mutex
	order    []*subscription
	byId     map[string]*subscription
	epoch    uint64 // 0 = no upstream stream
	teardown clock.Timer
	gen      uint64 // generation of the teardown timer
	removed  bool
}

func (s *workloadSession) state() State {
	switch {
	case s.removed:
		return Closed
	case s.teardown != nil:
		return Draining
	case s.epoch != 0:
		return Streaming
	default:
		return Idle
	}
}

// Registry maps workloads to their subscribers.
//
// Each workload is serialized by its own lock; different workloads proceed in parallel.
type Registry struct {
	clock  clock.WithDelayedExecution
	grace  time.Duration
	logger *log.Logger

	mu       sync.Mutex // guards sessions
	sessions map[string]*workloadSession
	upstream Upstream
}

type Option func(*Registry)

// WithClock replaces the clock used for teardown timers.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates a Registry.
//
// # Args
//
// - grace: how long an empty session is kept before its upstream stream is stopped.
//
// - options...
func New(grace time.Duration, options ...Option) *Registry {
	r := &Registry{
		clock:    clock.RealClock{},
		grace:    grace,
		logger:   log.New("registry"),
		sessions: map[string]*workloadSession{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Bind sets Upstream to drive. Call this once before Subscribe.
func (r *Registry) Bind(up Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream = up
}

func (r *Registry) lookup(workload string) *workloadSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[workload]
}

func (r *Registry) getOrCreate(workload string) (*workloadSession, Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workload]
	if !ok {
		s = &workloadSession{workload: workload, byId: map[string]*subscription{}}
		r.sessions[workload] = s
	}
	return s, r.upstream
}

// lockLive locks the live session of the workload, creating it if needed.
//
// A session can be removed between lookup and lock; then it retries with a fresh one.
func (r *Registry) lockLive(workload string) (*workloadSession, Upstream) {
	for {
		s, up := r.getOrCreate(workload)
		s.mu.Lock()
		if !s.removed {
			return s, up
		}
		s.mu.Unlock()
	}
}

type SubscribeResult struct {
	// this subscriber is the first one of the session.
	First bool

	// a pending teardown has been cancelled by this subscription.
	Resumed bool

	// the subscriber has been subscribed already. Nothing is changed.
	Duplicated bool

	// number of subscribers, including this one.
	Subscribers int

	// epoch of the upstream stream serving the session.
	Epoch uint64
}

// Subscribe registers a subscriber for a workload.
//
// It is idempotent for the same subscriber id.
//
// When the session has no upstream stream, it starts one with the bound Upstream,
// while the workload is locked. So there is at most one stream per workload at a time.
//
// A pending teardown of the workload is cancelled, and the running stream is reused.
func (r *Registry) Subscribe(workload string, sub Subscriber) (SubscribeResult, error) {
	s, up := r.lockLive(workload)
	defer s.mu.Unlock()

	if up == nil {
		if len(s.order) == 0 && s.teardown == nil {
			r.remove(s)
		}
		return SubscribeResult{}, ErrUpstreamNotBound
	}

	if _, ok := s.byId[sub.Id()]; ok {
		return SubscribeResult{Duplicated: true, Subscribers: len(s.order), Epoch: s.epoch}, nil
	}

	result := SubscribeResult{First: len(s.order) == 0}

	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
		s.gen += 1
		result.Resumed = true
		r.logger.Debugf("teardown of %s is cancelled", workload)
	}

	sn := &subscription{sub: sub}
	s.order = append(s.order, sn)
	s.byId[sub.Id()] = sn

	if s.epoch == 0 {
		s.epoch = up.EnsureStarted(workload)
	}

	result.Subscribers = len(s.order)
	result.Epoch = s.epoch
	return result, nil
}

type UnsubscribeResult struct {
	// the subscriber was found in the session.
	Found bool

	// the session has no subscribers now. Teardown is scheduled.
	Empty bool
}

// Unsubscribe deregisters a subscriber.
//
// When the session becomes empty, teardown is scheduled after the grace period.
// Unknown workload or subscriber is not an error; that is reported in the result.
func (r *Registry) Unsubscribe(workload string, subscriberId string) UnsubscribeResult {
	s := r.lookup(workload)
	if s == nil {
		return UnsubscribeResult{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return UnsubscribeResult{}
	}

	sn, found := s.byId[subscriberId]
	if found {
		delete(s.byId, subscriberId)
		for i := range s.order {
			if s.order[i] == sn {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}

	empty := len(s.order) == 0
	if empty {
		r.scheduleTeardown(s)
	}
	return UnsubscribeResult{Found: found, Empty: empty}
}

// scheduleTeardown arms the teardown timer. s.mu should be locked.
func (r *Registry) scheduleTeardown(s *workloadSession) {
	if s.teardown != nil {
		return
	}
	s.gen += 1
	gen := s.gen
	s.teardown = r.clock.AfterFunc(r.grace, func() {
		r.teardown(s, gen)
	})
	r.logger.Debugf("teardown of %s is scheduled in %s", s.workload, r.grace)
}

func (r *Registry) teardown(s *workloadSession, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || s.gen != gen || len(s.order) != 0 {
		return // cancelled
	}
	s.teardown = nil

	r.mu.Lock()
	up := r.upstream
	r.mu.Unlock()

	if s.epoch != 0 && up != nil {
		up.Stop(s.workload, s.epoch)
	}
	s.epoch = 0
	r.remove(s)
	r.logger.Infof("session of %s is torn down", s.workload)
}

// remove drops the session from the map. s.mu should be locked.
func (r *Registry) remove(s *workloadSession) {
	s.removed = true
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.workload] == s {
		delete(r.sessions, s.workload)
	}
}

// fanout offers f to all live subscribers in the registration order. s.mu should be locked.
//
// Subscribers failed to accept are marked as evicted and returned, with the error.
func (r *Registry) fanout(s *workloadSession, f frame.LogFrame) []eviction {
	var evictions []eviction
	for _, sn := range s.order {
		if sn.evicted {
			continue
		}
		if err := sn.sub.Offer(f); err != nil {
			sn.evicted = true
			evictions = append(evictions, eviction{sub: sn.sub, reason: err})
		}
	}
	return evictions
}

type eviction struct {
	sub    Subscriber
	reason error
}

func (r *Registry) evict(workload string, evictions []eviction) {
	for _, e := range evictions {
		r.logger.Infof("subscriber %s of %s is evicted: %s", e.sub.Id(), workload, e.reason)
		e.sub.Evict(e.reason)
	}
}

// Broadcast delivers a frame to every subscriber of the workload, in the calling order.
//
// Unknown workload is a silent no-op.
// Subscribers which can not accept the frame are evicted.
func (r *Registry) Broadcast(workload string, f frame.LogFrame) {
	s := r.lookup(workload)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	evictions := r.fanout(s, f)
	s.mu.Unlock()

	r.evict(workload, evictions)
}

// Deliver is Broadcast from an upstream stream of the epoch.
//
// Frames from a stale stream (stopped or replaced) are dropped.
func (r *Registry) Deliver(workload string, epoch uint64, f frame.LogFrame) {
	s := r.lookup(workload)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.removed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	evictions := r.fanout(s, f)
	s.mu.Unlock()

	r.evict(workload, evictions)
}

// Exhausted is called when the upstream stream of the epoch gives up.
//
// Subscribers receive the last frame, and then all of them are evicted for reason.
func (r *Registry) Exhausted(workload string, epoch uint64, last frame.LogFrame, reason error) {
	s := r.lookup(workload)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.removed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.epoch = 0
	evictions := r.fanout(s, last)
	for _, sn := range s.order {
		if sn.evicted {
			continue
		}
		sn.evicted = true
		evictions = append(evictions, eviction{sub: sn.sub, reason: reason})
	}
	s.mu.Unlock()

	r.evict(workload, evictions)
}

// Count returns the number of subscribers of the workload.
func (r *Registry) Count(workload string) int {
	s := r.lookup(workload)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return 0
	}
	return len(s.order)
}

// SessionInfo is a snapshot of a session.
type SessionInfo struct {
	Workload    string `json:"workload"`
	Subscribers int    `json:"subscribers"`
	State       State  `json:"state"`
	Epoch       uint64 `json:"epoch"`
}

// Session returns a snapshot of the session of the workload.
func (r *Registry) Session(workload string) (SessionInfo, bool) {
	s := r.lookup(workload)
	if s == nil {
		return SessionInfo{Workload: workload, State: Closed}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return SessionInfo{Workload: workload, State: Closed}, false
	}
	return SessionInfo{
		Workload: workload, Subscribers: len(s.order), State: s.state(), Epoch: s.epoch,
	}, true
}

// Sessions returns snapshots of all sessions, ordered by workload.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	workloads := make([]string, 0, len(r.sessions))
	for w := range r.sessions {
		workloads = append(workloads, w)
	}
	r.mu.Unlock()
	sort.Strings(workloads)

	infos := make([]SessionInfo, 0, len(workloads))
	for _, w := range workloads {
		if info, ok := r.Session(w); ok {
			infos = append(infos, info)
		}
	}
	return infos
}
