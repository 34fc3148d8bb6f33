package registry_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opst/logbridge/pkg/bridge/registry"
	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	"github.com/opst/logbridge/pkg/domain/frame"
	testclock "k8s.io/utils/clock/testing"
)

type fakeSubscriber struct {
	id       string
	capacity int

	mu       sync.Mutex
	received []frame.LogFrame
	evicted  []error
}

func newSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id, capacity: -1}
}

func (s *fakeSubscriber) Id() string { return s.id }

func (s *fakeSubscriber) Offer(f frame.LogFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if 0 <= s.capacity && s.capacity <= len(s.received) {
		return bridgeerrors.ErrSlowConsumer
	}
	s.received = append(s.received, f)
	return nil
}

func (s *fakeSubscriber) Evict(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, reason)
}

func (s *fakeSubscriber) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	texts := make([]string, 0, len(s.received))
	for _, f := range s.received {
		texts = append(texts, f.Text())
	}
	return texts
}

func (s *fakeSubscriber) Evictions() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error{}, s.evicted...)
}

type fakeUpstream struct {
	mu      sync.Mutex
	running map[string]uint64
	starts  int
	stops   []uint64
	epoch   uint64
}

func newUpstream() *fakeUpstream {
	return &fakeUpstream{running: map[string]uint64{}}
}

func (u *fakeUpstream) EnsureStarted(workload string) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if e, ok := u.running[workload]; ok {
		return e
	}
	u.epoch += 1
	u.starts += 1
	u.running[workload] = u.epoch
	return u.epoch
}

func (u *fakeUpstream) Stop(workload string, epoch uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running[workload] == epoch {
		delete(u.running, workload)
	}
	u.stops = append(u.stops, epoch)
}

func (u *fakeUpstream) Starts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.starts
}

func (u *fakeUpstream) Stops() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uint64{}, u.stops...)
}

func setup(grace time.Duration) (*registry.Registry, *fakeUpstream, *testclock.FakeClock) {
	fc := testclock.NewFakeClock(time.Now())
	up := newUpstream()
	r := registry.New(grace, registry.WithClock(fc))
	r.Bind(up)
	return r, up, fc
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistry_Subscribe(t *testing.T) {
	t.Run("it starts upstream once, for the first subscriber", func(t *testing.T) {
		r, up, _ := setup(10 * time.Second)

		a, b := newSubscriber("a"), newSubscriber("b")
		ra, err := r.Subscribe("alpha", a)
		if err != nil {
			t.Fatal(err)
		}
		rb, err := r.Subscribe("alpha", b)
		if err != nil {
			t.Fatal(err)
		}

		if !ra.First || rb.First {
			t.Errorf("unexpected First: (%v, %v)", ra.First, rb.First)
		}
		if ra.Epoch != rb.Epoch {
			t.Errorf("epoch differs: (%d, %d)", ra.Epoch, rb.Epoch)
		}
		if up.Starts() != 1 {
			t.Errorf("upstream starts: %d", up.Starts())
		}
		if r.Count("alpha") != 2 {
			t.Errorf("count: %d", r.Count("alpha"))
		}
	})

	t.Run("it is idempotent per subscriber", func(t *testing.T) {
		r, up, _ := setup(10 * time.Second)

		a := newSubscriber("a")
		if _, err := r.Subscribe("alpha", a); err != nil {
			t.Fatal(err)
		}
		result, err := r.Subscribe("alpha", a)
		if err != nil {
			t.Fatal(err)
		}
		if !result.Duplicated || result.First || result.Subscribers != 1 {
			t.Errorf("unexpected result: %+v", result)
		}
		if up.Starts() != 1 || r.Count("alpha") != 1 {
			t.Errorf("(starts, count) = (%d, %d)", up.Starts(), r.Count("alpha"))
		}
	})

	t.Run("it starts one stream per workload under concurrent subscriptions", func(t *testing.T) {
		r, up, _ := setup(10 * time.Second)

		wg := new(sync.WaitGroup)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := r.Subscribe("alpha", newSubscriber(fmt.Sprintf("conn-%d", i))); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()

		if up.Starts() != 1 {
			t.Errorf("upstream starts: %d", up.Starts())
		}
		if r.Count("alpha") != 50 {
			t.Errorf("count: %d", r.Count("alpha"))
		}
	})

	t.Run("it fails when upstream is not bound", func(t *testing.T) {
		r := registry.New(time.Second)
		if _, err := r.Subscribe("alpha", newSubscriber("a")); !errors.Is(err, registry.ErrUpstreamNotBound) {
			t.Errorf("unexpected error: %v", err)
		}
		if len(r.Sessions()) != 0 {
			t.Errorf("session is left: %+v", r.Sessions())
		}
	})
}

func TestRegistry_Teardown(t *testing.T) {
	t.Run("it tears down after the grace period of the last unsubscribe", func(t *testing.T) {
		r, up, fc := setup(10 * time.Second)

		result, err := r.Subscribe("alpha", newSubscriber("a"))
		if err != nil {
			t.Fatal(err)
		}

		unsub := r.Unsubscribe("alpha", "a")
		if !unsub.Found || !unsub.Empty {
			t.Fatalf("unexpected result: %+v", unsub)
		}
		if info, ok := r.Session("alpha"); !ok || info.State != registry.Draining {
			t.Errorf("session should be draining: %+v", info)
		}

		fc.Step(9 * time.Second)
		if len(up.Stops()) != 0 {
			t.Fatalf("torn down too early")
		}

		fc.Step(time.Second)
		if stops := up.Stops(); len(stops) != 1 || stops[0] != result.Epoch {
			t.Errorf("unexpected stops: %v", stops)
		}
		if _, ok := r.Session("alpha"); ok {
			t.Errorf("session is left")
		}
	})

	t.Run("it cancels teardown when a subscriber comes back in the grace period", func(t *testing.T) {
		r, up, fc := setup(10 * time.Second)

		first, err := r.Subscribe("alpha", newSubscriber("a"))
		if err != nil {
			t.Fatal(err)
		}
		r.Unsubscribe("alpha", "a")
		fc.Step(5 * time.Second)

		second, err := r.Subscribe("alpha", newSubscriber("b"))
		if err != nil {
			t.Fatal(err)
		}
		if !second.Resumed || !second.First {
			t.Errorf("unexpected result: %+v", second)
		}
		if second.Epoch != first.Epoch {
			t.Errorf("stream is replaced: (%d, %d)", first.Epoch, second.Epoch)
		}

		fc.Step(time.Minute)
		if len(up.Stops()) != 0 {
			t.Errorf("cancelled teardown fires: %v", up.Stops())
		}
		if up.Starts() != 1 {
			t.Errorf("upstream starts: %d", up.Starts())
		}
		if info, ok := r.Session("alpha"); !ok || info.State != registry.Streaming {
			t.Errorf("session should be streaming: %+v", info)
		}
	})

	t.Run("it starts a new stream after teardown", func(t *testing.T) {
		r, up, fc := setup(time.Second)

		first, _ := r.Subscribe("alpha", newSubscriber("a"))
		r.Unsubscribe("alpha", "a")
		fc.Step(time.Second)

		second, err := r.Subscribe("alpha", newSubscriber("b"))
		if err != nil {
			t.Fatal(err)
		}
		if second.Epoch == first.Epoch || second.Resumed {
			t.Errorf("unexpected result: %+v", second)
		}
		if up.Starts() != 2 {
			t.Errorf("upstream starts: %d", up.Starts())
		}
	})

	t.Run("it keeps the session while subscribers remain", func(t *testing.T) {
		r, up, fc := setup(time.Second)

		r.Subscribe("alpha", newSubscriber("a"))
		r.Subscribe("alpha", newSubscriber("b"))

		if result := r.Unsubscribe("alpha", "a"); !result.Found || result.Empty {
			t.Errorf("unexpected result: %+v", result)
		}
		fc.Step(time.Hour)
		if len(up.Stops()) != 0 || r.Count("alpha") != 1 {
			t.Errorf("(stops, count) = (%v, %d)", up.Stops(), r.Count("alpha"))
		}
	})

	t.Run("unsubscribing unknown ones is not an error", func(t *testing.T) {
		r, _, _ := setup(time.Second)
		if result := r.Unsubscribe("nowhere", "a"); result.Found || result.Empty {
			t.Errorf("unexpected result: %+v", result)
		}

		r.Subscribe("alpha", newSubscriber("a"))
		if result := r.Unsubscribe("alpha", "z"); result.Found || result.Empty {
			t.Errorf("unexpected result: %+v", result)
		}
	})
}

func TestRegistry_Broadcast(t *testing.T) {
	t.Run("it delivers frames in order to every subscriber", func(t *testing.T) {
		r, _, _ := setup(time.Second)

		a, b := newSubscriber("a"), newSubscriber("b")
		r.Subscribe("alpha", a)
		r.Subscribe("alpha", b)
		other := newSubscriber("c")
		r.Subscribe("beta", other)

		for _, text := range []string{"one", "two", "three"} {
			r.Broadcast("alpha", frame.Line(frame.UpstreamSource(), text))
		}

		expected := []string{"one", "two", "three"}
		if !equal(a.Texts(), expected) || !equal(b.Texts(), expected) {
			t.Errorf("unexpected frames: (%v, %v)", a.Texts(), b.Texts())
		}
		if len(other.Texts()) != 0 {
			t.Errorf("frames leak to other workload: %v", other.Texts())
		}
	})

	t.Run("broadcasting to unknown workload is a no-op", func(t *testing.T) {
		r, _, _ := setup(time.Second)
		r.Broadcast("nowhere", frame.Diagnostic("hello"))
		if len(r.Sessions()) != 0 {
			t.Errorf("session is created: %+v", r.Sessions())
		}
	})

	t.Run("it evicts slow subscribers without blocking others", func(t *testing.T) {
		r, _, _ := setup(time.Second)

		slow, fast := newSubscriber("slow"), newSubscriber("fast")
		slow.capacity = 1
		r.Subscribe("alpha", slow)
		r.Subscribe("alpha", fast)

		for _, text := range []string{"one", "two", "three"} {
			r.Broadcast("alpha", frame.Line(frame.UpstreamSource(), text))
		}

		if !equal(fast.Texts(), []string{"one", "two", "three"}) {
			t.Errorf("fast subscriber: %v", fast.Texts())
		}
		if !equal(slow.Texts(), []string{"one"}) {
			t.Errorf("slow subscriber: %v", slow.Texts())
		}
		evicted := slow.Evictions()
		if len(evicted) != 1 || !errors.Is(evicted[0], bridgeerrors.ErrSlowConsumer) {
			t.Errorf("evictions: %v", evicted)
		}
		if len(fast.Evictions()) != 0 {
			t.Errorf("fast subscriber is evicted: %v", fast.Evictions())
		}
	})
}

func TestRegistry_Deliver(t *testing.T) {
	t.Run("it drops frames from stale streams", func(t *testing.T) {
		r, _, fc := setup(time.Second)

		a := newSubscriber("a")
		old, _ := r.Subscribe("alpha", a)
		r.Unsubscribe("alpha", "a")
		fc.Step(time.Second)

		b := newSubscriber("b")
		current, _ := r.Subscribe("alpha", b)

		r.Deliver("alpha", old.Epoch, frame.Line(frame.UpstreamSource(), "stale"))
		r.Deliver("alpha", current.Epoch, frame.Line(frame.UpstreamSource(), "fresh"))

		if !equal(b.Texts(), []string{"fresh"}) {
			t.Errorf("unexpected frames: %v", b.Texts())
		}
	})

	t.Run("exhaustion sends the last frame and evicts everyone", func(t *testing.T) {
		r, _, _ := setup(time.Second)

		a, b := newSubscriber("a"), newSubscriber("b")
		result, _ := r.Subscribe("alpha", a)
		r.Subscribe("alpha", b)

		cause := bridgeerrors.NewUpstreamExhaustedCausedBy("alpha", errors.New("gone"))
		r.Exhausted("alpha", result.Epoch, frame.Diagnostic("log stream is exhausted"), cause)

		for _, s := range []*fakeSubscriber{a, b} {
			if !equal(s.Texts(), []string{"log stream is exhausted"}) {
				t.Errorf("%s: unexpected frames: %v", s.Id(), s.Texts())
			}
			if ev := s.Evictions(); len(ev) != 1 || !bridgeerrors.AsUpstreamExhausted(ev[0]) {
				t.Errorf("%s: unexpected evictions: %v", s.Id(), ev)
			}
		}

		if info, ok := r.Session("alpha"); !ok || info.State != registry.Idle {
			t.Errorf("session should be idle until subscribers leave: %+v", info)
		}
	})
}

func TestRegistry_Sessions(t *testing.T) {
	r, _, _ := setup(time.Second)
	r.Subscribe("beta", newSubscriber("b"))
	r.Subscribe("alpha", newSubscriber("a1"))
	r.Subscribe("alpha", newSubscriber("a2"))

	infos := r.Sessions()
	if len(infos) != 2 {
		t.Fatalf("unexpected sessions: %+v", infos)
	}
	if infos[0].Workload != "alpha" || infos[0].Subscribers != 2 || infos[0].State != registry.Streaming {
		t.Errorf("unexpected: %+v", infos[0])
	}
	if infos[1].Workload != "beta" || infos[1].Subscribers != 1 {
		t.Errorf("unexpected: %+v", infos[1])
	}
}
