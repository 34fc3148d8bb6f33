package upstream_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opst/logbridge/pkg/bridge/upstream"
	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	"github.com/opst/logbridge/pkg/domain/frame"
	"github.com/opst/logbridge/pkg/utils/retry"
	k8s "github.com/opst/logbridge/pkg/workloads/k8s"
	testclock "k8s.io/utils/clock/testing"
)

type sourceCall struct {
	Workload string
	Options  k8s.LogOptions
}

type fakeSource struct {
	impl func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error)

	mu    sync.Mutex
	calls []sourceCall
}

func (s *fakeSource) StreamLogs(ctx context.Context, workload string, opts k8s.LogOptions) (io.ReadCloser, error) {
	s.mu.Lock()
	nth := len(s.calls)
	s.calls = append(s.calls, sourceCall{Workload: workload, Options: opts})
	s.mu.Unlock()
	return s.impl(ctx, nth, opts)
}

func (s *fakeSource) Calls() []sourceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sourceCall{}, s.calls...)
}

// following returns a stream which yields content and then blocks until ctx is done.
func following(ctx context.Context, content string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		io.WriteString(pw, content)
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return pr
}

// finite returns a stream which yields content and then ends.
func finite(content string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(content))
}

type exhaustion struct {
	Workload string
	Epoch    uint64
	Last     frame.LogFrame
	Reason   error
}

type fakeSink struct {
	mu        sync.Mutex
	frames    []frame.LogFrame
	exhausted []exhaustion
}

func (s *fakeSink) Deliver(workload string, epoch uint64, f frame.LogFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *fakeSink) Exhausted(workload string, epoch uint64, last frame.LogFrame, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = append(s.exhausted, exhaustion{Workload: workload, Epoch: epoch, Last: last, Reason: reason})
}

func (s *fakeSink) Frames() []frame.LogFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.LogFrame{}, s.frames...)
}

func (s *fakeSink) Exhaustions() []exhaustion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exhaustion{}, s.exhausted...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func stepWhenWaiting(t *testing.T, fc *testclock.FakeClock, d time.Duration) {
	t.Helper()
	eventually(t, "backoff starts waiting", fc.HasWaiters)
	fc.Step(d)
}

var policy = retry.Policy{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, Window: 5 * time.Minute}

func TestManager_EnsureStarted(t *testing.T) {
	t.Run("it delivers non-blank lines in order", func(t *testing.T) {
		source := &fakeSource{
			impl: func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error) {
				return following(ctx, "booting\n\nready\r\n   \nserving"), nil
			},
		}
		sink := &fakeSink{}
		testee := upstream.New(source, sink, policy, upstream.WithClock(testclock.NewFakeClock(time.Now())))
		defer testee.Close()

		testee.EnsureStarted("alpha")

		// the last line has no newline; it is delivered when the stream ends.
		eventually(t, "lines are delivered", func() bool { return len(sink.Frames()) == 2 })
		frames := sink.Frames()
		if frames[0].Text() != "booting" || frames[1].Text() != "ready" {
			t.Errorf("unexpected frames: %v", frames)
		}
		for _, f := range frames {
			if f.Source().Kind() != frame.Upstream {
				t.Errorf("unexpected source: %s", f)
			}
		}
		if testee.Status("alpha") != upstream.Running {
			t.Errorf("status: %s", testee.Status("alpha"))
		}
	})

	t.Run("it starts one stream for concurrent callers", func(t *testing.T) {
		source := &fakeSource{
			impl: func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error) {
				return following(ctx, ""), nil
			},
		}
		testee := upstream.New(source, &fakeSink{}, policy)
		defer testee.Close()

		epochs := make(chan uint64, 50)
		wg := new(sync.WaitGroup)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				epochs <- testee.EnsureStarted("alpha")
			}()
		}
		wg.Wait()
		close(epochs)

		first := <-epochs
		for e := range epochs {
			if e != first {
				t.Errorf("epoch differs: (%d, %d)", first, e)
			}
		}
		if testee.Starts() != 1 {
			t.Errorf("starts: %d", testee.Starts())
		}
		eventually(t, "source is opened", func() bool { return len(source.Calls()) == 1 })
	})

	t.Run("it asks tail lines for the first open", func(t *testing.T) {
		source := &fakeSource{
			impl: func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error) {
				return following(ctx, ""), nil
			},
		}
		tail := int64(20)
		testee := upstream.New(source, &fakeSink{}, policy, upstream.WithTailLines(&tail))
		defer testee.Close()

		testee.EnsureStarted("alpha")
		eventually(t, "source is opened", func() bool { return len(source.Calls()) == 1 })

		call := source.Calls()[0]
		if call.Workload != "alpha" || call.Options.TailLines == nil || *call.Options.TailLines != 20 || !call.Options.Since.IsZero() {
			t.Errorf("unexpected call: %+v", call)
		}
	})
}

func TestManager_Recovery(t *testing.T) {
	t.Run("it reports once, retries with backoff, and resumes from the last line", func(t *testing.T) {
		fc := testclock.NewFakeClock(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
		started := fc.Now()

		source := &fakeSource{
			impl: func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error) {
				switch nth {
				case 0:
					return finite("one\n"), nil
				case 1:
					return nil, bridgeerrors.NewUpstreamUnavailable("connection refused")
				default:
					return following(ctx, "two\n"), nil
				}
			},
		}
		sink := &fakeSink{}
		testee := upstream.New(source, sink, policy, upstream.WithClock(fc))
		defer testee.Close()

		testee.EnsureStarted("alpha")

		eventually(t, "stream is interrupted", func() bool { return len(sink.Frames()) == 2 })
		if testee.Status("alpha") != upstream.Reconnecting {
			t.Errorf("status: %s", testee.Status("alpha"))
		}

		stepWhenWaiting(t, fc, 500*time.Millisecond)
		eventually(t, "second open", func() bool { return len(source.Calls()) == 2 })

		stepWhenWaiting(t, fc, time.Second)
		eventually(t, "stream is resumed", func() bool { return len(sink.Frames()) == 3 })

		frames := sink.Frames()
		if frames[0].Text() != "one" || frames[2].Text() != "two" {
			t.Errorf("unexpected frames: %v", frames)
		}
		if frames[1].Source().Kind() != frame.Bridge {
			t.Errorf("expected a diagnostic: %s", frames[1])
		}
		if testee.Status("alpha") != upstream.Running {
			t.Errorf("status: %s", testee.Status("alpha"))
		}

		calls := source.Calls()
		if len(calls) != 3 {
			t.Fatalf("unexpected calls: %+v", calls)
		}
		for _, c := range calls[1:] {
			if !c.Options.Since.Equal(started) || c.Options.TailLines != nil {
				t.Errorf("reopen should resume from the last line: %+v", c.Options)
			}
		}
		if len(sink.Exhaustions()) != 0 {
			t.Errorf("unexpected exhaustion: %+v", sink.Exhaustions())
		}
	})

	t.Run("it gives up after the retry window", func(t *testing.T) {
		fc := testclock.NewFakeClock(time.Now())
		cause := errors.New("connection refused")
		source := &fakeSource{
			impl: func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error) {
				return nil, bridgeerrors.NewUpstreamUnavailableCausedBy("cannot open", cause)
			},
		}
		sink := &fakeSink{}
		testee := upstream.New(
			source, sink,
			retry.Policy{Base: time.Second, Factor: 1, Window: 2 * time.Second},
			upstream.WithClock(fc),
		)
		defer testee.Close()

		epoch := testee.EnsureStarted("alpha")

		stepWhenWaiting(t, fc, time.Second)
		stepWhenWaiting(t, fc, time.Second)
		eventually(t, "exhausted", func() bool { return len(sink.Exhaustions()) == 1 })

		ex := sink.Exhaustions()[0]
		if ex.Workload != "alpha" || ex.Epoch != epoch {
			t.Errorf("unexpected exhaustion: %+v", ex)
		}
		if !bridgeerrors.AsUpstreamExhausted(ex.Reason) || !errors.Is(ex.Reason, retry.ErrBudgetExhausted) || !errors.Is(ex.Reason, cause) {
			t.Errorf("unexpected reason: %v", ex.Reason)
		}
		if ex.Last.Source().Kind() != frame.Bridge {
			t.Errorf("last frame should be a diagnostic: %s", ex.Last)
		}

		frames := sink.Frames()
		if len(frames) != 1 {
			t.Errorf("diagnostic should be sent once: %v", frames)
		}
		if testee.Status("alpha") != upstream.Stopped {
			t.Errorf("status: %s", testee.Status("alpha"))
		}
	})

	t.Run("missing workload is terminal", func(t *testing.T) {
		source := &fakeSource{
			impl: func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error) {
				return nil, bridgeerrors.NewWorkloadNotFound("alpha")
			},
		}
		sink := &fakeSink{}
		testee := upstream.New(source, sink, policy, upstream.WithClock(testclock.NewFakeClock(time.Now())))
		defer testee.Close()

		testee.EnsureStarted("alpha")
		eventually(t, "exhausted", func() bool { return len(sink.Exhaustions()) == 1 })

		if !bridgeerrors.AsWorkloadNotFound(sink.Exhaustions()[0].Reason) {
			t.Errorf("unexpected reason: %v", sink.Exhaustions()[0].Reason)
		}
		if len(sink.Frames()) != 0 {
			t.Errorf("unexpected frames: %v", sink.Frames())
		}
		if len(source.Calls()) != 1 {
			t.Errorf("retried: %+v", source.Calls())
		}
	})
}

func TestManager_Stop(t *testing.T) {
	t.Run("it stops the stream of the epoch", func(t *testing.T) {
		canceled := make(chan struct{})
		source := &fakeSource{
			impl: func(ctx context.Context, nth int, opts k8s.LogOptions) (io.ReadCloser, error) {
				if nth == 0 {
					go func() {
						<-ctx.Done()
						close(canceled)
					}()
				}
				return following(ctx, ""), nil
			},
		}
		sink := &fakeSink{}
		testee := upstream.New(source, sink, policy)
		defer testee.Close()

		epoch := testee.EnsureStarted("alpha")
		eventually(t, "source is opened", func() bool { return len(source.Calls()) == 1 })

		testee.Stop("alpha", epoch+100)
		if testee.Status("alpha") == upstream.Stopped {
			t.Fatalf("stale epoch stops the stream")
		}

		testee.Stop("alpha", epoch)
		if testee.Status("alpha") != upstream.Stopped {
			t.Errorf("status: %s", testee.Status("alpha"))
		}
		select {
		case <-canceled:
		case <-time.After(5 * time.Second):
			t.Fatal("source is not canceled")
		}

		next := testee.EnsureStarted("alpha")
		if next == epoch || testee.Starts() != 2 {
			t.Errorf("(epoch, starts) = (%d, %d)", next, testee.Starts())
		}
		if len(sink.Frames()) != 0 || len(sink.Exhaustions()) != 0 {
			t.Errorf("stopping should be silent: %v, %+v", sink.Frames(), sink.Exhaustions())
		}
	})
}
