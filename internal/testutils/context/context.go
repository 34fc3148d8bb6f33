package context

import (
	"context"
	"testing"
	"time"
)

// fallback deadline for tests run without -timeout.
const defaultTimeout = 30 * time.Second

// WithTest bounds ctx by the deadline of the test.
//
// The deadline is 1 second before the test's one, to be able to clean-up resources.
// The context is canceled when the test finishes.
func WithTest(ctx context.Context, t *testing.T) (context.Context, context.CancelFunc) {
	deadline, ok := t.Deadline()
	if ok {
		deadline = deadline.Add(-time.Second)
	} else {
		deadline = time.Now().Add(defaultTimeout)
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	t.Cleanup(cancel)
	return dctx, cancel
}
