package kernel

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emission to settle")
		return nil
	}
}

// P1: priority determinism with no After edges.
func TestPriorityDeterminism(t *testing.T) {
	k := New()
	var mu sync.Mutex
	var order []string

	record := func(id string) HandlerFunc {
		return func(_ context.Context, _ *Event, _ *ListenerContext) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	k.On("evt", record("low"), WithID("low"), WithPriority(0))
	k.On("evt", record("high"), WithID("high"), WithPriority(10))
	k.On("evt", record("mid1"), WithID("mid1"), WithPriority(5))
	k.On("evt", record("mid2"), WithID("mid2"), WithPriority(5))

	require.NoError(t, waitErr(t, k.EmitSerial("evt", nil)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid1", "mid2", "low"}, order)
}

// S1: middleware chain with dependency ordering and shared context.
func TestMiddlewareChainScenario(t *testing.T) {
	k := New()
	var mu sync.Mutex
	var order []string

	k.On("req", func(_ context.Context, evt *Event, _ *ListenerContext) error {
		mu.Lock()
		order = append(order, "log")
		mu.Unlock()
		evt.Set("logged", true)
		return nil
	}, WithID("log"))

	k.On("req", func(_ context.Context, evt *Event, _ *ListenerContext) error {
		logged, _ := evt.Get("logged")
		assert.Equal(t, true, logged, "auth ran before log wrote to context")
		mu.Lock()
		order = append(order, "auth")
		mu.Unlock()
		evt.Set("authed", true)
		return nil
	}, WithID("auth"), WithAfter("log"))

	k.On("req", func(_ context.Context, evt *Event, _ *ListenerContext) error {
		authed, _ := evt.Get("authed")
		assert.Equal(t, true, authed, "handle ran before auth wrote to context")
		mu.Lock()
		order = append(order, "handle")
		mu.Unlock()
		return nil
	}, WithID("handle"), WithAfter("auth"))

	require.NoError(t, waitErr(t, k.EmitSerial("req", map[string]string{"path": "/x"})))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"log", "auth", "handle"}, order)
}

// P3: cycle detection.
func TestEmitCycleDetection(t *testing.T) {
	k := New()
	noop := func(_ context.Context, _ *Event, _ *ListenerContext) error { return nil }

	k.On("evt", noop, WithID("a"), WithAfter("b"))
	k.On("evt", noop, WithID("b"), WithAfter("a"))

	err := waitErr(t, k.Emit("evt", nil))
	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
}

// P4: missing-dependency detection.
func TestEmitMissingDependency(t *testing.T) {
	k := New()
	noop := func(_ context.Context, _ *Event, _ *ListenerContext) error { return nil }
	k.On("evt", noop, WithID("a"), WithAfter("ghost"))

	err := waitErr(t, k.Emit("evt", nil))
	var missErr *MissingDependencyError
	require.ErrorAs(t, err, &missErr)
	assert.Equal(t, "a", missErr.ListenerID)
	assert.Equal(t, "ghost", missErr.MissingID)
}

// P5: stop-propagation monotonicity.
func TestStopPropagationMonotonicity(t *testing.T) {
	k := New()
	var mu sync.Mutex
	var ran []string

	k.On("evt", func(_ context.Context, evt *Event, _ *ListenerContext) error {
		mu.Lock()
		ran = append(ran, "first")
		mu.Unlock()
		return evt.StopPropagation()
	}, WithID("first"), WithPriority(10))

	k.On("evt", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		mu.Lock()
		ran = append(ran, "second")
		mu.Unlock()
		return nil
	}, WithID("second"), WithPriority(0))

	require.NoError(t, waitErr(t, k.EmitSerial("evt", nil)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first"}, ran)
}

// P6: once contract, boolean form.
func TestOnceBooleanRunsExactlyOnce(t *testing.T) {
	k := New()
	count := 0
	k.On("evt", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		count++
		return nil
	}, WithID("once"), WithOnce())

	waitErr(t, k.EmitSerial("evt", nil))
	waitErr(t, k.EmitSerial("evt", nil))
	waitErr(t, k.EmitSerial("evt", nil))

	assert.Equal(t, 1, count, "expected exactly one invocation")
}

// P6: once contract, predicate form.
func TestOncePredicateRemovesAfterTrue(t *testing.T) {
	k := New()
	calls := 0
	k.On("evt", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		calls++
		return nil
	}, WithID("pred"), WithOncePredicate(func(evt *Event) bool {
		return calls >= 2
	}))

	waitErr(t, k.EmitSerial("evt", nil))
	waitErr(t, k.EmitSerial("evt", nil))
	waitErr(t, k.EmitSerial("evt", nil))

	assert.Equal(t, 2, calls, "expected removal after predicate first returns true (2 calls)")
}

// P7: wildcard coverage.
func TestWildcardCoverage(t *testing.T) {
	k := New()
	hits := 0
	k.On("**", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		hits++
		return nil
	}, WithID("catchall"))

	waitErr(t, k.EmitSerial("anything:at:all", nil))
	waitErr(t, k.EmitSerial("", nil))

	assert.Equal(t, 2, hits, "expected ** to match every name including empty")
}

// P8: listener-count invariant.
func TestListenerCountInvariant(t *testing.T) {
	k := New()
	noop := func(_ context.Context, _ *Event, _ *ListenerContext) error { return nil }
	k.On("a", noop, WithID("1"))
	k.On("a", noop, WithID("2"))
	k.On("b", noop, WithID("3"))

	sum := 0
	for _, p := range k.EventNames() {
		sum += k.ListenerCount(p)
	}
	assert.Equal(t, k.ListenerCount(), sum, "sum of per-pattern counts must equal total count")
}

// Error boundary: a failing listener doesn't fail the emission, and is
// recoverable via GetExecutionErrors.
func TestErrorBoundaryRecordsAndContinues(t *testing.T) {
	k := New(WithErrorBoundary(true))
	ran := false
	k.On("evt", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		return assert.AnError
	}, WithID("failing"), WithPriority(10))
	k.On("evt", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		ran = true
		return nil
	}, WithID("ok"), WithPriority(0))

	err := waitErr(t, k.EmitSerial("evt", nil))
	assert.NoError(t, err, "expected emission to resolve successfully under error boundary")
	assert.True(t, ran, "expected listener after the failing one to still run")

	got := k.GetExecutionErrors()
	require.Len(t, got, 1)

	k.ClearExecutionErrors()
	assert.Empty(t, k.GetExecutionErrors())
}

// Without the error boundary, failures aggregate and fail the emission.
func TestNoErrorBoundaryAggregates(t *testing.T) {
	k := New(WithErrorBoundary(false))
	k.On("evt", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		return assert.AnError
	}, WithID("failing"))

	err := waitErr(t, k.EmitSerial("evt", nil))
	assert.Error(t, err, "expected aggregate error")
}

// Signal-based removal.
func TestSignalRemovesListener(t *testing.T) {
	k := New()
	ctx, cancel := context.WithCancel(context.Background())
	k.On("evt", func(_ context.Context, _ *Event, _ *ListenerContext) error {
		return nil
	}, WithID("cancelable"), WithSignal(ctx))

	require.Equal(t, 1, k.ListenerCount("evt"))
	cancel()

	assert.Eventually(t, func() bool {
		return k.ListenerCount("evt") == 0
	}, time.Second, time.Millisecond, "expected listener to be removed after its signal fired")
}

// Listener self-removal via ListenerContext.
func TestListenerContextRemove(t *testing.T) {
	k := New()
	calls := 0
	k.On("evt", func(_ context.Context, _ *Event, lc *ListenerContext) error {
		calls++
		lc.Remove()
		return nil
	}, WithID("self-removing"))

	waitErr(t, k.EmitSerial("evt", nil))
	waitErr(t, k.EmitSerial("evt", nil))

	assert.Equal(t, 1, calls, "expected listener to remove itself after first run")
}

// Sentinel-low-priority listeners (the composition engine's own pattern,
// see compose.sourcePriority) deterministically observe writes made by
// every default-priority listener in the same parallel emission.
func TestLowestPriorityRunsAfterDefaultPriority(t *testing.T) {
	k := New()
	var mu sync.Mutex
	var order []string

	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		k.On("evt", func(_ context.Context, evt *Event, _ *ListenerContext) error {
			mu.Lock()
			order = append(order, "writer")
			mu.Unlock()
			evt.Set("writer", true)
			return nil
		}, WithID("writer-"+id))
	}

	var observed any
	k.On("evt", func(_ context.Context, evt *Event, _ *ListenerContext) error {
		mu.Lock()
		order = append(order, "observer")
		mu.Unlock()
		observed, _ = evt.Get("writer")
		return nil
	}, WithID("observer"), WithPriority(math.MinInt))

	require.NoError(t, waitErr(t, k.Emit("evt", nil)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 9)
	assert.Equal(t, "observer", order[8], "lowest-priority listener must run in the last sub-wave")
	assert.Equal(t, true, observed, "lowest-priority listener must observe every writer's context mutation")
}
