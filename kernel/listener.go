package kernel

import (
	"context"
	"reflect"
	"sync"

	"github.com/evkit/kernel/pattern"
)

// HandlerFunc is a listener body. It receives the event being dispatched
// and a ListenerContext scoped to this one invocation.
type HandlerFunc func(ctx context.Context, evt *Event, lc *ListenerContext) error

// OnceSpec is either unset, an always-once flag, or a predicate evaluated
// after the handler returns (P6).
type OnceSpec struct {
	enabled   bool
	predicate func(*Event) bool
}

func (o OnceSpec) isSet() bool { return o.enabled || o.predicate != nil }

// shouldRemove reports whether, having just run, the listener should be
// removed: true unconditionally for a boolean once, or the predicate's
// result for a predicate once.
func (o OnceSpec) shouldRemove(evt *Event) bool {
	if o.predicate != nil {
		return o.predicate(evt)
	}
	return o.enabled
}

// Record is one registered listener: the listener record of §3.
type Record struct {
	ID       string
	Pattern  string
	Handler  HandlerFunc
	Priority int
	After    []string
	Once     OnceSpec
	Signal   context.Context

	handlerPtr uintptr
	matcher    *pattern.Matcher
	seq        int64

	removeOnce sync.Once
	done       chan struct{}
}

// ListenerOption configures a Record at registration time.
type ListenerOption func(*listenerConfig)

type listenerConfig struct {
	id       string
	after    []string
	priority int
	once     OnceSpec
	signal   context.Context
}

// WithID assigns an explicit listener id; otherwise one is auto-generated.
func WithID(id string) ListenerOption {
	return func(c *listenerConfig) { c.id = id }
}

// WithAfter declares ids this listener must follow within the same
// emission.
func WithAfter(ids ...string) ListenerOption {
	return func(c *listenerConfig) { c.after = append(c.after, ids...) }
}

// WithPriority sets the tie-break priority (default 0, higher runs first
// among simultaneously eligible listeners).
func WithPriority(p int) ListenerOption {
	return func(c *listenerConfig) { c.priority = p }
}

// WithOnce marks the listener to run exactly once and then be removed.
func WithOnce() ListenerOption {
	return func(c *listenerConfig) { c.once = OnceSpec{enabled: true} }
}

// WithOncePredicate marks the listener to be removed after the first
// invocation for which pred returns true.
func WithOncePredicate(pred func(*Event) bool) ListenerOption {
	return func(c *listenerConfig) { c.once = OnceSpec{predicate: pred} }
}

// WithSignal attaches a cancellation handle: when ctx is done, the
// listener is removed (even if it was already done at registration time).
func WithSignal(ctx context.Context) ListenerOption {
	return func(c *listenerConfig) { c.signal = ctx }
}

func handlerPointer(h HandlerFunc) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// ListenerContext is passed to a handler alongside the Event. It carries
// the listener's own identity plus the capability-based hooks §4.4
// requires: self-removal, re-emission through the same kernel, and
// stopping propagation of the current emission.
type ListenerContext struct {
	ID        string
	EventName string
	Priority  int
	After     []string
	Signal    context.Context

	kernel  *Kernel
	pattern string
}

// Remove unregisters the listener that owns this context.
func (lc *ListenerContext) Remove() {
	lc.kernel.removeRecord(lc.pattern, lc.ID)
}

// Emit emits a new event through the same kernel this listener belongs to.
func (lc *ListenerContext) Emit(name string, data any) <-chan error {
	return lc.kernel.Emit(name, data)
}

// StopPropagation stops the current emission: no listener that has not
// yet started will start.
func (lc *ListenerContext) StopPropagation(evt *Event) error {
	return evt.StopPropagation()
}
