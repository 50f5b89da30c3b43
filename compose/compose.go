// Package compose implements the composition engine (C6): fusing events
// from multiple source kernels into a single composite event using
// per-source TTL semantics, a bounded per-source buffer, a pluggable
// context-merger with conflict reporting, and a reset-and-replay policy.
package compose

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/evkit/kernel/kernel"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// sourcePriority is the priority a composition registers its own source
// listener with: lower than any default-priority (0) listener, so it
// always runs in the last priority sub-wave of its event's wave (see
// kernel.computeWaves). Without this, a composition's context snapshot
// would race a same-wave listener still populating that context.
const sourcePriority = math.MinInt

// SourcePair names one (source kernel, source event name) the composition
// subscribes to.
type SourcePair struct {
	Kernel *kernel.Kernel
	Event  string
}

// CompositePayload is the data carried by a composite event.
type CompositePayload struct {
	Sources  []string
	Contexts map[string]map[string]any
	Merged   map[string]any
}

// ComposedHandler receives a composite event's payload.
type ComposedHandler func(CompositePayload)

// UsageError mirrors kernel.UsageError for composition-local misuse, such
// as emitting the reserved composite event name directly.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("compose: usage error in %s: %s", e.Op, e.Reason)
}

// Composition fuses N source kernels into one composite event.
type Composition struct {
	order  []string
	byName map[string]SourcePair

	merger      Merger
	bufferLimit int
	reset       bool
	defaultTTL  TTL
	onConflict  func(Conflict)
	logger      logrus.FieldLogger

	mu           sync.Mutex
	buffers      map[string]*sourceBuffer
	fired        map[string]bool
	perSourceTTL map[string]TTL
	conflicts    []Conflict
	disposed     bool

	internal          *kernel.Kernel
	composedEventName string
	unsubs            []func()

	handlersMu sync.Mutex
	handlers   map[uintptr]func()
}

// Option configures a Composition at construction time.
type Option func(*config)

type config struct {
	merger       Merger
	bufferLimit  int
	reset        bool
	defaultTTL   TTL
	perSourceTTL map[string]TTL
	onConflict   func(Conflict)
	logger       logrus.FieldLogger
}

// WithMerger sets the context-merger strategy (default: NamespacingMerger).
func WithMerger(m Merger) Option { return func(c *config) { c.merger = m } }

// WithBufferLimit sets the max buffered events per source (default 100,
// FIFO eviction).
func WithBufferLimit(n int) Option { return func(c *config) { c.bufferLimit = n } }

// WithReset controls whether, after a composite emission, each source's
// buffer is truncated to its most recent event and the fired set cleared
// (default true).
func WithReset(enabled bool) Option { return func(c *config) { c.reset = enabled } }

// WithEventTTL sets the default TTL applied to every source that has no
// per-source override.
func WithEventTTL(ttl TTL) Option { return func(c *config) { c.defaultTTL = ttl } }

// WithEventTTLFor sets a per-source TTL override at construction time.
func WithEventTTLFor(source string, ttl TTL) Option {
	return func(c *config) {
		if c.perSourceTTL == nil {
			c.perSourceTTL = make(map[string]TTL)
		}
		c.perSourceTTL[source] = ttl
	}
}

// WithOnConflict registers a callback invoked once per conflict on each
// composite emission that produces one.
func WithOnConflict(fn func(Conflict)) Option { return func(c *config) { c.onConflict = fn } }

// WithLogger sets the logger used for diagnostics (dropped instant
// events, etc).
func WithLogger(l logrus.FieldLogger) Option { return func(c *config) { c.logger = l } }

// New builds a Composition from an ordered list of sources plus options.
func New(sources []SourcePair, opts ...Option) *Composition {
	cfg := &config{
		merger:      NamespacingMerger{Delimiter: ":"},
		bufferLimit: 100,
		reset:       true,
		defaultTTL:  NoTTL,
		logger:      logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(cfg)
	}

	c := &Composition{
		merger:            cfg.merger,
		bufferLimit:       cfg.bufferLimit,
		reset:             cfg.reset,
		defaultTTL:        cfg.defaultTTL,
		onConflict:        cfg.onConflict,
		logger:            cfg.logger,
		buffers:           make(map[string]*sourceBuffer),
		fired:             make(map[string]bool),
		perSourceTTL:      make(map[string]TTL),
		byName:            make(map[string]SourcePair),
		internal:          kernel.New(),
		composedEventName: "composite:" + xid.New().String(),
		handlers:          make(map[uintptr]func()),
	}
	for k, v := range cfg.perSourceTTL {
		c.perSourceTTL[k] = v
	}

	for _, sp := range sources {
		c.order = append(c.order, sp.Event)
		c.byName[sp.Event] = sp
		c.buffers[sp.Event] = newSourceBuffer(c.bufferLimit)

		name := sp.Event
		unsub := sp.Kernel.On(name, c.sourceHandler(name),
			kernel.WithID("compose:"+xid.New().String()),
			kernel.WithPriority(sourcePriority),
		)
		c.unsubs = append(c.unsubs, unsub)
	}

	return c
}

func (c *Composition) sourceHandler(name string) kernel.HandlerFunc {
	return func(_ context.Context, evt *kernel.Event, _ *kernel.ListenerContext) error {
		c.handleSourceEvent(name, evt.Context(), evt.Data(), evt.Timestamp())
		return nil
	}
}

func (c *Composition) effectiveTTL(name string) TTL {
	if ttl, ok := c.perSourceTTL[name]; ok {
		return ttl
	}
	return c.defaultTTL
}

func (c *Composition) handleSourceEvent(name string, snapshot map[string]any, data any, ts int64) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	ttl := c.effectiveTTL(name)

	if ttl.isInstant() {
		if !c.otherSourcesLive(name) {
			c.mu.Unlock()
			c.logger.WithField("source", name).Debug("compose: instant source dropped, composition incomplete")
			return
		}
		contexts := c.latestContextsLocked()
		contexts[name] = snapshot
		c.emitCompositeLocked(contexts)
		if c.reset {
			c.resetAfterEmitLocked()
		}
		c.mu.Unlock()
		return
	}

	entry := &BufferedEvent{Context: snapshot, Data: data, Timestamp: ts}
	if ttl.isNumeric() {
		entry.timer = newExpiryTimer(ttl, func() { c.onExpire(name, entry) })
	}

	c.buffers[name].push(entry)
	c.fired[name] = true

	if c.isCompleteLocked() {
		contexts := c.latestContextsLocked()
		c.emitCompositeLocked(contexts)
		if c.reset {
			c.resetAfterEmitLocked()
		}
	}
	c.mu.Unlock()
}

func (c *Composition) otherSourcesLive(except string) bool {
	for _, src := range c.order {
		if src == except {
			continue
		}
		if len(c.buffers[src].entries) == 0 {
			return false
		}
	}
	return true
}

// isCompleteLocked reports whether every source is in the fired set: it
// has reported an event since construction, the last reset-after-emit
// (only when reset is enabled), or the last ClearBuffers, and an expiry
// has not since emptied its buffer. It deliberately checks the fired set
// rather than buffer occupancy: after a reset-after-emit, a buffer still
// holds its last entry, but that entry must not count toward the next
// completion cycle.
func (c *Composition) isCompleteLocked() bool {
	for _, src := range c.order {
		if !c.fired[src] {
			return false
		}
	}
	return true
}

func (c *Composition) latestContextsLocked() map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.order))
	for _, src := range c.order {
		if e := c.buffers[src].latest(); e != nil {
			out[src] = e.Context
		}
	}
	return out
}

func (c *Composition) emitCompositeLocked(contexts map[string]map[string]any) {
	merged, conflicts := c.merger.MergeWithConflicts(contexts, c.order)
	c.conflicts = conflicts
	if c.onConflict != nil {
		for _, cf := range conflicts {
			c.onConflict(cf)
		}
	}

	payload := CompositePayload{
		Sources:  append([]string{}, c.order...),
		Contexts: contexts,
		Merged:   merged,
	}
	c.internal.Emit(c.composedEventName, payload)
}

func (c *Composition) resetAfterEmitLocked() {
	for _, src := range c.order {
		c.buffers[src].truncateToLast()
	}
	c.fired = make(map[string]bool)
}

func (c *Composition) onExpire(name string, target *BufferedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	buf, ok := c.buffers[name]
	if !ok {
		return
	}
	buf.removeEntry(target)
	if len(buf.entries) == 0 {
		delete(c.fired, name)
	}
}

// OnComposed subscribes handler to every composite emission, returning an
// unsubscribe function.
func (c *Composition) OnComposed(handler ComposedHandler) func() {
	unsub := c.internal.On(c.composedEventName, func(_ context.Context, evt *kernel.Event, _ *kernel.ListenerContext) error {
		handler(evt.Data().(CompositePayload))
		return nil
	})

	ptr := reflect.ValueOf(handler).Pointer()
	c.handlersMu.Lock()
	c.handlers[ptr] = unsub
	c.handlersMu.Unlock()
	return unsub
}

// OffComposed removes the listener registered by a prior OnComposed call
// with this same handler.
func (c *Composition) OffComposed(handler ComposedHandler) {
	ptr := reflect.ValueOf(handler).Pointer()
	c.handlersMu.Lock()
	unsub, ok := c.handlers[ptr]
	delete(c.handlers, ptr)
	c.handlersMu.Unlock()
	if ok {
		unsub()
	}
}

// On subscribes to an arbitrary event on the composition's internal
// kernel (not just the composite event).
func (c *Composition) On(pattern string, handler kernel.HandlerFunc, opts ...kernel.ListenerOption) func() {
	return c.internal.On(pattern, handler, opts...)
}

// Off removes listeners registered via On.
func (c *Composition) Off(pattern string, handlers ...kernel.HandlerFunc) {
	c.internal.Off(pattern, handlers...)
}

// OffAll removes every listener registered via On (or, with pattern,
// every listener under that pattern).
func (c *Composition) OffAll(pattern ...string) {
	c.internal.OffAll(pattern...)
}

// Emit emits an arbitrary event on the composition's internal kernel. It
// is a usage error to emit the reserved composite event name directly;
// use OnComposed to observe composite emissions instead.
func (c *Composition) Emit(name string, data any) (<-chan error, error) {
	if name == c.composedEventName {
		return nil, &UsageError{Op: "Emit", Reason: "cannot emit the reserved composite event name directly"}
	}
	return c.internal.Emit(name, data), nil
}

// GetContext returns the merged context of the current buffered state, or
// ok=false if the composition is not currently complete.
func (c *Composition) GetContext() (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || !c.isCompleteLocked() {
		return nil, false
	}
	contexts := c.latestContextsLocked()
	merged, _ := c.merger.MergeWithConflicts(contexts, c.order)
	return merged, true
}

// GetBuffer returns a snapshot of the buffered events for source.
func (c *Composition) GetBuffer(source string) []BufferedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[source]
	if !ok {
		return nil
	}
	return buf.snapshot()
}

// ClearBuffers empties every source buffer and the fired set, cancelling
// any pending expiry timers.
func (c *Composition) ClearBuffers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, buf := range c.buffers {
		buf.clear()
	}
	c.fired = make(map[string]bool)
}

// GetConflicts returns the conflict list produced by the most recent
// composite emission, or empty if disposed.
func (c *Composition) GetConflicts() []Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil
	}
	out := make([]Conflict, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

// SetEventTTL changes the default TTL. It applies only to source events
// received after the call; in-flight expiry timers are not rescheduled.
func (c *Composition) SetEventTTL(ttl TTL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTTL = ttl
}

// GetEventTTL returns the current default TTL.
func (c *Composition) GetEventTTL() TTL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultTTL
}

// SetEventTTLFor sets a per-source TTL override.
func (c *Composition) SetEventTTLFor(source string, ttl TTL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perSourceTTL[source] = ttl
}

// ClearEventTTLFor removes a per-source TTL override, reverting source to
// the composition-wide default.
func (c *Composition) ClearEventTTLFor(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.perSourceTTL, source)
}

// GetEventTTLs returns a copy of the per-source TTL overrides.
func (c *Composition) GetEventTTLs() map[string]TTL {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TTL, len(c.perSourceTTL))
	for k, v := range c.perSourceTTL {
		out[k] = v
	}
	return out
}

// Dispose unsubscribes from all source kernels, clears all buffers,
// cancels all expiry timers, and tears down the internal kernel. It is
// idempotent: calling it again is a no-op.
func (c *Composition) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	unsubs := c.unsubs
	c.unsubs = nil
	for _, buf := range c.buffers {
		buf.clear()
	}
	c.fired = make(map[string]bool)
	c.conflicts = nil
	c.mu.Unlock()

	// Break source subscriptions before tearing down the internal kernel,
	// so a straggling source emission can never reach a half-torn-down
	// composition.
	for _, unsub := range unsubs {
		unsub()
	}
	c.internal.OffAll()
}
