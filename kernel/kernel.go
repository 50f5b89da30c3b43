// Package kernel implements the dispatch engine (C5) on top of the
// listener registry (C3) and event record (C4): ordering listeners by
// priority and dependency, running them in parallel waves or serially,
// propagating a shared mutable context and stop-propagation flag, and
// surfacing errors under a configurable boundary.
package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/evkit/kernel/pattern"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// DefaultDelimiter separates hierarchical segments of an event name.
const DefaultDelimiter = ":"

// Kernel is the event kernel façade: On/Once/Off/Emit/EmitSerial plus
// diagnostics. A Kernel exclusively owns its listener registry, its
// pattern cache, and the events it creates.
type Kernel struct {
	delimiter     string
	wildcard      bool
	errorBoundary bool
	onError       func(error)
	logger        logrus.FieldLogger
	debugEnabled  atomic.Bool

	cache    *pattern.Cache
	registry *registry
	seq      atomic.Int64

	execMu   sync.Mutex
	execErrs []ExecutionError
}

// Option configures a Kernel at construction time.
type Option func(*config)

type config struct {
	delimiter     string
	wildcard      bool
	maxListeners  int
	debug         bool
	errorBoundary bool
	onError       func(error)
	logger        logrus.FieldLogger
}

// WithDelimiter sets the segment delimiter used by wildcard patterns
// (default ":").
func WithDelimiter(d string) Option {
	return func(c *config) { c.delimiter = d }
}

// WithWildcard enables or disables wildcard pattern support (default on).
// When disabled, patterns are always matched literally.
func WithWildcard(enabled bool) Option {
	return func(c *config) { c.wildcard = enabled }
}

// WithMaxListeners sets the per-pattern listener ceiling (default
// unbounded: exceeding it only logs a warning, it never blocks
// insertion).
func WithMaxListeners(n int) Option {
	return func(c *config) { c.maxListeners = n }
}

// WithDebug turns on the debug channel at construction time.
func WithDebug(enabled bool) Option {
	return func(c *config) { c.debug = enabled }
}

// WithErrorBoundary enables or disables the error boundary (default on).
func WithErrorBoundary(enabled bool) Option {
	return func(c *config) { c.errorBoundary = enabled }
}

// WithOnError registers a callback invoked whenever the error boundary
// records a listener failure.
func WithOnError(fn func(error)) Option {
	return func(c *config) { c.onError = fn }
}

// WithLogger sets the logger used for the debug channel and capacity
// warnings. Defaults to logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.logger = l }
}

// New creates a Kernel.
func New(opts ...Option) *Kernel {
	cfg := &config{
		delimiter:     DefaultDelimiter,
		wildcard:      true,
		errorBoundary: true,
		logger:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	k := &Kernel{
		delimiter:     cfg.delimiter,
		wildcard:      cfg.wildcard,
		errorBoundary: cfg.errorBoundary,
		onError:       cfg.onError,
		logger:        cfg.logger,
		cache:         pattern.NewCache(pattern.DefaultCacheCapacity),
	}
	k.debugEnabled.Store(cfg.debug)
	k.registry = newRegistry(cfg.maxListeners, k.warnOverflow)
	return k
}

func (k *Kernel) warnOverflow(pat string, count int) {
	if k.debugEnabled.Load() {
		k.logger.WithFields(logrus.Fields{"pattern": pat, "count": count}).
			Warn("kernel: listener count exceeds configured maxListeners")
	}
}

// Debug toggles the debug channel.
func (k *Kernel) Debug(flag bool) { k.debugEnabled.Store(flag) }

func (k *Kernel) logf(format string, args ...any) {
	if k.debugEnabled.Load() {
		k.logger.Debugf(format, args...)
	}
}

// On subscribes handler under pattern, returning an unsubscribe function.
func (k *Kernel) On(pat string, handler HandlerFunc, opts ...ListenerOption) func() {
	cfg := &listenerConfig{}
	for _, o := range opts {
		o(cfg)
	}

	id := cfg.id
	if id == "" {
		id = xid.New().String()
	}

	rec := &Record{
		ID:         id,
		Pattern:    pat,
		Handler:    handler,
		Priority:   cfg.priority,
		After:      cfg.after,
		Once:       cfg.once,
		Signal:     cfg.signal,
		handlerPtr: handlerPointer(handler),
		seq:        k.seq.Add(1),
		done:       make(chan struct{}),
	}
	if k.wildcard {
		rec.matcher = k.cache.Get(pat, k.delimiter)
	} else {
		rec.matcher = pattern.CompileLiteral(pat)
	}

	k.registry.add(pat, rec)

	if cfg.signal != nil {
		go k.watchSignal(pat, rec)
	}

	return func() { k.removeRecord(pat, id) }
}

func (k *Kernel) watchSignal(pat string, rec *Record) {
	select {
	case <-rec.Signal.Done():
		k.removeRecord(pat, rec.ID)
	case <-rec.done:
	}
}

func (k *Kernel) removeRecord(pat, id string) {
	rec := k.registry.removeByID(pat, id)
	closeRecord(rec)
}

func closeRecord(rec *Record) {
	if rec == nil {
		return
	}
	rec.removeOnce.Do(func() { close(rec.done) })
}

// Once returns a channel that receives the next event matching pattern,
// after which the listener is removed.
func (k *Kernel) Once(pat string, opts ...ListenerOption) <-chan *Event {
	ch := make(chan *Event, 1)
	handler := func(_ context.Context, evt *Event, _ *ListenerContext) error {
		ch <- evt
		close(ch)
		return nil
	}
	opts = append(append([]ListenerOption{}, opts...), WithOnce())
	k.On(pat, handler, opts...)
	return ch
}

// Off removes listeners under pattern. With no handlers given it removes
// every listener under pattern; otherwise it removes every record whose
// handler matches one of the given handlers.
func (k *Kernel) Off(pat string, handlers ...HandlerFunc) {
	if len(handlers) == 0 {
		for _, rec := range k.registry.removeAll(pat) {
			closeRecord(rec)
		}
		return
	}
	for _, h := range handlers {
		for _, rec := range k.registry.removeByHandler(pat, handlerPointer(h)) {
			closeRecord(rec)
		}
	}
}

// OffAll removes every listener. If pat is given, only listeners under
// that pattern are removed.
func (k *Kernel) OffAll(pat ...string) {
	p := ""
	if len(pat) > 0 {
		p = pat[0]
	}
	for _, rec := range k.registry.removeAll(p) {
		closeRecord(rec)
	}
}

// ListenerCount returns the number of listeners under pattern, or (with no
// argument) the total across every pattern.
func (k *Kernel) ListenerCount(pat ...string) int {
	p := ""
	if len(pat) > 0 {
		p = pat[0]
	}
	return k.registry.count(p)
}

// EventNames enumerates patterns that currently hold at least one
// listener.
func (k *Kernel) EventNames() []string { return k.registry.patterns() }

// GetExecutionErrors returns the errors recorded by the error boundary.
func (k *Kernel) GetExecutionErrors() []ExecutionError {
	k.execMu.Lock()
	defer k.execMu.Unlock()
	out := make([]ExecutionError, len(k.execErrs))
	copy(out, k.execErrs)
	return out
}

// ClearExecutionErrors empties the recorded execution-error list.
func (k *Kernel) ClearExecutionErrors() {
	k.execMu.Lock()
	defer k.execMu.Unlock()
	k.execErrs = nil
}

func (k *Kernel) recordExecutionError(listenerID, eventName string, ts int64, err error) {
	ee := ExecutionError{ListenerID: listenerID, EventName: eventName, Timestamp: ts, Err: err}
	k.execMu.Lock()
	k.execErrs = append(k.execErrs, ee)
	k.execMu.Unlock()

	if k.onError != nil {
		k.onError(&ee)
	}
	k.logf("kernel: listener %s failed on %s: %v", listenerID, eventName, err)
}
