// Package dispatch delivers panel client events to registered listeners.
//
// Listeners are plain structs of optional handler functions. The dispatcher
// invokes only the handlers that are set, in registration order, one event at a
// time, on a single delivery context supplied by the host (or a dedicated
// goroutine by default). Emitting never blocks on listeners.
package dispatch

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Listener holds optional callbacks. Nil handlers are skipped, so a listener
// only implements what it cares about.
type Listener struct {
	OnConnectionStateChanged        func(StateChange)
	OnSessionAuthTokenInvalid       func()
	OnSessionAuthTokenNearingExpiry func(expiresAt time.Time)
	OnSessionAuthTokenMismatch      func()
	OnChannelMembershipChanged      func(channelID string, state MembershipState)
	OnMessageReceived               func(channelID string, msg Message)
	OnError                         func(err error)
}

// Handles reports whether the listener has a handler for kind.
func (l Listener) Handles(kind Kind) bool {
	switch kind {
	case KindConnectionStateChanged:
		return l.OnConnectionStateChanged != nil
	case KindSessionAuthTokenInvalid:
		return l.OnSessionAuthTokenInvalid != nil
	case KindSessionAuthTokenNearingExpiry:
		return l.OnSessionAuthTokenNearingExpiry != nil
	case KindSessionAuthTokenMismatch:
		return l.OnSessionAuthTokenMismatch != nil
	case KindChannelMembershipChanged:
		return l.OnChannelMembershipChanged != nil
	case KindMessageReceived:
		return l.OnMessageReceived != nil
	case KindError:
		return l.OnError != nil
	default:
		return false
	}
}

// SessionEvents reports whether the listener observes session-level events.
func (l Listener) SessionEvents() bool {
	return l.Handles(KindConnectionStateChanged) ||
		l.Handles(KindSessionAuthTokenInvalid) ||
		l.Handles(KindSessionAuthTokenNearingExpiry) ||
		l.Handles(KindSessionAuthTokenMismatch) ||
		l.Handles(KindError)
}

// ChannelEvents reports whether the listener observes channel-level events.
func (l Listener) ChannelEvents() bool {
	return l.Handles(KindChannelMembershipChanged) || l.Handles(KindMessageReceived)
}

func (l Listener) invoke(ev Event) {
	switch ev.Kind {
	case KindConnectionStateChanged:
		l.OnConnectionStateChanged(ev.State)
	case KindSessionAuthTokenInvalid:
		l.OnSessionAuthTokenInvalid()
	case KindSessionAuthTokenNearingExpiry:
		l.OnSessionAuthTokenNearingExpiry(ev.ExpiresAt)
	case KindSessionAuthTokenMismatch:
		l.OnSessionAuthTokenMismatch()
	case KindChannelMembershipChanged:
		l.OnChannelMembershipChanged(ev.ChannelID, ev.Membership)
	case KindMessageReceived:
		l.OnMessageReceived(ev.ChannelID, ev.Message)
	case KindError:
		l.OnError(ev.Err)
	}
}

// Handle identifies a registration.
type Handle uint64

// DiagnosticSink receives listener failures. It runs on the delivery context.
type DiagnosticSink func(ev Event, h Handle, err error)

// LogDiagnostics is the default sink.
func LogDiagnostics(ev Event, h Handle, err error) {
	log.Warn().Err(err).
		Str("component", "dispatch").
		Str("event", ev.Kind.String()).
		Uint64("listener", uint64(h)).
		Msg("listener failed, continuing delivery")
}

type registration struct {
	handle   Handle
	listener Listener
}

type Option func(*Dispatcher)

// WithExecutor delivers events on the given context, e.g. the host's UI loop.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) {
		d.exec = e
		d.ownsExec = false
	}
}

func WithDiagnosticSink(s DiagnosticSink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.diag = s
		}
	}
}

type Dispatcher struct {
	mu         sync.Mutex
	listeners  []registration
	nextHandle Handle
	queue      []Event
	scheduled  bool
	closed     bool
	finished   bool

	exec     Executor
	ownsExec bool
	diag     DiagnosticSink
	done     chan struct{}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		diag: LogDiagnostics,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.exec == nil {
		d.exec = NewLoopExecutor()
		d.ownsExec = true
	}
	return d
}

// Add registers a listener. Registration order is delivery order. Adding to a
// closed dispatcher returns a handle that never receives events.
func (d *Dispatcher) Add(l Listener) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	h := d.nextHandle
	if d.closed {
		return h
	}
	d.listeners = append(d.listeners, registration{handle: h, listener: l})
	return h
}

// Remove unregisters a listener. Called from inside a callback it takes effect
// from the next event on.
func (d *Dispatcher) Remove(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.listeners {
		if r.handle == h {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Emit queues ev for delivery. It returns false once the dispatcher is closed.
func (d *Dispatcher) Emit(ev Event) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, ev)
	post := !d.scheduled
	d.scheduled = true
	d.mu.Unlock()

	if post {
		d.exec.Post(d.drain)
	}
	return true
}

// Close stops accepting events. Events already queued are still delivered,
// then every listener is dropped and Done is closed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	idle := !d.scheduled
	d.mu.Unlock()

	if idle {
		d.finish()
	}
}

// Done is closed after Close once the queue has drained.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.scheduled = false
			closed := d.closed
			d.mu.Unlock()
			if closed {
				d.finish()
			}
			return
		}
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		snapshot := append([]registration(nil), d.listeners...)
		d.mu.Unlock()

		for _, r := range snapshot {
			if !r.listener.Handles(ev.Kind) {
				continue
			}
			d.deliver(r, ev)
		}
	}
}

func (d *Dispatcher) deliver(r registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			err, ok := rec.(error)
			if !ok {
				err = errors.Errorf("listener panic: %v", rec)
			}
			d.diag(ev, r.handle, err)
		}
	}()
	r.listener.invoke(ev)
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	d.listeners = nil
	d.queue = nil
	d.mu.Unlock()

	close(d.done)
	if d.ownsExec {
		if s, ok := d.exec.(interface{ Stop() }); ok {
			s.Stop()
		}
	}
}
