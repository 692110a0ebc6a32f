// Package events implements the named-event emitter the provider exposes to
// page scripts, plus the serial queue that delivers its events in order.
package events

import (
	"log/slog"
	"sync"
)

// DefaultMaxListeners is the per-event listener count past which a leak
// warning is logged.
const DefaultMaxListeners = 100

// Listener receives the arguments passed to Emit.
type Listener func(args ...any)

type registration struct {
	id       uint64
	listener Listener
	once     bool
}

// Emitter maps event names to ordered listener lists.
// Listeners are invoked synchronously by Emit, in registration order.
type Emitter struct {
	logger *slog.Logger

	mu           sync.Mutex
	listeners    map[string][]registration
	nextID       uint64
	maxListeners int
	warned       map[string]bool
}

// NewEmitter creates an emitter. A nil logger uses slog.Default.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:       logger,
		listeners:    make(map[string][]registration),
		maxListeners: DefaultMaxListeners,
		warned:       make(map[string]bool),
	}
}

// SetMaxListeners changes the leak-warning threshold; zero disables it.
func (e *Emitter) SetMaxListeners(n int) {
	e.mu.Lock()
	e.maxListeners = n
	e.mu.Unlock()
}

// On appends listener for event and returns a function removing it.
func (e *Emitter) On(event string, listener Listener) func() {
	return e.add(event, listener, false, false)
}

// AddListener is an alias of On.
func (e *Emitter) AddListener(event string, listener Listener) func() {
	return e.On(event, listener)
}

// Once appends a listener that is removed before its first invocation.
func (e *Emitter) Once(event string, listener Listener) func() {
	return e.add(event, listener, true, false)
}

// PrependListener inserts listener at the front of the list.
func (e *Emitter) PrependListener(event string, listener Listener) func() {
	return e.add(event, listener, false, true)
}

// PrependOnceListener inserts a one-shot listener at the front of the list.
func (e *Emitter) PrependOnceListener(event string, listener Listener) func() {
	return e.add(event, listener, true, true)
}

func (e *Emitter) add(event string, listener Listener, once, prepend bool) func() {
	e.mu.Lock()
	e.nextID++
	reg := registration{id: e.nextID, listener: listener, once: once}
	if prepend {
		e.listeners[event] = append([]registration{reg}, e.listeners[event]...)
	} else {
		e.listeners[event] = append(e.listeners[event], reg)
	}
	count := len(e.listeners[event])
	warn := e.maxListeners > 0 && count > e.maxListeners && !e.warned[event]
	if warn {
		e.warned[event] = true
	}
	e.mu.Unlock()

	if warn {
		e.logger.Warn("possible event listener leak detected",
			"event", event,
			"listeners", count,
		)
	}

	id := reg.id
	return func() { e.remove(event, id) }
}

func (e *Emitter) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.listeners[event]
	for i, reg := range regs {
		if reg.id == id {
			e.listeners[event] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// RemoveAllListeners drops every listener of event, or of every event when
// no name is given.
func (e *Emitter) RemoveAllListeners(event ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(event) == 0 {
		e.listeners = make(map[string][]registration)
		return
	}
	for _, name := range event {
		delete(e.listeners, name)
	}
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Emit invokes every listener of event with args and reports whether there
// were any. A panicking listener is logged and does not stop the others.
func (e *Emitter) Emit(event string, args ...any) bool {
	deliver, ok := e.Prepare(event, args...)
	deliver()
	return ok
}

// Prepare binds args to the listeners registered for event right now and
// returns a function delivering them. Once listeners are consumed by the
// call to Prepare. Listeners added before deliver runs are not invoked.
func (e *Emitter) Prepare(event string, args ...any) (deliver func(), ok bool) {
	e.mu.Lock()
	regs := e.listeners[event]
	if len(regs) == 0 {
		e.mu.Unlock()
		return func() {}, false
	}
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)

	kept := regs[:0:0]
	for _, reg := range regs {
		if !reg.once {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, event)
	} else {
		e.listeners[event] = kept
	}
	e.mu.Unlock()

	return func() {
		for _, reg := range snapshot {
			e.call(event, reg.listener, args)
		}
	}, true
}

func (e *Emitter) call(event string, listener Listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked", "event", event, "panic", r)
		}
	}()
	listener(args...)
}
