package inject

import "sync"

// Window models the page the provider is installed on: named globals and
// page-level events.
type Window struct {
	mu        sync.Mutex
	globals   map[string]any
	listeners map[string][]func()
}

// NewWindow creates an empty page.
func NewWindow() *Window {
	return &Window{
		globals:   make(map[string]any),
		listeners: make(map[string][]func()),
	}
}

// SetGlobal installs v under name, replacing any previous value.
func (w *Window) SetGlobal(name string, v any) {
	w.mu.Lock()
	w.globals[name] = v
	w.mu.Unlock()
}

// Global returns the value installed under name.
func (w *Window) Global(name string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.globals[name]
	return v, ok
}

// AddEventListener registers fn for the page event name.
func (w *Window) AddEventListener(name string, fn func()) {
	w.mu.Lock()
	w.listeners[name] = append(w.listeners[name], fn)
	w.mu.Unlock()
}

// DispatchEvent synchronously calls the listeners of name.
func (w *Window) DispatchEvent(name string) {
	w.mu.Lock()
	fns := append([]func(){}, w.listeners[name]...)
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
