package provider

import "github.com/better-wallet/inpage-provider/internal/events"

// On subscribes listener to event and returns a function removing it.
// Subscribing to a legacy event logs its deprecation warning once.
func (p *Provider) On(event string, listener events.Listener) func() {
	p.warnEvent(event)
	return p.emitter.On(event, listener)
}

// Once is On for a listener that fires at most once.
func (p *Provider) Once(event string, listener events.Listener) func() {
	p.warnEvent(event)
	return p.emitter.Once(event, listener)
}

// AddListener is an alias of On.
func (p *Provider) AddListener(event string, listener events.Listener) func() {
	p.warnEvent(event)
	return p.emitter.AddListener(event, listener)
}

// PrependListener is On, with the listener placed first.
func (p *Provider) PrependListener(event string, listener events.Listener) func() {
	p.warnEvent(event)
	return p.emitter.PrependListener(event, listener)
}

// PrependOnceListener is Once, with the listener placed first.
func (p *Provider) PrependOnceListener(event string, listener events.Listener) func() {
	p.warnEvent(event)
	return p.emitter.PrependOnceListener(event, listener)
}

// RemoveAllListeners drops the listeners of the given events, or of all
// events when none are named.
func (p *Provider) RemoveAllListeners(event ...string) {
	p.emitter.RemoveAllListeners(event...)
}

// ListenerCount returns the number of listeners for event.
func (p *Provider) ListenerCount(event string) int {
	return p.emitter.ListenerCount(event)
}

func (p *Provider) warnEvent(event string) {
	if msg, ok := deprecatedEvents[event]; ok {
		p.warnOnce("event:"+event, msg)
	}
}
