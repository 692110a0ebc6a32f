// Package mux splits one physical transport into independent named
// channels. Every frame on the wire is tagged with its channel name so the
// remote multiplexer can demultiplex symmetrically.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/better-wallet/inpage-provider/internal/transport"
)

var (
	// ErrClosed is the terminal error of a mux or channel closed locally.
	ErrClosed = errors.New("mux: closed")
	// ErrDuplicateChannel is returned when a channel name is already taken.
	ErrDuplicateChannel = errors.New("mux: duplicate channel name")
	// ErrAlreadyAttached is returned when Attach is called twice.
	ErrAlreadyAttached = errors.New("mux: transport already attached")
)

const (
	sendBuffer  = 256
	inboxBuffer = 256
)

// frame is the envelope exchanged between multiplexers.
type frame struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Mux multiplexes named channels over a single transport.
type Mux struct {
	logger *slog.Logger

	mu        sync.Mutex
	channels  map[string]*Channel
	ignored   map[string]struct{}
	transport transport.Transport

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// New creates a multiplexer with no transport attached yet.
func New(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		logger:   logger,
		channels: make(map[string]*Channel),
		ignored:  make(map[string]struct{}),
		sendCh:   make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// CreateChannel registers a named channel. It may be called before or after
// Attach; frames written before Attach are flushed once a transport exists.
func (m *Mux) CreateChannel(name string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return nil, m.err
	default:
	}

	if _, exists := m.channels[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateChannel, name)
	}

	ch := &Channel{
		name:  name,
		mux:   m,
		inbox: make(chan json.RawMessage, inboxBuffer),
		done:  make(chan struct{}),
	}
	m.channels[name] = ch
	return ch, nil
}

// Ignore drops inbound frames for name without the orphaned-data warning.
func (m *Mux) Ignore(name string) {
	m.mu.Lock()
	m.ignored[name] = struct{}{}
	m.mu.Unlock()
}

// Attach wires the transport in both directions. The read and write loops
// run until the transport fails, ctx is cancelled or Close is called.
func (m *Mux) Attach(ctx context.Context, t transport.Transport) error {
	if t == nil {
		return errors.New("mux: transport is required")
	}

	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return m.err
	default:
	}
	if m.transport != nil {
		m.mu.Unlock()
		return ErrAlreadyAttached
	}
	m.transport = t
	m.mu.Unlock()

	go m.readLoop(ctx, t)
	go m.writeLoop(ctx, t)
	return nil
}

// Done is closed once the mux has terminated.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error, or nil while the mux is running.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Close tears the mux down: every channel is closed with err (ErrClosed when
// nil) and the transport is closed. Only the first call has any effect.
func (m *Mux) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		close(m.done)
		channels := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			channels = append(channels, ch)
		}
		t := m.transport
		m.mu.Unlock()

		for _, ch := range channels {
			ch.closeWithError(err)
		}
		if t != nil {
			if cerr := t.Close(); cerr != nil {
				m.logger.Debug("mux: transport close failed", "error", cerr)
			}
		}
	})
}

func (m *Mux) readLoop(ctx context.Context, t transport.Transport) {
	for {
		data, err := t.ReadMessage(ctx)
		if err != nil {
			m.Close(fmt.Errorf("transport ended: %w", err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Name == "" {
			m.logger.Warn("mux: dropping malformed frame", "error", err)
			continue
		}

		m.route(f)
	}
}

func (m *Mux) route(f frame) {
	m.mu.Lock()
	ch, ok := m.channels[f.Name]
	_, ignored := m.ignored[f.Name]
	m.mu.Unlock()

	if !ok {
		if !ignored {
			m.logger.Warn("mux: orphaned data for channel", "channel", f.Name)
		}
		return
	}

	ch.deliver(f.Data)
}

func (m *Mux) writeLoop(ctx context.Context, t transport.Transport) {
	for {
		select {
		case <-m.done:
			return
		case data := <-m.sendCh:
			if err := t.WriteMessage(ctx, data); err != nil {
				m.Close(fmt.Errorf("transport write: %w", err))
				return
			}
		}
	}
}

func (m *Mux) enqueue(ctx context.Context, name string, data json.RawMessage) error {
	b, err := json.Marshal(frame{Name: name, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	select {
	case <-m.done:
		return m.err
	default:
	}

	select {
	case m.sendCh <- b:
		return nil
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mux) remove(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}
