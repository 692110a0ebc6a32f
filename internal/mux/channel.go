package mux

import (
	"context"
	"encoding/json"
	"sync"
)

// Channel is one named logical duplex stream of a Mux.
type Channel struct {
	name  string
	mux   *Mux
	inbox chan json.RawMessage

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Read blocks until the next message arrives. Messages already delivered
// are still returned after the channel closes; after that Read returns the
// terminal error.
func (c *Channel) Read(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.inbox:
			return msg, nil
		default:
			return nil, c.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends data to the channel of the same name on the remote end.
func (c *Channel) Write(ctx context.Context, data json.RawMessage) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	return c.mux.enqueue(ctx, c.name, data)
}

// Close closes this channel only; the mux and its other channels keep running.
func (c *Channel) Close() error {
	c.closeWithError(ErrClosed)
	c.mux.remove(c.name)
	return nil
}

// Done is closed when the channel has ended.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel ended, or nil while it is open.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Channel) deliver(data json.RawMessage) {
	select {
	case c.inbox <- data:
	case <-c.done:
	case <-c.mux.done:
	}
}
