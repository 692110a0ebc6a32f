// Package transport provides the physical message streams the provider is
// multiplexed over. One message is one complete JSON frame.
package transport

import (
	"context"
	"io"
	"sync"
)

// Transport is a connected, message-oriented duplex stream.
// ReadMessage returns io.EOF once the remote end has closed cleanly.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

const pipeBuffer = 256

// pipeEnd is one side of an in-memory transport pair
type pipeEnd struct {
	in        <-chan []byte
	out       chan<- []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory transports. Closing either end
// ends both; buffered messages remain readable on the other end.
func Pipe() (Transport, Transport) {
	aToB := make(chan []byte, pipeBuffer)
	bToA := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{in: bToA, out: aToB, done: done, closeOnce: once}
	b := &pipeEnd{in: aToB, out: bToA, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) WriteMessage(ctx context.Context, data []byte) error {
	// The slice is handed to the other end, so it must not alias caller memory.
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
