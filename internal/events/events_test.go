package events

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_OrderAndArgs(t *testing.T) {
	e := NewEmitter(nil)

	var got []string
	e.On("chainChanged", func(args ...any) { got = append(got, "on:"+args[0].(string)) })
	e.AddListener("chainChanged", func(args ...any) { got = append(got, "add:"+args[0].(string)) })
	e.PrependListener("chainChanged", func(args ...any) { got = append(got, "prepend:"+args[0].(string)) })

	assert.True(t, e.Emit("chainChanged", "0x1"))
	assert.Equal(t, []string{"prepend:0x1", "on:0x1", "add:0x1"}, got)
	assert.False(t, e.Emit("unknown"))
}

func TestEmitter_Once(t *testing.T) {
	e := NewEmitter(nil)

	var order []string
	e.Once("connect", func(...any) { order = append(order, "once") })
	e.PrependOnceListener("connect", func(...any) { order = append(order, "prepend-once") })
	e.On("connect", func(...any) { order = append(order, "on") })

	e.Emit("connect")
	e.Emit("connect")
	assert.Equal(t, []string{"prepend-once", "once", "on", "on"}, order)
	assert.Equal(t, 1, e.ListenerCount("connect"))
}

func TestEmitter_OnceIsRemovedBeforeReentrantEmit(t *testing.T) {
	e := NewEmitter(nil)

	calls := 0
	e.Once("message", func(...any) {
		calls++
		e.Emit("message")
	})
	e.Emit("message")
	assert.Equal(t, 1, calls)
}

func TestEmitter_PrepareBindsCurrentListeners(t *testing.T) {
	e := NewEmitter(nil)

	var got []string
	e.On("chainChanged", func(args ...any) { got = append(got, "early:"+args[0].(string)) })
	e.Once("chainChanged", func(args ...any) { got = append(got, "once:"+args[0].(string)) })

	deliver, ok := e.Prepare("chainChanged", "0x1")
	require.True(t, ok)
	assert.Equal(t, 1, e.ListenerCount("chainChanged"))

	e.On("chainChanged", func(args ...any) { got = append(got, "late:"+args[0].(string)) })
	deliver()
	assert.Equal(t, []string{"early:0x1", "once:0x1"}, got)

	_, ok = e.Prepare("connect")
	assert.False(t, ok)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter(nil)

	calls := 0
	off := e.On("accountsChanged", func(...any) { calls++ })
	e.On("accountsChanged", func(...any) {})

	off()
	off()
	e.Emit("accountsChanged")
	assert.Zero(t, calls)
	assert.Equal(t, 1, e.ListenerCount("accountsChanged"))

	e.On("close", func(...any) {})
	e.RemoveAllListeners("accountsChanged")
	assert.Zero(t, e.ListenerCount("accountsChanged"))
	assert.Equal(t, 1, e.ListenerCount("close"))

	e.RemoveAllListeners()
	assert.Zero(t, e.ListenerCount("close"))
}

func TestEmitter_PanicDoesNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(slog.New(slog.NewTextHandler(&buf, nil)))

	reached := false
	e.On("data", func(...any) { panic("listener bug") })
	e.On("data", func(...any) { reached = true })

	assert.NotPanics(t, func() { e.Emit("data") })
	assert.True(t, reached)
	assert.Contains(t, buf.String(), "event listener panicked")
}

func TestEmitter_LeakWarningOncePerEvent(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(slog.New(slog.NewTextHandler(&buf, nil)))
	e.SetMaxListeners(2)

	for i := 0; i < 5; i++ {
		e.On("message", func(...any) {})
	}
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("possible event listener leak")))

	buf.Reset()
	e.SetMaxListeners(0)
	e.On("other", func(...any) {})
	e.On("other", func(...any) {})
	e.On("other", func(...any) {})
	assert.Empty(t, buf.String())
}

func TestQueue_RunsInOrder(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.Push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	q.Sync()

	mu.Lock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	mu.Unlock()
}

func TestQueue_TaskMayPush(t *testing.T) {
	q := NewQueue()

	var order []string
	done := make(chan struct{})
	q.Push(func() {
		order = append(order, "outer")
		q.Push(func() {
			order = append(order, "inner")
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested task did not run")
	}
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestQueue_CloseDrains(t *testing.T) {
	q := NewQueue()

	ran := 0
	q.Push(func() { ran++ })
	q.Push(func() { ran++ })
	q.Close()

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("queue not drained")
	}
	assert.Equal(t, 2, ran)
	assert.False(t, q.Push(func() {}))

	// Sync on a closed queue returns instead of blocking.
	q.Sync()
}
