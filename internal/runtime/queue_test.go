package runtime_test

import (
	"testing"
	"time"

	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := runtime.NewQueue()
	q.Push(runtime.Event{Kind: runtime.EventInjected, Injected: 1})
	q.Push(runtime.Event{Kind: runtime.EventInjected, Injected: 2})
	q.Push(runtime.Event{Kind: runtime.EventInjected, Injected: 3})

	require.Equal(t, 1, q.Recv().Injected)
	require.Equal(t, 2, q.Recv().Injected)
	require.Equal(t, 3, q.Recv().Injected)
}

func TestQueueRecvBlocksUntilPush(t *testing.T) {
	q := runtime.NewQueue()
	done := make(chan runtime.Event, 1)
	go func() { done <- q.Recv() }()

	select {
	case <-done:
		t.Fatal("Recv returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(runtime.Event{Kind: runtime.EventEOF})
	select {
	case ev := <-done:
		require.Equal(t, runtime.EventEOF, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("Recv never woke after Push")
	}
}

func TestQueueRecvTimeoutExpires(t *testing.T) {
	q := runtime.NewQueue()
	start := time.Now()
	_, ok := q.RecvTimeout(10 * time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestQueueRecvTimeoutReturnsEarlyPush(t *testing.T) {
	q := runtime.NewQueue()
	q.Push(runtime.Event{Kind: runtime.EventInjected, Injected: "x"})
	ev, ok := q.RecvTimeout(time.Second)
	require.True(t, ok)
	require.Equal(t, "x", ev.Injected)
}
