// SPDX-License-Identifier: MIT

package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEmitDelivers(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("tts_completed")
	defer sub.Close()

	b.Emit(Event{Type: "tts_completed", Source: "audio", Payload: map[string]any{"text": "hello"}})

	e := recvOne(t, sub)
	assert.Equal(t, "tts_completed", e.Type)
	assert.Equal(t, "audio", e.Source)
	assert.Equal(t, "hello", e.Payload["text"])
	assert.False(t, e.When.IsZero(), "emission must stamp the event")
}

func TestTypeFilter(t *testing.T) {
	b := New()
	defer b.Close()

	tts := b.Subscribe("tts_completed")
	defer tts.Close()
	motion := b.Subscribe("motion_completed")
	defer motion.Close()

	b.Emit(Event{Type: "tts_completed"})
	e := recvOne(t, tts)
	assert.Equal(t, "tts_completed", e.Type)

	select {
	case e := <-motion.C():
		t.Fatalf("motion subscriber received unrelated event %q", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	all := b.Subscribe(Wildcard)
	defer all.Close()

	b.Emit(Event{Type: "a"})
	b.Emit(Event{Type: "b"})

	assert.Equal(t, "a", recvOne(t, all).Type)
	assert.Equal(t, "b", recvOne(t, all).Type)
}

func TestEmissionOrderPreservedPerType(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("seq")
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		b.Emit(Event{Type: "seq", Payload: map[string]any{"i": i}})
	}

	last := -1
	for i := 0; i < n; i++ {
		e := recvOne(t, sub)
		got := e.Payload["i"].(int)
		assert.Greater(t, got, last, "events must be observed in emission order")
		last = got
	}
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	b := New(WithSubscriberBuffer(4))
	defer b.Close()

	slow := b.Subscribe("x")
	defer slow.Close()
	fast := b.Subscribe("x")
	defer fast.Close()

	// Drain the fast reader concurrently so it never overflows.
	const n = 32
	fastDone := make(chan []int)
	go func() {
		var got []int
		for e := range fast.C() {
			got = append(got, e.Payload["i"].(int))
			if len(got) == n {
				break
			}
		}
		fastDone <- got
	}()

	for i := 0; i < n; i++ {
		b.Emit(Event{Type: "x", Payload: map[string]any{"i": i}})
	}

	select {
	case got := <-fastDone:
		require.Len(t, got, n)
		for i, v := range got {
			assert.Equal(t, i, v, "fast subscriber sees every event in order")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber starved")
	}

	// The slow reader's backlog is a bounded suffix but still ordered.
	time.Sleep(50 * time.Millisecond)
	prev := -1
	for {
		select {
		case e := <-slow.C():
			got := e.Payload["i"].(int)
			assert.Greater(t, got, prev, "drops must not reorder")
			prev = got
		case <-time.After(50 * time.Millisecond):
			assert.Equal(t, n-1, prev, "newest event must survive the drops")
			return
		}
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	b := New(WithQueueSize(2))
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			b.Emit(Event{Type: fmt.Sprintf("t%d", i%3)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked")
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("x")
	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed")

	// Emitting after unsubscription must not panic.
	b.Emit(Event{Type: "x"})
	time.Sleep(20 * time.Millisecond)
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	sub := b.Subscribe("x")
	b.Close()
	b.Close() // idempotent

	for range sub.C() {
		// drain until closed
	}

	// Subscribing after close yields a closed subscription.
	dead := b.Subscribe("y")
	_, ok := <-dead.C()
	assert.False(t, ok)
}
