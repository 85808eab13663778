// SPDX-License-Identifier: MIT

package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Submit(Command{ID: 1, Kind: "a", Priority: PriorityLow}))
	require.NoError(t, q.Submit(Command{ID: 2, Kind: "b", Priority: PriorityHigh}))
	require.NoError(t, q.Submit(Command{ID: 3, Kind: "c", Priority: PriorityNormal}))
	require.NoError(t, q.Submit(Command{ID: 4, Kind: "d", Priority: PriorityHigh}))

	var kinds []string
	for i := 0; i < 4; i++ {
		cmd, ok := q.Pop()
		require.True(t, ok)
		kinds = append(kinds, cmd.Kind)
	}
	// HIGH before NORMAL before LOW; FIFO within HIGH.
	assert.Equal(t, []string{"b", "d", "c", "a"}, kinds)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	for i := uint64(1); i <= 16; i++ {
		require.NoError(t, q.Submit(Command{ID: i, Priority: PriorityNormal}))
	}
	for i := uint64(1); i <= 16; i++ {
		cmd, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, cmd.ID)
	}
}

func TestQueuePopBlocksUntilSubmit(t *testing.T) {
	q := NewQueue()
	got := make(chan Command)
	go func() {
		cmd, ok := q.Pop()
		if ok {
			got <- cmd
		}
	}()
	require.NoError(t, q.Submit(Command{ID: 9, Kind: "late"}))
	cmd := <-got
	assert.Equal(t, "late", cmd.Kind)
}

func TestQueueCloseUnblocksAndDrains(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Submit(Command{ID: 1, Kind: "pending"}))
	q.Close()

	// Pending items still drain after close.
	cmd, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "pending", cmd.Kind)

	_, ok = q.Pop()
	assert.False(t, ok)

	assert.ErrorIs(t, q.Submit(Command{ID: 2}), ErrQueueClosed)
}

func TestQueueEmergencyFlush(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Submit(Command{ID: 1, Priority: PriorityLow}))
	require.NoError(t, q.Submit(Command{ID: 2, Priority: PriorityNormal}))
	require.NoError(t, q.Submit(Command{ID: 3, Priority: PriorityEmergency}))
	require.NoError(t, q.Submit(Command{ID: 4, Priority: PrioritySystem}))

	flushed := q.SetEmergency(true)
	require.Len(t, flushed, 2)
	assert.Equal(t, 2, q.Len())

	// Only EMERGENCY/SYSTEM accepted while latched.
	assert.ErrorIs(t, q.Submit(Command{ID: 5, Priority: PriorityHigh}), ErrEmergencyActive)
	require.NoError(t, q.Submit(Command{ID: 6, Priority: PriorityEmergency}))

	// SYSTEM drains before EMERGENCY.
	cmd, _ := q.Pop()
	assert.Equal(t, PrioritySystem, cmd.Priority)

	q.SetEmergency(false)
	require.NoError(t, q.Submit(Command{ID: 7, Priority: PriorityLow}))
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "EMERGENCY", PriorityEmergency.String())
	assert.Equal(t, "UNKNOWN", Priority(42).String())
}
