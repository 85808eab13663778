// SPDX-License-Identifier: MIT

package module

import (
	"container/heap"
	"errors"
	"sync"
)

var (
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("command queue closed")
	// ErrEmergencyActive is returned for non-emergency submissions while an
	// emergency stop is latched.
	ErrEmergencyActive = errors.New("emergency stop active")
)

// Queue is a bounded-latency priority queue with a blocking Pop, designed for
// a single draining worker. Ordering is (priority desc, submission order asc).
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     commandHeap
	closed    bool
	emergency bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit enqueues cmd. While an emergency stop is latched only EMERGENCY and
// SYSTEM priority commands are accepted.
func (q *Queue) Submit(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.emergency && cmd.Priority < PriorityEmergency {
		return ErrEmergencyActive
	}
	heap.Push(&q.items, cmd)
	q.cond.Signal()
	return nil
}

// Pop blocks until a command is available or the queue is closed. The second
// return value is false once the queue is closed and drained.
func (q *Queue) Pop() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Command{}, false
	}
	cmd := heap.Pop(&q.items).(Command)
	return cmd, true
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SetEmergency latches or clears the emergency filter. Latching flushes all
// commands below EMERGENCY priority and returns them so the caller can report
// their abortion.
func (q *Queue) SetEmergency(active bool) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emergency = active
	if !active {
		return nil
	}
	var flushed []Command
	kept := q.items[:0]
	for _, cmd := range q.items {
		if cmd.Priority >= PriorityEmergency {
			kept = append(kept, cmd)
		} else {
			flushed = append(flushed, cmd)
		}
	}
	q.items = kept
	heap.Init(&q.items)
	return flushed
}

// Close wakes all blocked consumers. Pending items can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// commandHeap orders by priority (desc) then ID (asc, submission order).
type commandHeap []Command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) { *h = append(*h, x.(Command)) }

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	cmd := old[n-1]
	*h = old[:n-1]
	return cmd
}
