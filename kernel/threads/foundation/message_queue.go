package foundation

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Default queue sizing
const (
	DefaultQueueCapacity = 1024
)

// Queue is a bounded, ordered, blocking channel between two pipeline stages.
// A full queue blocks its producer and an empty queue blocks its consumer.
// Each queue has exactly one producer and one consumer.
type Queue[T any] struct {
	name  string
	items chan T
	stats queueCounters
}

type queueCounters struct {
	enqueued atomic.Uint64
	dequeued atomic.Uint64
	maxDepth atomic.Uint32
}

// QueueStats tracks queue throughput
type QueueStats struct {
	Name     string
	Capacity int
	Enqueued uint64
	Dequeued uint64
	Depth    int
	MaxDepth uint32
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue[T any](name string, capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue %s: capacity must be positive, got %d", name, capacity)
	}
	return &Queue[T]{
		name:  name,
		items: make(chan T, capacity),
	}, nil
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Put appends v, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.items <- v:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.stats.enqueued.Add(1)

	depth := uint32(len(q.items))
	for {
		prev := q.stats.maxDepth.Load()
		if depth <= prev || q.stats.maxDepth.CompareAndSwap(prev, depth) {
			break
		}
	}
	return nil
}

// Get removes the oldest message, blocking while the queue is empty.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case v := <-q.items:
		q.stats.dequeued.Add(1)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet removes the oldest message if one is waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case v := <-q.items:
		q.stats.dequeued.Add(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued messages.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() QueueStats {
	return QueueStats{
		Name:     q.name,
		Capacity: cap(q.items),
		Enqueued: q.stats.enqueued.Load(),
		Dequeued: q.stats.dequeued.Load(),
		Depth:    len(q.items),
		MaxDepth: q.stats.maxDepth.Load(),
	}
}
