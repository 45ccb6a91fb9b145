// Package queue implements the bounded offline publish queue: messages
// accepted while no broker is reachable, replayed in order once a broker
// becomes current again.
package queue

import (
	"sync"

	"go.uber.org/zap"
)

// Capacity is the maximum number of queued messages retained while
// offline. Once full, enqueueing a new message drops the oldest queued
// message to make room.
const Capacity = 1000

// Message is one queued publish awaiting replay.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Queue is a thread-safe, bounded FIFO buffer of queued publishes.
type Queue struct {
	mu       sync.Mutex
	log      *zap.Logger
	entries  []Message
	dropped  uint64 // total messages ever dropped for overflow
	capacity int
}

// New creates an empty queue. log may be nil in tests. capacity of 0 or
// less falls back to Capacity.
func New(log *zap.Logger, capacity int) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Queue{log: log, capacity: capacity}
}

// Enqueue appends msg to the tail of the queue. If the queue is already at
// capacity, the oldest entry is dropped to make room and a counter of
// total dropped messages is incremented.
func (q *Queue) Enqueue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.dropped++
		q.log.Warn("offline queue full, dropping oldest message",
			zap.String("topic", msg.Topic),
			zap.Uint64("total_dropped", q.dropped))
	}
	q.entries = append(q.entries, msg)
}

// Len returns the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns the total number of messages ever dropped for overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all queued messages without replaying them.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// FlushTo drains the queue in FIFO order, calling publish for each message.
// Draining stops at the first publish error, leaving the remaining
// messages (including the one that failed) queued for a later attempt.
// The queue's mutex is released while publish runs so a slow or blocking
// publisher cannot stall concurrent Enqueue calls indefinitely.
func (q *Queue) FlushTo(publish func(Message) error) error {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return nil
		}
		msg := q.entries[0]
		q.mu.Unlock()

		if err := publish(msg); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.entries) > 0 {
			q.entries = q.entries[1:]
		}
		q.mu.Unlock()
	}
}
