// Package msg provides the queues that connect the tracers with the span exporters.
package msg

import (
	"sync"
	"sync/atomic"
)

type queueConfig struct {
	channelBufferLen int
}

// QueueOpts allow configuring some operation of a queue
type QueueOpts func(*queueConfig)

// ChannelBufferLen sets the length of the channel buffer of each subscriber.
func ChannelBufferLen(l int) QueueOpts {
	return func(c *queueConfig) {
		c.channelBufferLen = l
	}
}

// Queue sends each message to all of its subscribers. Messages sent while there are no
// subscribers are lost, so span exporters that are not configured don't block the tracers.
type Queue[T any] struct {
	mt     sync.Mutex
	cfg    queueConfig
	dsts   []chan T
	closed atomic.Bool
}

func NewQueue[T any](opts ...QueueOpts) *Queue[T] {
	q := &Queue[T]{cfg: queueConfig{channelBufferLen: 1}}
	for _, opt := range opts {
		opt(&q.cfg)
	}
	return q
}

// Send a message to all the subscribers. It blocks while any of the subscribers
// has its channel buffer full.
func (q *Queue[T]) Send(o T) {
	q.assertNotClosed()
	q.mt.Lock()
	dsts := q.dsts
	q.mt.Unlock()
	for _, d := range dsts {
		d <- o
	}
}

// Subscribe returns a channel that will receive the messages sent after this invocation.
// The channel is closed when the queue is closed.
func (q *Queue[T]) Subscribe() <-chan T {
	q.assertNotClosed()
	q.mt.Lock()
	defer q.mt.Unlock()
	ch := make(chan T, q.cfg.channelBufferLen)
	q.dsts = append(q.dsts, ch)
	return ch
}

// Close all the subscriber channels. Invoking Send or Subscribe after Close panics.
func (q *Queue[T]) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.mt.Lock()
	defer q.mt.Unlock()
	for _, d := range q.dsts {
		close(d)
	}
	q.dsts = nil
}

func (q *Queue[T]) assertNotClosed() {
	if q.closed.Load() {
		panic("queue is closed")
	}
}
