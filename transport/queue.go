package transport

import (
	"context"
	"sync"

	"github.com/renbou/wsbridge/rpcerr"
)

// messageQueue is the unbounded output queue of a streaming call.
type messageQueue struct {
	mu             sync.Mutex
	items          [][]byte
	closed         bool
	err            error
	consumerClosed bool
	notify         chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{notify: make(chan struct{}, 1)}
}

func (q *messageQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push returns false if the message was dropped because the queue or its consumer is closed.
func (q *messageQueue) push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.consumerClosed {
		return false
	}

	q.items = append(q.items, data)
	q.signal()

	return true
}

// close ends the queue with err, which is returned by pop once all queued messages are consumed.
func (q *messageQueue) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.err = err
	q.signal()
}

func (q *messageQueue) closeConsumer() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.consumerClosed = true
	q.items = nil
	q.signal()
}

func (q *messageQueue) isConsumerClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.consumerClosed
}

func (q *messageQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()

		switch {
		case len(q.items) > 0:
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()

			return item, nil
		case q.closed:
			err := q.err
			q.mu.Unlock()

			return nil, err
		case q.consumerClosed:
			q.mu.Unlock()

			return nil, errRecvClosed
		}

		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, rpcerr.FromContext(ctx.Err())
		}
	}
}
