package webbridge

import (
	"context"
	"sync"

	"github.com/renbou/wsbridge/internal/rpcutil"
)

// inputQueue buffers the messages received from a client for a single stream.
// It is unbounded, so that a slow backend never blocks the read loop of the whole connection.
type inputQueue struct {
	mu     sync.Mutex
	msgs   [][]byte
	err    error // set once the client has finished sending, io.EOF for a successful finish
	notify chan struct{}
}

func newInputQueue() *inputQueue {
	return &inputQueue{notify: make(chan struct{}, 1)}
}

// push adds messages to the queue, unless it has already been closed.
func (q *inputQueue) push(msgs ...[]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return
	}

	q.msgs = append(q.msgs, msgs...)
	q.signal()
}

// close ends the input after all the queued messages, the first error wins.
func (q *inputQueue) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return
	}

	q.err = err
	q.signal()
}

func (q *inputQueue) closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.err != nil
}

func (q *inputQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop waits for the next message, returning the closing error once all messages have been consumed.
func (q *inputQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			q.mu.Unlock()

			return msg, nil
		} else if q.err != nil {
			err := q.err
			q.mu.Unlock()

			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, rpcutil.ContextError(ctx.Err())
		}
	}
}

