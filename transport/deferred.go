package transport

import (
	"context"
	"sync"

	"github.com/renbou/wsbridge/rpcerr"
)

// deferred is a value which is settled exactly once, either with a value or with an error.
type deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newDeferred[T any]() *deferred[T] {
	return &deferred[T]{done: make(chan struct{})}
}

// settle returns true if this call settled the value.
func (d *deferred[T]) settle(value T, err error) bool {
	settled := false

	d.once.Do(func() {
		d.value, d.err = value, err
		settled = true
		close(d.done)
	})

	return settled
}

func (d *deferred[T]) resolve(value T) bool {
	return d.settle(value, nil)
}

func (d *deferred[T]) reject(err error) bool {
	var zero T
	return d.settle(zero, err)
}

func (d *deferred[T]) isSettled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *deferred[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, rpcerr.FromContext(ctx.Err())
	}
}
