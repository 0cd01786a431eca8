package flow

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO crossing the boundary between the I/O goroutines
// and the tick scheduler. One side uses the blocking variants
// ([Queue.Push], [Queue.Pop]) and the other side the non-blocking ones
// ([Queue.TryPush], [Queue.TryPop]).
//
// Closing is terminal: once closed, every operation deterministically
// fails with the close cause, including pops of values still buffered.
type Queue[T any] struct {
	data    chan T
	closeCh chan struct{}

	lk  sync.Mutex
	err error
}

func NewQueue[T any](bufferSize uint) *Queue[T] {
	return &Queue[T]{
		data:    make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
}

// Err returns the close cause or nil while the queue is open.
func (q *Queue[T]) Err() error {
	q.lk.Lock()
	defer q.lk.Unlock()
	return q.err
}

func (q *Queue[T]) closed() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) TryPush(v T) error {
	if q.closed() {
		return q.Err()
	}

	select {
	case q.data <- v:
		return nil
	default:
		return ErrFlowFull
	}
}

func (q *Queue[T]) Push(ctx context.Context, v T) error {
	if q.closed() {
		return q.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeCh:
		return q.Err()
	case q.data <- v:
		return nil
	}
}

func (q *Queue[T]) TryPop() (result T, err error) {
	if q.closed() {
		return result, q.Err()
	}

	select {
	case v := <-q.data:
		return v, nil
	default:
		return result, ErrFlowEmpty
	}
}

func (q *Queue[T]) Pop(ctx context.Context) (result T, err error) {
	if q.closed() {
		return result, q.Err()
	}

	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-q.closeCh:
		return result, q.Err()
	case v := <-q.data:
		return v, nil
	}
}

// Len is only a hint, it may be stale as soon as it returns.
func (q *Queue[T]) Len() int {
	return len(q.data)
}

// Close is idempotent, only the first cause is kept.
func (q *Queue[T]) Close(cause error) {
	if cause == nil {
		cause = ErrFlowClosed
	}
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.err != nil {
		return
	}
	q.err = cause
	close(q.closeCh)
}

// Drain empties the buffer without blocking, regardless of the queue
// being closed. It lets the owner release values nobody will pop.
func (q *Queue[T]) Drain() (drained []T) {
	for {
		select {
		case v := <-q.data:
			drained = append(drained, v)
		default:
			return
		}
	}
}
