package flow

import "sync"

// Future is the polling side of a one-shot value produced by another
// goroutine. It is owned by a single consumer and MUST NOT be polled
// concurrently.
//
// A Future yields [Ready] at most once. After that, or after its
// [Promise] is abandoned, it yields [Disconnected] forever.
type Future[T any] struct {
	ch       <-chan T
	done     bool
	onCancel func()
	once     sync.Once
}

// Promise is the producing side of a [Future]. It is safe to use from
// any goroutine.
type Promise[T any] struct {
	ch   chan T
	once sync.Once
}

// NewFuture allocates a linked Future/Promise pair. onCancel, if not nil,
// is invoked once when the consumer calls [Future.Cancel].
func NewFuture[T any](onCancel func()) (*Future[T], *Promise[T]) {
	ch := make(chan T, 1)
	return &Future[T]{ch: ch, onCancel: onCancel}, &Promise[T]{ch: ch}
}

// Resolved returns a Future which is immediately [Ready] with v.
func Resolved[T any](v T) *Future[T] {
	fut, p := NewFuture[T](nil)
	p.Fulfill(v)
	return fut
}

// Severed returns a Future which is immediately [Disconnected].
func Severed[T any]() *Future[T] {
	fut, p := NewFuture[T](nil)
	p.Abandon()
	return fut
}

// Poll never blocks.
func (f *Future[T]) Poll() (result T, state PollState) {
	if f.done {
		return result, Disconnected
	}

	select {
	case v, ok := <-f.ch:
		f.done = true
		if !ok {
			return result, Disconnected
		}
		return v, Ready
	default:
		return result, Pending
	}
}

// Cancel tells the producer nobody is waiting anymore. Polls made after
// Cancel observe [Disconnected].
func (f *Future[T]) Cancel() {
	f.done = true
	f.once.Do(func() {
		if f.onCancel != nil {
			f.onCancel()
		}
	})
}

// Fulfill delivers v. It returns false if the promise was already
// fulfilled or abandoned.
func (p *Promise[T]) Fulfill(v T) (delivered bool) {
	p.once.Do(func() {
		p.ch <- v
		close(p.ch)
		delivered = true
	})
	return
}

// Abandon closes the promise without a value, the paired future then
// observes [Disconnected].
func (p *Promise[T]) Abandon() {
	p.once.Do(func() {
		close(p.ch)
	})
}
