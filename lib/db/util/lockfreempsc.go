package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

/*
LockFreeMPSC is an unbounded multi-producer single-consumer queue.

Producers append to a linked list with CAS operations and never block each
other. A single internal goroutine moves values from the list to the channel
returned by Recv, so the consumer can select on it.

  - Push is safe for concurrent use
  - values are delivered in the order their Push completed
  - after Close, already queued values are still delivered, then Recv is closed
*/
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan *T
	closed atomic.Bool
	done   sync.WaitGroup

	// wakes the forwarder when the list was empty
	mu   sync.Mutex
	cond *sync.Cond
}

type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// NewLockFreeMPSC creates a queue and starts its forwarding goroutine.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}
	q := &LockFreeMPSC[T]{out: make(chan *T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.forward()
	return q
}

// Push appends value. It returns false if value is nil or the queue is closed.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.wake()
				return true
			}
		} else {
			// another producer appended but did not move tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals under the mutex, so a wakeup can not slip in between the
// forwarder's emptiness check and its Wait.
func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *LockFreeMPSC[T]) forward() {
	defer q.done.Done()
	defer close(q.out)

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true
			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !delivered && q.closed.Load() {
			return
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel values are delivered on.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting values. Values already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.wake()
}

// IsClosed reports whether Close was called.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len counts queued values. O(n), for debugging only.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for cur := q.head.Load(); cur.next.Load() != nil; cur = cur.next.Load() {
		count++
	}
	return count
}
