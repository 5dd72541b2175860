package router

import (
	"sync"
)

// GrowableBuffer is a FIFO queue that doubles its capacity at 70% fill until
// it reaches maxCapacity. A full buffer at maxCapacity evicts its oldest item.
type GrowableBuffer[T any] struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buf         []T
	head        int
	count       int
	maxCapacity int
	closed      bool

	received int64
	sent     int64
	dropped  int64
	resizes  int
}

// NewGrowableBuffer creates a buffer. maxCapacity <= 0 means unbounded.
func NewGrowableBuffer[T any](initialCapacity, maxCapacity int) *GrowableBuffer[T] {
	initialCapacity = max(initialCapacity, 1)
	if maxCapacity > 0 && maxCapacity < initialCapacity {
		initialCapacity = maxCapacity
	}
	b := &GrowableBuffer[T]{
		buf:         make([]T, initialCapacity),
		maxCapacity: maxCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends item. evicted reports whether the oldest item was dropped to
// make room; ok is false once the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) (evicted, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, false
	}

	if b.count+1 >= max(len(b.buf)*70/100, 1) && b.canGrow() {
		b.grow()
	}
	if b.count == len(b.buf) {
		b.pop()
		b.dropped++
		evicted = true
	}

	b.buf[(b.head+b.count)%len(b.buf)] = item
	b.count++
	b.received++
	b.cond.Signal()
	return evicted, true
}

// Receive blocks until an item is available. It returns false once the
// buffer is closed and drained.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		var zero T
		return zero, false
	}
	b.sent++
	return b.pop(), true
}

// TryReceive returns the oldest item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	b.sent++
	return b.pop(), true
}

// Close rejects further sends and wakes blocked receivers. Buffered items can
// still be received.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of buffered items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      len(b.buf),
		TotalReceived: b.received,
		TotalSent:     b.sent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizes,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

func (b *GrowableBuffer[T]) canGrow() bool {
	return b.maxCapacity <= 0 || len(b.buf) < b.maxCapacity
}

// pop removes the head. Caller holds mu and ensures count > 0.
func (b *GrowableBuffer[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	return item
}

// grow doubles capacity, capped at maxCapacity. Caller holds mu.
func (b *GrowableBuffer[T]) grow() {
	size := len(b.buf) * 2
	if b.maxCapacity > 0 {
		size = min(size, b.maxCapacity)
	}
	next := make([]T, size)
	for i := 0; i < b.count; i++ {
		next[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	b.buf = next
	b.head = 0
	b.resizes++
}
