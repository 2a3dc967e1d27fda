package hub

import "sync"

// mailbox is an unbounded FIFO op queue. Ops enqueued while an earlier op is
// running are executed in arrival order once it returns, which is what gives
// the account actor its serialization guarantee.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// put appends an op; returns false if the mailbox is already closed.
func (mb *mailbox) put(op func()) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return false
	}
	mb.queue = append(mb.queue, op)
	mb.cond.Signal()
	return true
}

// take blocks for the next op; returns false once the mailbox is closed and
// drained.
func (mb *mailbox) take() (func(), bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.queue) == 0 && !mb.closed {
		mb.cond.Wait()
	}
	if len(mb.queue) == 0 {
		return nil, false
	}
	op := mb.queue[0]
	mb.queue = mb.queue[1:]
	return op, true
}

// closeIfEmpty closes the mailbox only when no ops are pending; returns
// whether it closed. A put that raced in keeps the actor alive.
func (mb *mailbox) closeIfEmpty() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return true
	}
	if len(mb.queue) != 0 {
		return false
	}
	mb.closed = true
	mb.cond.Broadcast()
	return true
}
