package hibernate

import (
	"container/heap"
	"time"
)

// Retry deadlines, spec.md §4.5.
const (
	moveBackWithInputTimeout    = 10 * time.Second
	moveBackWithoutInputTimeout = 5 * time.Minute
	unhibernateRetryInterval    = 100 * time.Millisecond
)

// retryDeadline reads inputPending and moveBackStart under s.mu: it is
// called both from this session's own goroutine (moveBackHasTimedOut) and
// from retryQueue.Less while c.mu is held by a heap operation, so it must
// never be called while s.mu is already held by the same goroutine.
func (s *Session) retryDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputPending {
		return s.moveBackStart.Add(moveBackWithInputTimeout)
	}
	return s.moveBackStart.Add(moveBackWithoutInputTimeout)
}

// retryQueue is a container/heap min-priority-queue keyed by deadline
// (spec.md §4.5, §8 "priority-queue head ordering"), playing the role of
// the original's struct priorityq. heapIndex and unhibernateQueued are
// guarded by c.mu (the caller already holds it for every heap operation),
// not by the session's own mu — lock ordering is always c.mu before s.mu,
// never the reverse, so the two never deadlock.
type retryQueue []*Session

func (q retryQueue) Len() int { return len(q) }
func (q retryQueue) Less(i, j int) bool {
	return q[i].retryDeadline().Before(q[j].retryDeadline())
}
func (q retryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}
func (q *retryQueue) Push(x any) {
	s := x.(*Session)
	s.heapIndex = len(*q)
	*q = append(*q, s)
}
func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.heapIndex = -1
	*q = old[:n-1]
	return s
}

// enqueueRetryLocked adds s to the retry queue. Caller holds c.mu.
func (c *Core) enqueueRetryLocked(s *Session) {
	if s.unhibernateQueued {
		return
	}
	s.unhibernateQueued = true
	heap.Push(&c.retryHeap, s)
	c.ensureRetryTickerLocked()
}

// dequeueRetryLocked removes s from the retry queue if present. Caller
// holds c.mu.
func (c *Core) dequeueRetryLocked(s *Session) {
	if !s.unhibernateQueued {
		return
	}
	s.unhibernateQueued = false
	if s.heapIndex >= 0 {
		heap.Remove(&c.retryHeap, s.heapIndex)
	}
}

func (c *Core) ensureRetryTickerLocked() {
	if c.retryTicker != nil {
		return
	}
	c.retryTicker = time.NewTicker(unhibernateRetryInterval)
	go c.retryTickLoop(c.retryTicker.C, c.retryStop)
}

func (c *Core) retryTickLoop(ticks <-chan time.Time, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticks:
			c.runRetryTick()
		}
	}
}

// runRetryTick processes at most the queue's ready prefix, popping each
// session whose broker attempt succeeds or fails terminally and stopping
// at the first one that defers again (spec.md §4.5 and §5 "retry tick
// processes at most one retry per iteration" is honored one head-peek at
// a time: the head is always the earliest deadline, so stopping there
// gives every other queued session a chance to become the new head on the
// next tick instead of starving behind a perpetually-busy master socket).
func (c *Core) runRetryTick() {
	for {
		c.mu.Lock()
		if c.retryHeap.Len() == 0 {
			c.stopRetryTickerLocked()
			c.mu.Unlock()
			return
		}
		s := c.retryHeap[0]
		c.mu.Unlock()

		if !s.tryMoveBack() {
			return
		}
	}
}

func (c *Core) stopRetryTickerLocked() {
	if c.retryTicker != nil {
		c.retryTicker.Stop()
		close(c.retryStop)
		c.retryStop = make(chan struct{})
		c.retryTicker = nil
	}
}
