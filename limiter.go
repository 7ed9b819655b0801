package realtime

import (
	"context"
	"sync"
)

// Bounds the number of concurrently in-flight operations sharing one
// logical resource. `Ready` suspends the caller until a slot is available
// and must be matched by exactly one `Release`. Freed slots are handed to
// the oldest waiter first, so no waiter starves.
//
// There is no failure path here. Cancellation is handled by racing `Ready`
// against the context; a grant that raced with cancellation is returned
// internally so the slot is never lost.
type Limiter struct {
	// 0 or negative means unbounded
	max int

	stateLock sync.Mutex
	current   int
	// FIFO. each waiter channel has buffer 1 and receives exactly one grant
	waiters []chan struct{}
}

func NewLimiter(max int) *Limiter {
	return &Limiter{
		max: max,
	}
}

func (self *Limiter) Ready(ctx context.Context) error {
	if self.max <= 0 {
		return nil
	}

	var waiter chan struct{}
	self.stateLock.Lock()
	if self.current < self.max {
		self.current += 1
		self.stateLock.Unlock()
		return nil
	}
	waiter = make(chan struct{}, 1)
	self.waiters = append(self.waiters, waiter)
	self.stateLock.Unlock()

	select {
	case <-waiter:
		// the releasing side handed its slot over. `current` is unchanged.
		return nil
	case <-ctx.Done():
		self.stateLock.Lock()
		removed := false
		for i, w := range self.waiters {
			if w == waiter {
				self.waiters = append(self.waiters[:i], self.waiters[i+1:]...)
				removed = true
				break
			}
		}
		self.stateLock.Unlock()
		if !removed {
			// a grant raced with cancellation. the buffered send from the
			// releasing side is imminent, so wait for it, then give the
			// slot back.
			<-waiter
			self.Release()
		}
		return ctx.Err()
	}
}

func (self *Limiter) Release() {
	if self.max <= 0 {
		return
	}

	self.stateLock.Lock()
	if 0 < len(self.waiters) {
		waiter := self.waiters[0]
		self.waiters = self.waiters[1:]
		self.stateLock.Unlock()
		waiter <- struct{}{}
		return
	}
	if 0 < self.current {
		// clamp at zero. an unmatched release is a caller bug and must not
		// make the count negative.
		self.current -= 1
	}
	self.stateLock.Unlock()
}

func (self *Limiter) Active() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.current
}

func (self *Limiter) Waiting() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.waiters)
}
