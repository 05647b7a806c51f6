package dispatch

import "context"

const defaultPoolSize = 16

// Pool bounds how many executors run at once. Acquire blocks inside the
// executor goroutine, never in the agent's mailbox loop.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with the given capacity. Sizes below one fall
// back to the default.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Acquire takes a slot, blocking until one frees up or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	<-p.slots
}

// InUse reports how many slots are currently held.
func (p *Pool) InUse() int {
	return len(p.slots)
}
