package solver

import (
	"errors"
	"sync"
)

// ErrBarrierBroken is returned by Wait after Break was called without a cause.
var ErrBarrierBroken = errors.New("solver: barrier broken")

// Barrier is a reusable rendezvous for a fixed number of goroutines. The last
// goroutine to arrive runs the action, alone, before any party is released,
// which makes it the single writer of whatever state the parties read next.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	gen     uint64
	err     error
	action  func() error
}

// NewBarrier returns a barrier for parties goroutines. action may be nil.
func NewBarrier(parties int, action func() error) *Barrier {
	b := &Barrier{parties: parties, action: action}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until every party has called Wait. If the action fails, or the
// barrier is broken while waiting, every party gets the error, and so does
// every later call.
func (b *Barrier) Wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	gen := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		if b.action != nil {
			if err := b.action(); err != nil {
				b.err = err
				b.cond.Broadcast()
				return err
			}
		}
		b.gen++
		b.cond.Broadcast()
		return nil
	}
	for gen == b.gen && b.err == nil {
		b.cond.Wait()
	}
	if gen != b.gen {
		return nil
	}
	return b.err
}

// Break releases all waiting parties with err. A party that fails must break
// the barrier, or the others wait forever.
func (b *Barrier) Break(err error) {
	if err == nil {
		err = ErrBarrierBroken
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}
