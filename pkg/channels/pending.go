package channels

import (
	"context"
	"sync"
)

// Pending is the handle returned by asynchronous channel and session
// operations. It resolves exactly once.
type Pending struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolved returns an already-completed handle.
func Resolved(err error) *Pending {
	p := NewPending()
	p.Resolve(err)
	return p
}

// Resolve completes the handle. Later calls are ignored.
func (p *Pending) Resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome, or nil while the operation is still in flight.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Pending) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
