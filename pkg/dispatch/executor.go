package dispatch

import "sync"

// Executor is the delivery context for listener callbacks. Post must not block
// and must run posted functions one at a time, in order.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a posting function, such as a UI toolkit's
// "run on main thread" call.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Post(fn func()) { f(fn) }

// LoopExecutor runs posted functions on one dedicated goroutine.
type LoopExecutor struct {
	mu       sync.Mutex
	pending  []func()
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewLoopExecutor() *LoopExecutor {
	e := &LoopExecutor{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *LoopExecutor) Post(fn func()) {
	e.mu.Lock()
	e.pending = append(e.pending, fn)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Stop ends the loop after the function currently running returns. It is safe
// to call from a posted function.
func (e *LoopExecutor) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *LoopExecutor) run() {
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if len(e.pending) == 0 {
				e.mu.Unlock()
				break
			}
			fn := e.pending[0]
			e.pending[0] = nil
			e.pending = e.pending[1:]
			e.mu.Unlock()
			fn()
		}
	}
}
