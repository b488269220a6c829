package future

import (
	"context"
	"sync"
)

// Future is a write-once container for a value that becomes available later.
// Multiple goroutines may Get concurrently; all observe the same result.
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

// SetFunc resolves the future. Only the first call takes effect.
type SetFunc = func(value interface{}, err error)

// New creates an unresolved future and the function that resolves it.
func New() (*Future, SetFunc) {
	f := &Future{
		done: make(chan struct{}),
	}
	var once sync.Once
	set := func(value interface{}, err error) {
		once.Do(func() {
			f.value = value
			f.err = err
			close(f.done)
		})
	}
	return f, set
}

// Ready reports whether the future has been resolved.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future is resolved or ctx is done.
func (f *Future) Get(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
