// Package fanout runs one goroutine per item and waits for all of them.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// PanicError wraps a value recovered from a panicking item.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// semaphore is a channel of tokens, pre-filled up to limit.
type semaphore chan struct{}

func newSemaphore(limit int) semaphore {
	if limit <= 0 {
		return nil
	}
	s := make(semaphore, limit)
	for i := 0; i < limit; i++ {
		s <- struct{}{}
	}
	return s
}

func (s semaphore) acquire(ctx context.Context) bool {
	if s == nil {
		return true
	}
	select {
	case <-s:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s semaphore) release() {
	if s == nil {
		return
	}
	select {
	case s <- struct{}{}:
	default:
	}
}

type options struct {
	onPanic func(i int, err *PanicError)
	onSkip  func(i int)
}

type Option func(*options)

// WithPanicHandler is called (on the item goroutine) when fn panics.
func WithPanicHandler(fn func(i int, err *PanicError)) Option {
	return func(o *options) { o.onPanic = fn }
}

// WithSkipHandler is called (on the item goroutine) for every item skipped
// because ctx was cancelled before it acquired a slot.
func WithSkipHandler(fn func(i int)) Option {
	return func(o *options) { o.onSkip = fn }
}

// Run calls fn(ctx, i) for i in [0,n), concurrently.
//
// limit bounds the number of items in flight; limit <= 0 starts all of them at once.
// Items that have not acquired a slot when ctx is cancelled are skipped and
// reported to the skip handler.
// A panicking item never affects its siblings.
func Run(ctx context.Context, limit, n int, fn func(ctx context.Context, i int), opts ...Option) {
	if n <= 0 || fn == nil {
		return
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sem := newSemaphore(limit)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !sem.acquire(ctx) {
				if o.onSkip != nil {
					if err := Call(func() error { o.onSkip(i); return nil }); err != nil && o.onPanic != nil {
						o.onPanic(i, err.(*PanicError))
					}
				}
				return
			}
			defer sem.release()
			if err := Call(func() error { fn(ctx, i); return nil }); err != nil {
				if pe, ok := err.(*PanicError); ok && o.onPanic != nil {
					o.onPanic(i, pe)
				}
			}
		}(i)
	}
	wg.Wait()
}

// Call runs fn and converts a panic into a *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}
