// Package now provides a way to stub out time.Now() in tests via context.Context,
// without having to change the signature of every function that needs the current time.
package now

import (
	"context"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is the context.Context key used to store a time.Time or a NowProvider.
const ContextKey contextKeyType = "now.ContextKey"

// NowProvider is a function that returns the current time. Storing one of these under
// ContextKey causes Now to call it on every invocation, which is useful for simulating
// a clock that advances on each call.
type NowProvider func() time.Time

// Now returns the time.Time stashed on ctx under ContextKey, if any; otherwise it calls
// NowProvider stashed there, if any; otherwise it returns time.Now().
//
// Panics if ctx carries a ContextKey value of any other type.
func Now(ctx context.Context) time.Time {
	if ctx == nil {
		return time.Now()
	}
	v := ctx.Value(ContextKey)
	if v == nil {
		return time.Now()
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case NowProvider:
		return t()
	default:
		panic("now.Now: ContextKey holds a value that is neither time.Time nor NowProvider")
	}
}

// timeTravelingContext wraps a context.Context and lets tests move its notion of "now"
// forward (or backward) without touching the wall clock, so timeout- and deadline-driven
// code can be exercised deterministically.
type timeTravelingContext struct {
	context.Context
	mutex *sync.Mutex
	t     *time.Time
}

// TimeTravelingContext returns a context.Context wrapping context.Background() whose Now()
// reports t until SetTime is called on the returned value.
func TimeTravelingContext(t time.Time) timeTravelingContext {
	return timeTravelingContext{
		Context: context.Background(),
		mutex:   &sync.Mutex{},
		t:       &t,
	}
}

// Value implements context.Context, intercepting ContextKey to return the current
// simulated time.
func (c timeTravelingContext) Value(key interface{}) interface{} {
	if key == ContextKey {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		return *c.t
	}
	return c.Context.Value(key)
}

// SetTime moves the simulated clock to t.
func (c timeTravelingContext) SetTime(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	*c.t = t
}

// WithContext returns a copy of c that falls through to parent for any key besides
// ContextKey, letting a time-traveling context be layered on top of a real one (e.g. one
// carrying cancellation).
func (c timeTravelingContext) WithContext(parent context.Context) timeTravelingContext {
	c.Context = parent
	return c
}
