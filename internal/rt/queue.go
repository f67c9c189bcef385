// Package rt is a small host runtime for GPU work: contexts with
// release hooks, queues that project a native context and stream, and an
// executor that runs host tasks on OS-thread-locked workers.
package rt

import (
	"sync"

	"github.com/fxnlabs/sparse-node/internal/cuda"
)

// Context wraps a native driver context. Components that tie resources to
// the context's lifetime register deleters; Release fires them exactly
// once, in reverse registration order.
type Context struct {
	native cuda.Context

	mu       sync.Mutex
	deleters []func()
	released bool
}

// NewContext wraps a native driver context.
func NewContext(native cuda.Context) *Context {
	return &Context{native: native}
}

// Native returns the underlying driver context. Its value identifies the
// context; equality is bitwise.
func (c *Context) Native() cuda.Context {
	return c.native
}

// RegisterDeleter registers fn to run when the context is released. If the
// context is already released, fn runs immediately on the calling
// goroutine.
func (c *Context) RegisterDeleter(fn func()) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		fn()
		return
	}
	c.deleters = append(c.deleters, fn)
	c.mu.Unlock()
}

// Release tears the context down, firing registered deleters in reverse
// order. Subsequent calls are no-ops.
func (c *Context) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	deleters := c.deleters
	c.deleters = nil
	c.mu.Unlock()

	for i := len(deleters) - 1; i >= 0; i-- {
		deleters[i]()
	}
}

// Queue pairs a context with the stream work is submitted to. The stream
// may be replaced, for example when rotating through a stream pool; two
// submissions on the same queue and stream execute in submission order.
type Queue struct {
	ctx *Context

	mu     sync.RWMutex
	stream cuda.Stream
}

// NewQueue creates a queue over ctx submitting to stream.
func NewQueue(ctx *Context, stream cuda.Stream) *Queue {
	return &Queue{ctx: ctx, stream: stream}
}

// Context returns the queue's context.
func (q *Queue) Context() *Context {
	return q.ctx
}

// NativeContext returns the native identity of the queue's context.
func (q *Queue) NativeContext() cuda.Context {
	return q.ctx.Native()
}

// Stream returns the queue's current stream.
func (q *Queue) Stream() cuda.Stream {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stream
}

// SetStream replaces the queue's stream. Work already submitted to the
// previous stream is unaffected.
func (q *Queue) SetStream(s cuda.Stream) {
	q.mu.Lock()
	q.stream = s
	q.mu.Unlock()
}
