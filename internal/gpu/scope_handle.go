package gpu

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/sparse-node/internal/cuda"
	"github.com/fxnlabs/sparse-node/internal/cusparse"
	"github.com/fxnlabs/sparse-node/internal/metrics"
	"github.com/fxnlabs/sparse-node/internal/rt"
)

// handleCacheKey names the worker-local slot holding the handle cache.
const handleCacheKey = "gpu.cusparse.handles"

// ScopedContext pins a queue's GPU context as the calling OS thread's
// active driver context for its lifetime. While it exists, a vendor
// handle bound to that context and to the queue's stream is obtainable in
// O(1) through GetHandle. It must only be used inside the host task it
// was created in.
type ScopedContext struct {
	drv cuda.Driver
	api cusparse.API
	log *zap.Logger
	ih  *rt.Interop

	placed      cuda.Context
	prior       cuda.Context
	needRecover bool
}

func newScopedContext(drv cuda.Driver, api cusparse.API, log *zap.Logger, ih *rt.Interop, q *rt.Queue) (*ScopedContext, error) {
	placed := q.NativeContext()
	prior, err := drv.CtxGetCurrent()
	if err != nil {
		return nil, err
	}
	sc := &ScopedContext{
		drv:    drv,
		api:    api,
		log:    log,
		ih:     ih,
		placed: placed,
		prior:  prior,
	}
	if prior != placed {
		if err := drv.CtxSetCurrent(placed); err != nil {
			return nil, err
		}
		// When no context was installed we leave the placed context
		// active after the scope ends, matching the runtime API's
		// session behavior. A worker doing repeated operations against
		// the same primary context then skips the switch next time.
		sc.needRecover = prior != 0
	}
	return sc, nil
}

// Close restores the thread's prior active context if construction
// displaced a non-empty one.
func (sc *ScopedContext) Close() error {
	if sc.needRecover {
		return sc.drv.CtxSetCurrent(sc.prior)
	}
	return nil
}

// cache returns the worker's handle cache, creating it on first touch.
// The drain protocol is registered as the worker-exit teardown.
func (sc *ScopedContext) cache() *handleCache {
	if v := sc.ih.Local(handleCacheKey); v != nil {
		return v.(*handleCache)
	}
	hc := newHandleCache(sc.api)
	sc.ih.SetLocal(handleCacheKey, hc, hc.drain)
	return hc
}

// GetHandle returns a vendor handle bound to the queue's context and
// stream. Handles are cached per worker and per context; a cached handle
// is rebound if the queue's stream changed since it was last vended.
func (sc *ScopedContext) GetHandle(q *rt.Queue) (cusparse.Handle, error) {
	key := q.NativeContext()
	stream := q.Stream()
	hc := sc.cache()

	if cell, ok := hc.lookup(key); ok {
		if h := cell.load(); h != 0 {
			current, err := sc.api.GetStream(h)
			if err != nil {
				return 0, err
			}
			if current != stream {
				if err := sc.api.SetStream(h, stream); err != nil {
					return 0, err
				}
			}
			metrics.HandleCacheHits.Inc()
			return h, nil
		}
		// Context teardown already reclaimed the handle; purge the
		// stale entry and create a fresh one.
		hc.erase(key)
	}

	metrics.HandleCacheMisses.Inc()
	h, err := sc.api.Create()
	if err != nil {
		return 0, err
	}
	metrics.HandlesCreated.Inc()
	if err := sc.api.SetStream(h, stream); err != nil {
		// Not yet inserted, so the cache stays consistent; reclaim the
		// orphan handle here.
		if derr := sc.api.Destroy(h); derr != nil {
			sc.log.Error("failed to destroy orphan handle", zap.Error(derr))
		}
		metrics.HandlesDestroyed.Inc()
		return 0, err
	}
	cell := hc.insert(key, h)
	q.Context().RegisterDeleter(func() {
		onContextReleased(sc.api, cell, sc.log)
	})
	return h, nil
}

// GetStream returns the native stream backing the queue.
func (sc *ScopedContext) GetStream(q *rt.Queue) cuda.Stream {
	return q.Stream()
}

// WaitStream blocks until all work previously submitted to the queue's
// stream has completed.
func (sc *ScopedContext) WaitStream(q *rt.Queue) error {
	return sc.drv.StreamSynchronize(q.Stream())
}

// Dispatcher submits vendor library work as host tasks with a ready
// scoped context and handle.
type Dispatcher struct {
	ex  *rt.Executor
	drv cuda.Driver
	api cusparse.API
	log *zap.Logger
}

// NewDispatcher creates a dispatcher over the given executor and vendor
// entry points.
func NewDispatcher(ex *rt.Executor, drv cuda.Driver, api cusparse.API, log *zap.Logger) *Dispatcher {
	return &Dispatcher{ex: ex, drv: drv, api: api, log: log}
}

// WithHandle runs fn inside a host task with the queue's context active on
// the worker thread and a vendor handle bound to the queue's stream. The
// stream is synchronized after fn returns successfully.
func (d *Dispatcher) WithHandle(q *rt.Queue, fn func(sc *ScopedContext, h cusparse.Handle) error) error {
	return d.ex.Submit(q, func(ih *rt.Interop) (err error) {
		sc, err := newScopedContext(d.drv, d.api, d.log, ih, q)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := sc.Close(); err == nil {
				err = cerr
			}
		}()

		h, err := sc.GetHandle(q)
		if err != nil {
			return err
		}
		if err := fn(sc, h); err != nil {
			return err
		}
		return sc.WaitStream(q)
	})
}
