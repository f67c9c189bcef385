package gpu

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fxnlabs/sparse-node/internal/cuda"
	"github.com/fxnlabs/sparse-node/internal/cusparse"
	"github.com/fxnlabs/sparse-node/internal/metrics"
)

// handleCell owns a single vendor handle. Two parties may try to destroy
// the handle: the worker cache at drain time and the context deleter at
// context teardown. The atomic exchange-with-zero in take linearizes
// destruction so exactly one of them obtains the handle; the other sees
// zero and simply drops its reference to the cell.
type handleCell struct {
	h atomic.Uintptr
}

func newHandleCell(h cusparse.Handle) *handleCell {
	c := &handleCell{}
	c.h.Store(uintptr(h))
	return c
}

// take claims exclusive ownership of the cell's handle. At most one caller
// across the cell's lifetime observes a non-zero return.
func (c *handleCell) take() cusparse.Handle {
	return cusparse.Handle(c.h.Swap(0))
}

// load reads the cell without claiming ownership. Zero means the handle
// was already reclaimed at context teardown.
func (c *handleCell) load() cusparse.Handle {
	return cusparse.Handle(c.h.Load())
}

// handleCache maps a native context identity to the cell holding this
// worker's vendor handle for that context. It is owned by a single
// OS-thread-locked worker and is never shared: only the owning worker
// reads or mutates the map. Context deleters touch cells, never the map.
type handleCache struct {
	api   cusparse.API
	cells map[cuda.Context]*handleCell
}

func newHandleCache(api cusparse.API) *handleCache {
	return &handleCache{
		api:   api,
		cells: make(map[cuda.Context]*handleCell),
	}
}

// lookup returns the cell for the given context identity, if present.
func (hc *handleCache) lookup(key cuda.Context) (*handleCell, bool) {
	cell, ok := hc.cells[key]
	return cell, ok
}

// insert installs a fresh cell holding h under key. The caller must have
// established that no live entry exists under key.
func (hc *handleCache) insert(key cuda.Context, h cusparse.Handle) *handleCell {
	cell := newHandleCell(h)
	hc.cells[key] = cell
	return cell
}

// erase removes a stale entry whose handle was already reclaimed at
// context teardown. The cell itself is not touched.
func (hc *handleCache) erase(key cuda.Context) {
	delete(hc.cells, key)
}

// drain reclaims every remaining handle. Runs as the owning worker exits.
// Destroy failures are aggregated; draining continues regardless.
func (hc *handleCache) drain() error {
	var errs []error
	for key, cell := range hc.cells {
		if h := cell.take(); h != 0 {
			if err := hc.api.Destroy(h); err != nil {
				errs = append(errs, err)
			}
			metrics.HandlesDestroyed.Inc()
		}
		delete(hc.cells, key)
	}
	return errors.Join(errs...)
}

// onContextReleased runs as a context deleter. It destroys the cell's
// handle unless the cache drain won the exchange first, in which case the
// handle is already gone and the cell reference is simply dropped.
func onContextReleased(api cusparse.API, cell *handleCell, log *zap.Logger) {
	h := cell.take()
	if h == 0 {
		return
	}
	if err := api.Destroy(h); err != nil {
		log.Error("failed to destroy handle at context teardown", zap.Error(err))
	}
	metrics.HandlesDestroyed.Inc()
}
