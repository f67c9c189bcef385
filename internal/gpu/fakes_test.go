package gpu

import (
	"sync"
	"unsafe"

	"github.com/fxnlabs/sparse-node/internal/cuda"
	"github.com/fxnlabs/sparse-node/internal/cusparse"
)

// fakeAPI records vendor handle lifecycle calls. Safe for concurrent use
// because context deleters may run on a different goroutine than the
// worker owning the cache.
type fakeAPI struct {
	mu          sync.Mutex
	next        uintptr
	created     []cusparse.Handle
	destroyed   map[cusparse.Handle]int
	zeroDestroy int
	streams     map[cusparse.Handle]cuda.Stream
	streamLog   map[cusparse.Handle][]cuda.Stream

	nextDescr  uintptr
	spMatsLive int
	dnVecsLive int
	bufferSize int
	spmvOps    []cusparse.Operation

	createErr    error
	destroyErr   error
	setStreamErr error
	createCsrErr error
	spmvErr      error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		next:      0x1000,
		destroyed: make(map[cusparse.Handle]int),
		streams:   make(map[cusparse.Handle]cuda.Stream),
		streamLog: make(map[cusparse.Handle][]cuda.Stream),
	}
}

func (f *fakeAPI) Create() (cusparse.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.next++
	h := cusparse.Handle(f.next)
	f.created = append(f.created, h)
	f.streams[h] = 0
	return h, nil
}

func (f *fakeAPI) Destroy(h cusparse.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == 0 {
		f.zeroDestroy++
	}
	f.destroyed[h]++
	if f.destroyErr != nil {
		return f.destroyErr
	}
	return nil
}

func (f *fakeAPI) GetStream(h cusparse.Handle) (cuda.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[h], nil
}

func (f *fakeAPI) SetStream(h cusparse.Handle, s cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setStreamErr != nil {
		return f.setStreamErr
	}
	f.streams[h] = s
	f.streamLog[h] = append(f.streamLog[h], s)
	return nil
}

func (f *fakeAPI) CreateCsr(rows, cols, nnz int64, rowOffsets, colInd, values cuda.DevicePtr, indexType cusparse.IndexType, valueType cusparse.DataType) (cusparse.SpMatDescr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createCsrErr != nil {
		return 0, f.createCsrErr
	}
	f.nextDescr++
	f.spMatsLive++
	return cusparse.SpMatDescr(f.nextDescr), nil
}

func (f *fakeAPI) DestroySpMat(descr cusparse.SpMatDescr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spMatsLive--
	return nil
}

func (f *fakeAPI) CreateDnVec(size int64, values cuda.DevicePtr, valueType cusparse.DataType) (cusparse.DnVecDescr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDescr++
	f.dnVecsLive++
	return cusparse.DnVecDescr(f.nextDescr), nil
}

func (f *fakeAPI) DestroyDnVec(descr cusparse.DnVecDescr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dnVecsLive--
	return nil
}

func (f *fakeAPI) SpMVBufferSize(h cusparse.Handle, op cusparse.Operation, alpha float64, matA cusparse.SpMatDescr, vecX cusparse.DnVecDescr, beta float64, vecY cusparse.DnVecDescr, computeType cusparse.DataType, alg cusparse.SpMVAlg) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bufferSize, nil
}

func (f *fakeAPI) SpMV(h cusparse.Handle, op cusparse.Operation, alpha float64, matA cusparse.SpMatDescr, vecX cusparse.DnVecDescr, beta float64, vecY cusparse.DnVecDescr, computeType cusparse.DataType, alg cusparse.SpMVAlg, buffer cuda.DevicePtr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spmvErr != nil {
		return f.spmvErr
	}
	f.spmvOps = append(f.spmvOps, op)
	return nil
}

func (f *fakeAPI) spmvCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spmvOps)
}

func (f *fakeAPI) liveDescriptors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spMatsLive + f.dnVecsLive
}

func (f *fakeAPI) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeAPI) destroyCount(h cusparse.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[h]
}

func (f *fakeAPI) totalDestroys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.destroyed {
		n += c
	}
	return n
}

// fakeDriver models the thread's active context with a single slot, which
// is exact as long as tests use a single-worker executor. Entry points
// that require a current context on real hardware fail with
// CUDA_ERROR_INVALID_CONTEXT when the slot is empty.
type fakeDriver struct {
	mu      sync.Mutex
	current cuda.Context
	setLog  []cuda.Context
	synced  []cuda.Stream
	getErr  error
	setErr  error
	syncErr error

	retained         int
	released         int
	nextStream       cuda.Stream
	streamsDestroyed []cuda.Stream
	nextPtr          cuda.DevicePtr
	mem              map[cuda.DevicePtr][]byte
	frees            int
	downloads        int
	allocErr         error
}

// requireCtx must be called with f.mu held.
func (f *fakeDriver) requireCtx(call string) error {
	if f.current == 0 {
		return &cuda.Error{Call: call, Result: cuda.ErrorInvalidContext}
	}
	return nil
}

func (f *fakeDriver) CtxGetCurrent() (cuda.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.getErr
}

func (f *fakeDriver) CtxSetCurrent(ctx cuda.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.current = ctx
	f.setLog = append(f.setLog, ctx)
	return nil
}

func (f *fakeDriver) StreamSynchronize(s cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return f.syncErr
	}
	f.synced = append(f.synced, s)
	return nil
}

func (f *fakeDriver) DevicePrimaryCtxRetain(dev cuda.Device) (cuda.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained++
	return cuda.Context(0xC000) + cuda.Context(dev), nil
}

func (f *fakeDriver) DevicePrimaryCtxRelease(dev cuda.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeDriver) StreamCreate() (cuda.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireCtx("cuStreamCreate"); err != nil {
		return 0, err
	}
	f.nextStream++
	return cuda.Stream(0x500) + f.nextStream, nil
}

func (f *fakeDriver) StreamDestroy(s cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireCtx("cuStreamDestroy"); err != nil {
		return err
	}
	f.streamsDestroyed = append(f.streamsDestroyed, s)
	return nil
}

func (f *fakeDriver) MemAlloc(size int) (cuda.DevicePtr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireCtx("cuMemAlloc"); err != nil {
		return 0, err
	}
	if f.allocErr != nil {
		return 0, f.allocErr
	}
	if f.mem == nil {
		f.mem = make(map[cuda.DevicePtr][]byte)
	}
	f.nextPtr += 0x1000
	f.mem[f.nextPtr] = make([]byte, size)
	return f.nextPtr, nil
}

func (f *fakeDriver) MemFree(ptr cuda.DevicePtr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireCtx("cuMemFree"); err != nil {
		return err
	}
	if _, ok := f.mem[ptr]; !ok {
		return &cuda.Error{Call: "cuMemFree", Result: cuda.ErrorInvalidValue}
	}
	delete(f.mem, ptr)
	f.frees++
	return nil
}

func (f *fakeDriver) MemcpyHtoD(dst cuda.DevicePtr, src unsafe.Pointer, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireCtx("cuMemcpyHtoD"); err != nil {
		return err
	}
	buf, ok := f.mem[dst]
	if !ok || len(buf) < n {
		return &cuda.Error{Call: "cuMemcpyHtoD", Result: cuda.ErrorInvalidValue}
	}
	copy(buf, unsafe.Slice((*byte)(src), n))
	return nil
}

func (f *fakeDriver) MemcpyDtoH(dst unsafe.Pointer, src cuda.DevicePtr, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireCtx("cuMemcpyDtoH"); err != nil {
		return err
	}
	buf, ok := f.mem[src]
	if !ok || len(buf) < n {
		return &cuda.Error{Call: "cuMemcpyDtoH", Result: cuda.ErrorInvalidValue}
	}
	copy(unsafe.Slice((*byte)(dst), n), buf)
	f.downloads++
	return nil
}

func (f *fakeDriver) liveAllocs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mem)
}

func (f *fakeDriver) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func (f *fakeDriver) activeContext() cuda.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeDriver) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced)
}
