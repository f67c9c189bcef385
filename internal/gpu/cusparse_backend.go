package gpu

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/fxnlabs/sparse-node/internal/cuda"
	"github.com/fxnlabs/sparse-node/internal/cusparse"
	"github.com/fxnlabs/sparse-node/internal/metrics"
	"github.com/fxnlabs/sparse-node/internal/rt"
)

// maxVendorDim is the first dimension the vendor library cannot index.
const maxVendorDim = int64(1) << 31

// overflowCheck rejects sizes the vendor library cannot handle before any
// vendor call is issued. cuSPARSE indexes dimensions with 32-bit integers
// even though the portable surface carries 64-bit sizes.
func overflowCheck(indices ...int64) error {
	for _, ix := range indices {
		abs := ix
		if abs < 0 {
			abs = -abs
		}
		if abs >= maxVendorDim {
			return fmt.Errorf("index overflow: %d exceeds the 32-bit dimension limit of cuSPARSE", ix)
		}
	}
	return nil
}

// vendorOperation maps the portable transpose enum to the vendor's.
func vendorOperation(op Transpose) (cusparse.Operation, error) {
	switch op {
	case NonTranspose:
		return cusparse.OpNonTranspose, nil
	case Trans:
		return cusparse.OpTranspose, nil
	case ConjTranspose:
		return cusparse.OpConjugateTranspose, nil
	default:
		return 0, fmt.Errorf("unknown transpose operation %d", op)
	}
}

// Fill selects the triangular part of a matrix operand.
type Fill int

const (
	FillLower Fill = iota
	FillUpper
)

// Diag states whether a triangular matrix has a unit diagonal.
type Diag int

const (
	DiagNonUnit Diag = iota
	DiagUnit
)

// vendorFillMode maps the portable fill enum to the vendor's. Needed by
// the triangular kernels; SpMV on general CSR does not consume it.
func vendorFillMode(f Fill) (cusparse.FillMode, error) {
	switch f {
	case FillLower:
		return cusparse.FillLower, nil
	case FillUpper:
		return cusparse.FillUpper, nil
	default:
		return 0, fmt.Errorf("unknown fill mode %d", f)
	}
}

// vendorDiagType maps the portable diag enum to the vendor's.
func vendorDiagType(d Diag) (cusparse.DiagType, error) {
	switch d {
	case DiagNonUnit:
		return cusparse.DiagNonUnit, nil
	case DiagUnit:
		return cusparse.DiagUnit, nil
	default:
		return 0, fmt.Errorf("unknown diag type %d", d)
	}
}

// CUDAOptions configures the cuSPARSE backend.
type CUDAOptions struct {
	// DriverPath and CusparsePath override the default soname search.
	DriverPath   string
	CusparsePath string
	Device       int
	Workers      int
}

// CUSPARSEBackend implements SparseBackend on NVIDIA GPUs through
// cuSPARSE. Host tasks run on the backend's executor; each worker caches
// one vendor handle per GPU context it has touched.
type CUSPARSEBackend struct {
	logger *zap.Logger
	opts   CUDAOptions

	available   bool
	initialized bool
	deviceInfo  DeviceInfo

	drv        cuda.Driver
	api        cusparse.API
	device     cuda.Device
	ctx        *rt.Context
	queue      *rt.Queue
	stream     cuda.Stream
	ex         *rt.Executor
	dispatcher *Dispatcher
}

// NewCUSPARSEBackend creates a new cuSPARSE backend instance. The vendor
// libraries are loaded eagerly so availability can be reported without
// initialization.
func NewCUSPARSEBackend(logger *zap.Logger, opts CUDAOptions) *CUSPARSEBackend {
	backend := &CUSPARSEBackend{
		logger: logger,
		opts:   opts,
		drv:    cuda.LiveDriver{},
		api:    cusparse.Lib{},
	}

	if err := backend.loadLibraries(); err != nil {
		logger.Warn("CUDA libraries not available", zap.Error(err))
	} else {
		backend.available = true
	}
	return backend
}

func (b *CUSPARSEBackend) loadLibraries() error {
	var driverPaths, cusparsePaths []string
	if b.opts.DriverPath != "" {
		driverPaths = []string{b.opts.DriverPath}
	}
	if b.opts.CusparsePath != "" {
		cusparsePaths = []string{b.opts.CusparsePath}
	}
	if err := cuda.Load(driverPaths...); err != nil {
		return err
	}
	return cusparse.Load(cusparsePaths...)
}

// IsAvailable reports whether the vendor libraries could be loaded.
func (b *CUSPARSEBackend) IsAvailable() bool {
	return b.available
}

// Initialize brings up the driver, retains the device's primary context
// and creates the stream and host task executor.
func (b *CUSPARSEBackend) Initialize() error {
	if !b.available {
		return fmt.Errorf("CUDA libraries not available")
	}
	if b.initialized {
		return nil
	}

	b.logger.Debug("initializing cuSPARSE backend")
	if err := cuda.Init(); err != nil {
		return err
	}

	dev, err := cuda.DeviceGet(b.opts.Device)
	if err != nil {
		return err
	}
	name, err := cuda.DeviceName(dev)
	if err != nil {
		return err
	}
	totalMem, err := cuda.DeviceTotalMem(dev)
	if err != nil {
		return err
	}
	major, minor, err := cuda.DriverVersion()
	if err != nil {
		return err
	}

	native, err := b.drv.DevicePrimaryCtxRetain(dev)
	if err != nil {
		return err
	}

	b.device = dev
	b.ctx = rt.NewContext(native)
	b.queue = rt.NewQueue(b.ctx, 0)
	b.ex = rt.NewExecutor(b.opts.Workers, b.logger)
	b.dispatcher = NewDispatcher(b.ex, b.drv, b.api, b.logger)

	// The stream must be created with the context active, so do it on a
	// worker thread.
	err = b.ex.Submit(b.queue, func(*rt.Interop) error {
		if err := b.drv.CtxSetCurrent(native); err != nil {
			return err
		}
		s, err := b.drv.StreamCreate()
		if err != nil {
			return err
		}
		b.stream = s
		return nil
	})
	if err != nil {
		b.ex.Close()
		b.ctx.Release()
		_ = b.drv.DevicePrimaryCtxRelease(dev)
		return err
	}
	b.queue.SetStream(b.stream)

	b.deviceInfo = DeviceInfo{
		Name:          name,
		TotalMemory:   totalMem,
		DriverVersion: fmt.Sprintf("%d.%d", major, minor),
		CUDAVersion:   fmt.Sprintf("%d.%d", major, minor),
	}
	b.initialized = true
	b.logger.Info("cuSPARSE backend initialized",
		zap.String("device", name),
		zap.Float64("total_memory_gb", float64(totalMem)/(1<<30)))
	return nil
}

// GetDeviceInfo returns information about the CUDA device
func (b *CUSPARSEBackend) GetDeviceInfo() DeviceInfo {
	return b.deviceInfo
}

// Queue returns the backend's queue. Exposed for integration tests.
func (b *CUSPARSEBackend) Queue() *rt.Queue {
	return b.queue
}

type deviceBuffer struct {
	drv  cuda.Driver
	ptr  cuda.DevicePtr
	size int
}

// upload and free issue driver memory calls, which require the backend's
// context to be active on the calling thread. They must only run inside a
// host task holding a scoped context.
func (b *CUSPARSEBackend) uploadInt64(data []int64) (deviceBuffer, error) {
	return b.upload(unsafe.Pointer(unsafe.SliceData(data)), len(data)*8)
}

func (b *CUSPARSEBackend) uploadFloat64(data []float64) (deviceBuffer, error) {
	return b.upload(unsafe.Pointer(unsafe.SliceData(data)), len(data)*8)
}

func (b *CUSPARSEBackend) upload(src unsafe.Pointer, size int) (deviceBuffer, error) {
	if size == 0 {
		return deviceBuffer{drv: b.drv}, nil
	}
	ptr, err := b.drv.MemAlloc(size)
	if err != nil {
		return deviceBuffer{}, err
	}
	if err := b.drv.MemcpyHtoD(ptr, src, size); err != nil {
		_ = b.drv.MemFree(ptr)
		return deviceBuffer{}, err
	}
	return deviceBuffer{drv: b.drv, ptr: ptr, size: size}, nil
}

func (d deviceBuffer) free() {
	if d.ptr != 0 {
		_ = d.drv.MemFree(d.ptr)
	}
}

// SpMV computes y = alpha*op(A)*x + beta*y on the device.
func (b *CUSPARSEBackend) SpMV(op Transpose, alpha float64, a *CSRMatrix, x []float64, beta float64, y []float64) error {
	if !b.initialized {
		if err := b.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize cuSPARSE backend: %w", err)
		}
	}
	if err := checkSpMVShapes(op, a, x, y); err != nil {
		return err
	}
	if err := overflowCheck(a.Rows, a.Cols, a.NNZ()); err != nil {
		return err
	}
	vendorOp, err := vendorOperation(op)
	if err != nil {
		return err
	}

	start := time.Now()
	b.logger.Debug("performing device SpMV",
		zap.Int64("rows", a.Rows), zap.Int64("cols", a.Cols), zap.Int64("nnz", a.NNZ()))

	// All device work, uploads and frees included, happens inside the
	// host task: driver memory calls need the backend's context active on
	// the calling thread, and only the scoped context guarantees that.
	err = b.dispatcher.WithHandle(b.queue, func(sc *ScopedContext, h cusparse.Handle) error {
		rowOffsets, err := b.uploadInt64(a.RowOffsets)
		if err != nil {
			return err
		}
		defer rowOffsets.free()
		colIndices, err := b.uploadInt64(a.ColIndices)
		if err != nil {
			return err
		}
		defer colIndices.free()
		values, err := b.uploadFloat64(a.Values)
		if err != nil {
			return err
		}
		defer values.free()
		xBuf, err := b.uploadFloat64(x)
		if err != nil {
			return err
		}
		defer xBuf.free()
		yBuf, err := b.uploadFloat64(y)
		if err != nil {
			return err
		}
		defer yBuf.free()

		matA, err := b.api.CreateCsr(a.Rows, a.Cols, a.NNZ(),
			rowOffsets.ptr, colIndices.ptr, values.ptr, cusparse.Index64, cusparse.DataR64F)
		if err != nil {
			return err
		}
		defer func() { _ = b.api.DestroySpMat(matA) }()

		vecX, err := b.api.CreateDnVec(int64(len(x)), xBuf.ptr, cusparse.DataR64F)
		if err != nil {
			return err
		}
		defer func() { _ = b.api.DestroyDnVec(vecX) }()

		vecY, err := b.api.CreateDnVec(int64(len(y)), yBuf.ptr, cusparse.DataR64F)
		if err != nil {
			return err
		}
		defer func() { _ = b.api.DestroyDnVec(vecY) }()

		bufSize, err := b.api.SpMVBufferSize(h, vendorOp, alpha, matA, vecX, beta, vecY,
			cusparse.DataR64F, cusparse.SpMVAlgDefault)
		if err != nil {
			return err
		}
		var workspace deviceBuffer
		if bufSize > 0 {
			ptr, err := b.drv.MemAlloc(bufSize)
			if err != nil {
				return err
			}
			workspace = deviceBuffer{drv: b.drv, ptr: ptr, size: bufSize}
		}
		defer workspace.free()

		if err := b.api.SpMV(h, vendorOp, alpha, matA, vecX, beta, vecY,
			cusparse.DataR64F, cusparse.SpMVAlgDefault, workspace.ptr); err != nil {
			return err
		}

		// The download must observe the kernel's result.
		if err := sc.WaitStream(b.queue); err != nil {
			return err
		}
		if len(y) > 0 {
			return b.drv.MemcpyDtoH(unsafe.Pointer(unsafe.SliceData(y)), yBuf.ptr, len(y)*8)
		}
		return nil
	})
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	metrics.SpMVDuration.Observe(float64(elapsed.Milliseconds()))
	metrics.SpMVOperations.WithLabelValues("cuda").Inc()
	if s := elapsed.Seconds(); s > 0 {
		metrics.SpMVGFLOPS.Set(float64(2*a.NNZ()) / s / 1e9)
	}
	return nil
}

// Cleanup tears the backend down: drains worker handle caches, releases
// the context and the device's primary context.
func (b *CUSPARSEBackend) Cleanup() error {
	if !b.initialized {
		return nil
	}
	b.logger.Debug("cleaning up cuSPARSE backend")

	var errs []error
	err := b.ex.Submit(b.queue, func(*rt.Interop) error {
		// The task may land on a worker that never ran device work, so
		// make the stream's context current before destroying it.
		if err := b.drv.CtxSetCurrent(b.ctx.Native()); err != nil {
			return err
		}
		return b.drv.StreamDestroy(b.stream)
	})
	if err != nil {
		errs = append(errs, err)
	}
	// Close drains worker handle caches; the context deleters fired by
	// Release then observe empty cells.
	if err := b.ex.Close(); err != nil {
		errs = append(errs, err)
	}
	b.ctx.Release()
	if err := b.drv.DevicePrimaryCtxRelease(b.device); err != nil {
		errs = append(errs, err)
	}

	b.initialized = false
	return errors.Join(errs...)
}
