// Package cusparse provides bindings to the cuSPARSE generic API, loaded
// at runtime through purego. It covers handle lifecycle, CSR matrix and
// dense vector descriptors, and SpMV.
package cusparse

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/fxnlabs/sparse-node/internal/cuda"
)

// Handle is a cusparseHandle_t. Handles are bound to the GPU context that
// was active on the calling thread when they were created and must only be
// used while that context is active.
type Handle uintptr

// SpMatDescr is a cusparseSpMatDescr_t.
type SpMatDescr uintptr

// DnVecDescr is a cusparseDnVecDescr_t.
type DnVecDescr uintptr

// Status is a cusparseStatus_t.
type Status int32

const (
	StatusSuccess                Status = 0
	StatusNotInitialized         Status = 1
	StatusAllocFailed            Status = 2
	StatusInvalidValue           Status = 3
	StatusArchMismatch           Status = 4
	StatusExecutionFailed        Status = 6
	StatusInternalError          Status = 7
	StatusMatrixTypeNotSupported Status = 8
	StatusNotSupported           Status = 10
	StatusInsufficientResources  Status = 11
)

var statusNames = map[Status]string{
	StatusSuccess:                "CUSPARSE_STATUS_SUCCESS",
	StatusNotInitialized:         "CUSPARSE_STATUS_NOT_INITIALIZED",
	StatusAllocFailed:            "CUSPARSE_STATUS_ALLOC_FAILED",
	StatusInvalidValue:           "CUSPARSE_STATUS_INVALID_VALUE",
	StatusArchMismatch:           "CUSPARSE_STATUS_ARCH_MISMATCH",
	StatusExecutionFailed:        "CUSPARSE_STATUS_EXECUTION_FAILED",
	StatusInternalError:          "CUSPARSE_STATUS_INTERNAL_ERROR",
	StatusMatrixTypeNotSupported: "CUSPARSE_STATUS_MATRIX_TYPE_NOT_SUPPORTED",
	StatusNotSupported:           "CUSPARSE_STATUS_NOT_SUPPORTED",
	StatusInsufficientResources:  "CUSPARSE_STATUS_INSUFFICIENT_RESOURCES",
}

// String returns the symbolic name of the status code.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CUSPARSE_ERROR(%d)", int32(s))
}

// Error is a structured library failure carrying the name of the failing
// entry point and the status it returned.
type Error struct {
	Call   string
	Status Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, e.Status)
}

func check(call string, s Status) error {
	if s != StatusSuccess {
		return &Error{Call: call, Status: s}
	}
	return nil
}

// Operation is a cusparseOperation_t.
type Operation int32

const (
	OpNonTranspose       Operation = 0
	OpTranspose          Operation = 1
	OpConjugateTranspose Operation = 2
)

// FillMode is a cusparseFillMode_t.
type FillMode int32

const (
	FillLower FillMode = 0
	FillUpper FillMode = 1
)

// DiagType is a cusparseDiagType_t.
type DiagType int32

const (
	DiagNonUnit DiagType = 0
	DiagUnit    DiagType = 1
)

// IndexType is a cusparseIndexType_t.
type IndexType int32

const (
	Index32 IndexType = 2
	Index64 IndexType = 3
)

// IndexBase is a cusparseIndexBase_t.
type IndexBase int32

const (
	IndexBaseZero IndexBase = 0
	IndexBaseOne  IndexBase = 1
)

// DataType is a cudaDataType value.
type DataType int32

const (
	DataR32F DataType = 0
	DataR64F DataType = 1
)

// SpMVAlg is a cusparseSpMVAlg_t.
type SpMVAlg int32

const (
	SpMVAlgDefault SpMVAlg = 0
	SpMVCsrAlg1    SpMVAlg = 2
	SpMVCsrAlg2    SpMVAlg = 3
)

// API is the slice of the library the handle cache, the scoped context
// handler and the sparse backend use. The live implementation dispatches
// into libcusparse; tests substitute fakes.
type API interface {
	// Create creates a library handle bound to the calling thread's
	// active GPU context.
	Create() (Handle, error)

	// Destroy destroys a library handle.
	Destroy(h Handle) error

	// GetStream returns the stream the handle submits work to.
	GetStream(h Handle) (cuda.Stream, error)

	// SetStream rebinds the handle to a stream.
	SetStream(h Handle, s cuda.Stream) error

	// CreateCsr creates a CSR sparse matrix descriptor over device
	// buffers.
	CreateCsr(rows, cols, nnz int64, rowOffsets, colInd, values cuda.DevicePtr, indexType IndexType, valueType DataType) (SpMatDescr, error)

	// DestroySpMat destroys a sparse matrix descriptor.
	DestroySpMat(descr SpMatDescr) error

	// CreateDnVec creates a dense vector descriptor over a device
	// buffer.
	CreateDnVec(size int64, values cuda.DevicePtr, valueType DataType) (DnVecDescr, error)

	// DestroyDnVec destroys a dense vector descriptor.
	DestroyDnVec(descr DnVecDescr) error

	// SpMVBufferSize reports the size of the workspace SpMV needs.
	SpMVBufferSize(h Handle, op Operation, alpha float64, matA SpMatDescr, vecX DnVecDescr, beta float64, vecY DnVecDescr, computeType DataType, alg SpMVAlg) (int, error)

	// SpMV computes y = alpha*op(A)*x + beta*y on the handle's stream.
	SpMV(h Handle, op Operation, alpha float64, matA SpMatDescr, vecX DnVecDescr, beta float64, vecY DnVecDescr, computeType DataType, alg SpMVAlg, buffer cuda.DevicePtr) error
}

var (
	loadOnce sync.Once
	loadErr  error

	cusparseCreate         func(h *Handle) Status
	cusparseDestroy        func(h Handle) Status
	cusparseGetStream      func(h Handle, s *cuda.Stream) Status
	cusparseSetStream      func(h Handle, s cuda.Stream) Status
	cusparseCreateCsr      func(descr *SpMatDescr, rows, cols, nnz int64, rowOffsets, colInd, values cuda.DevicePtr, rowOffsetsType, colIndType IndexType, base IndexBase, valueType DataType) Status
	cusparseDestroySpMat   func(descr SpMatDescr) Status
	cusparseCreateDnVec    func(descr *DnVecDescr, size int64, values cuda.DevicePtr, valueType DataType) Status
	cusparseDestroyDnVec   func(descr DnVecDescr) Status
	cusparseSpMVBufferSize func(h Handle, op Operation, alpha unsafe.Pointer, matA SpMatDescr, vecX DnVecDescr, beta unsafe.Pointer, vecY DnVecDescr, computeType DataType, alg SpMVAlg, bufferSize *uintptr) Status
	cusparseSpMV           func(h Handle, op Operation, alpha unsafe.Pointer, matA SpMatDescr, vecX DnVecDescr, beta unsafe.Pointer, vecY DnVecDescr, computeType DataType, alg SpMVAlg, buffer cuda.DevicePtr) Status
)

func defaultSonames() []string {
	return []string{"libcusparse.so.12", "libcusparse.so.11", "libcusparse.so"}
}

// Load opens the cuSPARSE library and resolves the bound entry points.
// Paths override the default soname search; the first that opens wins.
// Safe to call more than once.
func Load(paths ...string) error {
	loadOnce.Do(func() {
		sonames := paths
		if len(sonames) == 0 {
			sonames = defaultSonames()
		}
		var lib uintptr
		for _, name := range sonames {
			lib, loadErr = purego.Dlopen(name, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if loadErr == nil {
				break
			}
		}
		if loadErr != nil {
			loadErr = fmt.Errorf("cannot load cuSPARSE library: %w", loadErr)
			return
		}

		purego.RegisterLibFunc(&cusparseCreate, lib, "cusparseCreate")
		purego.RegisterLibFunc(&cusparseDestroy, lib, "cusparseDestroy")
		purego.RegisterLibFunc(&cusparseGetStream, lib, "cusparseGetStream")
		purego.RegisterLibFunc(&cusparseSetStream, lib, "cusparseSetStream")
		purego.RegisterLibFunc(&cusparseCreateCsr, lib, "cusparseCreateCsr")
		purego.RegisterLibFunc(&cusparseDestroySpMat, lib, "cusparseDestroySpMat")
		purego.RegisterLibFunc(&cusparseCreateDnVec, lib, "cusparseCreateDnVec")
		purego.RegisterLibFunc(&cusparseDestroyDnVec, lib, "cusparseDestroyDnVec")
		purego.RegisterLibFunc(&cusparseSpMVBufferSize, lib, "cusparseSpMV_bufferSize")
		purego.RegisterLibFunc(&cusparseSpMV, lib, "cusparseSpMV")
	})
	return loadErr
}

// Lib dispatches the API interface into libcusparse.
type Lib struct{}

func (Lib) Create() (Handle, error) {
	var h Handle
	err := check("cusparseCreate", cusparseCreate(&h))
	return h, err
}

func (Lib) Destroy(h Handle) error {
	return check("cusparseDestroy", cusparseDestroy(h))
}

func (Lib) GetStream(h Handle) (cuda.Stream, error) {
	var s cuda.Stream
	err := check("cusparseGetStream", cusparseGetStream(h, &s))
	return s, err
}

func (Lib) SetStream(h Handle, s cuda.Stream) error {
	return check("cusparseSetStream", cusparseSetStream(h, s))
}

func (Lib) CreateCsr(rows, cols, nnz int64, rowOffsets, colInd, values cuda.DevicePtr, indexType IndexType, valueType DataType) (SpMatDescr, error) {
	var descr SpMatDescr
	err := check("cusparseCreateCsr", cusparseCreateCsr(&descr, rows, cols, nnz,
		rowOffsets, colInd, values, indexType, indexType, IndexBaseZero, valueType))
	return descr, err
}

func (Lib) DestroySpMat(descr SpMatDescr) error {
	return check("cusparseDestroySpMat", cusparseDestroySpMat(descr))
}

func (Lib) CreateDnVec(size int64, values cuda.DevicePtr, valueType DataType) (DnVecDescr, error) {
	var descr DnVecDescr
	err := check("cusparseCreateDnVec", cusparseCreateDnVec(&descr, size, values, valueType))
	return descr, err
}

func (Lib) DestroyDnVec(descr DnVecDescr) error {
	return check("cusparseDestroyDnVec", cusparseDestroyDnVec(descr))
}

func (Lib) SpMVBufferSize(h Handle, op Operation, alpha float64, matA SpMatDescr, vecX DnVecDescr, beta float64, vecY DnVecDescr, computeType DataType, alg SpMVAlg) (int, error) {
	var size uintptr
	err := check("cusparseSpMV_bufferSize", cusparseSpMVBufferSize(h, op,
		unsafe.Pointer(&alpha), matA, vecX, unsafe.Pointer(&beta), vecY,
		computeType, alg, &size))
	return int(size), err
}

func (Lib) SpMV(h Handle, op Operation, alpha float64, matA SpMatDescr, vecX DnVecDescr, beta float64, vecY DnVecDescr, computeType DataType, alg SpMVAlg, buffer cuda.DevicePtr) error {
	return check("cusparseSpMV", cusparseSpMV(h, op,
		unsafe.Pointer(&alpha), matA, vecX, unsafe.Pointer(&beta), vecY,
		computeType, alg, buffer))
}
