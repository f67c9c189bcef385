// Package cuda provides minimal bindings to the NVIDIA CUDA driver API,
// loaded at runtime through purego. Only the entry points the sparse
// backend needs are bound: context activation, primary context management,
// streams and device memory.
package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Context is a CUcontext. The zero value means "no context is active on
// the calling thread".
type Context uintptr

// Stream is a CUstream. The zero value is the default (NULL) stream.
type Stream uintptr

// Device is a CUdevice ordinal.
type Device int32

// DevicePtr is a CUdeviceptr, a device-side address.
type DevicePtr uint64

// Result is a CUresult status code.
type Result int32

const (
	Success                   Result = 0
	ErrorInvalidValue         Result = 1
	ErrorOutOfMemory          Result = 2
	ErrorNotInitialized       Result = 3
	ErrorNoDevice             Result = 100
	ErrorInvalidDevice        Result = 101
	ErrorInvalidContext       Result = 201
	ErrorLaunchOutOfResources Result = 701
	ErrorNotPermitted         Result = 800
)

var resultNames = map[Result]string{
	Success:                   "CUDA_SUCCESS",
	ErrorInvalidValue:         "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:          "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:       "CUDA_ERROR_NOT_INITIALIZED",
	ErrorNoDevice:             "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:        "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidContext:       "CUDA_ERROR_INVALID_CONTEXT",
	ErrorNotPermitted:         "CUDA_ERROR_NOT_PERMITTED",
	ErrorLaunchOutOfResources: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
}

// String returns the symbolic name of the result code.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// Error is a structured driver failure carrying the name of the failing
// entry point and the status it returned.
type Error struct {
	Call   string
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, e.Result)
}

func check(call string, r Result) error {
	if r != Success {
		return &Error{Call: call, Result: r}
	}
	return nil
}

// Driver is the slice of the driver API the sparse backend uses: the
// entry points that require, install or tear down a thread's active
// context. The live implementation dispatches into libcuda; tests
// substitute fakes. Process-level entry points (Init, device queries)
// stay package functions.
type Driver interface {
	// CtxGetCurrent returns the calling thread's active context, which
	// may be zero.
	CtxGetCurrent() (Context, error)

	// CtxSetCurrent installs ctx as the calling thread's active context.
	CtxSetCurrent(ctx Context) error

	// DevicePrimaryCtxRetain retains the device's primary context.
	DevicePrimaryCtxRetain(dev Device) (Context, error)

	// DevicePrimaryCtxRelease releases the device's primary context.
	DevicePrimaryCtxRelease(dev Device) error

	// StreamCreate creates an asynchronous stream in the calling
	// thread's active context.
	StreamCreate() (Stream, error)

	// StreamDestroy destroys a stream. The stream's context must be
	// active on the calling thread.
	StreamDestroy(s Stream) error

	// StreamSynchronize blocks until all work submitted to the stream
	// has completed.
	StreamSynchronize(s Stream) error

	// MemAlloc allocates size bytes of device memory in the calling
	// thread's active context.
	MemAlloc(size int) (DevicePtr, error)

	// MemFree frees device memory.
	MemFree(ptr DevicePtr) error

	// MemcpyHtoD copies n bytes from host memory to device memory.
	MemcpyHtoD(dst DevicePtr, src unsafe.Pointer, n int) error

	// MemcpyDtoH copies n bytes from device memory to host memory.
	MemcpyDtoH(dst unsafe.Pointer, src DevicePtr, n int) error
}

var (
	loadOnce sync.Once
	loadErr  error

	cuInit                    func(flags uint32) Result
	cuDriverGetVersion        func(version *int32) Result
	cuDeviceGet               func(dev *Device, ordinal int32) Result
	cuDeviceGetName           func(name *byte, len int32, dev Device) Result
	cuDeviceTotalMem          func(bytes *uint64, dev Device) Result
	cuDevicePrimaryCtxRetain  func(ctx *Context, dev Device) Result
	cuDevicePrimaryCtxRelease func(dev Device) Result
	cuCtxGetCurrent           func(ctx *Context) Result
	cuCtxSetCurrent           func(ctx Context) Result
	cuStreamCreate            func(s *Stream, flags uint32) Result
	cuStreamDestroy           func(s Stream) Result
	cuStreamSynchronize       func(s Stream) Result
	cuMemAlloc                func(ptr *DevicePtr, size uintptr) Result
	cuMemFree                 func(ptr DevicePtr) Result
	cuMemcpyHtoD              func(dst DevicePtr, src unsafe.Pointer, n uintptr) Result
	cuMemcpyDtoH              func(dst unsafe.Pointer, src DevicePtr, n uintptr) Result
)

func defaultSonames() []string {
	return []string{"libcuda.so.1", "libcuda.so"}
}

// Load opens the driver library and resolves the bound entry points.
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
			loadErr = fmt.Errorf("cannot load CUDA driver library: %w", loadErr)
			return
		}

		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuDriverGetVersion, lib, "cuDriverGetVersion")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRetain, lib, "cuDevicePrimaryCtxRetain")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRelease, lib, "cuDevicePrimaryCtxRelease_v2")
		purego.RegisterLibFunc(&cuCtxGetCurrent, lib, "cuCtxGetCurrent")
		purego.RegisterLibFunc(&cuCtxSetCurrent, lib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&cuStreamCreate, lib, "cuStreamCreate")
		purego.RegisterLibFunc(&cuStreamDestroy, lib, "cuStreamDestroy_v2")
		purego.RegisterLibFunc(&cuStreamSynchronize, lib, "cuStreamSynchronize")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoD, lib, "cuMemcpyHtoD_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoH, lib, "cuMemcpyDtoH_v2")
	})
	return loadErr
}

// Init initializes the driver. Must be called once after Load and before
// any other driver call.
func Init() error {
	return check("cuInit", cuInit(0))
}

// DriverVersion reports the installed driver version as (major, minor).
func DriverVersion() (int, int, error) {
	var v int32
	if err := check("cuDriverGetVersion", cuDriverGetVersion(&v)); err != nil {
		return 0, 0, err
	}
	return int(v / 1000), int(v % 1000 / 10), nil
}

// DeviceGet returns the device with the given ordinal.
func DeviceGet(ordinal int) (Device, error) {
	var dev Device
	err := check("cuDeviceGet", cuDeviceGet(&dev, int32(ordinal)))
	return dev, err
}

// DeviceName returns the human-readable name of the device.
func DeviceName(dev Device) (string, error) {
	buf := make([]byte, 256)
	if err := check("cuDeviceGetName", cuDeviceGetName(&buf[0], int32(len(buf)), dev)); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// DeviceTotalMem returns the device's total memory in bytes.
func DeviceTotalMem(dev Device) (int64, error) {
	var bytes uint64
	err := check("cuDeviceTotalMem", cuDeviceTotalMem(&bytes, dev))
	return int64(bytes), err
}

// DevicePrimaryCtxRetain retains the device's primary context.
func DevicePrimaryCtxRetain(dev Device) (Context, error) {
	var ctx Context
	err := check("cuDevicePrimaryCtxRetain", cuDevicePrimaryCtxRetain(&ctx, dev))
	return ctx, err
}

// DevicePrimaryCtxRelease releases the device's primary context.
func DevicePrimaryCtxRelease(dev Device) error {
	return check("cuDevicePrimaryCtxRelease", cuDevicePrimaryCtxRelease(dev))
}

// StreamCreate creates an asynchronous stream.
func StreamCreate() (Stream, error) {
	var s Stream
	err := check("cuStreamCreate", cuStreamCreate(&s, 0))
	return s, err
}

// StreamDestroy destroys a stream.
func StreamDestroy(s Stream) error {
	return check("cuStreamDestroy", cuStreamDestroy(s))
}

// MemAlloc allocates size bytes of device memory.
func MemAlloc(size int) (DevicePtr, error) {
	var ptr DevicePtr
	err := check("cuMemAlloc", cuMemAlloc(&ptr, uintptr(size)))
	return ptr, err
}

// MemFree frees device memory.
func MemFree(ptr DevicePtr) error {
	return check("cuMemFree", cuMemFree(ptr))
}

// MemcpyHtoD copies n bytes from host memory to device memory.
func MemcpyHtoD(dst DevicePtr, src unsafe.Pointer, n int) error {
	return check("cuMemcpyHtoD", cuMemcpyHtoD(dst, src, uintptr(n)))
}

// MemcpyDtoH copies n bytes from device memory to host memory.
func MemcpyDtoH(dst unsafe.Pointer, src DevicePtr, n int) error {
	return check("cuMemcpyDtoH", cuMemcpyDtoH(dst, src, uintptr(n)))
}

// LiveDriver dispatches the Driver interface into libcuda.
type LiveDriver struct{}

func (LiveDriver) CtxGetCurrent() (Context, error) {
	var ctx Context
	err := check("cuCtxGetCurrent", cuCtxGetCurrent(&ctx))
	return ctx, err
}

func (LiveDriver) CtxSetCurrent(ctx Context) error {
	return check("cuCtxSetCurrent", cuCtxSetCurrent(ctx))
}

func (LiveDriver) DevicePrimaryCtxRetain(dev Device) (Context, error) {
	return DevicePrimaryCtxRetain(dev)
}

func (LiveDriver) DevicePrimaryCtxRelease(dev Device) error {
	return DevicePrimaryCtxRelease(dev)
}

func (LiveDriver) StreamCreate() (Stream, error) {
	return StreamCreate()
}

func (LiveDriver) StreamDestroy(s Stream) error {
	return StreamDestroy(s)
}

func (LiveDriver) StreamSynchronize(s Stream) error {
	return check("cuStreamSynchronize", cuStreamSynchronize(s))
}

func (LiveDriver) MemAlloc(size int) (DevicePtr, error) {
	return MemAlloc(size)
}

func (LiveDriver) MemFree(ptr DevicePtr) error {
	return MemFree(ptr)
}

func (LiveDriver) MemcpyHtoD(dst DevicePtr, src unsafe.Pointer, n int) error {
	return MemcpyHtoD(dst, src, n)
}

func (LiveDriver) MemcpyDtoH(dst unsafe.Pointer, src DevicePtr, n int) error {
	return MemcpyDtoH(dst, src, n)
}
