package gpu

import "fmt"

// DeviceInfo contains information about the compute device
type DeviceInfo struct {
	Name          string `json:"name"`
	TotalMemory   int64  `json:"totalMemory"` // in bytes
	DriverVersion string `json:"driverVersion"`
	CUDAVersion   string `json:"cudaVersion,omitempty"`
}

// Transpose selects the operation applied to the matrix operand.
type Transpose int

const (
	NonTranspose Transpose = iota
	Trans
	ConjTranspose
)

// CSRMatrix is a sparse matrix in compressed sparse row form with
// zero-based 64-bit indices. RowOffsets has Rows+1 entries; ColIndices
// and Values each have NNZ entries.
type CSRMatrix struct {
	Rows       int64
	Cols       int64
	RowOffsets []int64
	ColIndices []int64
	Values     []float64
}

// NNZ returns the number of stored entries.
func (m *CSRMatrix) NNZ() int64 {
	return int64(len(m.Values))
}

// Validate checks the structural invariants of the matrix.
func (m *CSRMatrix) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("negative matrix dimensions %dx%d", m.Rows, m.Cols)
	}
	if int64(len(m.RowOffsets)) != m.Rows+1 {
		return fmt.Errorf("row offsets length mismatch: expected %d, got %d", m.Rows+1, len(m.RowOffsets))
	}
	if len(m.ColIndices) != len(m.Values) {
		return fmt.Errorf("column indices length mismatch: expected %d, got %d", len(m.Values), len(m.ColIndices))
	}
	if m.Rows > 0 && m.RowOffsets[m.Rows] != m.NNZ() {
		return fmt.Errorf("last row offset %d does not equal nnz %d", m.RowOffsets[m.Rows], m.NNZ())
	}
	return nil
}

// SparseBackend is the interface sparse compute backends implement.
//
// Implementation notes:
// - Backends handle device memory management internally
// - Fallback between backends is handled by the Manager, not the backend
// - Resource cleanup is critical to prevent device memory leaks
type SparseBackend interface {
	// SpMV computes y = alpha*op(A)*x + beta*y.
	//
	// x must have length matching the columns of op(A), y the rows of
	// op(A). y is updated in place.
	SpMV(op Transpose, alpha float64, a *CSRMatrix, x []float64, beta float64, y []float64) error

	// GetDeviceInfo returns information about the compute device
	GetDeviceInfo() DeviceInfo

	// IsAvailable checks if the backend is available for use.
	// This performs a quick check without heavy initialization.
	IsAvailable() bool

	// Initialize prepares the backend for use.
	// Should be called once before first use.
	Initialize() error

	// Cleanup releases any resources held by the backend.
	// Must be called when the backend is no longer needed.
	Cleanup() error
}

// checkSpMVShapes validates operand shapes before dispatch.
func checkSpMVShapes(op Transpose, a *CSRMatrix, x, y []float64) error {
	if err := a.Validate(); err != nil {
		return err
	}
	xDim, yDim := a.Cols, a.Rows
	if op != NonTranspose {
		xDim, yDim = a.Rows, a.Cols
	}
	if int64(len(x)) != xDim {
		return fmt.Errorf("vector x size mismatch: expected %d, got %d", xDim, len(x))
	}
	if int64(len(y)) != yDim {
		return fmt.Errorf("vector y size mismatch: expected %d, got %d", yDim, len(y))
	}
	return nil
}
