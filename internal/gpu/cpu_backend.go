package gpu

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/fxnlabs/sparse-node/internal/metrics"
)

// CPUBackend implements SparseBackend on the host, used as fallback when
// no GPU is available.
type CPUBackend struct {
	logger      *zap.Logger
	initialized bool
}

// NewCPUBackend creates a new CPU backend instance
func NewCPUBackend(logger *zap.Logger) *CPUBackend {
	return &CPUBackend{
		logger: logger,
	}
}

// Initialize prepares the CPU backend for use
func (c *CPUBackend) Initialize() error {
	if c.initialized {
		return nil
	}
	c.initialized = true
	c.logger.Info("CPU backend initialized")
	return nil
}

// Cleanup releases any resources (none for CPU backend)
func (c *CPUBackend) Cleanup() error {
	c.initialized = false
	return nil
}

// IsAvailable checks if the backend is available (always true for CPU)
func (c *CPUBackend) IsAvailable() bool {
	return true
}

// GetDeviceInfo returns device information for CPU
func (c *CPUBackend) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:          fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		DriverVersion: runtime.Version(),
	}
}

// SpMV computes y = alpha*op(A)*x + beta*y with a row-wise CSR loop.
func (c *CPUBackend) SpMV(op Transpose, alpha float64, a *CSRMatrix, x []float64, beta float64, y []float64) error {
	if !c.initialized {
		return fmt.Errorf("CPU backend not initialized")
	}
	if err := checkSpMVShapes(op, a, x, y); err != nil {
		return err
	}

	start := time.Now()
	floats.Scale(beta, y)

	switch op {
	case NonTranspose:
		for i := int64(0); i < a.Rows; i++ {
			var sum float64
			for p := a.RowOffsets[i]; p < a.RowOffsets[i+1]; p++ {
				sum += a.Values[p] * x[a.ColIndices[p]]
			}
			y[i] += alpha * sum
		}
	case Trans, ConjTranspose:
		// Real-valued, so conjugation is a no-op.
		for i := int64(0); i < a.Rows; i++ {
			for p := a.RowOffsets[i]; p < a.RowOffsets[i+1]; p++ {
				y[a.ColIndices[p]] += alpha * a.Values[p] * x[i]
			}
		}
	default:
		return fmt.Errorf("unknown transpose operation %d", op)
	}

	elapsed := time.Since(start)
	metrics.SpMVDuration.Observe(float64(elapsed.Milliseconds()))
	metrics.SpMVOperations.WithLabelValues("cpu").Inc()
	if s := elapsed.Seconds(); s > 0 {
		metrics.SpMVGFLOPS.Set(float64(2*a.NNZ()) / s / 1e9)
	}
	return nil
}
