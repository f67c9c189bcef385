package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/sparse-node/internal/metrics"
)

// Manager handles sparse backend selection and lifecycle
type Manager struct {
	backend SparseBackend
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates a new manager and selects the best available backend
// for the given preference ("auto", "cuda" or "cpu").
func NewManager(logger *zap.Logger, preference string, opts CUDAOptions) (*Manager, error) {
	m := &Manager{
		logger: logger,
	}
	if err := m.detectAndInitialize(preference, opts); err != nil {
		return nil, err
	}
	return m, nil
}

// detectAndInitialize detects available backends and initializes the best one
func (m *Manager) detectAndInitialize(preference string, opts CUDAOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if preference != "cpu" {
		cudaBackend := NewCUSPARSEBackend(m.logger, opts)
		if cudaBackend.IsAvailable() {
			if err := cudaBackend.Initialize(); err == nil {
				m.logger.Info("using cuSPARSE backend")
				metrics.SpMVOperations.WithLabelValues("cuda").Add(0)
				m.backend = cudaBackend
				return nil
			} else if preference == "cuda" {
				return fmt.Errorf("failed to initialize cuSPARSE backend: %w", err)
			} else {
				m.logger.Warn("cuSPARSE backend failed to initialize, falling back to CPU", zap.Error(err))
				_ = cudaBackend.Cleanup()
			}
		} else if preference == "cuda" {
			return fmt.Errorf("cuSPARSE backend requested but not available")
		}
	}

	cpuBackend := NewCPUBackend(m.logger)
	if err := cpuBackend.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize CPU backend: %w", err)
	}
	m.logger.Info("using CPU backend")
	m.backend = cpuBackend
	return nil
}

// GetBackend returns the current backend
func (m *Manager) GetBackend() SparseBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// SpMV computes y = alpha*op(A)*x + beta*y using the selected backend.
func (m *Manager) SpMV(op Transpose, alpha float64, a *CSRMatrix, x []float64, beta float64, y []float64) error {
	backend := m.GetBackend()
	if backend == nil {
		return fmt.Errorf("no backend available")
	}
	return backend.SpMV(op, alpha, a, x, beta, y)
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	backend := m.GetBackend()
	if backend == nil {
		return DeviceInfo{Name: "No backend available"}
	}
	return backend.GetDeviceInfo()
}

// IsGPUAvailable returns true if a GPU backend is active
func (m *Manager) IsGPUAvailable() bool {
	backend := m.GetBackend()
	if backend == nil {
		return false
	}
	_, isCPU := backend.(*CPUBackend)
	return !isCPU
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	backend := m.GetBackend()
	if backend == nil {
		return "none"
	}
	if _, isCPU := backend.(*CPUBackend); isCPU {
		return "cpu"
	}
	return "cuda"
}

// Cleanup releases resources held by the current backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}
