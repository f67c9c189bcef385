package gpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/sparse-node/internal/cuda"
	"github.com/fxnlabs/sparse-node/internal/rt"
)

// newFakeBackend wires a CUSPARSEBackend over the fake driver and library,
// skipping Initialize. The fake driver rejects stream and memory calls
// issued without a current context, so these tests fail if any device work
// escapes the host task.
func newFakeBackend(t *testing.T) (*CUSPARSEBackend, *fakeDriver, *fakeAPI) {
	t.Helper()
	drv := &fakeDriver{}
	api := newFakeAPI()
	ctx := rt.NewContext(0xA)
	ex := rt.NewExecutor(1, zap.NewNop())
	t.Cleanup(func() { _ = ex.Close() })
	b := &CUSPARSEBackend{
		logger:      zap.NewNop(),
		available:   true,
		initialized: true,
		drv:         drv,
		api:         api,
		ctx:         ctx,
		queue:       rt.NewQueue(ctx, 0x5),
		stream:      0x5,
		ex:          ex,
		dispatcher:  NewDispatcher(ex, drv, api, zap.NewNop()),
	}
	return b, drv, api
}

func testMatrix() *CSRMatrix {
	// 2x3: [1 0 2; 0 3 0]
	return &CSRMatrix{
		Rows:       2,
		Cols:       3,
		RowOffsets: []int64{0, 2, 3},
		ColIndices: []int64{0, 2, 1},
		Values:     []float64{1, 2, 3},
	}
}

func TestCUSPARSEBackend_SpMVDeviceWorkRunsWithContextCurrent(t *testing.T) {
	b, drv, api := newFakeBackend(t)
	a := testMatrix()
	x := []float64{1, 1, 1}
	y := []float64{0, 0}

	// The caller's thread has no context; only the host task makes one
	// current. Every upload, the workspace, the kernel and the download
	// would fail with CUDA_ERROR_INVALID_CONTEXT if issued here.
	require.Zero(t, drv.activeContext())
	require.NoError(t, b.SpMV(NonTranspose, 1, a, x, 0, y))

	assert.Equal(t, 1, api.spmvCount())
	assert.Equal(t, 1, drv.downloadCount())
	assert.Zero(t, drv.liveAllocs())
	assert.Zero(t, api.liveDescriptors())

	// The download ran after the stream was synchronized.
	assert.GreaterOrEqual(t, drv.syncCount(), 1)
}

func TestCUSPARSEBackend_SpMVWorkspaceAllocatedAndFreed(t *testing.T) {
	b, drv, api := newFakeBackend(t)
	api.bufferSize = 256

	a := testMatrix()
	require.NoError(t, b.SpMV(NonTranspose, 1, a, []float64{1, 1, 1}, 0, []float64{0, 0}))

	// Five operand buffers plus the workspace, all released.
	assert.Equal(t, 6, drv.frees)
	assert.Zero(t, drv.liveAllocs())
}

func TestCUSPARSEBackend_SpMVDescriptorFailureFreesBuffers(t *testing.T) {
	b, drv, api := newFakeBackend(t)
	api.createCsrErr = errors.New("CUSPARSE_STATUS_ALLOC_FAILED")

	a := testMatrix()
	err := b.SpMV(NonTranspose, 1, a, []float64{1, 1, 1}, 0, []float64{0, 0})
	require.Error(t, err)

	assert.Zero(t, drv.liveAllocs())
	assert.Zero(t, api.liveDescriptors())
	assert.Zero(t, api.spmvCount())
}

func TestCUSPARSEBackend_SpMVDownloadRoundTripsDeviceBuffer(t *testing.T) {
	b, _, _ := newFakeBackend(t)

	// The fake device does not compute, so the downloaded y is exactly
	// the uploaded y. A missing upload or download would surface here.
	a := testMatrix()
	y := []float64{7, -7}
	require.NoError(t, b.SpMV(NonTranspose, 1, a, []float64{1, 1, 1}, 1, y))
	assert.Equal(t, []float64{7, -7}, y)
}

func TestCUSPARSEBackend_CleanupDestroysStreamWithContextCurrent(t *testing.T) {
	b, drv, _ := newFakeBackend(t)

	require.Zero(t, drv.activeContext())
	require.NoError(t, b.Cleanup())

	assert.Equal(t, []cuda.Stream{0x5}, drv.streamsDestroyed)
	assert.Equal(t, 1, drv.released)
	assert.False(t, b.initialized)
}

func TestCUSPARSEBackend_CleanupDrainsHandlesBeforeContextRelease(t *testing.T) {
	b, _, api := newFakeBackend(t)

	a := testMatrix()
	require.NoError(t, b.SpMV(NonTranspose, 1, a, []float64{1, 1, 1}, 0, []float64{0, 0}))
	require.Equal(t, 1, api.createdCount())

	require.NoError(t, b.Cleanup())
	assert.Equal(t, 1, api.totalDestroys())
	assert.Zero(t, api.zeroDestroy)
}
