package systems

import (
	"context"
	"fmt"
	"testing"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/null"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/spaghettifunk/anima-rt/engine/renderer/software"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	trianglePositions = []math.Vec3{
		math.NewVec3(0, 0, 0),
		math.NewVec3(1, 0, 0),
		math.NewVec3(0, 1, 0),
	}
	triangleIndices = []uint32{0, 1, 2}
)

func newTestSystem(t *testing.T, deviceCount int) (*RayTracingSystem, *software.Factory) {
	t.Helper()
	factory, err := software.NewFactory(deviceCount)
	require.NoError(t, err)
	js, err := NewJobSystem(2, 8)
	require.NoError(t, err)
	rts, err := NewRayTracingSystem(RayTracingSystemConfig{BuildMode: rhi.BuildModeLenient}, factory, js)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, js.Shutdown())
		require.NoError(t, rts.Shutdown())
		assert.Zero(t, factory.SoftwareDevice(0).AllocatedBytes())
		factory.Shutdown()
	})
	return rts, factory
}

func blasHeader(t *testing.T, blas *rhi.RayTracingBlas, device int) software.Header {
	t.Helper()
	dev := blas.GetDeviceBlas(device)
	require.NotNil(t, dev)
	mem, ok := dev.BlasBuffer().Memory().(*software.Memory)
	require.True(t, ok)
	header, ok := software.ReadHeader(mem.Bytes())
	require.True(t, ok)
	return header
}

func TestRayTracingSystemAddMesh(t *testing.T) {
	rts, _ := newTestSystem(t, 2)

	desc, err := rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	require.NoError(t, err)
	blas, err := rts.AddMesh("triangle", desc)
	require.NoError(t, err)

	assert.Equal(t, rhi.RayTracingBlasStateBuilt, blas.State())
	assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), blas.DeviceMask())
	assert.True(t, blas.IsValid())

	for device := 0; device < 2; device++ {
		header := blasHeader(t, blas, device)
		assert.Equal(t, "BLAS", header.Magic)
		assert.Equal(t, uint32(1), header.PrimitiveCount)
		assert.Equal(t, math.NewVec3(1, 1, 0), header.Bounds.Max)
	}

	_, err = rts.AddMesh("triangle", desc)
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
	_, err = rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
}

func TestRayTracingSystemUploadValidation(t *testing.T) {
	rts, _ := newTestSystem(t, 1)
	_, err := rts.UploadTriangles("bad", trianglePositions, []uint32{0, 1})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = rts.UploadTriangles("empty", nil, triangleIndices)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestRayTracingSystemBuildMeshesAsync(t *testing.T) {
	rts, _ := newTestSystem(t, 2)

	descs := make(map[string]*rhi.RayTracingBlasDescriptor)
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("mesh-%d", i)
		desc, err := rts.UploadTriangles(name, trianglePositions, triangleIndices)
		require.NoError(t, err)
		descs[name] = desc
	}
	require.NoError(t, rts.BuildMeshesAsync(context.Background(), descs))

	assert.Len(t, rts.MeshNames(), 6)
	for name := range descs {
		blas, ok := rts.Mesh(name)
		require.True(t, ok, name)
		assert.True(t, blas.IsValid(), name)
	}
}

func TestRayTracingSystemBuildMeshesAsyncCancelled(t *testing.T) {
	rts, _ := newTestSystem(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	desc, err := rts.UploadTriangles("late", trianglePositions, triangleIndices)
	require.NoError(t, err)
	err = rts.BuildMeshesAsync(ctx, map[string]*rhi.RayTracingBlasDescriptor{"late": desc})
	// the build may win the race against the cancelled context
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestRayTracingSystemCompactMesh(t *testing.T) {
	rts, _ := newTestSystem(t, 2)
	desc, err := rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	require.NoError(t, err)
	_, err = rts.AddMesh("triangle", desc)
	require.NoError(t, err)

	require.NoError(t, rts.CompactMesh("triangle", map[int]uint64{0: 256, 1: 256}))
	compacted, ok := rts.Mesh("triangle")
	require.True(t, ok)
	assert.Equal(t, rhi.RayTracingBlasStateBuiltCompacted, compacted.State())
	assert.Equal(t, "BLAS", blasHeader(t, compacted, 1).Magic)

	assert.ErrorIs(t, rts.CompactMesh("missing", nil), core.ErrInvalidArgument)
}

func TestRayTracingSystemCompactMeshPartialFailure(t *testing.T) {
	rts, _ := newTestSystem(t, 2)
	desc, err := rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	require.NoError(t, err)
	_, err = rts.AddMesh("triangle", desc)
	require.NoError(t, err)

	err = rts.CompactMesh("triangle", map[int]uint64{0: 256})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	compacted, ok := rts.Mesh("triangle")
	require.True(t, ok)
	assert.Equal(t, rhi.DeviceMaskFromIndices(0), compacted.DeviceMask())
	assert.Equal(t, rhi.DeviceMaskFromIndices(1), compacted.FailedDevices())
	assert.False(t, compacted.IsValid())
}

func TestRayTracingSystemBuildTlas(t *testing.T) {
	rts, _ := newTestSystem(t, 2)
	desc, err := rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	require.NoError(t, err)
	blas, err := rts.AddMesh("triangle", desc)
	require.NoError(t, err)

	instance := rhi.NewRayTracingTlasInstance(7, blas)
	instance.Transform = math.NewMat4Translation(math.NewVec3(10, 0, 0))
	tlas, err := rts.BuildTlas([]rhi.RayTracingTlasInstance{instance})
	require.NoError(t, err)
	assert.True(t, tlas.IsValid())

	aggregate := tlas.GetTlasBuffer()
	require.NotNil(t, aggregate)
	assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), aggregate.DeviceMask())
	assert.Same(t, aggregate, tlas.GetTlasBuffer())

	mem := aggregate.GetDeviceBuffer(0).Memory().(*software.Memory)
	header, ok := software.ReadHeader(mem.Bytes())
	require.True(t, ok)
	assert.Equal(t, "TLAS", header.Magic)
	assert.Equal(t, uint32(1), header.PrimitiveCount)
	assert.Equal(t, float32(10), header.Bounds.Min.X)

	// rebuilding per frame replaces the cached aggregate
	tlas, err = rts.BuildTlas([]rhi.RayTracingTlasInstance{instance})
	require.NoError(t, err)
	assert.Same(t, tlas, rts.Tlas())
	assert.NotSame(t, aggregate, tlas.GetTlasBuffer())
}

func TestRayTracingSystemBuildTlasPerDeviceMissingDescriptor(t *testing.T) {
	rts, _ := newTestSystem(t, 2)
	desc, err := rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	require.NoError(t, err)
	blas, err := rts.AddMesh("triangle", desc)
	require.NoError(t, err)

	tlas, err := rts.BuildTlasPerDevice(map[int]*rhi.RayTracingTlasDescriptor{
		0: rhi.NewRayTracingTlasDescriptor(rhi.NewRayTracingTlasInstance(0, blas)),
	})
	assert.Error(t, err)
	assert.Equal(t, rhi.DeviceMaskFromIndices(0), tlas.DeviceMask())
	assert.Equal(t, rhi.DeviceMaskFromIndices(1), tlas.FailedDevices())
	assert.False(t, tlas.IsValid())
}

func TestRayTracingSystemRemoveMesh(t *testing.T) {
	rts, factory := newTestSystem(t, 1)
	desc, err := rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	require.NoError(t, err)
	_, err = rts.AddMesh("triangle", desc)
	require.NoError(t, err)
	require.NotZero(t, factory.SoftwareDevice(0).AllocatedBytes())

	require.NoError(t, rts.RemoveMesh("triangle"))
	_, ok := rts.Mesh("triangle")
	assert.False(t, ok)
	assert.ErrorIs(t, rts.RemoveMesh("triangle"), core.ErrInvalidArgument)

	assert.Zero(t, factory.SoftwareDevice(0).AllocatedBytes())
}

func TestRayTracingSystemNullBackend(t *testing.T) {
	factory, err := null.NewFactory(2)
	require.NoError(t, err)
	defer factory.Shutdown()
	rts, err := NewRayTracingSystem(RayTracingSystemConfig{}, factory, nil)
	require.NoError(t, err)
	defer rts.Shutdown()

	desc, err := rts.UploadTriangles("triangle", trianglePositions, triangleIndices)
	require.NoError(t, err)
	blas, err := rts.AddMesh("triangle", desc)
	assert.ErrorIs(t, err, core.ErrUnimplemented)
	assert.Nil(t, blas)

	err = rts.BuildMeshesAsync(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestRayTracingSystemSetBuildMode(t *testing.T) {
	rts, _ := newTestSystem(t, 1)
	assert.Equal(t, rhi.BuildModeLenient, rts.BuildMode())
	rts.SetBuildMode(rhi.BuildModeStrict)
	assert.Equal(t, rhi.BuildModeStrict, rts.BuildMode())
}

func clusterMeshDescriptor(t *testing.T, rts *RayTracingSystem) *rhi.RayTracingClusterBlasDescriptor {
	t.Helper()
	rts.mu.Lock()
	defer rts.mu.Unlock()
	pool, err := rts.geometryPoolLocked()
	require.NoError(t, err)
	infos, err := rts.uploadLocked(pool, "cluster.infos", make([]byte, 256))
	require.NoError(t, err)
	count, err := rts.uploadLocked(pool, "cluster.count", []byte{2, 0, 0, 0})
	require.NoError(t, err)
	t.Cleanup(func() {
		infos.Release()
		count.Release()
	})
	return &rhi.RayTracingClusterBlasDescriptor{
		RayTracingClusterBlasParameters: metadata.RayTracingClusterBlasParameters{
			MaxClusterUniqueGeometryCount: 1,
			MaxClusterTriangleCount:       32,
			MaxClusterVertexCount:         32,
			MaxTotalTriangleCount:         128,
			MaxTotalVertexCount:           128,
			MaxClusterCount:               4,
		},
		SrcInfosArray: rhi.BufferRange{Buffer: infos, ByteCount: 256},
		SrcInfosCount: rhi.BufferRange{Buffer: count, ByteCount: 4},
	}
}

func TestRayTracingSystemClusterMesh(t *testing.T) {
	rts, factory := newTestSystem(t, 2)
	desc := clusterMeshDescriptor(t, rts)
	backend, ok := factory.SoftwareDevice(0).Backend().(*software.Backend)
	require.True(t, ok)

	before := core.MetricsSnapshot()
	blas, err := rts.AddClusterMesh("foliage", desc)
	require.NoError(t, err)
	assert.True(t, blas.IsValid())
	assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), blas.DeviceMask())
	assert.Equal(t, int64(2), core.MetricsSnapshot().Sub(before).ClusterBlasBuilt)

	_, err = rts.AddClusterMesh("foliage", desc)
	assert.ErrorIs(t, err, core.ErrInvalidOperation)

	_, _, clusterBefore, _ := backend.BuildCounts()
	require.NoError(t, rts.RebuildClusterMeshes())
	_, _, clusterAfter, _ := backend.BuildCounts()
	assert.Equal(t, int64(2), clusterAfter-clusterBefore)

	require.NoError(t, rts.RemoveClusterMesh("foliage"))
	assert.ErrorIs(t, rts.RemoveClusterMesh("foliage"), core.ErrInvalidArgument)
}

func TestRayTracingSystemClusterMeshInvalidDescriptor(t *testing.T) {
	rts, _ := newTestSystem(t, 1)
	_, err := rts.AddClusterMesh("broken", &rhi.RayTracingClusterBlasDescriptor{})
	assert.Error(t, err)
	assert.ErrorIs(t, rts.RemoveClusterMesh("broken"), core.ErrInvalidArgument)
}
