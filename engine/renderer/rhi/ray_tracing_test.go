package rhi_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/null"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolsInitIsIdempotent(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)

	before := core.MetricsSnapshot()
	assert.Equal(t, rhi.Success, pools.Init(factory, factory.DeviceMask()))
	assert.Zero(t, core.MetricsSnapshot().Sub(before).BufferPoolsCreated)
	assert.Equal(t, rhi.InvalidOperation, pools.Init(factory, rhi.DeviceMaskFromIndices(0)))
	assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), pools.DeviceMask())

	for i := 0; i < 2; i++ {
		dp := pools.GetDevicePools(i)
		require.NotNil(t, dp)
		for kind := metadata.RayTracingPoolKind(0); kind < metadata.RayTracingPoolKindCount; kind++ {
			assert.True(t, dp.GetPool(kind).IsInitialized(), "%s on device %d", kind, i)
		}
	}
	assert.NotNil(t, pools.GetBlasBufferPool())
	assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), pools.GetTlasBufferPool().DeviceMask())
}

func TestBufferPoolsFailingDevice(t *testing.T) {
	factory := newTestFactory(t, 2)
	desc := triangleDescriptor(t, factory)
	factory.devices[1].failPools.Store(true)

	pools := rhi.NewRayTracingBufferPools(core.PoolBudgets{})
	defer pools.Release()
	assert.Equal(t, rhi.OutOfMemory, pools.Init(factory, factory.DeviceMask()))
	assert.True(t, pools.IsInitialized())
	assert.Equal(t, rhi.DeviceMaskFromIndices(1), pools.FailedDevices())

	// pools of device 1 exist but none is usable
	dp := pools.GetDevicePools(1)
	require.NotNil(t, dp)
	assert.Len(t, dp.FailedKinds(), int(metadata.RayTracingPoolKindCount))
	assert.False(t, dp.GetBlasBufferPool().IsInitialized())

	blas := rhi.NewRayTracingBlas()
	defer blas.Release()
	assert.Equal(t, rhi.InvalidOperation, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
	assert.Equal(t, rhi.DeviceMaskFromIndices(0), blas.DeviceMask())
	assert.Equal(t, rhi.DeviceMaskFromIndices(1), blas.FailedDevices())
	assert.False(t, blas.IsValid())
}

func TestBlasBuildOnEveryDevice(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	desc := triangleDescriptor(t, factory)

	blas := rhi.NewRayTracingBlas()
	defer blas.Release()
	require.Equal(t, rhi.Success, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
	assert.Equal(t, rhi.RayTracingBlasStateBuilt, blas.State())
	assert.True(t, blas.IsValid())
	keysMatchMask(t, &blas.MultiDeviceObject)

	for i := 0; i < 2; i++ {
		dev := blas.GetDeviceBlas(i)
		require.NotNil(t, dev)
		assert.True(t, dev.IsBuilt())
		assert.Equal(t, uint32(1), dev.Geometries()[0].TriangleCount())
		header := headerOf(t, dev.BlasBuffer())
		assert.Equal(t, "BLAS", header.Magic)
		assert.Equal(t, float32(2), header.Bounds.Max.X)
		assert.Equal(t, float32(3), header.Bounds.Max.Y)
	}
	assert.Equal(t, rhi.InvalidOperation, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
}

func TestBlasRejectsOutOfRangeGeometry(t *testing.T) {
	factory := newTestFactory(t, 1)
	pools := newPools(t, factory)
	valid := triangleDescriptor(t, factory).Geometries[0]
	require.NoError(t, valid.Validate())

	tooLong := valid
	tooLong.VertexBuffer.ByteCount = 36000
	pastEnd := valid
	pastEnd.IndexBuffer.ByteOffset = 8
	hugeOffset := valid
	hugeOffset.VertexBuffer.ByteOffset = ^uint64(0) - 4

	tests := map[string]rhi.RayTracingGeometry{
		"vertex count": tooLong,
		"index offset": pastEnd,
		"offset wraps": hugeOffset,
	}
	for name, geometry := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, geometry.Validate(), core.ErrInvalidArgument)

			blas := rhi.NewRayTracingBlas()
			defer blas.Release()
			desc := &rhi.RayTracingBlasDescriptor{Geometries: []rhi.RayTracingGeometry{geometry}}
			assert.Equal(t, rhi.InvalidArgument, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
			assert.False(t, blas.IsValid())
		})
	}
}

func TestBlasAabb(t *testing.T) {
	factory := newTestFactory(t, 1)
	pools := newPools(t, factory)
	desc := rhi.NewRayTracingBlasDescriptor().
		AABB(math.Extents3D{Min: math.NewVec3(-1, -1, -1), Max: math.NewVec3(1, 1, 1)}).
		Build()

	blas := rhi.NewRayTracingBlas()
	defer blas.Release()
	require.Equal(t, rhi.Success, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
	dev := blas.GetDeviceBlas(0)
	require.NotNil(t, dev.AabbBuffer())
	assert.Equal(t, float32(-1), headerOf(t, dev.BlasBuffer()).Bounds.Min.Z)
}

func TestBlasStrictAndLenient(t *testing.T) {
	for _, mode := range []rhi.BuildMode{rhi.BuildModeLenient, rhi.BuildModeStrict} {
		t.Run(mode.String(), func(t *testing.T) {
			factory := newTestFactory(t, 2)
			pools := newPools(t, factory)
			desc := triangleDescriptor(t, factory)
			factory.devices[1].failAllocs.Store(true)

			blas := rhi.NewRayTracingBlas()
			defer blas.Release()
			blas.SetBuildMode(mode)
			assert.Equal(t, rhi.OutOfMemory, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
			assert.Equal(t, rhi.DeviceMaskFromIndices(1), blas.FailedDevices())
			assert.False(t, blas.IsValid())

			if mode == rhi.BuildModeStrict {
				assert.Equal(t, rhi.RayTracingBlasStateUninitialized, blas.State())
				assert.Equal(t, rhi.DeviceMaskNone, blas.DeviceMask())
				assert.Zero(t, pools.GetDevicePools(0).GetBlasBufferPool().BufferCount())
				return
			}

			assert.Equal(t, rhi.RayTracingBlasStateBuilt, blas.State())
			assert.Equal(t, rhi.DeviceMaskFromIndices(0), blas.DeviceMask())
			keysMatchMask(t, &blas.MultiDeviceObject)

			// the device recovers and joins later
			factory.devices[1].failAllocs.Store(false)
			require.Equal(t, rhi.Success, blas.AddDevice(1, pools))
			assert.Equal(t, rhi.DeviceMaskNone, blas.FailedDevices())
			assert.True(t, blas.IsValid())
			keysMatchMask(t, &blas.MultiDeviceObject)
		})
	}
}

func TestBlasCompactionPartialFailure(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	desc := triangleDescriptor(t, factory)

	source := rhi.NewRayTracingBlas()
	defer source.Release()
	require.Equal(t, rhi.Success, source.CreateBuffers(factory.DeviceMask(), desc, pools))

	compacted := rhi.NewRayTracingBlas()
	defer compacted.Release()
	result := compacted.CreateCompactedBuffers(factory.DeviceMask(), source, map[int]uint64{0: 256}, pools)
	assert.NotEqual(t, rhi.Success, result)
	assert.Equal(t, rhi.RayTracingBlasStateBuiltCompacted, compacted.State())
	assert.Equal(t, rhi.DeviceMaskFromIndices(0), compacted.DeviceMask())
	assert.Equal(t, rhi.DeviceMaskFromIndices(1), compacted.FailedDevices())

	dev := compacted.GetDeviceBlas(0)
	require.NotNil(t, dev)
	assert.True(t, dev.IsCompacted())
	assert.Equal(t, uint64(256), dev.CompactedSize())
	assert.Equal(t, "BLAS", headerOf(t, dev.BlasBuffer()).Magic)
}

func TestBlasRemoveDevice(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	desc := triangleDescriptor(t, factory)

	blas := rhi.NewRayTracingBlas()
	defer blas.Release()
	require.Equal(t, rhi.Success, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
	require.Equal(t, rhi.Success, blas.RemoveDevice(1))
	assert.Equal(t, rhi.DeviceMaskFromIndices(0), blas.DeviceMask())
	assert.Zero(t, pools.GetDevicePools(1).GetBlasBufferPool().BufferCount())
	assert.Equal(t, rhi.InvalidOperation, blas.RemoveDevice(1))
	keysMatchMask(t, &blas.MultiDeviceObject)
}

func buildTriangleBlas(t *testing.T, factory rhi.Factory, pools *rhi.RayTracingBufferPools) *rhi.RayTracingBlas {
	t.Helper()
	blas := rhi.NewRayTracingBlas()
	t.Cleanup(blas.Release)
	require.Equal(t, rhi.Success, blas.CreateBuffers(factory.DeviceMask(), triangleDescriptor(t, factory), pools))
	return blas
}

func tlasDescriptors(mask rhi.DeviceMask, instances ...rhi.RayTracingTlasInstance) map[int]*rhi.RayTracingTlasDescriptor {
	descriptors := make(map[int]*rhi.RayTracingTlasDescriptor)
	rhi.IterateDevices(mask, func(i int) bool {
		descriptors[i] = rhi.NewRayTracingTlasDescriptor(instances...)
		return true
	})
	return descriptors
}

func TestTlasRoundTrip(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	blas := buildTriangleBlas(t, factory, pools)

	instance := rhi.NewRayTracingTlasInstance(42, blas)
	instance.Transform = math.NewMat4Translation(math.NewVec3(0, 0, 5))
	tlas := rhi.NewRayTracingTlas()
	defer tlas.Release()
	require.Equal(t, rhi.Success, tlas.CreateBuffers(factory.DeviceMask(), tlasDescriptors(factory.DeviceMask(), instance), pools))
	assert.True(t, tlas.IsValid())

	aggregate := tlas.GetTlasBuffer()
	require.NotNil(t, aggregate)
	assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), aggregate.DeviceMask())
	for i := 0; i < 2; i++ {
		dev := tlas.GetDeviceTlas(i)
		assert.Same(t, dev.TlasBuffer(), aggregate.GetDeviceBuffer(i))
		header := headerOf(t, aggregate.GetDeviceBuffer(i))
		assert.Equal(t, "TLAS", header.Magic)
		assert.Equal(t, uint32(1), header.PrimitiveCount)
		assert.Equal(t, float32(5), header.Bounds.Min.Z)

		// the instance record points at the BLAS of the same device
		records := tlas.GetTlasInstancesBuffer().GetDeviceBuffer(i).Memory().(interface{ Bytes() []byte }).Bytes()
		require.GreaterOrEqual(t, len(records), int(rhi.TlasInstanceRecordSize))
		address := binary.LittleEndian.Uint64(records[rhi.TlasInstanceRecordSize-8:])
		assert.Equal(t, blas.GetDeviceBlas(i).BlasBuffer().DeviceAddress(), address)
	}
}

func TestTlasAggregateBuiltOnce(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	blas := buildTriangleBlas(t, factory, pools)

	tlas := rhi.NewRayTracingTlas()
	defer tlas.Release()
	require.Equal(t, rhi.Success, tlas.CreateBuffers(factory.DeviceMask(), tlasDescriptors(factory.DeviceMask(), rhi.NewRayTracingTlasInstance(0, blas)), pools))

	before := core.MetricsSnapshot()
	const readers = 16
	results := make([]*rhi.Buffer, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = tlas.GetTlasBuffer()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), core.MetricsSnapshot().Sub(before).AggregateBuffersCreated)
	for _, buf := range results {
		assert.Same(t, results[0], buf)
	}
}

func TestTlasMissingBlasDevice(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	blas := buildTriangleBlas(t, factory, pools)
	require.Equal(t, rhi.Success, blas.RemoveDevice(1))

	tlas := rhi.NewRayTracingTlas()
	defer tlas.Release()
	result := tlas.CreateBuffers(factory.DeviceMask(), tlasDescriptors(factory.DeviceMask(), rhi.NewRayTracingTlasInstance(0, blas)), pools)
	assert.Equal(t, rhi.InvalidOperation, result)
	assert.Equal(t, rhi.DeviceMaskFromIndices(0), tlas.DeviceMask())
	assert.Equal(t, rhi.DeviceMaskFromIndices(1), tlas.FailedDevices())
	assert.Equal(t, rhi.DeviceMaskFromIndices(0), tlas.GetTlasBuffer().DeviceMask())
}

func TestTlasUninitializedPoolOnDevice(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	blas := buildTriangleBlas(t, factory, pools)
	pools.GetDevicePools(1).GetTlasBufferPool().Shutdown()

	tlas := rhi.NewRayTracingTlas()
	defer tlas.Release()
	tlas.SetBuildMode(rhi.BuildModeStrict)
	result := tlas.CreateBuffers(factory.DeviceMask(), tlasDescriptors(factory.DeviceMask(), rhi.NewRayTracingTlasInstance(0, blas)), pools)
	assert.Equal(t, rhi.InvalidOperation, result)
	assert.Equal(t, rhi.DeviceMaskFromIndices(1), tlas.FailedDevices())
	// strict mode tears down the device that did build
	assert.Equal(t, rhi.DeviceMaskNone, tlas.DeviceMask())
	assert.Zero(t, pools.GetDevicePools(0).GetTlasBufferPool().BufferCount())
	assert.Nil(t, tlas.GetTlasBuffer())
}

func TestTlasDescriptorValidation(t *testing.T) {
	assert.Error(t, rhi.NewRayTracingTlasDescriptor().Validate())
	factory := newTestFactory(t, 1)
	pools := newPools(t, factory)
	blas := buildTriangleBlas(t, factory, pools)
	inst := rhi.NewRayTracingTlasInstance(rhi.MaxTlasInstanceID+1, blas)
	assert.ErrorIs(t, rhi.NewRayTracingTlasDescriptor(inst).Validate(), core.ErrInvalidArgument)
}

func clusterDescriptor(t *testing.T, factory rhi.Factory, clusters uint32) *rhi.RayTracingClusterBlasDescriptor {
	t.Helper()
	pool := newGeometryPool(t, factory)
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, clusters)
	infos := uploadBuffer(t, pool, "SrcInfos", make([]byte, 64*4))
	countBuf := uploadBuffer(t, pool, "SrcCount", count)
	return &rhi.RayTracingClusterBlasDescriptor{
		RayTracingClusterBlasParameters: metadata.RayTracingClusterBlasParameters{
			MaxGeometryIndexValue:         0,
			MaxClusterUniqueGeometryCount: 1,
			MaxClusterTriangleCount:       64,
			MaxClusterVertexCount:         64,
			MaxTotalTriangleCount:         256,
			MaxTotalVertexCount:           256,
			MaxClusterCount:               4,
		},
		SrcInfosArray: rhi.BufferRange{Buffer: infos, ByteCount: 64 * 4},
		SrcInfosCount: rhi.BufferRange{Buffer: countBuf, ByteCount: 4},
	}
}

func TestClusterBlasFrameRing(t *testing.T) {
	factory := newTestFactory(t, 2)
	pools := newPools(t, factory)
	desc := clusterDescriptor(t, factory, 3)

	blas := rhi.NewRayTracingClusterBlas(3)
	defer blas.Release()
	require.Equal(t, rhi.Success, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
	assert.True(t, blas.IsValid())

	dev := blas.GetDeviceClusterBlas(0)
	require.NotNil(t, dev)
	assert.Equal(t, 3, dev.FrameCount())
	first := dev.CurrentFrameBuffers()
	header := headerOf(t, first.ImplicitData)
	assert.Equal(t, "CBLS", header.Magic)
	assert.Equal(t, uint32(3), header.PrimitiveCount)

	seen := []*rhi.ClusterBlasFrameBuffers{first}
	for i := 0; i < 3; i++ {
		require.Equal(t, rhi.Success, blas.RecordRebuild(0))
		seen = append(seen, dev.CurrentFrameBuffers())
	}
	assert.NotSame(t, seen[0], seen[1])
	assert.NotSame(t, seen[1], seen[2])
	assert.NotSame(t, seen[0], seen[2])
	// the ring wraps after MaxFrameLatency builds
	assert.Same(t, seen[0], seen[3])

	require.Equal(t, rhi.Success, blas.RemoveDevice(1))
	assert.Equal(t, rhi.InvalidOperation, blas.RecordRebuild(1))
	require.Equal(t, rhi.Success, blas.AddDevice(1, pools))
	assert.Equal(t, 3, blas.GetDeviceClusterBlas(1).FrameCount())
}

func TestClusterBlasRejectsInvalidDescriptor(t *testing.T) {
	factory := newTestFactory(t, 1)
	pools := newPools(t, factory)
	desc := clusterDescriptor(t, factory, 1)
	desc.MaxClusterCount = 0

	blas := rhi.NewRayTracingClusterBlas(0)
	defer blas.Release()
	assert.Equal(t, rhi.DefaultMaxFrameLatency, blas.MaxFrameLatency())
	assert.Equal(t, rhi.InvalidArgument, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
}

func TestNullBackendIsUnimplemented(t *testing.T) {
	factory, err := null.NewFactory(2)
	require.NoError(t, err)
	defer factory.Shutdown()
	pools := newPools(t, factory)

	pool := newGeometryPool(t, factory)
	buf := rhi.NewBuffer()
	defer buf.Release()
	require.Equal(t, rhi.Success, pool.InitBuffer(buf, metadata.NewBufferDescriptor(geometryFlags, 36)))
	assert.Equal(t, rhi.Unimplemented, buf.Write(0, make([]byte, 36)))

	ib := rhi.NewBuffer()
	defer ib.Release()
	require.Equal(t, rhi.Success, pool.InitBuffer(ib, metadata.NewBufferDescriptor(geometryFlags, 12)))
	desc := rhi.NewRayTracingBlasDescriptor().
		Geometry().
		VertexFormat(triangleFormat).
		VertexBuffer(rhi.NewStreamBufferView(buf, 0, 36, 12)).
		IndexBuffer(rhi.NewIndexBufferView(ib, 0, 12, triangleIndexFormat)).
		Build()

	blas := rhi.NewRayTracingBlas()
	defer blas.Release()
	assert.Equal(t, rhi.Unimplemented, blas.CreateBuffers(factory.DeviceMask(), desc, pools))
	assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), blas.FailedDevices())
	assert.ErrorIs(t, rhi.Unimplemented.Err(), core.ErrUnimplemented)
}
