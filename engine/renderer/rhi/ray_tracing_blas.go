package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

type RayTracingBlasState int

const (
	RayTracingBlasStateUninitialized RayTracingBlasState = iota
	RayTracingBlasStateBuilt
	RayTracingBlasStateBuiltCompacted
)

func (s RayTracingBlasState) String() string {
	switch s {
	case RayTracingBlasStateBuilt:
		return "Built"
	case RayTracingBlasStateBuiltCompacted:
		return "BuiltCompacted"
	default:
		return "Uninitialized"
	}
}

/** @brief A RayTracingGeometry resolved to the buffers of one device. */
type DeviceRayTracingGeometry struct {
	VertexFormat gputypes.VertexFormat
	VertexBuffer *DeviceBuffer
	VertexOffset uint64
	VertexStride uint64
	VertexCount  uint32

	IndexFormat gputypes.IndexFormat
	IndexBuffer *DeviceBuffer
	IndexOffset uint64
	IndexCount  uint32
}

func (g DeviceRayTracingGeometry) TriangleCount() uint32 {
	if g.IndexBuffer != nil {
		return g.IndexCount / 3
	}
	return g.VertexCount / 3
}

func resolveGeometry(deviceIndex int, g RayTracingGeometry) (DeviceRayTracingGeometry, ResultCode) {
	vertexBuffer := g.VertexBuffer.Buffer.GetDeviceBuffer(deviceIndex)
	if vertexBuffer == nil || !vertexBuffer.IsInitialized() {
		core.LogError("vertex buffer '%s' has no memory on device %d", g.VertexBuffer.Buffer.Name(), deviceIndex)
		return DeviceRayTracingGeometry{}, InvalidArgument
	}
	resolved := DeviceRayTracingGeometry{
		VertexFormat: g.VertexFormat,
		VertexBuffer: vertexBuffer,
		VertexOffset: g.VertexBuffer.ByteOffset,
		VertexStride: g.VertexBuffer.ByteStride,
		VertexCount:  g.VertexBuffer.VertexCount(),
	}
	if g.IsIndexed() {
		indexBuffer := g.IndexBuffer.Buffer.GetDeviceBuffer(deviceIndex)
		if indexBuffer == nil || !indexBuffer.IsInitialized() {
			core.LogError("index buffer '%s' has no memory on device %d", g.IndexBuffer.Buffer.Name(), deviceIndex)
			return DeviceRayTracingGeometry{}, InvalidArgument
		}
		resolved.IndexFormat = g.IndexBuffer.Format
		resolved.IndexBuffer = indexBuffer
		resolved.IndexOffset = g.IndexBuffer.ByteOffset
		resolved.IndexCount = g.IndexBuffer.IndexCount()
	}
	return resolved, Success
}

/** @brief The BLAS of one device and the buffers backing it. */
type DeviceRayTracingBlas struct {
	deviceIndex int
	geometries  []DeviceRayTracingGeometry
	aabb        *math.Extents3D
	buildFlags  metadata.RayTracingAccelerationStructureBuildFlags
	buildSizes  AccelerationStructureBuildSizes

	aabbBuffer    *DeviceBuffer
	scratchBuffer *DeviceBuffer
	blasBuffer    *DeviceBuffer

	compacted     bool
	compactedSize uint64
	built         bool
}

func (b *DeviceRayTracingBlas) DeviceIndex() int { return b.deviceIndex }
func (b *DeviceRayTracingBlas) Geometries() []DeviceRayTracingGeometry { return b.geometries }
func (b *DeviceRayTracingBlas) Aabb() *math.Extents3D { return b.aabb }
func (b *DeviceRayTracingBlas) BuildFlags() metadata.RayTracingAccelerationStructureBuildFlags {
	return b.buildFlags
}
func (b *DeviceRayTracingBlas) BuildSizes() AccelerationStructureBuildSizes { return b.buildSizes }
func (b *DeviceRayTracingBlas) AabbBuffer() *DeviceBuffer { return b.aabbBuffer }
func (b *DeviceRayTracingBlas) ScratchBuffer() *DeviceBuffer { return b.scratchBuffer }
func (b *DeviceRayTracingBlas) BlasBuffer() *DeviceBuffer { return b.blasBuffer }
func (b *DeviceRayTracingBlas) IsCompacted() bool { return b.compacted }
func (b *DeviceRayTracingBlas) CompactedSize() uint64 { return b.compactedSize }
func (b *DeviceRayTracingBlas) IsBuilt() bool { return b.built }

// ReleaseScratch returns the scratch memory once the build has executed.
func (b *DeviceRayTracingBlas) ReleaseScratch() {
	if b.scratchBuffer != nil {
		b.scratchBuffer.Release()
		b.scratchBuffer = nil
	}
}

func (b *DeviceRayTracingBlas) release() {
	b.ReleaseScratch()
	for _, buf := range []*DeviceBuffer{b.aabbBuffer, b.blasBuffer} {
		if buf != nil {
			buf.Release()
		}
	}
	b.aabbBuffer = nil
	b.blasBuffer = nil
	b.built = false
}

// allocateFromPool creates a buffer with the pool's bind flags.
func allocateFromPool(pool *DeviceBufferPool, name string, byteCount uint64) (*DeviceBuffer, ResultCode) {
	buf := NewDeviceBuffer()
	buf.SetName(name)
	desc := metadata.NewBufferDescriptor(pool.Descriptor().BindFlags, byteCount)
	desc.Alignment = uint32(AccelerationStructureAlignment)
	if result := pool.InitBuffer(buf, desc); result != Success {
		buf.Release()
		return nil, result
	}
	return buf, Success
}

/**
 * @brief A bottom level acceleration structure replicated on every device
 * of its mask.
 */
type RayTracingBlas struct {
	Object
	MultiDeviceObject[*DeviceRayTracingBlas]

	descriptor     *RayTracingBlasDescriptor
	state          RayTracingBlasState
	buildMode      BuildMode
	failedDevices  DeviceMask
	source         *RayTracingBlas
	compactedSizes map[int]uint64
}

func NewRayTracingBlas() *RayTracingBlas {
	b := &RayTracingBlas{}
	b.initObject(b, "RayTracingBlas", b.Shutdown)
	return b
}

func (b *RayTracingBlas) SetBuildMode(mode BuildMode) {
	b.buildMode = mode
}

func (b *RayTracingBlas) BuildMode() BuildMode {
	return b.buildMode
}

func (b *RayTracingBlas) State() RayTracingBlasState {
	return b.state
}

func (b *RayTracingBlas) Descriptor() *RayTracingBlasDescriptor {
	return b.descriptor
}

// FailedDevices returns the devices whose build failed.
func (b *RayTracingBlas) FailedDevices() DeviceMask {
	return b.failedDevices
}

func (b *RayTracingBlas) GetDeviceBlas(index int) *DeviceRayTracingBlas {
	dev, ok := b.DeviceObject(index)
	if !ok {
		return nil
	}
	return dev
}

// IsValid is true when at least one device is built and no device failed.
func (b *RayTracingBlas) IsValid() bool {
	if b.state == RayTracingBlasStateUninitialized || b.DeviceCount() == 0 || b.failedDevices != DeviceMaskNone {
		return false
	}
	valid := true
	b.IterateObjects(func(_ int, dev *DeviceRayTracingBlas) bool {
		valid = dev != nil && dev.built
		return valid
	})
	return valid
}

func (b *RayTracingBlas) checkBuildInputs(pools *RayTracingBufferPools) ResultCode {
	if b.state != RayTracingBlasStateUninitialized {
		core.LogError("BLAS '%s' is already %s, create a new object to rebuild it", b.Name(), b.state)
		return InvalidOperation
	}
	if !core.Assert(pools != nil && pools.IsInitialized(), "BLAS '%s' built with uninitialized buffer pools", b.Name()) {
		return InvalidOperation
	}
	return Success
}

// CreateBuffers builds one BLAS per device of mask from desc.
func (b *RayTracingBlas) CreateBuffers(mask DeviceMask, desc *RayTracingBlasDescriptor, pools *RayTracingBufferPools) ResultCode {
	if result := b.checkBuildInputs(pools); result != Success {
		return result
	}
	if !core.Assert(desc != nil, "BLAS '%s' built without a descriptor", b.Name()) {
		return InvalidArgument
	}
	if err := desc.Validate(); err != nil {
		core.LogError("invalid descriptor for BLAS '%s': %s", b.Name(), err)
		return InvalidArgument
	}

	b.descriptor = desc
	b.failedDevices = DeviceMaskNone
	result := b.InitDevices(mask, func(i int) (*DeviceRayTracingBlas, ResultCode) {
		dev, r := b.buildDevice(i, pools)
		return b.trackDevice(i, dev, r)
	})
	b.state = RayTracingBlasStateBuilt
	return b.finishBuild(result)
}

// CreateCompactedBuffers builds a compacted copy of source on every device
// of mask. compactedSizes must hold one entry per device; a device without
// an entry fails and the others still build.
func (b *RayTracingBlas) CreateCompactedBuffers(mask DeviceMask, source *RayTracingBlas, compactedSizes map[int]uint64, pools *RayTracingBufferPools) ResultCode {
	if result := b.checkBuildInputs(pools); result != Success {
		return result
	}
	if !core.Assert(source != nil, "compacted BLAS '%s' built without a source", b.Name()) {
		return InvalidArgument
	}
	if source.State() != RayTracingBlasStateBuilt {
		core.LogError("source BLAS '%s' of '%s' is %s", source.Name(), b.Name(), source.State())
		return InvalidOperation
	}

	b.descriptor = source.Descriptor()
	b.source = source
	b.compactedSizes = make(map[int]uint64, len(compactedSizes))
	for i, size := range compactedSizes {
		b.compactedSizes[i] = size
	}
	b.failedDevices = DeviceMaskNone
	result := b.InitDevices(mask, func(i int) (*DeviceRayTracingBlas, ResultCode) {
		dev, r := b.buildCompactedDevice(i, pools)
		return b.trackDevice(i, dev, r)
	})
	b.state = RayTracingBlasStateBuiltCompacted
	return b.finishBuild(result)
}

func (b *RayTracingBlas) trackDevice(index int, dev *DeviceRayTracingBlas, result ResultCode) (*DeviceRayTracingBlas, ResultCode) {
	if result != Success {
		b.failedDevices = b.failedDevices.With(index)
		reportDeviceFailure("BLAS", b.Name(), index, result)
		core.MetricsBlasFailed()
		return nil, result
	}
	return dev, Success
}

// finishBuild applies the build mode once every device was attempted.
func (b *RayTracingBlas) finishBuild(result ResultCode) ResultCode {
	if result == Success || b.buildMode != BuildModeStrict {
		return result
	}
	core.LogWarn("BLAS '%s' failed on devices %s, tearing down devices %s", b.Name(), b.failedDevices, b.DeviceMask())
	b.releaseDevices()
	b.state = RayTracingBlasStateUninitialized
	return result
}

func (b *RayTracingBlas) buildDevice(index int, pools *RayTracingBufferPools) (*DeviceRayTracingBlas, ResultCode) {
	devicePools := pools.GetDevicePools(index)
	if devicePools == nil || !devicePools.IsInitialized() {
		core.LogError("no ray tracing buffer pools for device %d", index)
		return nil, InvalidOperation
	}
	scratchPool, result := readyPool(devicePools, metadata.RayTracingPoolScratch)
	if result != Success {
		return nil, result
	}
	blasPool, result := readyPool(devicePools, metadata.RayTracingPoolBlas)
	if result != Success {
		return nil, result
	}

	dev := &DeviceRayTracingBlas{
		deviceIndex: index,
		aabb:        b.descriptor.AABB,
		buildFlags:  b.descriptor.BuildFlags,
	}
	for _, g := range b.descriptor.Geometries {
		resolved, r := resolveGeometry(index, g)
		if r != Success {
			return nil, r
		}
		dev.geometries = append(dev.geometries, resolved)
	}

	if dev.aabb != nil {
		aabbPool, r := readyPool(devicePools, metadata.RayTracingPoolAabbStaging)
		if r != Success {
			return nil, r
		}
		if dev.aabbBuffer, r = allocateFromPool(aabbPool, fmt.Sprintf("%s.Aabb[%d]", b.Name(), index), AabbRecordSize); r != Success {
			return nil, r
		}
	}

	device := devicePools.Device()
	backend := device.Backend()
	if dev.buildSizes, result = backend.BlasPrebuildInfo(device, dev); result != Success {
		dev.release()
		return nil, result
	}
	if dev.scratchBuffer, result = allocateFromPool(scratchPool, fmt.Sprintf("%s.Scratch[%d]", b.Name(), index), dev.buildSizes.ScratchDataSizeInBytes); result != Success {
		dev.release()
		return nil, result
	}
	if dev.blasBuffer, result = allocateFromPool(blasPool, fmt.Sprintf("%s[%d]", b.Name(), index), dev.buildSizes.ResultDataMaxSizeInBytes); result != Success {
		dev.release()
		return nil, result
	}
	if result = backend.RecordBlasBuild(device, dev); result != Success {
		dev.release()
		return nil, result
	}
	dev.built = true
	core.MetricsBlasBuilt()
	return dev, Success
}

func (b *RayTracingBlas) buildCompactedDevice(index int, pools *RayTracingBufferPools) (*DeviceRayTracingBlas, ResultCode) {
	size, ok := b.compactedSizes[index]
	if !ok {
		core.LogError("no compacted size for device %d of BLAS '%s'", index, b.Name())
		return nil, InvalidArgument
	}
	if size == 0 {
		core.LogError("compacted size of device %d of BLAS '%s' is zero", index, b.Name())
		return nil, InvalidArgument
	}
	source := b.source.GetDeviceBlas(index)
	if source == nil || !source.IsBuilt() {
		core.LogError("source BLAS '%s' is not built on device %d", b.source.Name(), index)
		return nil, InvalidOperation
	}
	devicePools := pools.GetDevicePools(index)
	blasPool, result := readyPool(devicePools, metadata.RayTracingPoolBlas)
	if result != Success {
		return nil, result
	}

	dev := &DeviceRayTracingBlas{
		deviceIndex:   index,
		geometries:    source.geometries,
		aabb:          source.aabb,
		buildFlags:    source.buildFlags,
		buildSizes:    AccelerationStructureBuildSizes{ResultDataMaxSizeInBytes: size},
		compacted:     true,
		compactedSize: size,
	}
	if dev.blasBuffer, result = allocateFromPool(blasPool, fmt.Sprintf("%s.Compacted[%d]", b.Name(), index), math.AlignUp(size, AccelerationStructureAlignment)); result != Success {
		return nil, result
	}
	device := devicePools.Device()
	if result = device.Backend().RecordBlasCompaction(device, source, dev); result != Success {
		dev.release()
		return nil, result
	}
	dev.built = true
	core.MetricsBlasCompacted()
	return dev, Success
}

// AddDevice extends a built BLAS to one more device.
func (b *RayTracingBlas) AddDevice(index int, pools *RayTracingBufferPools) ResultCode {
	return b.addDevice(index, pools, RayTracingBlasStateBuilt, b.buildDevice)
}

// AddDeviceCompacted extends a compacted BLAS to one more device. The
// compacted size must have been provided to CreateCompactedBuffers.
func (b *RayTracingBlas) AddDeviceCompacted(index int, pools *RayTracingBufferPools) ResultCode {
	return b.addDevice(index, pools, RayTracingBlasStateBuiltCompacted, b.buildCompactedDevice)
}

func (b *RayTracingBlas) addDevice(index int, pools *RayTracingBufferPools, state RayTracingBlasState, build func(int, *RayTracingBufferPools) (*DeviceRayTracingBlas, ResultCode)) ResultCode {
	if result := b.validateIndex(index); result != Success {
		return result
	}
	if b.state != state {
		core.LogError("cannot add device %d to BLAS '%s': it is %s, not %s", index, b.Name(), b.state, state)
		return InvalidOperation
	}
	if _, ok := b.DeviceObject(index); ok {
		core.LogError("device %d is already part of BLAS '%s'", index, b.Name())
		return InvalidOperation
	}
	if !core.Assert(pools != nil && pools.IsInitialized(), "BLAS '%s' extended with uninitialized buffer pools", b.Name()) {
		return InvalidOperation
	}
	dev, result := build(index, pools)
	if dev, result = b.trackDevice(index, dev, result); result != Success {
		return result
	}
	b.failedDevices = b.failedDevices.Without(index)
	return b.MultiDeviceObject.AddDevice(index, dev)
}

// RemoveDevice tears down the BLAS of one device.
func (b *RayTracingBlas) RemoveDevice(index int) ResultCode {
	dev, result := b.MultiDeviceObject.RemoveDevice(index)
	if result != Success {
		return result
	}
	dev.release()
	return Success
}

func (b *RayTracingBlas) releaseDevices() {
	b.IterateObjects(func(_ int, dev *DeviceRayTracingBlas) bool {
		dev.release()
		return true
	})
	b.MultiDeviceObject.Shutdown()
}

func (b *RayTracingBlas) Shutdown() {
	b.releaseDevices()
	b.state = RayTracingBlasStateUninitialized
	b.failedDevices = DeviceMaskNone
	b.descriptor = nil
	b.source = nil
	b.compactedSizes = nil
}
