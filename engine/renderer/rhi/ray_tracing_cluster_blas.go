package rhi

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// DefaultMaxFrameLatency is the number of frames a cluster BLAS build may be
// in flight, matching a triple buffered swap chain.
const DefaultMaxFrameLatency = 3

/** @brief The transient buffers used by one in-flight cluster BLAS build. */
type ClusterBlasFrameBuffers struct {
	ImplicitData  *DeviceBuffer
	Scratch       *DeviceBuffer
	DstAddresses  *DeviceBuffer
	DstSizes      *DeviceBuffer
	SrcInfosArray *DeviceBuffer
	SrcInfosCount *DeviceBuffer
}

func (f *ClusterBlasFrameBuffers) buffers() []*DeviceBuffer {
	return []*DeviceBuffer{f.ImplicitData, f.Scratch, f.DstAddresses, f.DstSizes, f.SrcInfosArray, f.SrcInfosCount}
}

func (f *ClusterBlasFrameBuffers) release() {
	for _, buf := range f.buffers() {
		if buf != nil {
			buf.Release()
		}
	}
	*f = ClusterBlasFrameBuffers{}
}

/** @brief The cluster BLAS of one device with its ring of frame buffers. */
type DeviceRayTracingClusterBlas struct {
	deviceIndex int
	device      Device
	descriptor  *RayTracingClusterBlasDescriptor
	buildSizes  ClusterBlasBuildSizes

	// source infos prepared by the caller on this device
	srcInfosArray *DeviceBuffer
	srcInfosCount *DeviceBuffer

	frames  *containers.RingQueue[*ClusterBlasFrameBuffers]
	current *ClusterBlasFrameBuffers
	built   bool
}

func (b *DeviceRayTracingClusterBlas) DeviceIndex() int { return b.deviceIndex }
func (b *DeviceRayTracingClusterBlas) Descriptor() *RayTracingClusterBlasDescriptor {
	return b.descriptor
}
func (b *DeviceRayTracingClusterBlas) BuildSizes() ClusterBlasBuildSizes { return b.buildSizes }
func (b *DeviceRayTracingClusterBlas) SrcInfosArray() *DeviceBuffer { return b.srcInfosArray }
func (b *DeviceRayTracingClusterBlas) SrcInfosCount() *DeviceBuffer { return b.srcInfosCount }
func (b *DeviceRayTracingClusterBlas) IsBuilt() bool { return b.built }

// CurrentFrameBuffers returns the buffer set of the latest build.
func (b *DeviceRayTracingClusterBlas) CurrentFrameBuffers() *ClusterBlasFrameBuffers {
	return b.current
}

// FrameCount is the depth of the ring.
func (b *DeviceRayTracingClusterBlas) FrameCount() int {
	if b.frames == nil {
		return 0
	}
	return b.frames.Len()
}

func (b *DeviceRayTracingClusterBlas) nextFrame() *ClusterBlasFrameBuffers {
	frame, err := b.frames.Rotate()
	if err != nil {
		return nil
	}
	b.current = frame
	return frame
}

func (b *DeviceRayTracingClusterBlas) release() {
	if b.frames != nil {
		b.frames.Each(func(f *ClusterBlasFrameBuffers) {
			f.release()
		})
		b.frames = nil
	}
	b.current = nil
	b.built = false
}

/**
 * @brief A BLAS built from pre-clustered triangles. Each device keeps
 * MaxFrameLatency sets of transient buffers so a rebuild never overwrites
 * buffers still in use by a previous frame.
 */
type RayTracingClusterBlas struct {
	Object
	MultiDeviceObject[*DeviceRayTracingClusterBlas]

	descriptor      *RayTracingClusterBlasDescriptor
	maxFrameLatency int
	buildMode       BuildMode
	failedDevices   DeviceMask
	built           bool
}

func NewRayTracingClusterBlas(maxFrameLatency int) *RayTracingClusterBlas {
	if maxFrameLatency <= 0 {
		maxFrameLatency = DefaultMaxFrameLatency
	}
	b := &RayTracingClusterBlas{maxFrameLatency: maxFrameLatency}
	b.initObject(b, "RayTracingClusterBlas", b.Shutdown)
	return b
}

func (b *RayTracingClusterBlas) SetBuildMode(mode BuildMode) {
	b.buildMode = mode
}

func (b *RayTracingClusterBlas) MaxFrameLatency() int {
	return b.maxFrameLatency
}

func (b *RayTracingClusterBlas) Descriptor() *RayTracingClusterBlasDescriptor {
	return b.descriptor
}

func (b *RayTracingClusterBlas) FailedDevices() DeviceMask {
	return b.failedDevices
}

func (b *RayTracingClusterBlas) GetDeviceClusterBlas(index int) *DeviceRayTracingClusterBlas {
	dev, ok := b.DeviceObject(index)
	if !ok {
		return nil
	}
	return dev
}

func (b *RayTracingClusterBlas) IsValid() bool {
	if !b.built || b.DeviceCount() == 0 || b.failedDevices != DeviceMaskNone {
		return false
	}
	valid := true
	b.IterateObjects(func(_ int, dev *DeviceRayTracingClusterBlas) bool {
		valid = dev != nil && dev.built
		return valid
	})
	return valid
}

// CreateBuffers allocates the frame ring of every device of mask and
// records the first build.
func (b *RayTracingClusterBlas) CreateBuffers(mask DeviceMask, desc *RayTracingClusterBlasDescriptor, pools *RayTracingBufferPools) ResultCode {
	if b.built {
		core.LogError("cluster BLAS '%s' is already built", b.Name())
		return InvalidOperation
	}
	if !core.Assert(pools != nil && pools.IsInitialized(), "cluster BLAS '%s' built with uninitialized buffer pools", b.Name()) {
		return InvalidOperation
	}
	if !core.Assert(desc != nil, "cluster BLAS '%s' built without a descriptor", b.Name()) {
		return InvalidArgument
	}
	if err := desc.Validate(); err != nil {
		core.LogError("invalid descriptor for cluster BLAS '%s': %s", b.Name(), err)
		return InvalidArgument
	}

	b.descriptor = desc
	b.failedDevices = DeviceMaskNone
	result := b.InitDevices(mask, func(i int) (*DeviceRayTracingClusterBlas, ResultCode) {
		dev, r := b.buildDevice(i, pools)
		return b.trackDevice(i, dev, r)
	})
	b.built = true
	if result != Success && b.buildMode == BuildModeStrict {
		core.LogWarn("cluster BLAS '%s' failed on devices %s, tearing down devices %s", b.Name(), b.failedDevices, b.DeviceMask())
		b.releaseDevices()
		b.built = false
	}
	return result
}

func (b *RayTracingClusterBlas) trackDevice(index int, dev *DeviceRayTracingClusterBlas, result ResultCode) (*DeviceRayTracingClusterBlas, ResultCode) {
	if result != Success {
		b.failedDevices = b.failedDevices.With(index)
		reportDeviceFailure("cluster BLAS", b.Name(), index, result)
		core.MetricsBlasFailed()
		return nil, result
	}
	return dev, Success
}

func (b *RayTracingClusterBlas) buildDevice(index int, pools *RayTracingBufferPools) (*DeviceRayTracingClusterBlas, ResultCode) {
	devicePools := pools.GetDevicePools(index)
	if devicePools == nil || !devicePools.IsInitialized() {
		core.LogError("no ray tracing buffer pools for device %d", index)
		return nil, InvalidOperation
	}
	kinds := []metadata.RayTracingPoolKind{
		metadata.RayTracingPoolDstImplicit,
		metadata.RayTracingPoolScratch,
		metadata.RayTracingPoolDstAddressesArray,
		metadata.RayTracingPoolDstSizesArray,
		metadata.RayTracingPoolSrcInfosArray,
		metadata.RayTracingPoolSrcInfosCount,
	}
	pool := make(map[metadata.RayTracingPoolKind]*DeviceBufferPool, len(kinds))
	for _, kind := range kinds {
		p, r := readyPool(devicePools, kind)
		if r != Success {
			return nil, r
		}
		pool[kind] = p
	}

	device := devicePools.Device()
	dev := &DeviceRayTracingClusterBlas{
		deviceIndex:   index,
		device:        device,
		descriptor:    b.descriptor,
		srcInfosArray: b.descriptor.SrcInfosArray.Buffer.GetDeviceBuffer(index),
		srcInfosCount: b.descriptor.SrcInfosCount.Buffer.GetDeviceBuffer(index),
	}
	if dev.srcInfosArray == nil || dev.srcInfosCount == nil {
		core.LogError("cluster source infos of '%s' have no memory on device %d", b.Name(), index)
		return nil, InvalidArgument
	}

	backend := device.Backend()
	var result ResultCode
	if dev.buildSizes, result = backend.ClusterBlasPrebuildInfo(device, b.descriptor); result != Success {
		return nil, result
	}

	dev.frames = containers.NewRingQueue[*ClusterBlasFrameBuffers](b.maxFrameLatency)
	for frame := 0; frame < b.maxFrameLatency; frame++ {
		buffers, r := b.allocateFrame(index, frame, pool, dev.buildSizes)
		if r == Success {
			if err := dev.frames.Enqueue(buffers); err != nil {
				buffers.release()
				r = Fail
			}
		}
		if r != Success {
			dev.release()
			return nil, r
		}
	}

	if result = backend.RecordClusterBlasBuild(device, dev, dev.nextFrame()); result != Success {
		dev.release()
		return nil, result
	}
	dev.built = true
	core.MetricsClusterBlasBuilt()
	return dev, Success
}

func (b *RayTracingClusterBlas) allocateFrame(index, frame int, pool map[metadata.RayTracingPoolKind]*DeviceBufferPool, sizes ClusterBlasBuildSizes) (*ClusterBlasFrameBuffers, ResultCode) {
	buffers := &ClusterBlasFrameBuffers{}
	allocations := []struct {
		kind   metadata.RayTracingPoolKind
		target **DeviceBuffer
		size   uint64
	}{
		{metadata.RayTracingPoolDstImplicit, &buffers.ImplicitData, sizes.ImplicitDataSizeInBytes},
		{metadata.RayTracingPoolScratch, &buffers.Scratch, sizes.ScratchDataSizeInBytes},
		{metadata.RayTracingPoolDstAddressesArray, &buffers.DstAddresses, sizes.DstAddressesSizeInBytes},
		{metadata.RayTracingPoolDstSizesArray, &buffers.DstSizes, sizes.DstSizesSizeInBytes},
		{metadata.RayTracingPoolSrcInfosArray, &buffers.SrcInfosArray, sizes.SrcInfosArraySizeInBytes},
		{metadata.RayTracingPoolSrcInfosCount, &buffers.SrcInfosCount, sizes.SrcInfosCountSizeInBytes},
	}
	for _, a := range allocations {
		buf, r := allocateFromPool(pool[a.kind], fmt.Sprintf("%s.%s[%d][%d]", b.Name(), a.kind, index, frame), a.size)
		if r != Success {
			buffers.release()
			return nil, r
		}
		*a.target = buf
	}
	return buffers, Success
}

// NextFrameBuffers advances the ring of a device and returns the buffer set
// the next build writes to.
func (b *RayTracingClusterBlas) NextFrameBuffers(index int) (*ClusterBlasFrameBuffers, ResultCode) {
	dev := b.GetDeviceClusterBlas(index)
	if dev == nil || !dev.built {
		core.LogError("cluster BLAS '%s' is not built on device %d", b.Name(), index)
		return nil, InvalidOperation
	}
	frame := dev.nextFrame()
	if frame == nil {
		return nil, Fail
	}
	return frame, Success
}

// RecordRebuild advances the ring of a device and records a new build
// into the next buffer set.
func (b *RayTracingClusterBlas) RecordRebuild(index int) ResultCode {
	frame, result := b.NextFrameBuffers(index)
	if result != Success {
		return result
	}
	dev := b.GetDeviceClusterBlas(index)
	return dev.device.Backend().RecordClusterBlasBuild(dev.device, dev, frame)
}

// AddDevice extends a built cluster BLAS to one more device.
func (b *RayTracingClusterBlas) AddDevice(index int, pools *RayTracingBufferPools) ResultCode {
	if result := b.validateIndex(index); result != Success {
		return result
	}
	if !b.built {
		core.LogError("cannot add device %d to cluster BLAS '%s' before it is built", index, b.Name())
		return InvalidOperation
	}
	if _, ok := b.DeviceObject(index); ok {
		core.LogError("device %d is already part of cluster BLAS '%s'", index, b.Name())
		return InvalidOperation
	}
	if !core.Assert(pools != nil && pools.IsInitialized(), "cluster BLAS '%s' extended with uninitialized buffer pools", b.Name()) {
		return InvalidOperation
	}
	dev, result := b.buildDevice(index, pools)
	if dev, result = b.trackDevice(index, dev, result); result != Success {
		return result
	}
	b.failedDevices = b.failedDevices.Without(index)
	return b.MultiDeviceObject.AddDevice(index, dev)
}

func (b *RayTracingClusterBlas) RemoveDevice(index int) ResultCode {
	dev, result := b.MultiDeviceObject.RemoveDevice(index)
	if result != Success {
		return result
	}
	dev.release()
	return Success
}

func (b *RayTracingClusterBlas) releaseDevices() {
	b.IterateObjects(func(_ int, dev *DeviceRayTracingClusterBlas) bool {
		dev.release()
		return true
	})
	b.MultiDeviceObject.Shutdown()
}

func (b *RayTracingClusterBlas) Shutdown() {
	b.releaseDevices()
	b.built = false
	b.failedDevices = DeviceMaskNone
	b.descriptor = nil
}
