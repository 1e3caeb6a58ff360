package rhi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

/** @brief A TLAS instance resolved to the BLAS of one device. */
type DeviceTlasInstance struct {
	InstanceID    uint32
	HitGroupIndex uint32
	InstanceMask  uint8
	Transform     math.Mat4
	Transparent   bool
	Blas          *DeviceRayTracingBlas
	BlasAddress   uint64
}

/** @brief The TLAS of one device and the buffers backing it. */
type DeviceRayTracingTlas struct {
	deviceIndex int
	instances   []DeviceTlasInstance
	buildFlags  metadata.RayTracingAccelerationStructureBuildFlags
	buildSizes  AccelerationStructureBuildSizes

	instancesBuffer *DeviceBuffer
	scratchBuffer   *DeviceBuffer
	tlasBuffer      *DeviceBuffer
	built           bool
}

func (t *DeviceRayTracingTlas) DeviceIndex() int { return t.deviceIndex }
func (t *DeviceRayTracingTlas) Instances() []DeviceTlasInstance { return t.instances }
func (t *DeviceRayTracingTlas) BuildFlags() metadata.RayTracingAccelerationStructureBuildFlags {
	return t.buildFlags
}
func (t *DeviceRayTracingTlas) BuildSizes() AccelerationStructureBuildSizes { return t.buildSizes }
func (t *DeviceRayTracingTlas) InstancesBuffer() *DeviceBuffer { return t.instancesBuffer }
func (t *DeviceRayTracingTlas) ScratchBuffer() *DeviceBuffer { return t.scratchBuffer }
func (t *DeviceRayTracingTlas) TlasBuffer() *DeviceBuffer { return t.tlasBuffer }
func (t *DeviceRayTracingTlas) IsBuilt() bool { return t.built }

func (t *DeviceRayTracingTlas) release() {
	for _, buf := range []*DeviceBuffer{t.instancesBuffer, t.scratchBuffer, t.tlasBuffer} {
		if buf != nil {
			buf.Release()
		}
	}
	t.instancesBuffer = nil
	t.scratchBuffer = nil
	t.tlasBuffer = nil
	t.built = false
}

/**
 * @brief The top level acceleration structure of a scene, replicated on every
 * device of its mask.
 *
 * The aggregate TLAS and TLAS-instances buffers are created lazily on first
 * access, each under its own mutex. CreateBuffers must complete before any
 * reader calls the getters concurrently.
 */
type RayTracingTlas struct {
	Object
	MultiDeviceObject[*DeviceRayTracingTlas]

	buildMode     BuildMode
	failedDevices DeviceMask

	tlasBufferMutex          sync.Mutex
	tlasBuffer               atomic.Pointer[Buffer]
	tlasInstancesBufferMutex sync.Mutex
	tlasInstancesBuffer      atomic.Pointer[Buffer]
}

func NewRayTracingTlas() *RayTracingTlas {
	t := &RayTracingTlas{}
	t.initObject(t, "RayTracingTlas", t.Shutdown)
	return t
}

func (t *RayTracingTlas) SetBuildMode(mode BuildMode) {
	t.buildMode = mode
}

func (t *RayTracingTlas) FailedDevices() DeviceMask {
	return t.failedDevices
}

func (t *RayTracingTlas) GetDeviceTlas(index int) *DeviceRayTracingTlas {
	dev, ok := t.DeviceObject(index)
	if !ok {
		return nil
	}
	return dev
}

func (t *RayTracingTlas) IsValid() bool {
	if t.DeviceCount() == 0 || t.failedDevices != DeviceMaskNone {
		return false
	}
	valid := true
	t.IterateObjects(func(_ int, dev *DeviceRayTracingTlas) bool {
		valid = dev != nil && dev.built
		return valid
	})
	return valid
}

// CreateBuffers builds the TLAS of every device of mask from the descriptor
// of that device. A device without descriptor fails alone. Calling it again
// replaces the previous build, which is how a TLAS is refreshed per frame.
func (t *RayTracingTlas) CreateBuffers(mask DeviceMask, descriptors map[int]*RayTracingTlasDescriptor, pools *RayTracingBufferPools) ResultCode {
	if !core.Assert(pools != nil && pools.IsInitialized(), "TLAS '%s' built with uninitialized buffer pools", t.Name()) {
		return InvalidOperation
	}
	t.reset()

	result := t.InitDevices(mask, func(i int) (*DeviceRayTracingTlas, ResultCode) {
		dev, r := t.buildDevice(i, descriptors[i], pools)
		if r != Success {
			t.failedDevices = t.failedDevices.With(i)
			reportDeviceFailure("TLAS", t.Name(), i, r)
			core.MetricsTlasFailed()
			return nil, r
		}
		return dev, Success
	})
	if result != Success && t.buildMode == BuildModeStrict {
		core.LogWarn("TLAS '%s' failed on devices %s, tearing down devices %s", t.Name(), t.failedDevices, t.DeviceMask())
		t.releaseDevices()
	}
	return result
}

func (t *RayTracingTlas) buildDevice(index int, desc *RayTracingTlasDescriptor, pools *RayTracingBufferPools) (*DeviceRayTracingTlas, ResultCode) {
	if desc == nil {
		core.LogError("no TLAS descriptor for device %d", index)
		return nil, InvalidArgument
	}
	if err := desc.Validate(); err != nil {
		core.LogError("invalid TLAS descriptor for device %d: %s", index, err)
		return nil, InvalidArgument
	}
	devicePools := pools.GetDevicePools(index)
	if devicePools == nil || !devicePools.IsInitialized() {
		core.LogError("no ray tracing buffer pools for device %d", index)
		return nil, InvalidOperation
	}
	instancesPool, result := readyPool(devicePools, metadata.RayTracingPoolTlasInstances)
	if result != Success {
		return nil, result
	}
	tlasPool, result := readyPool(devicePools, metadata.RayTracingPoolTlas)
	if result != Success {
		return nil, result
	}
	scratchPool, result := readyPool(devicePools, metadata.RayTracingPoolScratch)
	if result != Success {
		return nil, result
	}

	dev := &DeviceRayTracingTlas{
		deviceIndex: index,
		buildFlags:  desc.BuildFlags,
		instances:   make([]DeviceTlasInstance, 0, len(desc.Instances)),
	}
	for n, inst := range desc.Instances {
		blas := inst.Blas.GetDeviceBlas(index)
		if blas == nil || !blas.IsBuilt() {
			core.LogError("instance %d of TLAS '%s' references BLAS '%s' which is not built on device %d", n, t.Name(), inst.Blas.Name(), index)
			return nil, InvalidOperation
		}
		dev.instances = append(dev.instances, DeviceTlasInstance{
			InstanceID:    inst.InstanceID,
			HitGroupIndex: inst.HitGroupIndex,
			InstanceMask:  inst.InstanceMask,
			Transform:     inst.Transform,
			Transparent:   inst.Transparent,
			Blas:          blas,
			BlasAddress:   blas.BlasBuffer().DeviceAddress(),
		})
	}

	device := devicePools.Device()
	backend := device.Backend()
	if dev.buildSizes, result = backend.TlasPrebuildInfo(device, dev); result != Success {
		return nil, result
	}
	instancesSize := uint64(len(dev.instances)) * backend.TlasInstanceStride()
	if dev.instancesBuffer, result = allocateFromPool(instancesPool, fmt.Sprintf("%s.Instances[%d]", t.Name(), index), instancesSize); result != Success {
		dev.release()
		return nil, result
	}
	if dev.scratchBuffer, result = allocateFromPool(scratchPool, fmt.Sprintf("%s.Scratch[%d]", t.Name(), index), dev.buildSizes.ScratchDataSizeInBytes); result != Success {
		dev.release()
		return nil, result
	}
	if dev.tlasBuffer, result = allocateFromPool(tlasPool, fmt.Sprintf("%s[%d]", t.Name(), index), dev.buildSizes.ResultDataMaxSizeInBytes); result != Success {
		dev.release()
		return nil, result
	}
	if result = backend.RecordTlasBuild(device, dev); result != Success {
		dev.release()
		return nil, result
	}
	dev.built = true
	core.MetricsTlasBuilt()
	return dev, Success
}

// GetTlasBuffer returns the multi-device TLAS buffer, building it on first
// use. Nil when no device is built.
func (t *RayTracingTlas) GetTlasBuffer() *Buffer {
	return t.lazyAggregate(&t.tlasBuffer, &t.tlasBufferMutex, "TlasBuffer", func(dev *DeviceRayTracingTlas) *DeviceBuffer {
		return dev.tlasBuffer
	})
}

// GetTlasInstancesBuffer returns the multi-device instance buffer, building
// it on first use. Nil when no device is built.
func (t *RayTracingTlas) GetTlasInstancesBuffer() *Buffer {
	return t.lazyAggregate(&t.tlasInstancesBuffer, &t.tlasInstancesBufferMutex, "TlasInstancesBuffer", func(dev *DeviceRayTracingTlas) *DeviceBuffer {
		return dev.instancesBuffer
	})
}

func (t *RayTracingTlas) lazyAggregate(cache *atomic.Pointer[Buffer], mutex *sync.Mutex, name string, pick func(*DeviceRayTracingTlas) *DeviceBuffer) *Buffer {
	if buf := cache.Load(); buf != nil {
		return buf
	}
	mutex.Lock()
	defer mutex.Unlock()
	if buf := cache.Load(); buf != nil {
		return buf
	}

	buf := newAggregateBuffer(fmt.Sprintf("%s.%s", t.Name(), name))
	var last *DeviceBuffer
	buf.InitDevices(t.DeviceMask(), func(i int) (*DeviceBuffer, ResultCode) {
		dev, _ := t.DeviceObject(i)
		db := pick(dev)
		if db == nil {
			return nil, InvalidOperation
		}
		last = db
		return db, Success
	})
	if last == nil {
		core.LogError("TLAS '%s' has no built device, %s unavailable", t.Name(), name)
		buf.Release()
		return nil
	}
	// the descriptor of the last device stands for all of them
	buf.descriptor = last.Descriptor()
	buf.heapMemoryLevel = last.HeapMemoryLevel()
	core.MetricsAggregateBufferBuilt()
	cache.Store(buf)
	return buf
}

func (t *RayTracingTlas) releaseAggregates() {
	for _, cache := range []*atomic.Pointer[Buffer]{&t.tlasBuffer, &t.tlasInstancesBuffer} {
		if buf := cache.Swap(nil); buf != nil {
			buf.Release()
		}
	}
}

func (t *RayTracingTlas) releaseDevices() {
	t.IterateObjects(func(_ int, dev *DeviceRayTracingTlas) bool {
		dev.release()
		return true
	})
	t.MultiDeviceObject.Shutdown()
}

func (t *RayTracingTlas) reset() {
	t.releaseAggregates()
	t.releaseDevices()
	t.failedDevices = DeviceMaskNone
}

func (t *RayTracingTlas) Shutdown() {
	t.reset()
}
