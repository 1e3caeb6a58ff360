package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
)

const engineName = "Anima RT"

type BuildKind int

const (
	BuildKindBlas BuildKind = iota
	BuildKindBlasCompaction
	BuildKindTlas
)

func (k BuildKind) String() string {
	switch k {
	case BuildKindBlas:
		return "blas"
	case BuildKindBlasCompaction:
		return "blas-compaction"
	case BuildKindTlas:
		return "tlas"
	default:
		return "unknown"
	}
}

// RecordedBuild is one acceleration-structure command waiting for submission.
type RecordedBuild struct {
	Kind           BuildKind
	DeviceIndex    int
	PrimitiveCount uint32
	Sizes          rhi.AccelerationStructureBuildSizes
	Source         *rhi.DeviceBuffer
	Destination    *rhi.DeviceBuffer
	Scratch        *rhi.DeviceBuffer
}

/**
 * @brief Records acceleration-structure builds per device. Nothing is
 * executed until Submit drains the device's pending list on its queue.
 */
type Backend struct {
	rhi.BackendBase

	locks   *VulkanLockPool
	mu      sync.Mutex
	pending map[int][]RecordedBuild
}

func NewBackend(locks *VulkanLockPool) *Backend {
	return &Backend{
		locks:   locks,
		pending: make(map[int][]RecordedBuild),
	}
}

func (b *Backend) Name() string { return "vulkan" }

func (b *Backend) PoolBindFlags(kind metadata.RayTracingPoolKind) metadata.BufferBindFlags {
	flags := rhi.DefaultPoolBindFlags(kind)
	// instance and source-info records are written by the host before the build
	switch kind {
	case metadata.RayTracingPoolTlasInstances, metadata.RayTracingPoolSrcInfosArray, metadata.RayTracingPoolSrcInfosCount:
		flags |= metadata.BufferBindFlagsCopyRead
	}
	return flags
}

func (b *Backend) TlasInstanceStride() uint64 { return rhi.TlasInstanceRecordSize }

func (b *Backend) record(build RecordedBuild) rhi.ResultCode {
	if build.Destination == nil {
		return rhi.InvalidArgument
	}
	_ = b.locks.SafeCall(CommandRecording, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.pending[build.DeviceIndex] = append(b.pending[build.DeviceIndex], build)
		return nil
	})
	return rhi.Success
}

// Pending returns a copy of the commands recorded for a device.
func (b *Backend) Pending(deviceIndex int) []RecordedBuild {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordedBuild(nil), b.pending[deviceIndex]...)
}

// Submit drains the pending commands of a device on its queue.
func (b *Backend) Submit(device rhi.Device) ([]RecordedBuild, error) {
	var queueFamily uint32
	if vd, ok := device.(*VulkanDevice); ok && vd.QueueIndex >= 0 {
		queueFamily = uint32(vd.QueueIndex)
	}
	var drained []RecordedBuild
	err := b.locks.SafeQueueCall(queueFamily, func() error {
		b.mu.Lock()
		drained = b.pending[device.Index()]
		delete(b.pending, device.Index())
		b.mu.Unlock()
		if vd, ok := device.(*VulkanDevice); ok && vd.Queue != nil {
			if res := vk.QueueWaitIdle(vd.Queue); res != vk.Success {
				return vulkanError("vkQueueWaitIdle", res)
			}
		}
		return nil
	})
	if len(drained) > 0 {
		core.LogDebug("%s: submitted %d acceleration structure builds", device.Name(), len(drained))
	}
	return drained, err
}

func (b *Backend) BlasPrebuildInfo(device rhi.Device, blas *rhi.DeviceRayTracingBlas) (rhi.AccelerationStructureBuildSizes, rhi.ResultCode) {
	return rhi.EstimateBlasBuildSizes(blas), rhi.Success
}

func (b *Backend) RecordBlasBuild(device rhi.Device, blas *rhi.DeviceRayTracingBlas) rhi.ResultCode {
	primitives := uint32(0)
	if blas.Aabb() != nil {
		primitives = 1
	}
	for _, g := range blas.Geometries() {
		primitives += g.TriangleCount()
	}
	return b.record(RecordedBuild{
		Kind:           BuildKindBlas,
		DeviceIndex:    device.Index(),
		PrimitiveCount: primitives,
		Sizes:          blas.BuildSizes(),
		Source:         blas.AabbBuffer(),
		Destination:    blas.BlasBuffer(),
		Scratch:        blas.ScratchBuffer(),
	})
}

func (b *Backend) RecordBlasCompaction(device rhi.Device, source, compacted *rhi.DeviceRayTracingBlas) rhi.ResultCode {
	if source == nil || source.BlasBuffer() == nil {
		return rhi.InvalidArgument
	}
	return b.record(RecordedBuild{
		Kind:        BuildKindBlasCompaction,
		DeviceIndex: device.Index(),
		Sizes:       compacted.BuildSizes(),
		Source:      source.BlasBuffer(),
		Destination: compacted.BlasBuffer(),
	})
}

// Cluster acceleration structures need VK_NV_cluster_acceleration_structure.
func (b *Backend) ClusterBlasPrebuildInfo(rhi.Device, *rhi.RayTracingClusterBlasDescriptor) (rhi.ClusterBlasBuildSizes, rhi.ResultCode) {
	return rhi.ClusterBlasBuildSizes{}, rhi.Unimplemented
}

func (b *Backend) RecordClusterBlasBuild(rhi.Device, *rhi.DeviceRayTracingClusterBlas, *rhi.ClusterBlasFrameBuffers) rhi.ResultCode {
	return rhi.Unimplemented
}

func (b *Backend) TlasPrebuildInfo(device rhi.Device, tlas *rhi.DeviceRayTracingTlas) (rhi.AccelerationStructureBuildSizes, rhi.ResultCode) {
	return rhi.EstimateTlasBuildSizes(tlas), rhi.Success
}

func (b *Backend) RecordTlasBuild(device rhi.Device, tlas *rhi.DeviceRayTracingTlas) rhi.ResultCode {
	return b.record(RecordedBuild{
		Kind:           BuildKindTlas,
		DeviceIndex:    device.Index(),
		PrimitiveCount: uint32(len(tlas.Instances())),
		Sizes:          tlas.BuildSizes(),
		Source:         tlas.InstancesBuffer(),
		Destination:    tlas.TlasBuffer(),
		Scratch:        tlas.ScratchBuffer(),
	})
}

/** @brief Headless Vulkan instance exposing one rhi.Device per GPU. */
type Factory struct {
	context *VulkanContext
	backend *Backend
}

// NewFactory loads the Vulkan loader, creates an instance without surface
// extensions and a logical device on up to deviceCount physical devices.
func NewFactory(deviceCount int) (*Factory, error) {
	if deviceCount <= 0 || deviceCount > rhi.MaxDeviceCount {
		return nil, fmt.Errorf("%w: vulkan device count %d outside [1, %d]", core.ErrInvalidArgument, deviceCount, rhi.MaxDeviceCount)
	}
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("%w: vulkan loader: %s", core.ErrDeviceMissing, err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize vk: %s", core.ErrDeviceMissing, err)
	}

	context := &VulkanContext{locks: NewVulkanLockPool()}
	f := &Factory{context: context, backend: NewBackend(context.locks)}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(engineName),
		PEngineName:        VulkanSafeString(engineName),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}
	err := context.locks.SafeCall(InstanceManagement, func() error {
		if res := vk.CreateInstance(&createInfo, context.Allocator, &context.Instance); res != vk.Success {
			return vulkanError("vkCreateInstance", res)
		}
		return vk.InitInstance(context.Instance)
	})
	if err != nil {
		core.LogError("failed in creating the Vulkan Instance: %s", err)
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceMissing, err)
	}
	core.LogInfo("Vulkan Instance created.")

	physicalDevices, err := SelectPhysicalDevices(context, deviceCount)
	if err != nil {
		f.Shutdown()
		return nil, err
	}
	if len(physicalDevices) < deviceCount {
		core.LogWarn("requested %d Vulkan devices, %d available", deviceCount, len(physicalDevices))
	}
	for i, pd := range physicalDevices {
		device, err := DeviceCreate(context, i, pd)
		if err != nil {
			f.Shutdown()
			return nil, err
		}
		device.backend = f.backend
		context.Devices = append(context.Devices, device)
	}
	return f, nil
}

func (f *Factory) Name() string { return "vulkan" }
func (f *Factory) DeviceCount() int { return len(f.context.Devices) }
func (f *Factory) DeviceMask() rhi.DeviceMask { return rhi.DeviceMaskAll(len(f.context.Devices)) }

func (f *Factory) Device(index int) (rhi.Device, bool) {
	if index < 0 || index >= len(f.context.Devices) {
		return nil, false
	}
	return f.context.Devices[index], true
}

// Backend exposes the command recorder shared by every device.
func (f *Factory) Backend() *Backend { return f.backend }

// Submit drains the recorded builds of every device.
func (f *Factory) Submit() error {
	for _, device := range f.context.Devices {
		if _, err := f.backend.Submit(device); err != nil {
			return err
		}
	}
	return nil
}

func (f *Factory) Shutdown() {
	for _, device := range f.context.Devices {
		DeviceDestroy(f.context, device)
	}
	f.context.Devices = nil
	if f.context.Instance != nil {
		core.LogInfo("Destroying Vulkan instance...")
		vk.DestroyInstance(f.context.Instance, f.context.Allocator)
		f.context.Instance = nil
	}
}
