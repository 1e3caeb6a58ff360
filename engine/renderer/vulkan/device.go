package vulkan

import (
	"fmt"
	"sync/atomic"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
)

// Memory is a Vulkan buffer together with its dedicated allocation.
type Memory struct {
	Buffer vk.Buffer
	Memory vk.DeviceMemory
	size   uint64
	usage  vk.BufferUsageFlags
}

// Shader addresses need VK_KHR_buffer_device_address, which devices created
// here do not enable.
func (m *Memory) Address() uint64 { return rhi.InvalidDeviceAddress }
func (m *Memory) Size() uint64 { return m.size }
func (m *Memory) Usage() vk.BufferUsageFlags { return m.usage }

type VulkanDevice struct {
	index int
	name  string

	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device
	QueueIndex     int32
	Queue          vk.Queue

	Properties vk.PhysicalDeviceProperties

	context   *VulkanContext
	backend   *Backend
	allocated atomic.Uint64
}

func (d *VulkanDevice) Index() int { return d.index }
func (d *VulkanDevice) Name() string { return d.name }
func (d *VulkanDevice) SupportsDeviceAddress() bool { return false }
func (d *VulkanDevice) Backend() rhi.AccelerationStructureBackend { return d.backend }

// AllocatedBytes is the memory currently bound to live buffers.
func (d *VulkanDevice) AllocatedBytes() uint64 { return d.allocated.Load() }

func (d *VulkanDevice) InitBufferPool(desc metadata.BufferPoolDescriptor) rhi.ResultCode {
	if needsAccelerationStructures(desc.BindFlags) {
		core.LogWarn("%s: pool %s needs VK_KHR_acceleration_structure, which devices created here do not enable", d.name, desc.Name)
		return rhi.Unimplemented
	}
	if d.LogicalDevice == nil {
		return rhi.InvalidOperation
	}
	if BufferUsageFlags(desc.BindFlags, d.SupportsDeviceAddress()) == 0 {
		core.LogWarn("pool %s has no Vulkan usage for bind flags %s", desc.Name, desc.BindFlags)
		return rhi.InvalidArgument
	}
	return rhi.Success
}

func (d *VulkanDevice) AllocateBuffer(desc metadata.BufferDescriptor, level metadata.HeapMemoryLevel) (rhi.DeviceMemory, rhi.ResultCode) {
	usage := BufferUsageFlags(desc.BindFlags, d.SupportsDeviceAddress())
	mem := &Memory{size: desc.ByteCount, usage: usage}

	err := d.context.locks.SafeCall(BufferManagement, func() error {
		info := vk.BufferCreateInfo{
			SType:       vk.StructureTypeBufferCreateInfo,
			Size:        vk.DeviceSize(desc.ByteCount),
			Usage:       usage,
			SharingMode: vk.SharingModeExclusive,
		}
		if res := vk.CreateBuffer(d.LogicalDevice, &info, d.context.Allocator, &mem.Buffer); res != vk.Success {
			return vulkanError("vkCreateBuffer", res)
		}

		var memReqs vk.MemoryRequirements
		vk.GetBufferMemoryRequirements(d.LogicalDevice, mem.Buffer, &memReqs)
		memReqs.Deref()

		index := d.context.FindMemoryIndex(d, memReqs.MemoryTypeBits, MemoryPropertyFlags(level))
		if index == -1 {
			vk.DestroyBuffer(d.LogicalDevice, mem.Buffer, d.context.Allocator)
			return fmt.Errorf("%w: no %s memory type for buffer", core.ErrOutOfMemory, level)
		}

		allocInfo := vk.MemoryAllocateInfo{
			SType:           vk.StructureTypeMemoryAllocateInfo,
			AllocationSize:  memReqs.Size,
			MemoryTypeIndex: uint32(index),
		}
		if res := vk.AllocateMemory(d.LogicalDevice, &allocInfo, d.context.Allocator, &mem.Memory); res != vk.Success {
			vk.DestroyBuffer(d.LogicalDevice, mem.Buffer, d.context.Allocator)
			return vulkanError("vkAllocateMemory", res)
		}
		if res := vk.BindBufferMemory(d.LogicalDevice, mem.Buffer, mem.Memory, 0); res != vk.Success {
			vk.FreeMemory(d.LogicalDevice, mem.Memory, d.context.Allocator)
			vk.DestroyBuffer(d.LogicalDevice, mem.Buffer, d.context.Allocator)
			return vulkanError("vkBindBufferMemory", res)
		}
		return nil
	})
	if err != nil {
		core.LogError("%s: buffer allocation of %d bytes failed: %s", d.name, desc.ByteCount, err)
		if res, ok := err.(*resultError); ok {
			return nil, ResultCode(res.result)
		}
		return nil, rhi.OutOfMemory
	}
	d.allocated.Add(desc.ByteCount)
	return mem, rhi.Success
}

func (d *VulkanDevice) FreeBuffer(memory rhi.DeviceMemory) {
	mem, ok := memory.(*Memory)
	if !ok || mem == nil {
		return
	}
	freed := false
	_ = d.context.locks.SafeCall(BufferManagement, func() error {
		if mem.Buffer != vk.NullBuffer {
			freed = true
			vk.DestroyBuffer(d.LogicalDevice, mem.Buffer, d.context.Allocator)
			mem.Buffer = vk.NullBuffer
		}
		if mem.Memory != vk.NullDeviceMemory {
			vk.FreeMemory(d.LogicalDevice, mem.Memory, d.context.Allocator)
			mem.Memory = vk.NullDeviceMemory
		}
		return nil
	})
	if freed {
		d.allocated.Add(^(mem.size - 1))
	}
}

type resultError struct {
	call   string
	result vk.Result
}

func (e *resultError) Error() string {
	return fmt.Sprintf("%s failed with %s", e.call, VulkanResultString(e.result, false))
}

func vulkanError(call string, result vk.Result) error {
	return &resultError{call: call, result: result}
}

// queueFamilyFor returns the first queue family able to record builds:
// compute if available, otherwise graphics.
func queueFamilyFor(physicalDevice vk.PhysicalDevice) int32 {
	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(physicalDevice, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(physicalDevice, &queueFamilyCount, queueFamilies)

	graphics := int32(-1)
	for i := range queueFamilies {
		queueFamilies[i].Deref()
		if queueFamilies[i].QueueFlags&vk.QueueFlags(vk.QueueComputeBit) > 0 {
			return int32(i)
		}
		if graphics == -1 && queueFamilies[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) > 0 {
			graphics = int32(i)
		}
	}
	return graphics
}

func logDeviceProperties(properties *vk.PhysicalDeviceProperties, name string) {
	switch properties.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		core.LogInfo("%s: GPU type is Integrated.", name)
	case vk.PhysicalDeviceTypeDiscreteGpu:
		core.LogInfo("%s: GPU type is Discrete.", name)
	case vk.PhysicalDeviceTypeVirtualGpu:
		core.LogInfo("%s: GPU type is Virtual.", name)
	case vk.PhysicalDeviceTypeCpu:
		core.LogInfo("%s: GPU type is CPU.", name)
	default:
		core.LogInfo("%s: GPU type is Unknown.", name)
	}
	core.LogInfo(
		"%s: Vulkan API version: %d.%d.%d",
		name,
		vk.Version.Major(vk.Version(properties.ApiVersion)),
		vk.Version.Minor(vk.Version(properties.ApiVersion)),
		vk.Version.Patch(vk.Version(properties.ApiVersion)),
	)
}

// SelectPhysicalDevices enumerates every physical device with a queue able
// to record acceleration-structure builds, up to maxCount.
func SelectPhysicalDevices(context *VulkanContext, maxCount int) ([]vk.PhysicalDevice, error) {
	var physicalDeviceCount uint32
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, nil); res != vk.Success {
		return nil, vulkanError("vkEnumeratePhysicalDevices", res)
	}
	if physicalDeviceCount == 0 {
		return nil, fmt.Errorf("%w: no devices which support Vulkan were found", core.ErrDeviceMissing)
	}

	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return nil, vulkanError("vkEnumeratePhysicalDevices", res)
	}

	selected := make([]vk.PhysicalDevice, 0, maxCount)
	for _, pd := range physicalDevices {
		if len(selected) == maxCount {
			break
		}
		if queueFamilyFor(pd) == -1 {
			continue
		}
		selected = append(selected, pd)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no Vulkan device exposes a compute or graphics queue", core.ErrDeviceMissing)
	}
	return selected, nil
}

// DeviceCreate creates the logical device and queue of one physical device.
func DeviceCreate(context *VulkanContext, index int, physicalDevice vk.PhysicalDevice) (*VulkanDevice, error) {
	device := &VulkanDevice{
		index:          index,
		PhysicalDevice: physicalDevice,
		QueueIndex:     queueFamilyFor(physicalDevice),
		context:        context,
	}

	vk.GetPhysicalDeviceProperties(physicalDevice, &device.Properties)
	device.Properties.Deref()
	end := FindFirstZeroInByteArray(device.Properties.DeviceName[:])
	device.name = fmt.Sprintf("vulkan-%d (%s)", index, vk.ToString(device.Properties.DeviceName[:end]))
	logDeviceProperties(&device.Properties, device.name)

	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: uint32(device.QueueIndex),
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}
	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queueCreateInfos)),
		PQueueCreateInfos:    queueCreateInfos,
	}

	err := context.locks.SafeCall(DeviceManagement, func() error {
		if res := vk.CreateDevice(physicalDevice, &deviceCreateInfo, context.Allocator, &device.LogicalDevice); res != vk.Success {
			return vulkanError("vkCreateDevice", res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	context.locks.SetQueueFamily(uint32(device.QueueIndex))

	vk.GetDeviceQueue(device.LogicalDevice, uint32(device.QueueIndex), 0, &device.Queue)
	core.LogInfo("%s: logical device created.", device.name)
	return device, nil
}

func DeviceDestroy(context *VulkanContext, device *VulkanDevice) {
	device.Queue = nil
	if device.LogicalDevice != nil {
		core.LogInfo("Destroying logical device %s...", device.name)
		vk.DeviceWaitIdle(device.LogicalDevice)
		vk.DestroyDevice(device.LogicalDevice, context.Allocator)
		device.LogicalDevice = nil
	}
	// Physical devices are not destroyed.
	device.PhysicalDevice = nil
	device.QueueIndex = -1
	if leaked := device.AllocatedBytes(); leaked > 0 {
		core.LogWarn("%s destroyed with %d bytes still allocated", device.name, leaked)
	}
}
