package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// Usage bits of VK_KHR_buffer_device_address, VK_KHR_acceleration_structure
// and VK_KHR_ray_tracing_pipeline.
const (
	BufferUsageShaderBindingTableBit                      vk.BufferUsageFlagBits = 0x00000400
	BufferUsageShaderDeviceAddressBit                     vk.BufferUsageFlagBits = 0x00020000
	BufferUsageAccelerationStructureBuildInputReadOnlyBit vk.BufferUsageFlagBits = 0x00080000
	BufferUsageAccelerationStructureStorageBit            vk.BufferUsageFlagBits = 0x00100000
)

const addressableFlags = metadata.BufferBindFlagsRayTracingAccelerationStructure |
	metadata.BufferBindFlagsRayTracingShaderTable |
	metadata.BufferBindFlagsRayTracingScratchBuffer |
	metadata.BufferBindFlagsRayTracingBuildInput

// rayTracingFlags need usage bits that are only valid on a device created
// with the acceleration-structure extension and feature enabled.
const rayTracingFlags = metadata.BufferBindFlagsRayTracingAccelerationStructure |
	metadata.BufferBindFlagsRayTracingShaderTable |
	metadata.BufferBindFlagsRayTracingBuildInput

// needsAccelerationStructures reports whether a pool with these bind flags
// can only be backed by a ray-tracing capable device. goki/vulkan carries no
// VkPhysicalDeviceAccelerationStructureFeaturesKHR binding, so the feature
// cannot be enabled at device creation.
func needsAccelerationStructures(flags metadata.BufferBindFlags) bool {
	return flags&rayTracingFlags != 0
}

// BufferUsageFlags translates bind flags to Vulkan buffer usage. The device
// address bit is only requested when the device supports it.
func BufferUsageFlags(flags metadata.BufferBindFlags, deviceAddress bool) vk.BufferUsageFlags {
	var usage vk.BufferUsageFlagBits
	if flags.Has(metadata.BufferBindFlagsInputAssembly) || flags.Has(metadata.BufferBindFlagsDynamicInputAssembly) {
		usage |= vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit
	}
	if flags.Has(metadata.BufferBindFlagsConstant) {
		usage |= vk.BufferUsageUniformBufferBit
	}
	if flags&metadata.BufferBindFlagsShaderReadWrite != 0 || flags.Has(metadata.BufferBindFlagsRayTracingScratchBuffer) {
		usage |= vk.BufferUsageStorageBufferBit
	}
	if flags.Has(metadata.BufferBindFlagsCopyRead) {
		usage |= vk.BufferUsageTransferSrcBit
	}
	if flags.Has(metadata.BufferBindFlagsCopyWrite) {
		usage |= vk.BufferUsageTransferDstBit
	}
	if flags.Has(metadata.BufferBindFlagsIndirect) {
		usage |= vk.BufferUsageIndirectBufferBit
	}
	if flags.Has(metadata.BufferBindFlagsRayTracingAccelerationStructure) {
		usage |= BufferUsageAccelerationStructureStorageBit
	}
	if flags.Has(metadata.BufferBindFlagsRayTracingShaderTable) {
		usage |= BufferUsageShaderBindingTableBit
	}
	if flags.Has(metadata.BufferBindFlagsRayTracingBuildInput) {
		usage |= BufferUsageAccelerationStructureBuildInputReadOnlyBit
	}
	if deviceAddress && flags&addressableFlags != 0 {
		usage |= BufferUsageShaderDeviceAddressBit
	}
	return vk.BufferUsageFlags(usage)
}

// MemoryPropertyFlags returns the memory properties a heap level requires.
func MemoryPropertyFlags(level metadata.HeapMemoryLevel) vk.MemoryPropertyFlags {
	if level == metadata.HeapMemoryLevelHost {
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
}
