package rhi

import "github.com/spaghettifunk/anima-rt/engine/renderer/metadata"

// InvalidDeviceAddress is reported for buffers of a device that cannot
// address buffer memory from shaders.
const InvalidDeviceAddress = ^uint64(0)

/** @brief A backend allocation backing one DeviceBuffer. */
type DeviceMemory interface {
	/** @brief GPU virtual address, or InvalidDeviceAddress. */
	Address() uint64
	Size() uint64
}

/** @brief One physical device as seen by the ray tracing layer. */
type Device interface {
	Index() int
	Name() string
	// InitBufferPool lets the device validate or reserve resources for a pool.
	InitBufferPool(desc metadata.BufferPoolDescriptor) ResultCode
	AllocateBuffer(desc metadata.BufferDescriptor, level metadata.HeapMemoryLevel) (DeviceMemory, ResultCode)
	FreeBuffer(memory DeviceMemory)
	SupportsDeviceAddress() bool
	Backend() AccelerationStructureBackend
}

/**
 * @brief Creates and owns the devices of one graphics backend. Exactly one
 * factory exists per process and it is handed explicitly to whoever needs it.
 */
type Factory interface {
	Name() string
	DeviceCount() int
	Device(index int) (Device, bool)
	/** @brief The mask of every device the factory exposes. */
	DeviceMask() DeviceMask
	Shutdown()
}
