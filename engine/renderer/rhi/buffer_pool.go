package rhi

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

/**
 * @brief Allocates buffers of one usage category on one device. Allocation
 * is guarded by a mutex because BLAS builds of different meshes may run on
 * different workers against the same pool.
 */
type DeviceBufferPool struct {
	Object

	mutex       sync.Mutex
	device      Device
	descriptor  metadata.BufferPoolDescriptor
	initialized bool
	usage       uint64
	buffers     map[*DeviceBuffer]struct{}
}

func NewDeviceBufferPool() *DeviceBufferPool {
	p := &DeviceBufferPool{}
	p.initObject(p, "DeviceBufferPool", p.Shutdown)
	return p
}

func (p *DeviceBufferPool) Init(device Device, desc metadata.BufferPoolDescriptor) ResultCode {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !core.Assert(device != nil, "buffer pool initialized without a device") {
		return InvalidArgument
	}
	if p.initialized {
		core.LogError("buffer pool '%s' is already initialized", p.Name())
		return InvalidOperation
	}
	p.SetName(desc.Name)
	// the descriptor is kept even on failure so aggregates can report it
	p.descriptor = desc
	p.descriptor.Name = p.Name()
	if result := device.InitBufferPool(p.descriptor); result != Success {
		return result
	}
	p.device = device
	p.buffers = make(map[*DeviceBuffer]struct{})
	p.usage = 0
	p.initialized = true
	return Success
}

func (p *DeviceBufferPool) IsInitialized() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.initialized
}

func (p *DeviceBufferPool) Descriptor() metadata.BufferPoolDescriptor {
	return p.descriptor
}

func (p *DeviceBufferPool) Device() Device {
	return p.device
}

// Usage returns the bytes currently handed out by the pool.
func (p *DeviceBufferPool) Usage() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.usage
}

func (p *DeviceBufferPool) BufferCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.buffers)
}

// InitBuffer allocates memory for buf and binds it to the pool.
func (p *DeviceBufferPool) InitBuffer(buf *DeviceBuffer, desc metadata.BufferDescriptor) ResultCode {
	if !core.Assert(buf != nil, "nil buffer passed to pool '%s'", p.Name()) {
		return InvalidArgument
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.initialized {
		core.LogError("buffer pool '%s' is not initialized", p.Name())
		return InvalidOperation
	}
	if buf.pool != nil {
		core.LogError("buffer '%s' is already bound to pool '%s'", buf.Name(), buf.pool.Name())
		return InvalidOperation
	}
	if desc.ByteCount == 0 {
		core.LogError("buffer '%s' requested with a zero byte count", buf.Name())
		return InvalidArgument
	}
	if !p.descriptor.BindFlags.Has(desc.BindFlags) {
		core.LogError("bind flags %s of buffer '%s' are not supported by pool '%s' (%s)", desc.BindFlags, buf.Name(), p.Name(), p.descriptor.BindFlags)
		return InvalidArgument
	}
	if p.descriptor.BudgetInBytes != 0 && p.usage+desc.ByteCount > p.descriptor.BudgetInBytes {
		core.LogError("pool '%s' is out of budget: %d + %d > %d bytes", p.Name(), p.usage, desc.ByteCount, p.descriptor.BudgetInBytes)
		return OutOfMemory
	}

	memory, result := p.device.AllocateBuffer(desc, p.descriptor.HeapMemoryLevel)
	if result != Success {
		core.LogError("device %d failed to allocate %d bytes for buffer '%s': %s", p.device.Index(), desc.ByteCount, buf.Name(), result)
		return result
	}
	buf.bind(p, p.device, desc, p.descriptor.HeapMemoryLevel, memory)
	p.buffers[buf] = struct{}{}
	p.usage += desc.ByteCount
	core.MetricsBufferAllocated()
	return Success
}

// ShutdownBuffer returns the memory of buf to the device.
func (p *DeviceBufferPool) ShutdownBuffer(buf *DeviceBuffer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.releaseBuffer(buf)
}

func (p *DeviceBufferPool) releaseBuffer(buf *DeviceBuffer) {
	if _, ok := p.buffers[buf]; !ok {
		return
	}
	delete(p.buffers, buf)
	p.usage -= buf.descriptor.ByteCount
	p.device.FreeBuffer(buf.memory)
	buf.unbind()
	core.MetricsBufferReleased()
}

// Shutdown invalidates every buffer the pool created.
func (p *DeviceBufferPool) Shutdown() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for buf := range p.buffers {
		p.releaseBuffer(buf)
	}
	p.initialized = false
}

/** @brief A buffer pool replicated on every device of its mask. */
type BufferPool struct {
	Object
	MultiDeviceObject[*DeviceBufferPool]

	descriptor metadata.BufferPoolDescriptor
	// false when the device pools are owned by RayTracingBufferPools
	ownsDevicePools bool

	buffersMutex sync.Mutex
	buffers      map[*Buffer]struct{}
}

func NewBufferPool() *BufferPool {
	p := &BufferPool{buffers: make(map[*Buffer]struct{})}
	p.initObject(p, "BufferPool", p.Shutdown)
	return p
}

// Init creates one device pool per device of mask through the factory.
func (p *BufferPool) Init(factory Factory, mask DeviceMask, desc metadata.BufferPoolDescriptor) ResultCode {
	if !core.Assert(factory != nil, "buffer pool '%s' initialized without a factory", desc.Name) {
		return InvalidArgument
	}
	p.SetName(desc.Name)
	p.descriptor = desc
	p.descriptor.Name = p.Name()
	p.ownsDevicePools = true
	return p.InitDevices(mask, func(i int) (*DeviceBufferPool, ResultCode) {
		device, ok := factory.Device(i)
		if !ok {
			core.LogError("%s: device %d of pool '%s'", core.ErrDeviceMissing, i, p.Name())
			return nil, InvalidArgument
		}
		devicePool := NewDeviceBufferPool()
		deviceDesc := p.descriptor
		deviceDesc.Name = fmt.Sprintf("%s[%d]", p.Name(), i)
		if result := devicePool.Init(device, deviceDesc); result != Success {
			core.LogError("failed to initialize pool '%s' on device %d: %s", p.Name(), i, result)
			devicePool.Release()
			return nil, result
		}
		return devicePool, Success
	})
}

// InitFromDevicePools builds an aggregate over device pools owned
// elsewhere. The descriptor is copied from the last device pool.
func (p *BufferPool) InitFromDevicePools(mask DeviceMask, devicePool func(deviceIndex int) *DeviceBufferPool) ResultCode {
	var last *DeviceBufferPool
	result := p.InitDevices(mask, func(i int) (*DeviceBufferPool, ResultCode) {
		dp := devicePool(i)
		if dp == nil {
			return nil, InvalidArgument
		}
		last = dp
		return dp, Success
	})
	if last != nil {
		p.descriptor = last.Descriptor()
	}
	p.ownsDevicePools = false
	return result
}

func (p *BufferPool) Descriptor() metadata.BufferPoolDescriptor {
	return p.descriptor
}

func (p *BufferPool) GetDevicePool(index int) *DeviceBufferPool {
	dp, ok := p.DeviceObject(index)
	if !ok {
		return nil
	}
	return dp
}

// InitBuffer allocates buf on every device of the pool. Either every device
// allocates or none does.
func (p *BufferPool) InitBuffer(buf *Buffer, desc metadata.BufferDescriptor) ResultCode {
	if !core.Assert(buf != nil, "nil buffer passed to pool '%s'", p.Name()) {
		return InvalidArgument
	}
	if !p.IsInitialized() || p.DeviceCount() == 0 {
		core.LogError("buffer pool '%s' is not initialized", p.Name())
		return InvalidOperation
	}
	if buf.pool != nil || buf.invalidated || buf.IsInitialized() {
		core.LogError("buffer '%s' cannot be initialized twice", buf.Name())
		return InvalidOperation
	}

	buf.descriptor = desc
	buf.heapMemoryLevel = p.descriptor.HeapMemoryLevel
	result := buf.InitDevices(p.DeviceMask(), func(i int) (*DeviceBuffer, ResultCode) {
		db := NewDeviceBuffer()
		db.SetName(fmt.Sprintf("%s[%d]", buf.Name(), i))
		if r := p.GetDevicePool(i).InitBuffer(db, desc); r != Success {
			db.Release()
			return nil, r
		}
		return db, Success
	})
	if result == Success {
		result = buf.checkReplication()
	}
	if result != Success {
		buf.shutdownDevices()
		return result
	}
	buf.pool = p
	p.buffersMutex.Lock()
	p.buffers[buf] = struct{}{}
	p.buffersMutex.Unlock()
	return Success
}

func (p *BufferPool) forgetBuffer(buf *Buffer) {
	p.buffersMutex.Lock()
	delete(p.buffers, buf)
	p.buffersMutex.Unlock()
}

func (p *BufferPool) Shutdown() {
	p.buffersMutex.Lock()
	live := make([]*Buffer, 0, len(p.buffers))
	for buf := range p.buffers {
		live = append(live, buf)
	}
	p.buffersMutex.Unlock()
	for _, buf := range live {
		buf.Shutdown()
	}
	if p.ownsDevicePools {
		p.IterateObjects(func(_ int, dp *DeviceBufferPool) bool {
			dp.Release()
			return true
		})
	}
	p.MultiDeviceObject.Shutdown()
}
