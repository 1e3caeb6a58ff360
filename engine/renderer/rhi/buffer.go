package rhi

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// HashBufferDescriptor hashes the fields that define a buffer's shape. The
// backing memory plays no part, so equal descriptors always hash equally.
func HashBufferDescriptor(desc metadata.BufferDescriptor, level metadata.HeapMemoryLevel) uint64 {
	var data [13]byte
	binary.LittleEndian.PutUint64(data[0:8], desc.ByteCount)
	binary.LittleEndian.PutUint32(data[8:12], uint32(desc.BindFlags))
	data[12] = byte(level)
	h := fnv.New64a()
	h.Write(data[:])
	return h.Sum64()
}

/** @brief One physical device's linear memory region. */
type DeviceBuffer struct {
	Object

	descriptor      metadata.BufferDescriptor
	heapMemoryLevel metadata.HeapMemoryLevel

	pool   *DeviceBufferPool
	device Device
	memory DeviceMemory
}

func NewDeviceBuffer() *DeviceBuffer {
	b := &DeviceBuffer{}
	b.initObject(b, "DeviceBuffer", b.Shutdown)
	return b
}

// SetDescriptor is only allowed while the buffer is not bound to a pool.
func (b *DeviceBuffer) SetDescriptor(desc metadata.BufferDescriptor) ResultCode {
	if b.pool != nil {
		core.LogError("cannot change the descriptor of buffer '%s' once it is bound to pool '%s'", b.Name(), b.pool.Name())
		return InvalidOperation
	}
	b.descriptor = desc
	return Success
}

func (b *DeviceBuffer) Descriptor() metadata.BufferDescriptor {
	return b.descriptor
}

func (b *DeviceBuffer) HeapMemoryLevel() metadata.HeapMemoryLevel {
	return b.heapMemoryLevel
}

func (b *DeviceBuffer) Pool() *DeviceBufferPool {
	return b.pool
}

func (b *DeviceBuffer) Memory() DeviceMemory {
	return b.memory
}

func (b *DeviceBuffer) IsInitialized() bool {
	return b.memory != nil
}

// DeviceIndex returns -1 for buffers not bound to a device.
func (b *DeviceBuffer) DeviceIndex() int {
	if b.device == nil {
		return -1
	}
	return b.device.Index()
}

func (b *DeviceBuffer) DeviceAddress() uint64 {
	if b.memory == nil || b.device == nil || !b.device.SupportsDeviceAddress() {
		return InvalidDeviceAddress
	}
	return b.memory.Address()
}

func (b *DeviceBuffer) GetHash() uint64 {
	return HashBufferDescriptor(b.descriptor, b.heapMemoryLevel)
}

func (b *DeviceBuffer) bind(pool *DeviceBufferPool, device Device, desc metadata.BufferDescriptor, level metadata.HeapMemoryLevel, memory DeviceMemory) {
	b.pool = pool
	b.device = device
	b.descriptor = desc
	b.heapMemoryLevel = level
	b.memory = memory
}

func (b *DeviceBuffer) unbind() {
	b.pool = nil
	b.device = nil
	b.memory = nil
}

// GetBufferView creates a view over a sub-range of the buffer. The view
// keeps the buffer alive until it is released.
func (b *DeviceBuffer) GetBufferView(desc metadata.BufferViewDescriptor) (*DeviceBufferView, ResultCode) {
	if !b.IsInitialized() {
		core.LogError("cannot create a view of uninitialized buffer '%s'", b.Name())
		return nil, InvalidOperation
	}
	if desc.ElementSize == 0 || desc.ElementCount == 0 {
		core.LogError("empty view requested on buffer '%s'", b.Name())
		return nil, InvalidArgument
	}
	if end := desc.ByteOffset() + desc.ByteCount(); end > b.descriptor.ByteCount {
		core.LogError("view [%d, %d) exceeds the %d bytes of buffer '%s'", desc.ByteOffset(), end, b.descriptor.ByteCount, b.Name())
		return nil, InvalidArgument
	}
	return newDeviceBufferView(b, desc), Success
}

// Invalidate releases the memory back to the pool. Later operations on the
// buffer fail until it is initialized again.
func (b *DeviceBuffer) Invalidate() {
	if b.pool != nil {
		b.pool.ShutdownBuffer(b)
	}
}

func (b *DeviceBuffer) Shutdown() {
	b.Invalidate()
}

/**
 * @brief A buffer replicated on every device of its mask. All device buffers
 * share the same descriptor and memory level.
 */
type Buffer struct {
	Object
	MultiDeviceObject[*DeviceBuffer]

	descriptor      metadata.BufferDescriptor
	heapMemoryLevel metadata.HeapMemoryLevel
	pool            *BufferPool

	// aggregate buffers reference device buffers owned by someone else
	aggregate   bool
	invalidated bool
}

func NewBuffer() *Buffer {
	b := &Buffer{}
	b.initObject(b, "Buffer", b.Shutdown)
	return b
}

func newAggregateBuffer(name string) *Buffer {
	b := NewBuffer()
	b.SetName(name)
	b.aggregate = true
	return b
}

// SetDescriptor is only allowed while the buffer is not bound to a pool.
func (b *Buffer) SetDescriptor(desc metadata.BufferDescriptor) ResultCode {
	if b.pool != nil {
		core.LogError("cannot change the descriptor of buffer '%s' once it is bound to pool '%s'", b.Name(), b.pool.Name())
		return InvalidOperation
	}
	b.descriptor = desc
	return Success
}

func (b *Buffer) Descriptor() metadata.BufferDescriptor {
	return b.descriptor
}

func (b *Buffer) HeapMemoryLevel() metadata.HeapMemoryLevel {
	return b.heapMemoryLevel
}

func (b *Buffer) Pool() *BufferPool {
	return b.pool
}

func (b *Buffer) GetDeviceBuffer(index int) *DeviceBuffer {
	db, ok := b.DeviceObject(index)
	if !ok {
		return nil
	}
	return db
}

func (b *Buffer) GetHash() uint64 {
	return HashBufferDescriptor(b.descriptor, b.heapMemoryLevel)
}

// GetDeviceAddress maps every device of the buffer to its GPU address.
func (b *Buffer) GetDeviceAddress() map[int]uint64 {
	addresses := make(map[int]uint64, b.DeviceCount())
	b.IterateObjects(func(i int, db *DeviceBuffer) bool {
		addresses[i] = db.DeviceAddress()
		return true
	})
	return addresses
}

func (b *Buffer) IsValid() bool {
	if b.invalidated || b.DeviceCount() == 0 {
		return false
	}
	valid := true
	b.IterateObjects(func(_ int, db *DeviceBuffer) bool {
		valid = db.IsInitialized()
		return valid
	})
	return valid
}

// checkReplication verifies every device buffer carries the same descriptor.
func (b *Buffer) checkReplication() ResultCode {
	result := Success
	b.IterateObjects(func(i int, db *DeviceBuffer) bool {
		d := db.Descriptor()
		if d.ByteCount != b.descriptor.ByteCount || d.BindFlags != b.descriptor.BindFlags || db.HeapMemoryLevel() != b.heapMemoryLevel {
			core.LogError("device %d of buffer '%s' diverges from the multi-device descriptor", i, b.Name())
			result = InvalidArgument
			return false
		}
		return true
	})
	return result
}

// GetBufferView creates one device view per device of the buffer.
func (b *Buffer) GetBufferView(desc metadata.BufferViewDescriptor) (*BufferView, ResultCode) {
	if b.invalidated || !b.IsInitialized() {
		core.LogError("cannot create a view of invalid buffer '%s'", b.Name())
		return nil, InvalidOperation
	}
	view := newBufferView(b, desc)
	result := view.InitDevices(b.DeviceMask(), func(i int) (*DeviceBufferView, ResultCode) {
		return b.GetDeviceBuffer(i).GetBufferView(desc)
	})
	if result != Success {
		view.Release()
		return nil, result
	}
	return view, Success
}

// shutdownDevices drops the buffer's reference on every device buffer. A
// device buffer still referenced by a view keeps its memory until the view
// is released or its pool shuts down.
func (b *Buffer) shutdownDevices() {
	b.IterateObjects(func(_ int, db *DeviceBuffer) bool {
		if !b.aggregate {
			db.Release()
		}
		return true
	})
	b.MultiDeviceObject.Shutdown()
}

// Invalidate clears the per-device table. Every later operation on the
// buffer is an error.
func (b *Buffer) Invalidate() {
	b.shutdownDevices()
	b.invalidated = true
}

func (b *Buffer) Shutdown() {
	if b.pool != nil {
		b.pool.forgetBuffer(b)
	}
	b.Invalidate()
	b.pool = nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s(%d bytes, %s, %s, devices %s)", b.Name(), b.descriptor.ByteCount, b.descriptor.BindFlags, b.heapMemoryLevel, b.DeviceMask())
}
