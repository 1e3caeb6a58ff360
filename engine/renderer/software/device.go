package software

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
)

// each device gets its own 4 GiB window of fake GPU addresses
const addressWindow uint64 = 1 << 32

const defaultAlignment uint64 = 256

/** @brief Host memory standing in for a GPU allocation. */
type Memory struct {
	address uint64
	data    []byte
	usage   gputypes.BufferUsage
}

func (m *Memory) Address() uint64 { return m.address }
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// Bytes exposes the backing storage so callers can upload data.
func (m *Memory) Bytes() []byte { return m.data }

// Usage is the WebGPU usage equivalent of the buffer's bind flags.
func (m *Memory) Usage() gputypes.BufferUsage { return m.usage }

// BufferUsage translates bind flags to WebGPU usage bits.
func BufferUsage(flags metadata.BufferBindFlags) gputypes.BufferUsage {
	var usage gputypes.BufferUsage
	if flags.Has(metadata.BufferBindFlagsInputAssembly) || flags.Has(metadata.BufferBindFlagsDynamicInputAssembly) {
		usage |= gputypes.BufferUsageVertex | gputypes.BufferUsageIndex
	}
	if flags.Has(metadata.BufferBindFlagsConstant) {
		usage |= gputypes.BufferUsageUniform
	}
	if flags&(metadata.BufferBindFlagsShaderReadWrite|metadata.BufferBindFlagsRayTracingAccelerationStructure|
		metadata.BufferBindFlagsRayTracingScratchBuffer|metadata.BufferBindFlagsRayTracingShaderTable|
		metadata.BufferBindFlagsRayTracingBuildInput) != 0 {
		usage |= gputypes.BufferUsageStorage
	}
	if flags.Has(metadata.BufferBindFlagsCopyRead) {
		usage |= gputypes.BufferUsageCopySrc
	}
	if flags.Has(metadata.BufferBindFlagsCopyWrite) {
		usage |= gputypes.BufferUsageCopyDst
	}
	if flags.Has(metadata.BufferBindFlagsIndirect) {
		usage |= gputypes.BufferUsageIndirect
	}
	return usage
}

/** @brief A CPU device with a linear, never reused address space. */
type Device struct {
	index   int
	name    string
	backend *Backend

	nextAddress atomic.Uint64
	allocated   atomic.Int64

	mutex sync.Mutex
	// address -> memory, used to resolve BLAS addresses in instance records
	live map[uint64]*Memory
}

func newDevice(index int, backend *Backend) *Device {
	d := &Device{
		index:   index,
		name:    fmt.Sprintf("software-%d", index),
		backend: backend,
		live:    make(map[uint64]*Memory),
	}
	d.nextAddress.Store(uint64(index+1) * addressWindow)
	return d
}

func (d *Device) Index() int { return d.index }
func (d *Device) Name() string { return d.name }
func (d *Device) SupportsDeviceAddress() bool { return true }
func (d *Device) Backend() rhi.AccelerationStructureBackend { return d.backend }

// AllocatedBytes is the number of bytes currently allocated on the device.
func (d *Device) AllocatedBytes() int64 { return d.allocated.Load() }

func (d *Device) InitBufferPool(desc metadata.BufferPoolDescriptor) rhi.ResultCode {
	if desc.BindFlags == metadata.BufferBindFlagsNone {
		core.LogError("pool '%s' has no bind flags", desc.Name)
		return rhi.InvalidArgument
	}
	if BufferUsage(desc.BindFlags) == gputypes.BufferUsage(0) {
		core.LogError("bind flags %s of pool '%s' have no software equivalent", desc.BindFlags, desc.Name)
		return rhi.InvalidArgument
	}
	return rhi.Success
}

func (d *Device) AllocateBuffer(desc metadata.BufferDescriptor, level metadata.HeapMemoryLevel) (rhi.DeviceMemory, rhi.ResultCode) {
	alignment := defaultAlignment
	if uint64(desc.Alignment) > alignment {
		alignment = uint64(desc.Alignment)
	}
	if !math.IsPowerOfTwo(alignment) {
		return nil, rhi.InvalidArgument
	}
	size := math.AlignUp(desc.ByteCount, alignment)
	end := d.nextAddress.Add(size)
	memory := &Memory{
		address: end - size,
		data:    make([]byte, desc.ByteCount),
		usage:   BufferUsage(desc.BindFlags),
	}
	if level == metadata.HeapMemoryLevelHost {
		memory.usage |= gputypes.BufferUsageMapWrite
	}
	d.allocated.Add(int64(desc.ByteCount))

	d.mutex.Lock()
	d.live[memory.address] = memory
	d.mutex.Unlock()
	return memory, rhi.Success
}

func (d *Device) FreeBuffer(memory rhi.DeviceMemory) {
	m, ok := memory.(*Memory)
	if !ok || m == nil {
		return
	}
	d.mutex.Lock()
	delete(d.live, m.address)
	d.mutex.Unlock()
	d.allocated.Add(-int64(len(m.data)))
	m.data = nil
}

// Resolve returns the live memory starting at address.
func (d *Device) Resolve(address uint64) (*Memory, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	m, ok := d.live[address]
	return m, ok
}

/** @brief Creates a fixed number of software devices sharing one backend. */
type Factory struct {
	backend *Backend
	devices []*Device
}

func NewFactory(deviceCount int) (*Factory, error) {
	if deviceCount <= 0 || deviceCount > rhi.MaxDeviceCount {
		return nil, fmt.Errorf("%w: software device count %d outside [1, %d]", core.ErrInvalidArgument, deviceCount, rhi.MaxDeviceCount)
	}
	f := &Factory{backend: NewBackend()}
	for i := 0; i < deviceCount; i++ {
		f.devices = append(f.devices, newDevice(i, f.backend))
	}
	core.LogInfo("software factory created with %d devices", deviceCount)
	return f, nil
}

func (f *Factory) Name() string { return "software" }
func (f *Factory) DeviceCount() int { return len(f.devices) }
func (f *Factory) DeviceMask() rhi.DeviceMask { return rhi.DeviceMaskAll(len(f.devices)) }

func (f *Factory) Device(index int) (rhi.Device, bool) {
	if index < 0 || index >= len(f.devices) {
		return nil, false
	}
	return f.devices[index], true
}

// SoftwareDevice returns the concrete device, used by tools and tests that
// upload data.
func (f *Factory) SoftwareDevice(index int) *Device {
	if index < 0 || index >= len(f.devices) {
		return nil
	}
	return f.devices[index]
}

func (f *Factory) Shutdown() {
	for _, d := range f.devices {
		if leaked := d.AllocatedBytes(); leaked != 0 {
			core.LogWarn("device %s shut down with %d bytes still allocated", d.Name(), leaked)
		}
	}
	f.devices = nil
}
