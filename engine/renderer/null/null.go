// Package null implements a backend without ray tracing support. Buffer
// pools work, every acceleration structure build reports Unimplemented.
package null

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
)

type memory struct {
	size uint64
}

func (m *memory) Address() uint64 { return rhi.InvalidDeviceAddress }
func (m *memory) Size() uint64 { return m.size }

type Backend struct {
	rhi.BackendBase
}

func (b *Backend) Name() string { return "null" }

func (b *Backend) PoolBindFlags(kind metadata.RayTracingPoolKind) metadata.BufferBindFlags {
	return rhi.DefaultPoolBindFlags(kind)
}

func (b *Backend) TlasInstanceStride() uint64 { return rhi.TlasInstanceRecordSize }

func (b *Backend) BlasPrebuildInfo(rhi.Device, *rhi.DeviceRayTracingBlas) (rhi.AccelerationStructureBuildSizes, rhi.ResultCode) {
	return rhi.AccelerationStructureBuildSizes{}, rhi.Unimplemented
}

func (b *Backend) RecordBlasBuild(rhi.Device, *rhi.DeviceRayTracingBlas) rhi.ResultCode {
	return rhi.Unimplemented
}

func (b *Backend) RecordBlasCompaction(rhi.Device, *rhi.DeviceRayTracingBlas, *rhi.DeviceRayTracingBlas) rhi.ResultCode {
	return rhi.Unimplemented
}

func (b *Backend) ClusterBlasPrebuildInfo(rhi.Device, *rhi.RayTracingClusterBlasDescriptor) (rhi.ClusterBlasBuildSizes, rhi.ResultCode) {
	return rhi.ClusterBlasBuildSizes{}, rhi.Unimplemented
}

func (b *Backend) RecordClusterBlasBuild(rhi.Device, *rhi.DeviceRayTracingClusterBlas, *rhi.ClusterBlasFrameBuffers) rhi.ResultCode {
	return rhi.Unimplemented
}

func (b *Backend) TlasPrebuildInfo(rhi.Device, *rhi.DeviceRayTracingTlas) (rhi.AccelerationStructureBuildSizes, rhi.ResultCode) {
	return rhi.AccelerationStructureBuildSizes{}, rhi.Unimplemented
}

func (b *Backend) RecordTlasBuild(rhi.Device, *rhi.DeviceRayTracingTlas) rhi.ResultCode {
	return rhi.Unimplemented
}

type Device struct {
	index   int
	backend *Backend
}

func (d *Device) Index() int { return d.index }
func (d *Device) Name() string { return fmt.Sprintf("null-%d", d.index) }
func (d *Device) SupportsDeviceAddress() bool { return false }
func (d *Device) Backend() rhi.AccelerationStructureBackend { return d.backend }

func (d *Device) InitBufferPool(metadata.BufferPoolDescriptor) rhi.ResultCode {
	return rhi.Success
}

func (d *Device) AllocateBuffer(desc metadata.BufferDescriptor, _ metadata.HeapMemoryLevel) (rhi.DeviceMemory, rhi.ResultCode) {
	return &memory{size: desc.ByteCount}, rhi.Success
}

func (d *Device) FreeBuffer(rhi.DeviceMemory) {}

type Factory struct {
	devices []*Device
}

func NewFactory(deviceCount int) (*Factory, error) {
	if deviceCount <= 0 || deviceCount > rhi.MaxDeviceCount {
		return nil, fmt.Errorf("%w: null device count %d outside [1, %d]", core.ErrInvalidArgument, deviceCount, rhi.MaxDeviceCount)
	}
	backend := &Backend{}
	f := &Factory{}
	for i := 0; i < deviceCount; i++ {
		f.devices = append(f.devices, &Device{index: i, backend: backend})
	}
	return f, nil
}

func (f *Factory) Name() string { return "null" }
func (f *Factory) DeviceCount() int { return len(f.devices) }
func (f *Factory) DeviceMask() rhi.DeviceMask { return rhi.DeviceMaskAll(len(f.devices)) }

func (f *Factory) Device(index int) (rhi.Device, bool) {
	if index < 0 || index >= len(f.devices) {
		return nil, false
	}
	return f.devices[index], true
}

func (f *Factory) Shutdown() {
	f.devices = nil
}
