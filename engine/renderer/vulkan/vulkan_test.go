package vulkan

import (
	"sync"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasUsage(usage vk.BufferUsageFlags, bit vk.BufferUsageFlagBits) bool {
	return usage&vk.BufferUsageFlags(bit) != 0
}

func TestBufferUsageFlags(t *testing.T) {
	scratch := BufferUsageFlags(rhi.DefaultPoolBindFlags(metadata.RayTracingPoolScratch), false)
	assert.True(t, hasUsage(scratch, vk.BufferUsageStorageBufferBit))
	assert.False(t, hasUsage(scratch, BufferUsageShaderDeviceAddressBit))

	blas := BufferUsageFlags(rhi.DefaultPoolBindFlags(metadata.RayTracingPoolBlas), true)
	assert.True(t, hasUsage(blas, BufferUsageAccelerationStructureStorageBit))
	assert.True(t, hasUsage(blas, BufferUsageShaderDeviceAddressBit))

	table := BufferUsageFlags(rhi.DefaultPoolBindFlags(metadata.RayTracingPoolShaderTable), false)
	assert.True(t, hasUsage(table, BufferUsageShaderBindingTableBit))
	assert.True(t, hasUsage(table, vk.BufferUsageTransferDstBit))

	input := BufferUsageFlags(metadata.BufferBindFlagsRayTracingBuildInput, false)
	assert.True(t, hasUsage(input, BufferUsageAccelerationStructureBuildInputReadOnlyBit))

	vertex := BufferUsageFlags(metadata.BufferBindFlagsInputAssembly|metadata.BufferBindFlagsCopyRead, true)
	assert.True(t, hasUsage(vertex, vk.BufferUsageVertexBufferBit))
	assert.True(t, hasUsage(vertex, vk.BufferUsageIndexBufferBit))
	assert.True(t, hasUsage(vertex, vk.BufferUsageTransferSrcBit))
	assert.False(t, hasUsage(vertex, BufferUsageShaderDeviceAddressBit))

	assert.Zero(t, BufferUsageFlags(metadata.BufferBindFlagsNone, true))
}

func TestMemoryPropertyFlags(t *testing.T) {
	host := MemoryPropertyFlags(metadata.HeapMemoryLevelHost)
	assert.Equal(t, vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit), host)
	assert.Equal(t, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit), MemoryPropertyFlags(metadata.HeapMemoryLevelDevice))
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, rhi.Success, ResultCode(vk.Success))
	assert.Equal(t, rhi.NotReady, ResultCode(vk.NotReady))
	assert.Equal(t, rhi.OutOfMemory, ResultCode(vk.ErrorOutOfDeviceMemory))
	assert.Equal(t, rhi.Unimplemented, ResultCode(vk.ErrorExtensionNotPresent))
	assert.Equal(t, rhi.Fail, ResultCode(vk.ErrorDeviceLost))

	assert.True(t, VulkanResultIsSuccess(vk.Success))
	assert.False(t, VulkanResultIsSuccess(vk.ErrorDeviceLost))
	assert.Equal(t, "VK_ERROR_DEVICE_LOST", VulkanResultString(vk.ErrorDeviceLost, false))
}

func TestVulkanSafeString(t *testing.T) {
	assert.Equal(t, "\x00", VulkanSafeString(""))
	assert.Equal(t, "anima\x00", VulkanSafeString("anima"))
	assert.Equal(t, "anima\x00", VulkanSafeString("anima\x00"))
	assert.Equal(t, 3, FindFirstZeroInByteArray([]byte{'a', 'b', 'c', 0, 'd'}))
	assert.Equal(t, 2, FindFirstZeroInByteArray([]byte{'a', 'b'}))
}

func TestLockPoolSerializesGroups(t *testing.T) {
	pool := NewVulkanLockPool()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = pool.SafeCall(BufferManagement, func() error {
				counter++
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = pool.SafeQueueCall(7, func() error { return nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, 32, counter)
}

type fakeDevice struct {
	index int
}

func (d *fakeDevice) Index() int { return d.index }
func (d *fakeDevice) Name() string { return "fake" }
func (d *fakeDevice) InitBufferPool(metadata.BufferPoolDescriptor) rhi.ResultCode {
	return rhi.Success
}
func (d *fakeDevice) AllocateBuffer(metadata.BufferDescriptor, metadata.HeapMemoryLevel) (rhi.DeviceMemory, rhi.ResultCode) {
	return nil, rhi.Unimplemented
}
func (d *fakeDevice) FreeBuffer(rhi.DeviceMemory) {}
func (d *fakeDevice) SupportsDeviceAddress() bool { return false }
func (d *fakeDevice) Backend() rhi.AccelerationStructureBackend { return nil }

func TestBackendRecording(t *testing.T) {
	backend := NewBackend(NewVulkanLockPool())
	device := &fakeDevice{index: 1}

	// builds without a destination buffer are rejected and never queued
	assert.Equal(t, rhi.InvalidArgument, backend.RecordBlasBuild(device, &rhi.DeviceRayTracingBlas{}))
	assert.Equal(t, rhi.InvalidArgument, backend.RecordTlasBuild(device, &rhi.DeviceRayTracingTlas{}))
	assert.Empty(t, backend.Pending(1))

	_, result := backend.ClusterBlasPrebuildInfo(device, &rhi.RayTracingClusterBlasDescriptor{})
	assert.Equal(t, rhi.Unimplemented, result)
	assert.Equal(t, rhi.Unimplemented, backend.RecordClusterBlasBuild(device, nil, nil))

	drained, err := backend.Submit(device)
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestBackendPoolBindFlags(t *testing.T) {
	backend := NewBackend(NewVulkanLockPool())
	instances := backend.PoolBindFlags(metadata.RayTracingPoolTlasInstances)
	assert.True(t, instances.Has(metadata.BufferBindFlagsCopyRead))
	assert.True(t, instances.Has(metadata.BufferBindFlagsRayTracingBuildInput))
	assert.Equal(t, rhi.DefaultPoolBindFlags(metadata.RayTracingPoolBlas), backend.PoolBindFlags(metadata.RayTracingPoolBlas))
	assert.Equal(t, uint64(rhi.TlasInstanceRecordSize), backend.TlasInstanceStride())
}

func TestRayTracingPoolsUnimplemented(t *testing.T) {
	device := &VulkanDevice{name: "vulkan-0"}

	for _, kind := range []metadata.RayTracingPoolKind{
		metadata.RayTracingPoolBlas,
		metadata.RayTracingPoolTlas,
		metadata.RayTracingPoolTlasInstances,
	} {
		desc := metadata.BufferPoolDescriptor{Name: kind.String(), BindFlags: rhi.DefaultPoolBindFlags(kind)}
		assert.Equal(t, rhi.Unimplemented, device.InitBufferPool(desc), kind.String())
	}

	// plain pools only fail on the missing logical device
	plain := metadata.BufferPoolDescriptor{Name: "staging", BindFlags: metadata.BufferBindFlagsCopyRead}
	assert.Equal(t, rhi.InvalidOperation, device.InitBufferPool(plain))
	assert.False(t, needsAccelerationStructures(metadata.BufferBindFlagsRayTracingScratchBuffer))
}
