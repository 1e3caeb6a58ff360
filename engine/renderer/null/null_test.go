package null

import (
	"io"
	"os"
	"testing"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestNullFactory(t *testing.T) {
	_, err := NewFactory(0)
	assert.Error(t, err)

	f, err := NewFactory(2)
	require.NoError(t, err)
	defer f.Shutdown()
	assert.Equal(t, "null", f.Name())
	assert.Equal(t, rhi.DeviceMaskAll(2), f.DeviceMask())

	dev, ok := f.Device(1)
	require.True(t, ok)
	assert.False(t, dev.SupportsDeviceAddress())
	assert.Equal(t, rhi.Success, dev.InitBufferPool(metadata.BufferPoolDescriptor{}))

	mem, result := dev.AllocateBuffer(metadata.NewBufferDescriptor(metadata.BufferBindFlagsCopyWrite, 64), metadata.HeapMemoryLevelHost)
	require.Equal(t, rhi.Success, result)
	assert.Equal(t, uint64(64), mem.Size())
	assert.Equal(t, rhi.InvalidDeviceAddress, mem.Address())
	_, host := mem.(rhi.HostMemory)
	assert.False(t, host)
}

func TestNullBackendReportsUnimplemented(t *testing.T) {
	b := &Backend{}
	_, result := b.BlasPrebuildInfo(nil, nil)
	assert.Equal(t, rhi.Unimplemented, result)
	_, result = b.TlasPrebuildInfo(nil, nil)
	assert.Equal(t, rhi.Unimplemented, result)
	_, result = b.ClusterBlasPrebuildInfo(nil, nil)
	assert.Equal(t, rhi.Unimplemented, result)
	assert.Equal(t, rhi.Unimplemented, b.RecordBlasBuild(nil, nil))
	assert.Equal(t, rhi.Unimplemented, b.RecordBlasCompaction(nil, nil, nil))
	assert.Equal(t, rhi.Unimplemented, b.RecordClusterBlasBuild(nil, nil, nil))
	assert.Equal(t, rhi.Unimplemented, b.RecordTlasBuild(nil, nil))
	assert.Equal(t, rhi.DefaultPoolBindFlags(metadata.RayTracingPoolTlas), b.PoolBindFlags(metadata.RayTracingPoolTlas))
}
