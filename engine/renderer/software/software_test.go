package software

import (
	"io"
	"os"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory(0)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = NewFactory(rhi.MaxDeviceCount + 1)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	f, err := NewFactory(3)
	require.NoError(t, err)
	defer f.Shutdown()
	assert.Equal(t, "software", f.Name())
	assert.Equal(t, rhi.DeviceMaskAll(3), f.DeviceMask())
	_, ok := f.Device(3)
	assert.False(t, ok)
	dev, ok := f.Device(2)
	require.True(t, ok)
	assert.Equal(t, 2, dev.Index())
	assert.Equal(t, "software-2", dev.Name())
	assert.Nil(t, f.SoftwareDevice(-1))
}

func TestDeviceAllocation(t *testing.T) {
	f, err := NewFactory(2)
	require.NoError(t, err)
	defer f.Shutdown()
	d0, d1 := f.SoftwareDevice(0), f.SoftwareDevice(1)

	desc := metadata.NewBufferDescriptor(metadata.BufferBindFlagsRayTracingAccelerationStructure, 100)
	a, result := d0.AllocateBuffer(desc, metadata.HeapMemoryLevelDevice)
	require.Equal(t, rhi.Success, result)
	b, result := d0.AllocateBuffer(desc, metadata.HeapMemoryLevelDevice)
	require.Equal(t, rhi.Success, result)
	c, result := d1.AllocateBuffer(desc, metadata.HeapMemoryLevelDevice)
	require.Equal(t, rhi.Success, result)

	assert.Equal(t, uint64(100), a.Size())
	assert.Zero(t, a.Address()%defaultAlignment)
	assert.Equal(t, a.Address()+defaultAlignment, b.Address())
	assert.GreaterOrEqual(t, c.Address(), 2*addressWindow)
	assert.Equal(t, int64(200), d0.AllocatedBytes())

	resolved, ok := d0.Resolve(b.Address())
	require.True(t, ok)
	assert.Same(t, b, resolved)

	d0.FreeBuffer(a)
	d0.FreeBuffer(b)
	d1.FreeBuffer(c)
	assert.Zero(t, d0.AllocatedBytes())
	_, ok = d0.Resolve(b.Address())
	assert.False(t, ok)

	desc.Alignment = 3
	_, result = d0.AllocateBuffer(desc, metadata.HeapMemoryLevelDevice)
	assert.Equal(t, rhi.Success, result, "alignments below the default are raised to it")
	desc.Alignment = 384
	_, result = d0.AllocateBuffer(desc, metadata.HeapMemoryLevelDevice)
	assert.Equal(t, rhi.InvalidArgument, result)
}

func TestInitBufferPool(t *testing.T) {
	f, err := NewFactory(1)
	require.NoError(t, err)
	defer f.Shutdown()
	d := f.SoftwareDevice(0)
	assert.Equal(t, rhi.InvalidArgument, d.InitBufferPool(metadata.BufferPoolDescriptor{Name: "empty"}))
	assert.Equal(t, rhi.InvalidArgument, d.InitBufferPool(metadata.BufferPoolDescriptor{Name: "predication", BindFlags: metadata.BufferBindFlagsPredication}))
	assert.Equal(t, rhi.Success, d.InitBufferPool(metadata.BufferPoolDescriptor{Name: "blas", BindFlags: rhi.DefaultPoolBindFlags(metadata.RayTracingPoolBlas)}))
}

func TestBufferUsage(t *testing.T) {
	assert.Equal(t, gputypes.BufferUsage(0), BufferUsage(metadata.BufferBindFlagsNone))
	assert.Equal(t, gputypes.BufferUsageVertex|gputypes.BufferUsageIndex, BufferUsage(metadata.BufferBindFlagsInputAssembly))
	assert.Equal(t, gputypes.BufferUsageStorage, BufferUsage(metadata.BufferBindFlagsRayTracingScratchBuffer))
	assert.Equal(t, gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc,
		BufferUsage(rhi.DefaultPoolBindFlags(metadata.RayTracingPoolDstSizesArray)))
	assert.Equal(t, gputypes.BufferUsageIndirect|gputypes.BufferUsageUniform,
		BufferUsage(metadata.BufferBindFlagsIndirect|metadata.BufferBindFlagsConstant))

	f, err := NewFactory(1)
	require.NoError(t, err)
	defer f.Shutdown()
	mem, result := f.SoftwareDevice(0).AllocateBuffer(metadata.NewBufferDescriptor(metadata.BufferBindFlagsCopyWrite, 4), metadata.HeapMemoryLevelHost)
	require.Equal(t, rhi.Success, result)
	defer f.SoftwareDevice(0).FreeBuffer(mem)
	assert.Equal(t, gputypes.BufferUsageCopyDst|gputypes.BufferUsageMapWrite, mem.(*Memory).Usage())
}

func TestHeader(t *testing.T) {
	buf := make([]byte, HeaderSize)
	bounds := math.Extents3D{Min: math.NewVec3(-1, -2, -3), Max: math.NewVec3(4, 5, 6)}
	writeHeader(buf, tlasMagic, 7, bounds)
	header, ok := ReadHeader(buf)
	require.True(t, ok)
	assert.Equal(t, Header{Magic: "TLAS", PrimitiveCount: 7, Bounds: bounds}, header)

	_, ok = ReadHeader(buf[:HeaderSize-1])
	assert.False(t, ok)
	// short destinations are left untouched
	writeHeader(buf[:4], blasMagic, 1, bounds)
	assert.Equal(t, "TLAS", string(buf[:4]))
}
