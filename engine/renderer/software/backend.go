package software

import (
	"encoding/binary"
	gomath "math"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
)

// Acceleration structures built by this backend start with a small header:
// a magic, the primitive count and the bounds as six float32.
const (
	HeaderSize = 32

	blasMagic        = "BLAS"
	clusterBlasMagic = "CBLS"
	tlasMagic        = "TLAS"

	// size of one cluster record in the implicit data
	clusterRecordSize = 64
)

/** @brief Summary of what a software build produced. */
type Header struct {
	Magic          string
	PrimitiveCount uint32
	Bounds         math.Extents3D
}

func writeHeader(dst []byte, magic string, count uint32, bounds math.Extents3D) {
	if len(dst) < HeaderSize {
		return
	}
	copy(dst[0:4], magic)
	binary.LittleEndian.PutUint32(dst[4:8], count)
	rhi.EncodeAabb(dst[8:HeaderSize], bounds)
}

// ReadHeader decodes the header of an acceleration structure built by the
// software backend.
func ReadHeader(src []byte) (Header, bool) {
	if len(src) < HeaderSize {
		return Header{}, false
	}
	var values [6]float32
	for i := range values {
		values[i] = gomath.Float32frombits(binary.LittleEndian.Uint32(src[8+i*4:]))
	}
	return Header{
		Magic:          string(src[0:4]),
		PrimitiveCount: binary.LittleEndian.Uint32(src[4:8]),
		Bounds: math.Extents3D{
			Min: math.NewVec3(values[0], values[1], values[2]),
			Max: math.NewVec3(values[3], values[4], values[5]),
		},
	}, true
}

func memoryOf(buf *rhi.DeviceBuffer) []byte {
	if buf == nil {
		return nil
	}
	m, ok := buf.Memory().(*Memory)
	if !ok || m == nil {
		return nil
	}
	return m.data
}

/**
 * @brief Executes acceleration-structure builds on the CPU when they are
 * recorded. The result is a header, not a traversable tree.
 */
type Backend struct {
	rhi.BackendBase

	blasBuilds        atomic.Int64
	blasCompactions   atomic.Int64
	clusterBlasBuilds atomic.Int64
	tlasBuilds        atomic.Int64
}

func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "software" }

func (b *Backend) PoolBindFlags(kind metadata.RayTracingPoolKind) metadata.BufferBindFlags {
	return rhi.DefaultPoolBindFlags(kind)
}

func (b *Backend) TlasInstanceStride() uint64 { return rhi.TlasInstanceRecordSize }

// BuildCounts returns how many builds of each kind were recorded.
func (b *Backend) BuildCounts() (blas, compactions, clusterBlas, tlas int64) {
	return b.blasBuilds.Load(), b.blasCompactions.Load(), b.clusterBlasBuilds.Load(), b.tlasBuilds.Load()
}

func (b *Backend) BlasPrebuildInfo(device rhi.Device, blas *rhi.DeviceRayTracingBlas) (rhi.AccelerationStructureBuildSizes, rhi.ResultCode) {
	return rhi.EstimateBlasBuildSizes(blas), rhi.Success
}

func readPosition(data []byte, format gputypes.VertexFormat) (math.Vec3, bool) {
	f := func(i int) float32 { return gomath.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])) }
	switch format {
	case gputypes.VertexFormatFloat32x3:
		if len(data) < 12 {
			return math.Vec3{}, false
		}
		return math.NewVec3(f(0), f(1), f(2)), true
	case gputypes.VertexFormatFloat32x2:
		if len(data) < 8 {
			return math.Vec3{}, false
		}
		return math.NewVec3(f(0), f(1), 0), true
	default:
		return math.Vec3{}, false
	}
}

func geometryBounds(g rhi.DeviceRayTracingGeometry) []math.Vec3 {
	data := memoryOf(g.VertexBuffer)
	points := make([]math.Vec3, 0, g.VertexCount)
	for v := uint64(0); v < uint64(g.VertexCount); v++ {
		offset := g.VertexOffset + v*g.VertexStride
		if offset >= uint64(len(data)) {
			break
		}
		if p, ok := readPosition(data[offset:], g.VertexFormat); ok {
			points = append(points, p)
		}
	}
	return points
}

func (b *Backend) RecordBlasBuild(device rhi.Device, blas *rhi.DeviceRayTracingBlas) rhi.ResultCode {
	dst := memoryOf(blas.BlasBuffer())
	if dst == nil {
		return rhi.InvalidArgument
	}
	if aabb := blas.Aabb(); aabb != nil {
		if staging := memoryOf(blas.AabbBuffer()); staging != nil {
			rhi.EncodeAabb(staging, *aabb)
		}
		writeHeader(dst, blasMagic, 1, *aabb)
		b.blasBuilds.Add(1)
		return rhi.Success
	}
	var points []math.Vec3
	primitives := uint32(0)
	for _, g := range blas.Geometries() {
		points = append(points, geometryBounds(g)...)
		primitives += g.TriangleCount()
	}
	writeHeader(dst, blasMagic, primitives, math.NewExtents3DFromPoints(points))
	b.blasBuilds.Add(1)
	core.LogDebug("software BLAS built on device %d: %d triangles", device.Index(), primitives)
	return rhi.Success
}

func (b *Backend) RecordBlasCompaction(device rhi.Device, source, compacted *rhi.DeviceRayTracingBlas) rhi.ResultCode {
	src := memoryOf(source.BlasBuffer())
	dst := memoryOf(compacted.BlasBuffer())
	if src == nil || dst == nil {
		return rhi.InvalidArgument
	}
	copy(dst, src)
	b.blasCompactions.Add(1)
	return rhi.Success
}

func (b *Backend) ClusterBlasPrebuildInfo(device rhi.Device, desc *rhi.RayTracingClusterBlasDescriptor) (rhi.ClusterBlasBuildSizes, rhi.ResultCode) {
	return rhi.EstimateClusterBlasBuildSizes(desc), rhi.Success
}

func (b *Backend) RecordClusterBlasBuild(device rhi.Device, blas *rhi.DeviceRayTracingClusterBlas, frame *rhi.ClusterBlasFrameBuffers) rhi.ResultCode {
	if frame == nil {
		return rhi.InvalidArgument
	}
	desc := blas.Descriptor()
	srcArray := memoryOf(blas.SrcInfosArray())
	srcCount := memoryOf(blas.SrcInfosCount())
	if srcArray == nil || srcCount == nil ||
		desc.SrcInfosArray.ByteOffset >= uint64(len(srcArray)) ||
		desc.SrcInfosCount.ByteOffset+4 > uint64(len(srcCount)) {
		return rhi.InvalidArgument
	}
	// stage the caller's source infos into this frame's copies
	copy(memoryOf(frame.SrcInfosArray), srcArray[desc.SrcInfosArray.ByteOffset:])
	copy(memoryOf(frame.SrcInfosCount), srcCount[desc.SrcInfosCount.ByteOffset:])

	count := binary.LittleEndian.Uint32(srcCount[desc.SrcInfosCount.ByteOffset:])
	if count > desc.MaxClusterCount {
		core.LogWarn("cluster count %d clamped to %d", count, desc.MaxClusterCount)
		count = desc.MaxClusterCount
	}
	implicit := frame.ImplicitData
	addresses := memoryOf(frame.DstAddresses)
	sizes := memoryOf(frame.DstSizes)
	for i := uint32(0); i < count; i++ {
		binary.LittleEndian.PutUint64(addresses[i*8:], implicit.DeviceAddress()+HeaderSize+uint64(i)*clusterRecordSize)
		binary.LittleEndian.PutUint32(sizes[i*4:], clusterRecordSize)
	}
	writeHeader(memoryOf(implicit), clusterBlasMagic, count, math.Extents3D{})
	b.clusterBlasBuilds.Add(1)
	return rhi.Success
}

func (b *Backend) TlasPrebuildInfo(device rhi.Device, tlas *rhi.DeviceRayTracingTlas) (rhi.AccelerationStructureBuildSizes, rhi.ResultCode) {
	return rhi.EstimateTlasBuildSizes(tlas), rhi.Success
}

func (b *Backend) RecordTlasBuild(device rhi.Device, tlas *rhi.DeviceRayTracingTlas) rhi.ResultCode {
	records := memoryOf(tlas.InstancesBuffer())
	dst := memoryOf(tlas.TlasBuffer())
	if records == nil || dst == nil {
		return rhi.InvalidArgument
	}
	var bounds *math.Extents3D
	for i, inst := range tlas.Instances() {
		rhi.EncodeTlasInstance(records[uint64(i)*rhi.TlasInstanceRecordSize:], inst)
		header, ok := ReadHeader(memoryOf(inst.Blas.BlasBuffer()))
		if !ok || !header.Bounds.IsValid() {
			continue
		}
		offset := math.NewVec3(inst.Transform.Data[12], inst.Transform.Data[13], inst.Transform.Data[14])
		placed := math.Extents3D{
			Min: math.NewVec3(header.Bounds.Min.X+offset.X, header.Bounds.Min.Y+offset.Y, header.Bounds.Min.Z+offset.Z),
			Max: math.NewVec3(header.Bounds.Max.X+offset.X, header.Bounds.Max.Y+offset.Y, header.Bounds.Max.Z+offset.Z),
		}
		if bounds == nil {
			bounds = &placed
		} else {
			merged := bounds.Union(placed)
			bounds = &merged
		}
	}
	if bounds == nil {
		empty := math.NewExtents3DFromPoints(nil)
		bounds = &empty
	}
	writeHeader(dst, tlasMagic, uint32(len(tlas.Instances())), *bounds)
	b.tlasBuilds.Add(1)
	return rhi.Success
}
