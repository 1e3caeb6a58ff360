package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

/** @brief A vertex stream inside a multi-device buffer. */
type StreamBufferView struct {
	Buffer     *Buffer
	ByteOffset uint64
	ByteCount  uint64
	ByteStride uint64
}

func NewStreamBufferView(buffer *Buffer, byteOffset, byteCount, byteStride uint64) StreamBufferView {
	return StreamBufferView{Buffer: buffer, ByteOffset: byteOffset, ByteCount: byteCount, ByteStride: byteStride}
}

func (v StreamBufferView) VertexCount() uint32 {
	if v.ByteStride == 0 {
		return 0
	}
	return uint32(v.ByteCount / v.ByteStride)
}

/** @brief An index stream inside a multi-device buffer. */
type IndexBufferView struct {
	Buffer     *Buffer
	ByteOffset uint64
	ByteCount  uint64
	Format     gputypes.IndexFormat
}

func NewIndexBufferView(buffer *Buffer, byteOffset, byteCount uint64, format gputypes.IndexFormat) IndexBufferView {
	return IndexBufferView{Buffer: buffer, ByteOffset: byteOffset, ByteCount: byteCount, Format: format}
}

func (v IndexBufferView) IndexCount() uint32 {
	size := v.Format.Size()
	if size == 0 {
		return 0
	}
	return uint32(v.ByteCount / uint64(size))
}

/** @brief A byte range inside a multi-device buffer. */
type BufferRange struct {
	Buffer     *Buffer
	ByteOffset uint64
	ByteCount  uint64
}

// checkRange fails when [offset, offset+count) does not fit in buffer.
func checkRange(what string, buffer *Buffer, offset, count uint64) error {
	size := buffer.Descriptor().ByteCount
	if offset > size || count > size-offset {
		return fmt.Errorf("%w: %s range [%d, +%d) exceeds the %d bytes of buffer '%s'", core.ErrInvalidArgument, what, offset, count, size, buffer.Name())
	}
	return nil
}

/** @brief One sub-mesh of a BLAS. A geometry without index buffer is a plain triangle list. */
type RayTracingGeometry struct {
	VertexFormat gputypes.VertexFormat
	VertexBuffer StreamBufferView
	IndexBuffer  IndexBufferView
}

func (g RayTracingGeometry) IsIndexed() bool {
	return g.IndexBuffer.Buffer != nil
}

func (g RayTracingGeometry) TriangleCount() uint32 {
	if g.IsIndexed() {
		return g.IndexBuffer.IndexCount() / 3
	}
	return g.VertexBuffer.VertexCount() / 3
}

func isPositionFormat(format gputypes.VertexFormat) bool {
	switch format {
	case gputypes.VertexFormatFloat32x3, gputypes.VertexFormatFloat32x2,
		gputypes.VertexFormatFloat16x4, gputypes.VertexFormatFloat16x2,
		gputypes.VertexFormatSnorm16x4, gputypes.VertexFormatSnorm16x2:
		return true
	default:
		return false
	}
}

func (g RayTracingGeometry) Validate() error {
	if !isPositionFormat(g.VertexFormat) {
		return fmt.Errorf("%w: vertex format %s cannot be used for ray tracing", core.ErrInvalidArgument, g.VertexFormat)
	}
	if g.VertexBuffer.Buffer == nil {
		return fmt.Errorf("%w: geometry without vertex buffer", core.ErrInvalidArgument)
	}
	if g.VertexBuffer.ByteStride < g.VertexFormat.Size() {
		return fmt.Errorf("%w: vertex stride %d is smaller than the %d bytes of %s", core.ErrInvalidArgument, g.VertexBuffer.ByteStride, g.VertexFormat.Size(), g.VertexFormat)
	}
	if err := checkRange("vertex", g.VertexBuffer.Buffer, g.VertexBuffer.ByteOffset, g.VertexBuffer.ByteCount); err != nil {
		return err
	}
	if g.IsIndexed() {
		if err := checkRange("index", g.IndexBuffer.Buffer, g.IndexBuffer.ByteOffset, g.IndexBuffer.ByteCount); err != nil {
			return err
		}
		if g.IndexBuffer.Format != gputypes.IndexFormatUint16 && g.IndexBuffer.Format != gputypes.IndexFormatUint32 {
			return fmt.Errorf("%w: index format %s", core.ErrInvalidArgument, g.IndexBuffer.Format)
		}
		if g.IndexBuffer.IndexCount()%3 != 0 {
			return fmt.Errorf("%w: index count %d is not a multiple of 3", core.ErrInvalidArgument, g.IndexBuffer.IndexCount())
		}
	} else if g.VertexBuffer.VertexCount()%3 != 0 {
		return fmt.Errorf("%w: vertex count %d is not a multiple of 3", core.ErrInvalidArgument, g.VertexBuffer.VertexCount())
	}
	if g.TriangleCount() == 0 {
		return fmt.Errorf("%w: geometry has no triangles", core.ErrInvalidArgument)
	}
	return nil
}

/**
 * @brief Describes a BLAS: either a list of triangle geometries or a single
 * axis aligned box for procedural geometry.
 */
type RayTracingBlasDescriptor struct {
	Geometries []RayTracingGeometry
	AABB       *math.Extents3D
	BuildFlags metadata.RayTracingAccelerationStructureBuildFlags
}

func (d *RayTracingBlasDescriptor) Validate() error {
	if d.AABB != nil {
		if len(d.Geometries) != 0 {
			return fmt.Errorf("%w: a BLAS holds either triangle geometries or one AABB", core.ErrInvalidArgument)
		}
		if !d.AABB.IsValid() {
			return fmt.Errorf("%w: inverted AABB", core.ErrInvalidArgument)
		}
		return nil
	}
	if len(d.Geometries) == 0 {
		return fmt.Errorf("%w: BLAS descriptor without geometry", core.ErrInvalidArgument)
	}
	for i, g := range d.Geometries {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("geometry %d: %w", i, err)
		}
	}
	return nil
}

/** @brief Fluent construction of a RayTracingBlasDescriptor. */
type RayTracingBlasDescriptorBuilder struct {
	descriptor RayTracingBlasDescriptor
}

func NewRayTracingBlasDescriptor() *RayTracingBlasDescriptorBuilder {
	return &RayTracingBlasDescriptorBuilder{
		descriptor: RayTracingBlasDescriptor{BuildFlags: metadata.DefaultRayTracingBuildFlags},
	}
}

// Geometry starts a new geometry. The following calls configure it.
func (b *RayTracingBlasDescriptorBuilder) Geometry() *RayTracingBlasDescriptorBuilder {
	b.descriptor.Geometries = append(b.descriptor.Geometries, RayTracingGeometry{})
	return b
}

func (b *RayTracingBlasDescriptorBuilder) current() *RayTracingGeometry {
	if !core.Assert(len(b.descriptor.Geometries) > 0, "Geometry() must be called before configuring a geometry") {
		b.Geometry()
	}
	return &b.descriptor.Geometries[len(b.descriptor.Geometries)-1]
}

func (b *RayTracingBlasDescriptorBuilder) VertexFormat(format gputypes.VertexFormat) *RayTracingBlasDescriptorBuilder {
	b.current().VertexFormat = format
	return b
}

func (b *RayTracingBlasDescriptorBuilder) VertexBuffer(view StreamBufferView) *RayTracingBlasDescriptorBuilder {
	b.current().VertexBuffer = view
	return b
}

func (b *RayTracingBlasDescriptorBuilder) IndexBuffer(view IndexBufferView) *RayTracingBlasDescriptorBuilder {
	b.current().IndexBuffer = view
	return b
}

func (b *RayTracingBlasDescriptorBuilder) AABB(extents math.Extents3D) *RayTracingBlasDescriptorBuilder {
	b.descriptor.AABB = &extents
	return b
}

func (b *RayTracingBlasDescriptorBuilder) BuildFlags(flags metadata.RayTracingAccelerationStructureBuildFlags) *RayTracingBlasDescriptorBuilder {
	b.descriptor.BuildFlags = flags
	return b
}

func (b *RayTracingBlasDescriptorBuilder) Build() *RayTracingBlasDescriptor {
	desc := b.descriptor
	desc.Geometries = append([]RayTracingGeometry(nil), b.descriptor.Geometries...)
	return &desc
}

/**
 * @brief Describes a cluster BLAS. The source infos are prepared by the
 * caller, usually on the GPU, and only referenced here.
 */
type RayTracingClusterBlasDescriptor struct {
	metadata.RayTracingClusterBlasParameters
	BuildFlags    metadata.RayTracingAccelerationStructureBuildFlags
	SrcInfosArray BufferRange
	SrcInfosCount BufferRange
}

func (d *RayTracingClusterBlasDescriptor) Validate() error {
	if err := d.RayTracingClusterBlasParameters.Validate(); err != nil {
		return err
	}
	if d.SrcInfosArray.Buffer == nil || d.SrcInfosCount.Buffer == nil {
		return fmt.Errorf("%w: cluster BLAS without source info buffers", core.ErrInvalidArgument)
	}
	if d.SrcInfosArray.ByteCount == 0 || d.SrcInfosCount.ByteCount < 4 {
		return fmt.Errorf("%w: cluster source info ranges are empty", core.ErrInvalidArgument)
	}
	if err := checkRange("source infos", d.SrcInfosArray.Buffer, d.SrcInfosArray.ByteOffset, d.SrcInfosArray.ByteCount); err != nil {
		return err
	}
	return checkRange("source info count", d.SrcInfosCount.Buffer, d.SrcInfosCount.ByteOffset, d.SrcInfosCount.ByteCount)
}

// Limits of the instance record fields.
const (
	MaxTlasInstanceID    uint32 = 1<<24 - 1
	MaxTlasHitGroupIndex uint32 = 1<<24 - 1
)

/** @brief One placement of a BLAS in a TLAS. Only the top 3x4 of Transform is used. */
type RayTracingTlasInstance struct {
	InstanceID    uint32
	HitGroupIndex uint32
	InstanceMask  uint8
	Transform     math.Mat4
	Transparent   bool
	Blas          *RayTracingBlas
}

func NewRayTracingTlasInstance(instanceID uint32, blas *RayTracingBlas) RayTracingTlasInstance {
	return RayTracingTlasInstance{
		InstanceID:   instanceID,
		InstanceMask: 0xFF,
		Transform:    math.NewMat4Identity(),
		Blas:         blas,
	}
}

/** @brief The instances of the TLAS of one device. */
type RayTracingTlasDescriptor struct {
	Instances  []RayTracingTlasInstance
	BuildFlags metadata.RayTracingAccelerationStructureBuildFlags
}

func NewRayTracingTlasDescriptor(instances ...RayTracingTlasInstance) *RayTracingTlasDescriptor {
	return &RayTracingTlasDescriptor{
		Instances:  instances,
		BuildFlags: metadata.DefaultRayTracingBuildFlags,
	}
}

func (d *RayTracingTlasDescriptor) Validate() error {
	if len(d.Instances) == 0 {
		return fmt.Errorf("%w: TLAS descriptor without instances", core.ErrInvalidArgument)
	}
	for i, inst := range d.Instances {
		if inst.Blas == nil {
			return fmt.Errorf("%w: instance %d has no BLAS", core.ErrInvalidArgument, i)
		}
		if inst.InstanceID > MaxTlasInstanceID {
			return fmt.Errorf("%w: instance id %d exceeds 24 bits", core.ErrInvalidArgument, inst.InstanceID)
		}
		if inst.HitGroupIndex > MaxTlasHitGroupIndex {
			return fmt.Errorf("%w: hit group index %d exceeds 24 bits", core.ErrInvalidArgument, inst.HitGroupIndex)
		}
	}
	return nil
}
