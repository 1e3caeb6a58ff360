package rhi

import (
	"encoding/binary"
	gomath "math"

	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const (
	// AccelerationStructureAlignment is the placement alignment of every
	// acceleration structure and scratch buffer.
	AccelerationStructureAlignment uint64 = 256
	// TlasInstanceRecordSize is the size of one encoded instance record.
	TlasInstanceRecordSize uint64 = 64
	// AabbRecordSize is the size of one encoded AABB: six float32.
	AabbRecordSize uint64 = 24
)

// Instance record flags.
const (
	TlasInstanceFlagTriangleCullDisable uint8 = 0x1
	TlasInstanceFlagForceOpaque         uint8 = 0x4
	TlasInstanceFlagForceNoOpaque       uint8 = 0x8
)

// EstimateBlasBuildSizes returns conservative memory requirements for a BLAS,
// used by backends that cannot query the driver.
func EstimateBlasBuildSizes(blas *DeviceRayTracingBlas) AccelerationStructureBuildSizes {
	primitives := uint64(1)
	geometries := uint64(1)
	if blas.Aabb() == nil {
		primitives = 0
		geometries = uint64(len(blas.Geometries()))
		for _, g := range blas.Geometries() {
			primitives += uint64(g.TriangleCount())
		}
	}
	nodeSize := uint64(64)
	if blas.BuildFlags().Has(metadata.RayTracingBuildFlagsFastBuild) {
		// fast builds produce a looser tree
		nodeSize = 80
	}
	sizes := AccelerationStructureBuildSizes{
		ResultDataMaxSizeInBytes: math.AlignUp(128+geometries*32+primitives*nodeSize, AccelerationStructureAlignment),
		ScratchDataSizeInBytes:   math.AlignUp(256+primitives*32, AccelerationStructureAlignment),
	}
	if blas.BuildFlags().Has(metadata.RayTracingBuildFlagsEnableUpdate) {
		sizes.UpdateScratchDataSizeInBytes = sizes.ScratchDataSizeInBytes
	}
	return sizes
}

// EstimateTlasBuildSizes returns conservative memory requirements for a TLAS.
func EstimateTlasBuildSizes(tlas *DeviceRayTracingTlas) AccelerationStructureBuildSizes {
	instances := uint64(len(tlas.Instances()))
	sizes := AccelerationStructureBuildSizes{
		ResultDataMaxSizeInBytes: math.AlignUp(128+instances*TlasInstanceRecordSize, AccelerationStructureAlignment),
		ScratchDataSizeInBytes:   math.AlignUp(256+instances*16, AccelerationStructureAlignment),
	}
	if tlas.BuildFlags().Has(metadata.RayTracingBuildFlagsEnableUpdate) {
		sizes.UpdateScratchDataSizeInBytes = sizes.ScratchDataSizeInBytes
	}
	return sizes
}

// EstimateClusterBlasBuildSizes returns conservative memory requirements for
// the transient buffers of one cluster BLAS frame.
func EstimateClusterBlasBuildSizes(desc *RayTracingClusterBlasDescriptor) ClusterBlasBuildSizes {
	clusters := uint64(desc.MaxClusterCount)
	return ClusterBlasBuildSizes{
		ImplicitDataSizeInBytes:  math.AlignUp(128+clusters*64+uint64(desc.MaxTotalTriangleCount)*32, AccelerationStructureAlignment),
		ScratchDataSizeInBytes:   math.AlignUp(256+uint64(desc.MaxTotalVertexCount)*12+clusters*32, AccelerationStructureAlignment),
		DstAddressesSizeInBytes:  math.AlignUp(clusters*8, AccelerationStructureAlignment),
		DstSizesSizeInBytes:      math.AlignUp(clusters*4, AccelerationStructureAlignment),
		SrcInfosArraySizeInBytes: math.AlignUp(desc.SrcInfosArray.ByteCount, AccelerationStructureAlignment),
		SrcInfosCountSizeInBytes: math.AlignUp(desc.SrcInfosCount.ByteCount, AccelerationStructureAlignment),
	}
}

// EncodeTlasInstance writes the 64 byte instance record: a row major 3x4
// transform, the instance id and mask, the hit group offset and flags, and
// the BLAS address. dst must hold at least TlasInstanceRecordSize bytes.
func EncodeTlasInstance(dst []byte, inst DeviceTlasInstance) {
	_ = dst[TlasInstanceRecordSize-1]
	rows := inst.Transform.Rows3x4()
	for i, v := range rows {
		binary.LittleEndian.PutUint32(dst[i*4:], gomath.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(dst[48:], inst.InstanceID&MaxTlasInstanceID|uint32(inst.InstanceMask)<<24)
	flags := TlasInstanceFlagForceOpaque
	if inst.Transparent {
		flags = TlasInstanceFlagForceNoOpaque
	}
	binary.LittleEndian.PutUint32(dst[52:], inst.HitGroupIndex&MaxTlasHitGroupIndex|uint32(flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], inst.BlasAddress)
}

// EncodeAabb writes the six float32 of an AABB record.
func EncodeAabb(dst []byte, extents math.Extents3D) {
	_ = dst[AabbRecordSize-1]
	values := [6]float32{extents.Min.X, extents.Min.Y, extents.Min.Z, extents.Max.X, extents.Max.Y, extents.Max.Z}
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[i*4:], gomath.Float32bits(v))
	}
}
