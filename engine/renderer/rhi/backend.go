package rhi

import (
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

/** @brief Memory requirements reported by a backend before a build. */
type AccelerationStructureBuildSizes struct {
	ResultDataMaxSizeInBytes     uint64
	ScratchDataSizeInBytes       uint64
	UpdateScratchDataSizeInBytes uint64
}

/** @brief Memory requirements of the transient buffers of a cluster BLAS build. */
type ClusterBlasBuildSizes struct {
	ImplicitDataSizeInBytes  uint64
	ScratchDataSizeInBytes   uint64
	DstAddressesSizeInBytes  uint64
	DstSizesSizeInBytes      uint64
	SrcInfosArraySizeInBytes uint64
	SrcInfosCountSizeInBytes uint64
}

// BackendBase must be embedded by every AccelerationStructureBackend
// implementation.
type BackendBase struct{}

func (BackendBase) accelerationStructureBackend() {}

/**
 * @brief The leaf of the ray tracing layer: everything that differs between
 * graphics APIs. Builds are recorded, never waited on.
 */
type AccelerationStructureBackend interface {
	Name() string
	// PoolBindFlags returns the bind flags of the buffers of the given pool.
	PoolBindFlags(kind metadata.RayTracingPoolKind) metadata.BufferBindFlags
	// TlasInstanceStride is the byte size of one instance record.
	TlasInstanceStride() uint64

	BlasPrebuildInfo(device Device, blas *DeviceRayTracingBlas) (AccelerationStructureBuildSizes, ResultCode)
	RecordBlasBuild(device Device, blas *DeviceRayTracingBlas) ResultCode
	RecordBlasCompaction(device Device, source, compacted *DeviceRayTracingBlas) ResultCode

	ClusterBlasPrebuildInfo(device Device, desc *RayTracingClusterBlasDescriptor) (ClusterBlasBuildSizes, ResultCode)
	RecordClusterBlasBuild(device Device, blas *DeviceRayTracingClusterBlas, frame *ClusterBlasFrameBuffers) ResultCode

	TlasPrebuildInfo(device Device, tlas *DeviceRayTracingTlas) (AccelerationStructureBuildSizes, ResultCode)
	RecordTlasBuild(device Device, tlas *DeviceRayTracingTlas) ResultCode

	accelerationStructureBackend()
}

// DefaultPoolBindFlags are the bind flags used by backends without special
// requirements.
func DefaultPoolBindFlags(kind metadata.RayTracingPoolKind) metadata.BufferBindFlags {
	switch kind {
	case metadata.RayTracingPoolShaderTable:
		return metadata.BufferBindFlagsRayTracingShaderTable | metadata.BufferBindFlagsShaderRead | metadata.BufferBindFlagsCopyWrite
	case metadata.RayTracingPoolScratch:
		return metadata.BufferBindFlagsRayTracingScratchBuffer | metadata.BufferBindFlagsShaderReadWrite
	case metadata.RayTracingPoolAabbStaging, metadata.RayTracingPoolTlasInstances,
		metadata.RayTracingPoolSrcInfosArray, metadata.RayTracingPoolSrcInfosCount:
		return metadata.BufferBindFlagsRayTracingBuildInput | metadata.BufferBindFlagsShaderRead | metadata.BufferBindFlagsCopyWrite
	case metadata.RayTracingPoolBlas, metadata.RayTracingPoolTlas, metadata.RayTracingPoolDstImplicit:
		return metadata.BufferBindFlagsRayTracingAccelerationStructure | metadata.BufferBindFlagsShaderRead
	case metadata.RayTracingPoolDstAddressesArray, metadata.RayTracingPoolDstSizesArray:
		return metadata.BufferBindFlagsShaderReadWrite | metadata.BufferBindFlagsCopyRead
	default:
		return metadata.BufferBindFlagsNone
	}
}
