package metadata

import (
	"fmt"
	"strings"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

/** @brief The buffer pools owned by the ray-tracing layer, in creation order. */
type RayTracingPoolKind int

const (
	RayTracingPoolShaderTable RayTracingPoolKind = iota
	RayTracingPoolScratch
	RayTracingPoolAabbStaging
	RayTracingPoolBlas
	RayTracingPoolDstImplicit
	RayTracingPoolDstAddressesArray
	RayTracingPoolDstSizesArray
	RayTracingPoolSrcInfosArray
	RayTracingPoolSrcInfosCount
	RayTracingPoolTlasInstances
	RayTracingPoolTlas

	RayTracingPoolKindCount
)

var rayTracingPoolNames = [RayTracingPoolKindCount]string{
	"ShaderTable",
	"Scratch",
	"AabbStaging",
	"Blas",
	"DstImplicit",
	"DstAddressesArray",
	"DstSizesArray",
	"SrcInfosArray",
	"SrcInfosCount",
	"TlasInstances",
	"Tlas",
}

func (k RayTracingPoolKind) String() string {
	if k < 0 || k >= RayTracingPoolKindCount {
		return fmt.Sprintf("RayTracingPoolKind(%d)", int(k))
	}
	return rayTracingPoolNames[k]
}

// HeapMemoryLevel is host for the shader table, which the CPU writes every
// frame, and device for everything else.
func (k RayTracingPoolKind) HeapMemoryLevel() HeapMemoryLevel {
	if k == RayTracingPoolShaderTable {
		return HeapMemoryLevelHost
	}
	return HeapMemoryLevelDevice
}

// IsClusterPool reports whether the pool only serves cluster BLAS builds.
func (k RayTracingPoolKind) IsClusterPool() bool {
	return k >= RayTracingPoolDstImplicit && k <= RayTracingPoolSrcInfosCount
}

/** @brief Flags controlling how an acceleration structure is built. */
type RayTracingAccelerationStructureBuildFlags uint32

const (
	RayTracingBuildFlagsFastTrace        RayTracingAccelerationStructureBuildFlags = 1 << 0
	RayTracingBuildFlagsFastBuild        RayTracingAccelerationStructureBuildFlags = 1 << 1
	RayTracingBuildFlagsEnableUpdate     RayTracingAccelerationStructureBuildFlags = 1 << 2
	RayTracingBuildFlagsEnableCompaction RayTracingAccelerationStructureBuildFlags = 1 << 3

	DefaultRayTracingBuildFlags = RayTracingBuildFlagsFastTrace
)

func (f RayTracingAccelerationStructureBuildFlags) Has(flag RayTracingAccelerationStructureBuildFlags) bool {
	return f&flag == flag
}

func (f RayTracingAccelerationStructureBuildFlags) String() string {
	var parts []string
	if f.Has(RayTracingBuildFlagsFastTrace) {
		parts = append(parts, "FastTrace")
	}
	if f.Has(RayTracingBuildFlagsFastBuild) {
		parts = append(parts, "FastBuild")
	}
	if f.Has(RayTracingBuildFlagsEnableUpdate) {
		parts = append(parts, "EnableUpdate")
	}
	if f.Has(RayTracingBuildFlagsEnableCompaction) {
		parts = append(parts, "EnableCompaction")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Hardware limits of a single cluster.
const (
	MaxClusterTriangleCount uint32 = 256
	MaxClusterVertexCount   uint32 = 256
)

/** @brief Bounds used to size a cluster BLAS build. */
type RayTracingClusterBlasParameters struct {
	/** @brief Largest geometry index referenced by any cluster. */
	MaxGeometryIndexValue uint32
	/** @brief Maximum distinct geometry indices inside one cluster. */
	MaxClusterUniqueGeometryCount uint32
	MaxClusterTriangleCount       uint32
	MaxClusterVertexCount         uint32
	MaxTotalTriangleCount         uint32
	MaxTotalVertexCount           uint32
	/** @brief Low mantissa bits of vertex positions that may be dropped. */
	MinPositionTruncateBitCount uint32
	MaxClusterCount             uint32
}

func (p RayTracingClusterBlasParameters) Validate() error {
	if p.MaxClusterCount == 0 {
		return fmt.Errorf("%w: max cluster count is zero", core.ErrInvalidArgument)
	}
	if p.MaxClusterTriangleCount == 0 || p.MaxClusterTriangleCount > MaxClusterTriangleCount {
		return fmt.Errorf("%w: max cluster triangle count %d outside [1, %d]", core.ErrInvalidArgument, p.MaxClusterTriangleCount, MaxClusterTriangleCount)
	}
	if p.MaxClusterVertexCount == 0 || p.MaxClusterVertexCount > MaxClusterVertexCount {
		return fmt.Errorf("%w: max cluster vertex count %d outside [1, %d]", core.ErrInvalidArgument, p.MaxClusterVertexCount, MaxClusterVertexCount)
	}
	if p.MaxTotalTriangleCount < p.MaxClusterTriangleCount {
		return fmt.Errorf("%w: max total triangle count %d below the per-cluster maximum %d", core.ErrInvalidArgument, p.MaxTotalTriangleCount, p.MaxClusterTriangleCount)
	}
	if p.MaxTotalVertexCount < p.MaxClusterVertexCount {
		return fmt.Errorf("%w: max total vertex count %d below the per-cluster maximum %d", core.ErrInvalidArgument, p.MaxTotalVertexCount, p.MaxClusterVertexCount)
	}
	if p.MinPositionTruncateBitCount > 32 {
		return fmt.Errorf("%w: position truncate bit count %d exceeds 32", core.ErrInvalidArgument, p.MinPositionTruncateBitCount)
	}
	if p.MaxClusterUniqueGeometryCount == 0 {
		return fmt.Errorf("%w: max unique geometry count per cluster is zero", core.ErrInvalidArgument)
	}
	return nil
}
