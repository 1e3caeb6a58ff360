package metadata

import "strings"

/**
 * @brief The ways a buffer may be bound to the pipeline. Backends translate
 * these into their native usage flags.
 */
type BufferBindFlags uint32

const (
	BufferBindFlagsNone                 BufferBindFlags = 0
	BufferBindFlagsInputAssembly        BufferBindFlags = 1 << 0
	BufferBindFlagsDynamicInputAssembly BufferBindFlags = 1 << 1
	BufferBindFlagsConstant             BufferBindFlags = 1 << 2
	BufferBindFlagsShaderRead           BufferBindFlags = 1 << 3
	BufferBindFlagsShaderWrite          BufferBindFlags = 1 << 4
	BufferBindFlagsCopyRead             BufferBindFlags = 1 << 5
	BufferBindFlagsCopyWrite            BufferBindFlags = 1 << 6
	BufferBindFlagsPredication          BufferBindFlags = 1 << 7
	BufferBindFlagsIndirect             BufferBindFlags = 1 << 8
	/** @brief Storage for a built acceleration structure. */
	BufferBindFlagsRayTracingAccelerationStructure BufferBindFlags = 1 << 9
	BufferBindFlagsRayTracingShaderTable           BufferBindFlags = 1 << 10
	BufferBindFlagsRayTracingScratchBuffer         BufferBindFlags = 1 << 11
	/** @brief Read by an acceleration-structure build (instances, cluster infos). */
	BufferBindFlagsRayTracingBuildInput BufferBindFlags = 1 << 12

	BufferBindFlagsShaderReadWrite = BufferBindFlagsShaderRead | BufferBindFlagsShaderWrite
)

var bufferBindFlagNames = []struct {
	flag BufferBindFlags
	name string
}{
	{BufferBindFlagsInputAssembly, "InputAssembly"},
	{BufferBindFlagsDynamicInputAssembly, "DynamicInputAssembly"},
	{BufferBindFlagsConstant, "Constant"},
	{BufferBindFlagsShaderRead, "ShaderRead"},
	{BufferBindFlagsShaderWrite, "ShaderWrite"},
	{BufferBindFlagsCopyRead, "CopyRead"},
	{BufferBindFlagsCopyWrite, "CopyWrite"},
	{BufferBindFlagsPredication, "Predication"},
	{BufferBindFlagsIndirect, "Indirect"},
	{BufferBindFlagsRayTracingAccelerationStructure, "RayTracingAccelerationStructure"},
	{BufferBindFlagsRayTracingShaderTable, "RayTracingShaderTable"},
	{BufferBindFlagsRayTracingScratchBuffer, "RayTracingScratchBuffer"},
	{BufferBindFlagsRayTracingBuildInput, "RayTracingBuildInput"},
}

func (f BufferBindFlags) Has(flag BufferBindFlags) bool {
	return f&flag == flag
}

func (f BufferBindFlags) String() string {
	if f == BufferBindFlagsNone {
		return "None"
	}
	var parts []string
	for _, n := range bufferBindFlagNames {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

/** @brief Where the memory of a buffer lives. */
type HeapMemoryLevel uint8

const (
	/** @brief Host memory, visible to the CPU. */
	HeapMemoryLevelHost HeapMemoryLevel = iota
	/** @brief Device local memory. */
	HeapMemoryLevelDevice
)

func (l HeapMemoryLevel) String() string {
	switch l {
	case HeapMemoryLevelHost:
		return "Host"
	case HeapMemoryLevelDevice:
		return "Device"
	default:
		return "Unknown"
	}
}

/** @brief Describes a linear buffer allocation. */
type BufferDescriptor struct {
	/** @brief The size of the buffer in bytes. */
	ByteCount uint64
	/** @brief How the buffer is bound to the pipeline. Must be a subset of the pool flags. */
	BindFlags BufferBindFlags
	/** @brief Required alignment of the allocation, zero for the backend default. */
	Alignment uint32
}

func NewBufferDescriptor(bindFlags BufferBindFlags, byteCount uint64) BufferDescriptor {
	return BufferDescriptor{ByteCount: byteCount, BindFlags: bindFlags}
}

/** @brief Describes a sub-range of a buffer, in elements. */
type BufferViewDescriptor struct {
	ElementOffset uint32
	ElementCount  uint32
	ElementSize   uint32
}

// NewRawBufferViewDescriptor describes a byte range with 4 byte elements.
// Offset and count must be multiples of 4.
func NewRawBufferViewDescriptor(byteOffset, byteCount uint32) BufferViewDescriptor {
	return BufferViewDescriptor{
		ElementOffset: byteOffset / 4,
		ElementCount:  byteCount / 4,
		ElementSize:   4,
	}
}

func NewStructuredBufferViewDescriptor(elementOffset, elementCount, elementSize uint32) BufferViewDescriptor {
	return BufferViewDescriptor{
		ElementOffset: elementOffset,
		ElementCount:  elementCount,
		ElementSize:   elementSize,
	}
}

func (d BufferViewDescriptor) ByteOffset() uint64 {
	return uint64(d.ElementOffset) * uint64(d.ElementSize)
}

func (d BufferViewDescriptor) ByteCount() uint64 {
	return uint64(d.ElementCount) * uint64(d.ElementSize)
}

/** @brief Describes a buffer pool: every buffer it creates shares these properties. */
type BufferPoolDescriptor struct {
	/** @brief Debug name. A random one is generated when empty. */
	Name            string
	BindFlags       BufferBindFlags
	HeapMemoryLevel HeapMemoryLevel
	/** @brief Maximum bytes the pool may hand out. Zero means unbounded. */
	BudgetInBytes uint64
}
