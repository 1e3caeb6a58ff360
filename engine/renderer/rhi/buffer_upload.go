package rhi

import "github.com/spaghettifunk/anima-rt/engine/core"

/** @brief Device memory the host can write directly. */
type HostMemory interface {
	DeviceMemory
	Bytes() []byte
}

// Write copies data into the device buffer at offset. Backends without
// host-visible memory report Unimplemented.
func (db *DeviceBuffer) Write(offset uint64, data []byte) ResultCode {
	if !db.IsInitialized() {
		core.LogError("cannot write to uninitialized buffer '%s'", db.Name())
		return InvalidOperation
	}
	host, ok := db.Memory().(HostMemory)
	if !ok {
		return Unimplemented
	}
	dst := host.Bytes()
	if offset > uint64(len(dst)) || uint64(len(data)) > uint64(len(dst))-offset {
		core.LogError("write of %d bytes at %d overflows buffer '%s' (%d bytes)", len(data), offset, db.Name(), len(dst))
		return InvalidArgument
	}
	copy(dst[offset:], data)
	return Success
}

// Write replicates data into every device buffer. The first failure is
// returned after every device has been attempted.
func (b *Buffer) Write(offset uint64, data []byte) ResultCode {
	if b.invalidated || !b.IsInitialized() {
		core.LogError("cannot write to invalid buffer '%s'", b.Name())
		return InvalidOperation
	}
	result := Success
	b.IterateObjects(func(_ int, db *DeviceBuffer) bool {
		result = CombineResults(result, db.Write(offset, data))
		return true
	})
	return result
}
