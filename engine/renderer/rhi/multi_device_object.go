package rhi

import (
	"github.com/spaghettifunk/anima-rt/engine/core"
)

/**
 * @brief Binds a device mask to one device-local object per set bit.
 *
 * After every successful Init, InitDevices, AddDevice and RemoveDevice the
 * keys of the table equal the set bits of the mask. Not safe for concurrent
 * mutation.
 */
type MultiDeviceObject[T any] struct {
	// mask passed to Init, kept to make repeated Init calls idempotent
	requestedMask DeviceMask
	deviceMask    DeviceMask
	initialized   bool
	objects       map[int]T
}

// Init records the mask. A second call with the same mask is a no-op, a
// different mask is rejected and the current mask stays unchanged.
func (m *MultiDeviceObject[T]) Init(mask DeviceMask) ResultCode {
	if m.initialized {
		if mask == m.requestedMask {
			return Success
		}
		core.LogError("device mask %s cannot be replaced by %s without a shutdown", m.requestedMask, mask)
		return InvalidOperation
	}
	if !core.Assert(!mask.IsEmpty(), "multi-device object initialized with an empty device mask") {
		return InvalidArgument
	}
	m.requestedMask = mask
	m.deviceMask = DeviceMaskNone
	m.objects = make(map[int]T, mask.Count())
	m.initialized = true
	return Success
}

// InitDevices initializes the object with mask and creates the device-local
// objects of every device still missing from the table. Devices whose
// creation fails are left out of both the table and the mask. The first
// failure is returned.
func (m *MultiDeviceObject[T]) InitDevices(mask DeviceMask, create func(deviceIndex int) (T, ResultCode)) ResultCode {
	if result := m.Init(mask); result != Success {
		return result
	}
	result := Success
	IterateDevices(mask, func(i int) bool {
		if _, ok := m.objects[i]; ok {
			return true
		}
		obj, r := create(i)
		if r != Success {
			result = CombineResults(result, r)
			return true
		}
		m.objects[i] = obj
		m.deviceMask = m.deviceMask.With(i)
		return true
	})
	return result
}

func (m *MultiDeviceObject[T]) validateIndex(index int) ResultCode {
	if !core.Assert(IsValidDeviceIndex(index), "device index %d out of range [0, %d)", index, MaxDeviceCount) {
		return InvalidArgument
	}
	return Success
}

// AddDevice inserts the object of a device that is not yet present.
func (m *MultiDeviceObject[T]) AddDevice(index int, obj T) ResultCode {
	if result := m.validateIndex(index); result != Success {
		return result
	}
	if !m.initialized {
		core.LogError("cannot add device %d to an uninitialized multi-device object", index)
		return InvalidOperation
	}
	if _, ok := m.objects[index]; ok {
		core.LogError("device %d is already part of mask %s", index, m.deviceMask)
		return InvalidOperation
	}
	m.objects[index] = obj
	m.deviceMask = m.deviceMask.With(index)
	return Success
}

// RemoveDevice drops the object of a present device and hands it back so
// the owner can tear it down.
func (m *MultiDeviceObject[T]) RemoveDevice(index int) (T, ResultCode) {
	var zero T
	if result := m.validateIndex(index); result != Success {
		return zero, result
	}
	obj, ok := m.objects[index]
	if !m.initialized || !ok {
		core.LogError("device %d is not part of mask %s", index, m.deviceMask)
		return zero, InvalidOperation
	}
	delete(m.objects, index)
	m.deviceMask = m.deviceMask.Without(index)
	return obj, Success
}

func (m *MultiDeviceObject[T]) DeviceObject(index int) (T, bool) {
	obj, ok := m.objects[index]
	return obj, ok
}

// IterateObjects visits the device objects in ascending device order.
func (m *MultiDeviceObject[T]) IterateObjects(fn func(deviceIndex int, obj T) bool) {
	IterateDevices(m.deviceMask, func(i int) bool {
		return fn(i, m.objects[i])
	})
}

func (m *MultiDeviceObject[T]) DeviceMask() DeviceMask {
	return m.deviceMask
}

// RequestedMask is the mask given to Init. It differs from DeviceMask when
// some devices failed to be created.
func (m *MultiDeviceObject[T]) RequestedMask() DeviceMask {
	return m.requestedMask
}

func (m *MultiDeviceObject[T]) DeviceCount() int {
	return len(m.objects)
}

func (m *MultiDeviceObject[T]) IsInitialized() bool {
	return m.initialized
}

// Shutdown clears the table and the mask. The device objects are not torn
// down, that is the owner's job.
func (m *MultiDeviceObject[T]) Shutdown() {
	m.objects = nil
	m.requestedMask = DeviceMaskNone
	m.deviceMask = DeviceMaskNone
	m.initialized = false
}
