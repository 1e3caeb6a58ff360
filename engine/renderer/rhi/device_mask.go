package rhi

import (
	"math/bits"
	"strconv"
	"strings"
)

// MaxDeviceCount is the number of device indices a DeviceMask can address.
const MaxDeviceCount = 32

/** @brief A bit set of physical device indices. */
type DeviceMask uint32

const DeviceMaskNone DeviceMask = 0

func IsValidDeviceIndex(index int) bool {
	return index >= 0 && index < MaxDeviceCount
}

// DeviceMaskFromIndices builds a mask from device indices. Out of range
// indices are ignored.
func DeviceMaskFromIndices(indices ...int) DeviceMask {
	var mask DeviceMask
	for _, i := range indices {
		mask = mask.With(i)
	}
	return mask
}

// DeviceMaskAll returns the mask of the first count devices.
func DeviceMaskAll(count int) DeviceMask {
	if count <= 0 {
		return DeviceMaskNone
	}
	if count >= MaxDeviceCount {
		return ^DeviceMaskNone
	}
	return DeviceMask(uint32(1)<<uint(count) - 1)
}

func (m DeviceMask) Has(index int) bool {
	if !IsValidDeviceIndex(index) {
		return false
	}
	return m&(1<<uint(index)) != 0
}

func (m DeviceMask) With(index int) DeviceMask {
	if !IsValidDeviceIndex(index) {
		return m
	}
	return m | 1<<uint(index)
}

func (m DeviceMask) Without(index int) DeviceMask {
	if !IsValidDeviceIndex(index) {
		return m
	}
	return m &^ (1 << uint(index))
}

func (m DeviceMask) Count() int {
	return bits.OnesCount32(uint32(m))
}

func (m DeviceMask) IsEmpty() bool {
	return m == DeviceMaskNone
}

// Indices returns the set device indices in ascending order.
func (m DeviceMask) Indices() []int {
	indices := make([]int, 0, m.Count())
	IterateDevices(m, func(i int) bool {
		indices = append(indices, i)
		return true
	})
	return indices
}

func (m DeviceMask) String() string {
	parts := make([]string, 0, m.Count())
	for _, i := range m.Indices() {
		parts = append(parts, strconv.Itoa(i))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// IterateDevices calls fn for every set bit of mask in ascending order and
// stops as soon as fn returns false. It reports whether every device was
// visited.
func IterateDevices(mask DeviceMask, fn func(deviceIndex int) bool) bool {
	remaining := uint32(mask)
	for remaining != 0 {
		i := bits.TrailingZeros32(remaining)
		if !fn(i) {
			return false
		}
		remaining &^= 1 << uint(i)
	}
	return true
}
