package rhi

import (
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

/** @brief A counted view over a range of a DeviceBuffer. */
type DeviceBufferView struct {
	Object
	buffer     *DeviceBuffer
	descriptor metadata.BufferViewDescriptor
}

func newDeviceBufferView(buffer *DeviceBuffer, desc metadata.BufferViewDescriptor) *DeviceBufferView {
	buffer.Acquire()
	v := &DeviceBufferView{buffer: buffer, descriptor: desc}
	v.initObject(v, "DeviceBufferView", func() {
		v.buffer.Release()
	})
	return v
}

func (v *DeviceBufferView) Buffer() *DeviceBuffer {
	return v.buffer
}

func (v *DeviceBufferView) Descriptor() metadata.BufferViewDescriptor {
	return v.descriptor
}

// DeviceAddress is the address of the first byte of the view.
func (v *DeviceBufferView) DeviceAddress() uint64 {
	address := v.buffer.DeviceAddress()
	if address == InvalidDeviceAddress {
		return address
	}
	return address + v.descriptor.ByteOffset()
}

/** @brief A view replicated on every device of its buffer. */
type BufferView struct {
	Object
	MultiDeviceObject[*DeviceBufferView]
	buffer     *Buffer
	descriptor metadata.BufferViewDescriptor
}

func newBufferView(buffer *Buffer, desc metadata.BufferViewDescriptor) *BufferView {
	buffer.Acquire()
	v := &BufferView{buffer: buffer, descriptor: desc}
	v.initObject(v, "BufferView", func() {
		v.IterateObjects(func(_ int, dv *DeviceBufferView) bool {
			dv.Release()
			return true
		})
		v.MultiDeviceObject.Shutdown()
		v.buffer.Release()
	})
	return v
}

func (v *BufferView) Buffer() *Buffer {
	return v.buffer
}

func (v *BufferView) Descriptor() metadata.BufferViewDescriptor {
	return v.descriptor
}

func (v *BufferView) GetDeviceBufferView(index int) *DeviceBufferView {
	dv, ok := v.DeviceObject(index)
	if !ok {
		return nil
	}
	return dv
}
