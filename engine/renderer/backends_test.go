package renderer

import (
	"testing"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactory(t *testing.T) {
	for _, name := range []string{BackendSoftware, BackendNull} {
		t.Run(name, func(t *testing.T) {
			factory, err := NewFactory(name, 2)
			require.NoError(t, err)
			defer factory.Shutdown()

			assert.Equal(t, name, factory.Name())
			assert.Equal(t, 2, factory.DeviceCount())
			assert.Equal(t, rhi.DeviceMaskFromIndices(0, 1), factory.DeviceMask())

			device, ok := factory.Device(1)
			require.True(t, ok)
			assert.Equal(t, 1, device.Index())
			_, ok = factory.Device(2)
			assert.False(t, ok)
		})
	}
}

func TestNewFactoryErrors(t *testing.T) {
	_, err := NewFactory("metal", 1)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = NewFactory(BackendSoftware, 0)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = NewFactory(BackendNull, rhi.MaxDeviceCount+1)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}
