package renderer

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/null"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/spaghettifunk/anima-rt/engine/renderer/software"
	"github.com/spaghettifunk/anima-rt/engine/renderer/vulkan"
)

const (
	BackendSoftware = "software"
	BackendVulkan   = "vulkan"
	BackendNull     = "null"
)

// NewFactory creates the device factory of the named backend. The caller
// owns the factory and must call Shutdown on it.
func NewFactory(backendName string, deviceCount int) (rhi.Factory, error) {
	core.LogInfo("creating '%s' device factory with %d devices", backendName, deviceCount)
	var (
		factory rhi.Factory
		err     error
	)
	switch backendName {
	case BackendSoftware:
		var f *software.Factory
		if f, err = software.NewFactory(deviceCount); err == nil {
			factory = f
		}
	case BackendVulkan:
		var f *vulkan.Factory
		if f, err = vulkan.NewFactory(deviceCount); err == nil {
			factory = f
		}
	case BackendNull:
		var f *null.Factory
		if f, err = null.NewFactory(deviceCount); err == nil {
			factory = f
		}
	default:
		err = fmt.Errorf("%w: unknown backend '%s'", core.ErrInvalidArgument, backendName)
	}
	if err != nil {
		return nil, err
	}
	return factory, nil
}
