package rhi

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

/**
 * @brief How multi-device builds react to a device failing. In both modes the
 * object reports IsValid() == false once a device failed.
 */
type BuildMode int

const (
	// BuildModeLenient keeps the devices that built successfully.
	BuildModeLenient BuildMode = iota
	// BuildModeStrict tears down every device of the object on the first failure.
	BuildModeStrict
)

func (m BuildMode) String() string {
	if m == BuildModeStrict {
		return core.BuildModeStrict
	}
	return core.BuildModeLenient
}

func ParseBuildMode(mode string) (BuildMode, error) {
	switch mode {
	case core.BuildModeLenient, "":
		return BuildModeLenient, nil
	case core.BuildModeStrict:
		return BuildModeStrict, nil
	default:
		return BuildModeLenient, fmt.Errorf("%w: unknown build mode '%s'", core.ErrInvalidArgument, mode)
	}
}
