package rhi

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

/**
 * @brief The outcome of a fallible RHI call. Every operation of the ray
 * tracing layer returns one instead of panicking.
 */
type ResultCode int

const (
	Success ResultCode = iota
	Fail
	OutOfMemory
	InvalidOperation
	InvalidArgument
	NotReady
	/** @brief The backend does not support the feature. A capability signal, not a fault. */
	Unimplemented
)

func (r ResultCode) String() string {
	switch r {
	case Success:
		return "Success"
	case Fail:
		return "Fail"
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidOperation:
		return "InvalidOperation"
	case InvalidArgument:
		return "InvalidArgument"
	case NotReady:
		return "NotReady"
	case Unimplemented:
		return "Unimplemented"
	default:
		return fmt.Sprintf("ResultCode(%d)", int(r))
	}
}

func (r ResultCode) IsSuccess() bool {
	return r == Success
}

// Err maps the code to one of the core sentinel errors so callers can use
// errors.Is. Success maps to nil.
func (r ResultCode) Err() error {
	switch r {
	case Success:
		return nil
	case OutOfMemory:
		return core.ErrOutOfMemory
	case InvalidOperation:
		return core.ErrInvalidOperation
	case InvalidArgument:
		return core.ErrInvalidArgument
	case NotReady:
		return core.ErrNotReady
	case Unimplemented:
		return core.ErrUnimplemented
	default:
		return core.ErrUnknown
	}
}

// CombineResults keeps the first failure. Used to AND together per-device
// outcomes.
func CombineResults(current, next ResultCode) ResultCode {
	if current != Success {
		return current
	}
	return next
}

// reportDeviceFailure logs a per-device failure. Unimplemented is a
// capability signal and goes to the warning level.
func reportDeviceFailure(what, name string, deviceIndex int, result ResultCode) {
	if result == Unimplemented {
		core.LogWarn("%s '%s' is not supported by the backend of device %d", what, name, deviceIndex)
		return
	}
	core.LogError("failed to build %s '%s' on device %d: %s", what, name, deviceIndex, result)
}
