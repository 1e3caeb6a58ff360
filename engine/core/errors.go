package core

import (
	"errors"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrNotInitialized     = errors.New("object not initialized")
	ErrAlreadyInitialized = errors.New("object already initialized")
	ErrUnimplemented      = errors.New("unimplemented by backend")
	ErrOutOfMemory        = errors.New("out of memory")
	ErrNotReady           = errors.New("not ready")
	ErrDeviceMissing      = errors.New("device missing from mask or factory")
	ErrUnknown            = errors.New("unknown")
)
