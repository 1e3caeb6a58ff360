package rhi

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

/**
 * @brief Reference counted base of every RHI object. A freshly created
 * object holds one reference owned by its creator.
 */
type Object struct {
	name     string
	id       uint32
	refCount atomic.Int32
	// called once when the last reference is released
	release func()
}

func (o *Object) initObject(owner interface{}, kind string, release func()) {
	o.name = fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	o.id = core.IdentifierAquireNewID(owner)
	o.refCount.Store(1)
	o.release = release
}

func (o *Object) Name() string {
	return o.name
}

func (o *Object) SetName(name string) {
	if name == "" {
		return
	}
	o.name = name
}

// ID is the process wide identifier of the object, useful to correlate logs.
func (o *Object) ID() uint32 {
	return o.id
}

func (o *Object) Acquire() {
	o.refCount.Add(1)
}

// Release drops one reference. The last release shuts the object down.
func (o *Object) Release() {
	count := o.refCount.Add(-1)
	if count > 0 {
		return
	}
	if !core.Assert(count == 0, "object '%s' released more times than acquired", o.name) {
		return
	}
	if o.release != nil {
		o.release()
	}
	if err := core.IdentifierReleaseID(o.id); err != nil {
		core.LogWarn("%s", err)
	}
}

func (o *Object) UseCount() int32 {
	return o.refCount.Load()
}
