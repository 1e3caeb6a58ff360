package rhi

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// PoolBudget returns the byte budget configured for a pool kind. The five
// cluster pools share the cluster budget.
func PoolBudget(budgets core.PoolBudgets, kind metadata.RayTracingPoolKind) uint64 {
	switch {
	case kind == metadata.RayTracingPoolShaderTable:
		return budgets.ShaderTable
	case kind == metadata.RayTracingPoolScratch:
		return budgets.Scratch
	case kind == metadata.RayTracingPoolAabbStaging:
		return budgets.AabbStaging
	case kind == metadata.RayTracingPoolBlas:
		return budgets.Blas
	case kind.IsClusterPool():
		return budgets.ClusterBlas
	case kind == metadata.RayTracingPoolTlasInstances:
		return budgets.TlasInstances
	case kind == metadata.RayTracingPoolTlas:
		return budgets.Tlas
	default:
		return 0
	}
}

/** @brief The buffer pools of the ray tracing layer on one device. */
type DeviceRayTracingBufferPools struct {
	Object

	device      Device
	budgets     core.PoolBudgets
	pools       [metadata.RayTracingPoolKindCount]*DeviceBufferPool
	initialized bool
	failedKinds []metadata.RayTracingPoolKind
}

func NewDeviceRayTracingBufferPools(budgets core.PoolBudgets) *DeviceRayTracingBufferPools {
	p := &DeviceRayTracingBufferPools{budgets: budgets}
	p.initObject(p, "DeviceRayTracingBufferPools", p.Shutdown)
	return p
}

// Init creates every pool in order. A failing pool is reported and left
// uninitialized, the remaining pools are still created and the object is
// marked initialized. Calling Init again is a no-op.
func (p *DeviceRayTracingBufferPools) Init(device Device) ResultCode {
	if p.initialized {
		return Success
	}
	if !core.Assert(device != nil, "ray tracing buffer pools initialized without a device") {
		return InvalidArgument
	}

	backend := device.Backend()
	result := Success
	for kind := metadata.RayTracingPoolKind(0); kind < metadata.RayTracingPoolKindCount; kind++ {
		pool := NewDeviceBufferPool()
		desc := metadata.BufferPoolDescriptor{
			Name:            fmt.Sprintf("RayTracing%sPool[%d]", kind, device.Index()),
			BindFlags:       backend.PoolBindFlags(kind),
			HeapMemoryLevel: kind.HeapMemoryLevel(),
			BudgetInBytes:   PoolBudget(p.budgets, kind),
		}
		if r := pool.Init(device, desc); r != Success {
			core.LogError("failed to initialize ray tracing %s buffer pool on device %d: %s", kind, device.Index(), r)
			core.MetricsBufferPoolFailed()
			p.failedKinds = append(p.failedKinds, kind)
			result = CombineResults(result, r)
		} else {
			core.MetricsBufferPoolCreated()
		}
		// failed pools stay in place, uninitialized, so builds can detect them
		p.pools[kind] = pool
	}
	p.device = device
	p.initialized = true
	return result
}

func (p *DeviceRayTracingBufferPools) IsInitialized() bool {
	return p.initialized
}

func (p *DeviceRayTracingBufferPools) Device() Device {
	return p.device
}

// FailedKinds lists the pools whose creation failed.
func (p *DeviceRayTracingBufferPools) FailedKinds() []metadata.RayTracingPoolKind {
	return p.failedKinds
}

func (p *DeviceRayTracingBufferPools) GetPool(kind metadata.RayTracingPoolKind) *DeviceBufferPool {
	if !core.Assert(p.initialized, "ray tracing buffer pools accessed before Init") {
		return nil
	}
	if kind < 0 || kind >= metadata.RayTracingPoolKindCount {
		return nil
	}
	return p.pools[kind]
}

func (p *DeviceRayTracingBufferPools) GetShaderTableBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolShaderTable)
}

func (p *DeviceRayTracingBufferPools) GetScratchBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolScratch)
}

func (p *DeviceRayTracingBufferPools) GetAabbStagingBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolAabbStaging)
}

func (p *DeviceRayTracingBufferPools) GetBlasBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolBlas)
}

func (p *DeviceRayTracingBufferPools) GetDstImplicitBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolDstImplicit)
}

func (p *DeviceRayTracingBufferPools) GetDstAddressesArrayBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolDstAddressesArray)
}

func (p *DeviceRayTracingBufferPools) GetDstSizesArrayBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolDstSizesArray)
}

func (p *DeviceRayTracingBufferPools) GetSrcInfosArrayBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolSrcInfosArray)
}

func (p *DeviceRayTracingBufferPools) GetSrcInfosCountBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolSrcInfosCount)
}

func (p *DeviceRayTracingBufferPools) GetTlasInstancesBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolTlasInstances)
}

func (p *DeviceRayTracingBufferPools) GetTlasBufferPool() *DeviceBufferPool {
	return p.GetPool(metadata.RayTracingPoolTlas)
}

func (p *DeviceRayTracingBufferPools) Shutdown() {
	for i, pool := range p.pools {
		if pool != nil {
			pool.Release()
			p.pools[i] = nil
		}
	}
	p.failedKinds = nil
	p.initialized = false
}

// readyPool returns the pool of kind on the device, or a failure when the
// pool is missing or not initialized.
func readyPool(pools *DeviceRayTracingBufferPools, kind metadata.RayTracingPoolKind) (*DeviceBufferPool, ResultCode) {
	if pools == nil || !pools.IsInitialized() {
		return nil, InvalidOperation
	}
	pool := pools.GetPool(kind)
	if pool == nil || !pool.IsInitialized() {
		core.LogError("ray tracing %s buffer pool of device %d is not initialized", kind, pools.Device().Index())
		return nil, InvalidOperation
	}
	return pool, Success
}

/**
 * @brief The ray tracing buffer pools of every device of a mask, plus one
 * multi-device aggregate per pool kind. Scenes share one instance; Init is
 * idempotent so each user may initialize it lazily.
 */
type RayTracingBufferPools struct {
	Object
	MultiDeviceObject[*DeviceRayTracingBufferPools]

	budgets       core.PoolBudgets
	initialized   bool
	failedDevices DeviceMask
	// AabbStaging has no aggregate, it is only used per device
	aggregates [metadata.RayTracingPoolKindCount]*BufferPool
}

func NewRayTracingBufferPools(budgets core.PoolBudgets) *RayTracingBufferPools {
	p := &RayTracingBufferPools{budgets: budgets}
	p.initObject(p, "RayTracingBufferPools", p.Shutdown)
	return p
}

func (p *RayTracingBufferPools) Init(factory Factory, mask DeviceMask) ResultCode {
	if p.initialized {
		if mask == p.RequestedMask() {
			return Success
		}
		core.LogError("ray tracing buffer pools already initialized for devices %s, cannot switch to %s", p.RequestedMask(), mask)
		return InvalidOperation
	}
	if !core.Assert(factory != nil, "ray tracing buffer pools initialized without a factory") {
		return InvalidArgument
	}

	failed := DeviceMaskNone
	poolsResult := Success
	result := p.InitDevices(mask, func(i int) (*DeviceRayTracingBufferPools, ResultCode) {
		device, ok := factory.Device(i)
		if !ok {
			core.LogError("%s: device %d requested from factory '%s'", core.ErrDeviceMissing, i, factory.Name())
			failed = failed.With(i)
			return nil, InvalidArgument
		}
		devicePools := NewDeviceRayTracingBufferPools(p.budgets)
		devicePools.SetName(fmt.Sprintf("%s[%d]", p.Name(), i))
		if r := devicePools.Init(device); r != Success {
			// partially initialized pools are kept and reported
			failed = failed.With(i)
			poolsResult = CombineResults(poolsResult, r)
		}
		return devicePools, Success
	})
	result = CombineResults(result, poolsResult)
	if p.DeviceMask().IsEmpty() {
		core.LogError("no device of mask %s could create ray tracing buffer pools", mask)
		p.failedDevices = failed
		return CombineResults(result, Fail)
	}

	for kind := metadata.RayTracingPoolKind(0); kind < metadata.RayTracingPoolKindCount; kind++ {
		if kind == metadata.RayTracingPoolAabbStaging {
			continue
		}
		aggregate := NewBufferPool()
		aggregate.SetName(fmt.Sprintf("RayTracing%sPool", kind))
		r := aggregate.InitFromDevicePools(p.DeviceMask(), func(i int) *DeviceBufferPool {
			dp, _ := p.DeviceObject(i)
			return dp.pools[kind]
		})
		result = CombineResults(result, r)
		p.aggregates[kind] = aggregate
	}

	if failed != DeviceMaskNone {
		core.LogError("ray tracing buffer pools failed on devices %s of %s", failed, mask)
	}
	p.failedDevices = failed
	p.initialized = true
	return result
}

// IsInitialized reports whether Init ran, even if some devices failed.
func (p *RayTracingBufferPools) IsInitialized() bool {
	return p.initialized
}

// FailedDevices returns the devices with at least one failed pool or no
// pools at all.
func (p *RayTracingBufferPools) FailedDevices() DeviceMask {
	return p.failedDevices
}

func (p *RayTracingBufferPools) GetDevicePools(index int) *DeviceRayTracingBufferPools {
	if !core.Assert(p.initialized, "ray tracing buffer pools accessed before Init") {
		return nil
	}
	dp, ok := p.DeviceObject(index)
	if !ok {
		return nil
	}
	return dp
}

func (p *RayTracingBufferPools) getAggregate(kind metadata.RayTracingPoolKind) *BufferPool {
	if !core.Assert(p.initialized, "ray tracing buffer pools accessed before Init") {
		return nil
	}
	return p.aggregates[kind]
}

func (p *RayTracingBufferPools) GetShaderTableBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolShaderTable)
}

func (p *RayTracingBufferPools) GetScratchBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolScratch)
}

func (p *RayTracingBufferPools) GetBlasBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolBlas)
}

func (p *RayTracingBufferPools) GetDstImplicitBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolDstImplicit)
}

func (p *RayTracingBufferPools) GetDstAddressesArrayBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolDstAddressesArray)
}

func (p *RayTracingBufferPools) GetDstSizesArrayBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolDstSizesArray)
}

func (p *RayTracingBufferPools) GetSrcInfosArrayBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolSrcInfosArray)
}

func (p *RayTracingBufferPools) GetSrcInfosCountBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolSrcInfosCount)
}

func (p *RayTracingBufferPools) GetTlasInstancesBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolTlasInstances)
}

func (p *RayTracingBufferPools) GetTlasBufferPool() *BufferPool {
	return p.getAggregate(metadata.RayTracingPoolTlas)
}

func (p *RayTracingBufferPools) Shutdown() {
	for i, aggregate := range p.aggregates {
		if aggregate != nil {
			aggregate.Release()
			p.aggregates[i] = nil
		}
	}
	p.IterateObjects(func(_ int, dp *DeviceRayTracingBufferPools) bool {
		dp.Release()
		return true
	})
	p.MultiDeviceObject.Shutdown()
	p.failedDevices = DeviceMaskNone
	p.initialized = false
}
