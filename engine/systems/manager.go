package systems

import (
	"errors"
	"runtime"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
)

type SystemManager struct {
	jobSystem        *JobSystem
	rayTracingSystem *RayTracingSystem
}

func NewSystemManager(config *core.Config, factory rhi.Factory) (*SystemManager, error) {
	workers := config.BuildWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	js, err := NewJobSystem(workers, workers*4)
	if err != nil {
		return nil, err
	}

	mode, err := rhi.ParseBuildMode(config.BuildMode)
	if err != nil {
		_ = js.Shutdown()
		return nil, err
	}
	rts, err := NewRayTracingSystem(RayTracingSystemConfig{
		MaxFrameLatency: config.MaxFrameLatency,
		BuildMode:       mode,
		Budgets:         config.Pools,
	}, factory, js)
	if err != nil {
		_ = js.Shutdown()
		return nil, err
	}
	return &SystemManager{
		jobSystem:        js,
		rayTracingSystem: rts,
	}, nil
}

func (sm *SystemManager) JobSystem() *JobSystem {
	return sm.jobSystem
}

func (sm *SystemManager) RayTracingSystem() *RayTracingSystem {
	return sm.rayTracingSystem
}

// Shutdown stops the job system first so no build is running while the
// acceleration structures are released.
func (sm *SystemManager) Shutdown() error {
	return errors.Join(
		sm.jobSystem.Shutdown(),
		sm.rayTracingSystem.Shutdown(),
	)
}
