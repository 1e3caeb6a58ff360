package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
	"github.com/spaghettifunk/anima-rt/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to run
	EngineStageBootComplete
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released every resource
	EngineStageStopped
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageBooting:
		return "booting"
	case EngineStageBootComplete:
		return "boot-complete"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting-down"
	case EngineStageStopped:
		return "stopped"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// submitter is implemented by factories that queue recorded builds and need
// an explicit flush, such as the vulkan one.
type submitter interface {
	Submit() error
}

type Engine struct {
	currentStage  Stage
	configMutex   sync.Mutex
	config        *core.Config
	factory       rhi.Factory
	systemManager *systems.SystemManager
}

// Report summarizes one run of the demo scene.
type Report struct {
	Backend      string
	DeviceMask   rhi.DeviceMask
	BlasMask     rhi.DeviceMask
	TlasMask     rhi.DeviceMask
	TlasAddress  map[int]uint64
	MetricsDelta core.Metrics
}

func New(cfg *core.Config) (*Engine, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	e := &Engine{
		currentStage: EngineStageBooting,
		config:       cfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(cfg.LogLevel); err != nil {
		core.LogWarn("unknown log level '%s', keeping the current one", cfg.LogLevel)
	}

	factory, err := renderer.NewFactory(cfg.Backend, cfg.DeviceCount)
	if err != nil {
		core.LogError("%s", err)
		return nil, err
	}
	sm, err := systems.NewSystemManager(cfg, factory)
	if err != nil {
		factory.Shutdown()
		return nil, err
	}
	e.factory = factory
	e.systemManager = sm
	e.currentStage = EngineStageBootComplete

	core.LogInfo("engine booted with backend '%s' on %d device(s)", factory.Name(), factory.DeviceCount())
	return e, nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Config() *core.Config {
	e.configMutex.Lock()
	defer e.configMutex.Unlock()
	return e.config
}

func (e *Engine) SystemManager() *systems.SystemManager {
	return e.systemManager
}

// ApplyConfig applies the settings that can change while running. Backend,
// device count and pool budgets require a restart and are only reported.
func (e *Engine) ApplyConfig(cfg *core.Config) error {
	e.configMutex.Lock()
	defer e.configMutex.Unlock()
	if cfg.Backend != e.config.Backend || cfg.DeviceCount != e.config.DeviceCount || cfg.Pools != e.config.Pools {
		core.LogWarn("backend, device_count and pools changes are applied on restart")
	}
	if err := core.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	mode, err := rhi.ParseBuildMode(cfg.BuildMode)
	if err != nil {
		return err
	}
	e.systemManager.RayTracingSystem().SetBuildMode(mode)
	e.config = cfg
	core.LogInfo("configuration reloaded: log_level=%s build_mode=%s", cfg.LogLevel, cfg.BuildMode)
	return nil
}

// Run builds a single triangle BLAS, instances it once in a TLAS and reads
// back the aggregate TLAS buffer on every device.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if e.currentStage != EngineStageBootComplete {
		return nil, fmt.Errorf("%w: engine is %s", core.ErrInvalidOperation, e.currentStage)
	}
	e.currentStage = EngineStageRunning
	defer func() {
		if e.currentStage == EngineStageRunning {
			e.currentStage = EngineStageBootComplete
		}
	}()

	before := core.MetricsSnapshot()
	rts := e.systemManager.RayTracingSystem()

	desc, err := rts.UploadTriangles("demo_triangle",
		[]math.Vec3{math.NewVec3(0, 0, 0), math.NewVec3(1, 0, 0), math.NewVec3(0, 1, 0)},
		[]uint32{0, 1, 2})
	if err != nil {
		return nil, err
	}
	if err := rts.BuildMeshesAsync(ctx, map[string]*rhi.RayTracingBlasDescriptor{"demo_triangle": desc}); err != nil {
		return nil, err
	}
	blas, ok := rts.Mesh("demo_triangle")
	if !ok {
		return nil, fmt.Errorf("%w: demo mesh was not built", core.ErrUnknown)
	}

	instance := rhi.NewRayTracingTlasInstance(0, blas)
	instance.Transform = math.NewMat4Identity()
	tlas, err := rts.BuildTlas([]rhi.RayTracingTlasInstance{instance})
	if err != nil {
		return nil, err
	}

	if s, ok := e.factory.(submitter); ok {
		if err := s.Submit(); err != nil {
			return nil, err
		}
	}

	aggregate := tlas.GetTlasBuffer()
	if aggregate == nil {
		return nil, fmt.Errorf("%w: TLAS buffer is not available", core.ErrUnknown)
	}
	report := &Report{
		Backend:     e.factory.Name(),
		DeviceMask:  e.factory.DeviceMask(),
		BlasMask:    blas.DeviceMask(),
		TlasMask:    aggregate.DeviceMask(),
		TlasAddress: make(map[int]uint64),
	}
	aggregate.IterateObjects(func(index int, db *rhi.DeviceBuffer) bool {
		report.TlasAddress[index] = db.Memory().Address()
		return true
	})
	report.MetricsDelta = core.MetricsSnapshot().Sub(before)

	core.LogInfo("BLAS on %s, TLAS on %s", report.BlasMask, report.TlasMask)
	for index, address := range report.TlasAddress {
		core.LogDebug("device %d TLAS at 0x%x", index, address)
	}
	m := report.MetricsDelta
	core.LogInfo("pools=%d buffers=%d blas=%d tlas=%d aggregates=%d failures=%d",
		m.BufferPoolsCreated, m.BuffersAllocated, m.BlasBuilt, m.TlasBuilt, m.AggregateBuffersCreated,
		m.BlasFailures+m.TlasFailures+m.BufferPoolFailures)
	return report, nil
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageStopped || e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	var err error
	if e.systemManager != nil {
		err = errors.Join(err, e.systemManager.Shutdown())
	}
	if e.factory != nil {
		e.factory.Shutdown()
	}
	e.currentStage = EngineStageStopped
	core.LogInfo("engine stopped")
	return err
}
