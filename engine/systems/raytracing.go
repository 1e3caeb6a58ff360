package systems

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	gomath "math"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/rhi"
)

const (
	vertexStride            = 12
	geometryPoolBindFlags   = metadata.BufferBindFlagsInputAssembly | metadata.BufferBindFlagsShaderRead | metadata.BufferBindFlagsRayTracingBuildInput | metadata.BufferBindFlagsCopyWrite
	defaultGeometryPoolName = "RayTracingGeometryPool"
)

type RayTracingSystemConfig struct {
	MaxFrameLatency int
	BuildMode       rhi.BuildMode
	Budgets         core.PoolBudgets
	/** @brief Budget of the pool holding uploaded vertex and index data. Zero means unbounded. */
	GeometryBudget uint64
}

/**
 * @brief Owns the acceleration structures of one scene: the shared buffer
 * pools, one BLAS per named mesh and the scene TLAS.
 */
type RayTracingSystem struct {
	config    RayTracingSystemConfig
	factory   rhi.Factory
	jobSystem *JobSystem

	mu            sync.Mutex
	pools         *rhi.RayTracingBufferPools
	geometryPool  *rhi.BufferPool
	geometry      map[string][]*rhi.Buffer
	meshes        map[string]*rhi.RayTracingBlas
	clusterMeshes map[string]*rhi.RayTracingClusterBlas
	tlas          *rhi.RayTracingTlas
}

func NewRayTracingSystem(config RayTracingSystemConfig, factory rhi.Factory, jobSystem *JobSystem) (*RayTracingSystem, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: ray tracing system without a device factory", core.ErrInvalidArgument)
	}
	if config.MaxFrameLatency <= 0 {
		config.MaxFrameLatency = rhi.DefaultMaxFrameLatency
	}
	return &RayTracingSystem{
		config:        config,
		factory:       factory,
		jobSystem:     jobSystem,
		geometry:      make(map[string][]*rhi.Buffer),
		meshes:        make(map[string]*rhi.RayTracingBlas),
		clusterMeshes: make(map[string]*rhi.RayTracingClusterBlas),
	}, nil
}

func resultError(what string, result rhi.ResultCode) error {
	if result == rhi.Success {
		return nil
	}
	return fmt.Errorf("%s: %w", what, result.Err())
}

// Pools returns the scene buffer pools, initializing them on first use.
// Pools that failed on some devices are still returned along with the error.
func (s *RayTracingSystem) Pools() (*rhi.RayTracingBufferPools, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolsLocked()
}

func (s *RayTracingSystem) poolsLocked() (*rhi.RayTracingBufferPools, error) {
	if s.pools != nil {
		return s.pools, nil
	}
	pools := rhi.NewRayTracingBufferPools(s.config.Budgets)
	result := pools.Init(s.factory, s.factory.DeviceMask())
	if !pools.IsInitialized() {
		pools.Release()
		return nil, resultError("ray tracing buffer pools", result)
	}
	s.pools = pools
	return pools, resultError("ray tracing buffer pools", result)
}

// SetBuildMode applies to every build started afterwards.
func (s *RayTracingSystem) SetBuildMode(mode rhi.BuildMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.BuildMode != mode {
		core.LogInfo("ray tracing build mode changed from %s to %s", s.config.BuildMode, mode)
	}
	s.config.BuildMode = mode
}

func (s *RayTracingSystem) BuildMode() rhi.BuildMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.BuildMode
}

func (s *RayTracingSystem) geometryPoolLocked() (*rhi.BufferPool, error) {
	if s.geometryPool != nil {
		return s.geometryPool, nil
	}
	pool := rhi.NewBufferPool()
	result := pool.Init(s.factory, s.factory.DeviceMask(), metadata.BufferPoolDescriptor{
		Name:            defaultGeometryPoolName,
		BindFlags:       geometryPoolBindFlags,
		HeapMemoryLevel: metadata.HeapMemoryLevelHost,
		BudgetInBytes:   s.config.GeometryBudget,
	})
	if result != rhi.Success {
		pool.Release()
		return nil, resultError("geometry pool", result)
	}
	s.geometryPool = pool
	return pool, nil
}

func (s *RayTracingSystem) uploadLocked(pool *rhi.BufferPool, name string, data []byte) (*rhi.Buffer, error) {
	buf := rhi.NewBuffer()
	buf.SetName(name)
	if result := pool.InitBuffer(buf, metadata.NewBufferDescriptor(geometryPoolBindFlags, uint64(len(data)))); result != rhi.Success {
		buf.Release()
		return nil, resultError(fmt.Sprintf("buffer '%s'", name), result)
	}
	switch result := buf.Write(0, data); result {
	case rhi.Success:
	case rhi.Unimplemented:
		core.LogWarn("backend '%s' cannot upload '%s' from the host", s.factory.Name(), name)
	default:
		buf.Release()
		return nil, resultError(fmt.Sprintf("upload of '%s'", name), result)
	}
	return buf, nil
}

// UploadTriangles replicates an indexed triangle mesh on every device and
// returns a BLAS descriptor referencing it. The buffers live until the mesh
// of the same name is removed.
func (s *RayTracingSystem) UploadTriangles(name string, positions []math.Vec3, indices []uint32) (*rhi.RayTracingBlasDescriptor, error) {
	if len(positions) == 0 || len(indices) == 0 || len(indices)%3 != 0 {
		return nil, fmt.Errorf("%w: mesh '%s' needs vertices and a multiple of 3 indices", core.ErrInvalidArgument, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.geometry[name]; exists {
		return nil, fmt.Errorf("%w: geometry '%s' already uploaded", core.ErrInvalidOperation, name)
	}
	pool, err := s.geometryPoolLocked()
	if err != nil {
		return nil, err
	}

	vertexData := make([]byte, len(positions)*vertexStride)
	for i, p := range positions {
		binary.LittleEndian.PutUint32(vertexData[i*vertexStride:], gomath.Float32bits(p.X))
		binary.LittleEndian.PutUint32(vertexData[i*vertexStride+4:], gomath.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(vertexData[i*vertexStride+8:], gomath.Float32bits(p.Z))
	}
	indexData := make([]byte, len(indices)*4)
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(indexData[i*4:], idx)
	}

	vertices, err := s.uploadLocked(pool, name+".Vertices", vertexData)
	if err != nil {
		return nil, err
	}
	indexBuffer, err := s.uploadLocked(pool, name+".Indices", indexData)
	if err != nil {
		vertices.Release()
		return nil, err
	}
	s.geometry[name] = []*rhi.Buffer{vertices, indexBuffer}

	return rhi.NewRayTracingBlasDescriptor().
		Geometry().
		VertexFormat(gputypes.VertexFormatFloat32x3).
		VertexBuffer(rhi.NewStreamBufferView(vertices, 0, uint64(len(vertexData)), vertexStride)).
		IndexBuffer(rhi.NewIndexBufferView(indexBuffer, 0, uint64(len(indexData)), gputypes.IndexFormatUint32)).
		Build(), nil
}

func (s *RayTracingSystem) buildMesh(name string, desc *rhi.RayTracingBlasDescriptor, pools *rhi.RayTracingBufferPools, mode rhi.BuildMode) (*rhi.RayTracingBlas, error) {
	blas := rhi.NewRayTracingBlas()
	blas.SetName(name)
	blas.SetBuildMode(mode)
	result := blas.CreateBuffers(s.factory.DeviceMask(), desc, pools)
	if blas.State() == rhi.RayTracingBlasStateUninitialized || blas.DeviceCount() == 0 {
		blas.Release()
		return nil, resultError(fmt.Sprintf("mesh '%s'", name), result)
	}
	return blas, resultError(fmt.Sprintf("mesh '%s'", name), result)
}

func (s *RayTracingSystem) storeMesh(name string, blas *rhi.RayTracingBlas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.meshes[name]; ok {
		previous.Release()
	}
	s.meshes[name] = blas
}

// AddMesh builds the BLAS of a mesh on every device. In lenient mode a
// partially built mesh is kept and returned together with the error.
func (s *RayTracingSystem) AddMesh(name string, desc *rhi.RayTracingBlasDescriptor) (*rhi.RayTracingBlas, error) {
	s.mu.Lock()
	pools, err := s.poolsLocked()
	mode := s.config.BuildMode
	_, exists := s.meshes[name]
	s.mu.Unlock()
	if pools == nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: mesh '%s' already exists", core.ErrInvalidOperation, name)
	}

	blas, err := s.buildMesh(name, desc, pools, mode)
	if blas != nil {
		s.storeMesh(name, blas)
	}
	return blas, err
}

// BuildMeshesAsync builds every mesh on the job system and waits for all of
// them or for ctx. The returned error joins the failures of every mesh.
func (s *RayTracingSystem) BuildMeshesAsync(ctx context.Context, descs map[string]*rhi.RayTracingBlasDescriptor) error {
	if s.jobSystem == nil {
		return fmt.Errorf("%w: ray tracing system has no job system", core.ErrNotInitialized)
	}
	s.mu.Lock()
	pools, err := s.poolsLocked()
	mode := s.config.BuildMode
	s.mu.Unlock()
	if pools == nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		errMutex sync.Mutex
		errs     []error
	)
	addErr := func(err error) {
		errMutex.Lock()
		errs = append(errs, err)
		errMutex.Unlock()
	}
	for name, desc := range descs {
		wg.Add(1)
		job := JobTask{
			Name:        "blas:" + name,
			InputParams: desc,
			OnStart: func(params interface{}) error {
				blas, err := s.buildMesh(name, params.(*rhi.RayTracingBlasDescriptor), pools, mode)
				if blas != nil {
					s.storeMesh(name, blas)
				}
				return err
			},
			OnFailure:            addErr,
			OnCompletionCallback: wg.Done,
		}
		if err := s.jobSystem.Submit(ctx, job); err != nil {
			wg.Done()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			addErr(fmt.Errorf("mesh '%s': %w", name, err))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(errs...)
}

func (s *RayTracingSystem) Mesh(name string) (*rhi.RayTracingBlas, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blas, ok := s.meshes[name]
	return blas, ok
}

func (s *RayTracingSystem) MeshNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.meshes))
	for name := range s.meshes {
		names = append(names, name)
	}
	return names
}

// CompactMesh replaces a built mesh by its compacted copy. compactedSizes
// holds the size reported by each device; a device without a size fails
// alone.
func (s *RayTracingSystem) CompactMesh(name string, compactedSizes map[int]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.meshes[name]
	if !ok {
		return fmt.Errorf("%w: unknown mesh '%s'", core.ErrInvalidArgument, name)
	}
	compacted := rhi.NewRayTracingBlas()
	compacted.SetName(name + ".Compacted")
	compacted.SetBuildMode(s.config.BuildMode)
	result := compacted.CreateCompactedBuffers(source.DeviceMask(), source, compactedSizes, s.pools)
	if compacted.State() == rhi.RayTracingBlasStateUninitialized || compacted.DeviceCount() == 0 {
		compacted.Release()
		return resultError(fmt.Sprintf("compaction of mesh '%s'", name), result)
	}
	s.meshes[name] = compacted
	source.Release()
	return resultError(fmt.Sprintf("compaction of mesh '%s'", name), result)
}

func (s *RayTracingSystem) RemoveMesh(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blas, ok := s.meshes[name]
	if !ok {
		return fmt.Errorf("%w: unknown mesh '%s'", core.ErrInvalidArgument, name)
	}
	delete(s.meshes, name)
	blas.Release()
	for _, buf := range s.geometry[name] {
		buf.Release()
	}
	delete(s.geometry, name)
	return nil
}

// AddClusterMesh builds a cluster BLAS with one ring of transient buffers
// per device.
func (s *RayTracingSystem) AddClusterMesh(name string, desc *rhi.RayTracingClusterBlasDescriptor) (*rhi.RayTracingClusterBlas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pools, err := s.poolsLocked()
	if pools == nil {
		return nil, err
	}
	if _, exists := s.clusterMeshes[name]; exists {
		return nil, fmt.Errorf("%w: cluster mesh '%s' already exists", core.ErrInvalidOperation, name)
	}
	blas := rhi.NewRayTracingClusterBlas(s.config.MaxFrameLatency)
	blas.SetName(name)
	blas.SetBuildMode(s.config.BuildMode)
	result := blas.CreateBuffers(s.factory.DeviceMask(), desc, pools)
	if blas.DeviceCount() == 0 {
		blas.Release()
		return nil, resultError(fmt.Sprintf("cluster mesh '%s'", name), result)
	}
	s.clusterMeshes[name] = blas
	return blas, resultError(fmt.Sprintf("cluster mesh '%s'", name), result)
}

// RebuildClusterMeshes records one more build of every cluster mesh on
// every device it lives on, each into the next buffer set of its ring.
func (s *RayTracingSystem) RebuildClusterMeshes() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, blas := range s.clusterMeshes {
		rhi.IterateDevices(blas.DeviceMask(), func(i int) bool {
			if err := resultError(fmt.Sprintf("cluster mesh '%s' on device %d", name, i), blas.RecordRebuild(i)); err != nil {
				errs = append(errs, err)
			}
			return true
		})
	}
	return errors.Join(errs...)
}

func (s *RayTracingSystem) RemoveClusterMesh(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blas, ok := s.clusterMeshes[name]
	if !ok {
		return fmt.Errorf("%w: unknown cluster mesh '%s'", core.ErrInvalidArgument, name)
	}
	delete(s.clusterMeshes, name)
	blas.Release()
	return nil
}

// BuildTlas rebuilds the scene TLAS from the same instances on every device.
func (s *RayTracingSystem) BuildTlas(instances []rhi.RayTracingTlasInstance) (*rhi.RayTracingTlas, error) {
	mask := s.factory.DeviceMask()
	descriptors := make(map[int]*rhi.RayTracingTlasDescriptor, mask.Count())
	rhi.IterateDevices(mask, func(i int) bool {
		descriptors[i] = rhi.NewRayTracingTlasDescriptor(instances...)
		return true
	})
	return s.BuildTlasPerDevice(descriptors)
}

// BuildTlasPerDevice rebuilds the scene TLAS with one descriptor per device.
// Devices without a descriptor fail.
func (s *RayTracingSystem) BuildTlasPerDevice(descriptors map[int]*rhi.RayTracingTlasDescriptor) (*rhi.RayTracingTlas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pools, err := s.poolsLocked()
	if pools == nil {
		return nil, err
	}
	if s.tlas == nil {
		s.tlas = rhi.NewRayTracingTlas()
		s.tlas.SetName("SceneTlas")
	}
	s.tlas.SetBuildMode(s.config.BuildMode)
	result := s.tlas.CreateBuffers(s.factory.DeviceMask(), descriptors, pools)
	return s.tlas, resultError("scene TLAS", result)
}

func (s *RayTracingSystem) Tlas() *rhi.RayTracingTlas {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlas
}

func (s *RayTracingSystem) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlas != nil {
		s.tlas.Release()
		s.tlas = nil
	}
	for name, blas := range s.clusterMeshes {
		blas.Release()
		delete(s.clusterMeshes, name)
	}
	for name, blas := range s.meshes {
		blas.Release()
		delete(s.meshes, name)
	}
	for name, buffers := range s.geometry {
		for _, buf := range buffers {
			buf.Release()
		}
		delete(s.geometry, name)
	}
	if s.geometryPool != nil {
		s.geometryPool.Release()
		s.geometryPool = nil
	}
	if s.pools != nil {
		s.pools.Release()
		s.pools = nil
	}
	return nil
}
