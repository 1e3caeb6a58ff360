package core

import "sync/atomic"

// MetricsState counts the resource events of the ray-tracing layer. All
// fields are updated atomically and may be read from any goroutine.
type MetricsState struct {
	BufferPoolsCreated      atomic.Int64
	BufferPoolFailures      atomic.Int64
	BuffersAllocated        atomic.Int64
	BuffersReleased         atomic.Int64
	BlasBuilt               atomic.Int64
	BlasCompacted           atomic.Int64
	BlasFailures            atomic.Int64
	ClusterBlasBuilt        atomic.Int64
	TlasBuilt               atomic.Int64
	TlasFailures            atomic.Int64
	AggregateBuffersCreated atomic.Int64
}

// Metrics is a point in time copy of MetricsState.
type Metrics struct {
	BufferPoolsCreated      int64
	BufferPoolFailures      int64
	BuffersAllocated        int64
	BuffersReleased         int64
	BlasBuilt               int64
	BlasCompacted           int64
	BlasFailures            int64
	ClusterBlasBuilt        int64
	TlasBuilt               int64
	TlasFailures            int64
	AggregateBuffersCreated int64
}

var metricsState MetricsState

func MetricsBufferPoolCreated() { metricsState.BufferPoolsCreated.Add(1) }
func MetricsBufferPoolFailed() { metricsState.BufferPoolFailures.Add(1) }
func MetricsBufferAllocated() { metricsState.BuffersAllocated.Add(1) }
func MetricsBufferReleased() { metricsState.BuffersReleased.Add(1) }
func MetricsBlasBuilt() { metricsState.BlasBuilt.Add(1) }
func MetricsBlasCompacted() { metricsState.BlasCompacted.Add(1) }
func MetricsBlasFailed() { metricsState.BlasFailures.Add(1) }
func MetricsClusterBlasBuilt() { metricsState.ClusterBlasBuilt.Add(1) }
func MetricsTlasBuilt() { metricsState.TlasBuilt.Add(1) }
func MetricsTlasFailed() { metricsState.TlasFailures.Add(1) }
func MetricsAggregateBufferBuilt() { metricsState.AggregateBuffersCreated.Add(1) }

func MetricsSnapshot() Metrics {
	return Metrics{
		BufferPoolsCreated:      metricsState.BufferPoolsCreated.Load(),
		BufferPoolFailures:      metricsState.BufferPoolFailures.Load(),
		BuffersAllocated:        metricsState.BuffersAllocated.Load(),
		BuffersReleased:         metricsState.BuffersReleased.Load(),
		BlasBuilt:               metricsState.BlasBuilt.Load(),
		BlasCompacted:           metricsState.BlasCompacted.Load(),
		BlasFailures:            metricsState.BlasFailures.Load(),
		ClusterBlasBuilt:        metricsState.ClusterBlasBuilt.Load(),
		TlasBuilt:               metricsState.TlasBuilt.Load(),
		TlasFailures:            metricsState.TlasFailures.Load(),
		AggregateBuffersCreated: metricsState.AggregateBuffersCreated.Load(),
	}
}

// Sub returns the difference m - other, used to measure the work done by a
// single call.
func (m Metrics) Sub(other Metrics) Metrics {
	return Metrics{
		BufferPoolsCreated:      m.BufferPoolsCreated - other.BufferPoolsCreated,
		BufferPoolFailures:      m.BufferPoolFailures - other.BufferPoolFailures,
		BuffersAllocated:        m.BuffersAllocated - other.BuffersAllocated,
		BuffersReleased:         m.BuffersReleased - other.BuffersReleased,
		BlasBuilt:               m.BlasBuilt - other.BlasBuilt,
		BlasCompacted:           m.BlasCompacted - other.BlasCompacted,
		BlasFailures:            m.BlasFailures - other.BlasFailures,
		ClusterBlasBuilt:        m.ClusterBlasBuilt - other.ClusterBlasBuilt,
		TlasBuilt:               m.TlasBuilt - other.TlasBuilt,
		TlasFailures:            m.TlasFailures - other.TlasFailures,
		AggregateBuffersCreated: m.AggregateBuffersCreated - other.AggregateBuffersCreated,
	}
}
