package gator

import (
	"sync/atomic"
	"time"
)

// DrainLatencyBuckets defines the ring-buffer drain latency histogram buckets
// in nanoseconds. Buckets cover from 10us to 1s with logarithmic spacing.
var DrainLatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	50_000_000,     // 50ms
	100_000_000,    // 100ms
	500_000_000,    // 500ms
	1_000_000_000,  // 1s
}

const numLatencyBuckets = 8

// Metrics tracks capture-wide operational statistics: frame throughput,
// agent lifecycle, CPU hot-plug activity and one-shot accounting.
type Metrics struct {
	// Frame counters
	DataFramesSent    atomic.Uint64 // APC data frames written to the host
	AuxFramesSent     atomic.Uint64 // AUX (coresight/ETM) frames written
	SummaryFramesSent atomic.Uint64 // Summary/counter frames written

	// Byte counters
	DataBytesSent atomic.Uint64
	AuxBytesSent  atomic.Uint64

	// Send errors
	SendErrors atomic.Uint64 // Frames dropped due to IPC or backpressure failure

	// IPC queue statistics (per send queue, sampled on enqueue)
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Ring-buffer drain latency
	TotalDrainLatencyNs atomic.Uint64
	DrainCount          atomic.Uint64
	DrainLatencyHist    [numLatencyBuckets]atomic.Uint64

	// Agent lifecycle
	AgentsSpawned    atomic.Uint64
	AgentsTerminated atomic.Uint64
	AgentSpawnErrors atomic.Uint64

	// CPU hot-plug
	CPUOnlineEvents  atomic.Uint64
	CPUOfflineEvents atomic.Uint64

	// One-shot mode accounting
	OneShotBytesConsumed atomic.Uint64
	OneShotFullEvents    atomic.Uint64

	// Capture lifecycle
	StartTime atomic.Int64 // Capture start timestamp (UnixNano)
	StopTime  atomic.Int64 // Capture stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDataFrame records an APC data frame write.
func (m *Metrics) RecordDataFrame(bytes uint64, latencyNs uint64, success bool) {
	m.DataFramesSent.Add(1)
	if success {
		m.DataBytesSent.Add(bytes)
	} else {
		m.SendErrors.Add(1)
	}
	m.recordDrainLatency(latencyNs)
}

// RecordAuxFrame records an AUX data frame write.
func (m *Metrics) RecordAuxFrame(bytes uint64, success bool) {
	m.AuxFramesSent.Add(1)
	if success {
		m.AuxBytesSent.Add(bytes)
	} else {
		m.SendErrors.Add(1)
	}
}

// RecordSummaryFrame records a summary or counter frame write.
func (m *Metrics) RecordSummaryFrame(success bool) {
	m.SummaryFramesSent.Add(1)
	if !success {
		m.SendErrors.Add(1)
	}
}

// RecordQueueDepth records the current IPC send queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordDrainLatency records a ring-buffer drain cycle latency and updates
// the cumulative histogram buckets.
func (m *Metrics) recordDrainLatency(latencyNs uint64) {
	m.TotalDrainLatencyNs.Add(latencyNs)
	m.DrainCount.Add(1)

	for i, bucket := range DrainLatencyBuckets {
		if latencyNs <= bucket {
			m.DrainLatencyHist[i].Add(1)
		}
	}
}

// RecordAgentSpawn records an agent spawn attempt.
func (m *Metrics) RecordAgentSpawn(success bool) {
	if success {
		m.AgentsSpawned.Add(1)
	} else {
		m.AgentSpawnErrors.Add(1)
	}
}

// RecordAgentTerminate records an agent reaching its terminal state.
func (m *Metrics) RecordAgentTerminate() {
	m.AgentsTerminated.Add(1)
}

// RecordCPUOnline records a CPU transitioning online.
func (m *Metrics) RecordCPUOnline() {
	m.CPUOnlineEvents.Add(1)
}

// RecordCPUOffline records a CPU transitioning offline.
func (m *Metrics) RecordCPUOffline() {
	m.CPUOfflineEvents.Add(1)
}

// RecordOneShotBytes records bytes consumed against the one-shot byte
// budget, marking a full event once the budget is exhausted.
func (m *Metrics) RecordOneShotBytes(n uint64, budget uint64) {
	total := m.OneShotBytesConsumed.Add(n)
	if budget > 0 && total >= budget {
		m.OneShotFullEvents.Add(1)
	}
}

// Stop marks the capture as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	// Frames
	DataFramesSent    uint64
	AuxFramesSent     uint64
	SummaryFramesSent uint64

	// Bytes
	DataBytesSent uint64
	AuxBytesSent  uint64

	// Errors
	SendErrors uint64

	// Queue statistics
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Drain performance
	AvgDrainLatencyNs uint64
	UptimeNs          uint64

	DrainLatencyP50Ns  uint64
	DrainLatencyP99Ns  uint64
	DrainLatencyP999Ns uint64

	DrainLatencyHistogram [numLatencyBuckets]uint64

	// Agent lifecycle
	AgentsSpawned    uint64
	AgentsTerminated uint64
	AgentSpawnErrors uint64

	// CPU hot-plug
	CPUOnlineEvents  uint64
	CPUOfflineEvents uint64

	// One-shot accounting
	OneShotBytesConsumed uint64
	OneShotFullEvents    uint64

	// Computed statistics
	DataFrameRate  float64 // Frames per second
	DataByteRate   float64 // Bytes per second
	TotalFrames    uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of frames that failed to send
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		DataFramesSent:       m.DataFramesSent.Load(),
		AuxFramesSent:        m.AuxFramesSent.Load(),
		SummaryFramesSent:    m.SummaryFramesSent.Load(),
		DataBytesSent:        m.DataBytesSent.Load(),
		AuxBytesSent:         m.AuxBytesSent.Load(),
		SendErrors:           m.SendErrors.Load(),
		MaxQueueDepth:        m.MaxQueueDepth.Load(),
		AgentsSpawned:        m.AgentsSpawned.Load(),
		AgentsTerminated:     m.AgentsTerminated.Load(),
		AgentSpawnErrors:     m.AgentSpawnErrors.Load(),
		CPUOnlineEvents:      m.CPUOnlineEvents.Load(),
		CPUOfflineEvents:     m.CPUOfflineEvents.Load(),
		OneShotBytesConsumed: m.OneShotBytesConsumed.Load(),
		OneShotFullEvents:    m.OneShotFullEvents.Load(),
	}

	snap.TotalFrames = snap.DataFramesSent + snap.AuxFramesSent + snap.SummaryFramesSent
	snap.TotalBytes = snap.DataBytesSent + snap.AuxBytesSent

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalDrainLatencyNs := m.TotalDrainLatencyNs.Load()
	drainCount := m.DrainCount.Load()
	if drainCount > 0 {
		snap.AvgDrainLatencyNs = totalDrainLatencyNs / drainCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.DataFrameRate = float64(snap.DataFramesSent) / uptimeSeconds
		snap.DataByteRate = float64(snap.DataBytesSent) / uptimeSeconds
	}

	if snap.TotalFrames > 0 {
		snap.ErrorRate = float64(snap.SendErrors) / float64(snap.TotalFrames) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.DrainLatencyHistogram[i] = m.DrainLatencyHist[i].Load()
	}

	if drainCount > 0 {
		snap.DrainLatencyP50Ns = m.calculatePercentile(0.50)
		snap.DrainLatencyP99Ns = m.calculatePercentile(0.99)
		snap.DrainLatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the drain latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.DrainCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range DrainLatencyBuckets {
		bucketCount := m.DrainLatencyHist[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.DrainLatencyHist[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return DrainLatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.DataFramesSent.Store(0)
	m.AuxFramesSent.Store(0)
	m.SummaryFramesSent.Store(0)
	m.DataBytesSent.Store(0)
	m.AuxBytesSent.Store(0)
	m.SendErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalDrainLatencyNs.Store(0)
	m.DrainCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.DrainLatencyHist[i].Store(0)
	}
	m.AgentsSpawned.Store(0)
	m.AgentsTerminated.Store(0)
	m.AgentSpawnErrors.Store(0)
	m.CPUOnlineEvents.Store(0)
	m.CPUOfflineEvents.Store(0)
	m.OneShotBytesConsumed.Store(0)
	m.OneShotFullEvents.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable collection of capture-wide events, independent
// of the built-in Metrics implementation.
type Observer interface {
	// ObserveDataFrame is called for each APC data frame write attempt.
	ObserveDataFrame(bytes uint64, latencyNs uint64, success bool)

	// ObserveAuxFrame is called for each AUX frame write attempt.
	ObserveAuxFrame(bytes uint64, success bool)

	// ObserveSummaryFrame is called for each summary/counter frame write.
	ObserveSummaryFrame(success bool)

	// ObserveQueueDepth is called periodically with the current IPC send
	// queue depth.
	ObserveQueueDepth(depth uint32)

	// ObserveAgentSpawn is called once per agent spawn attempt.
	ObserveAgentSpawn(success bool)

	// ObserveAgentTerminate is called once an agent reaches its terminal
	// state.
	ObserveAgentTerminate()

	// ObserveCPUStateChange is called whenever a CPU transitions online or
	// offline.
	ObserveCPUStateChange(online bool)

	// ObserveOneShotBytes is called as one-shot byte budget is consumed.
	ObserveOneShotBytes(n uint64, budget uint64)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDataFrame(uint64, uint64, bool) {}
func (NoOpObserver) ObserveAuxFrame(uint64, bool)          {}
func (NoOpObserver) ObserveSummaryFrame(bool)              {}
func (NoOpObserver) ObserveQueueDepth(uint32)              {}
func (NoOpObserver) ObserveAgentSpawn(bool)                {}
func (NoOpObserver) ObserveAgentTerminate()                {}
func (NoOpObserver) ObserveCPUStateChange(bool)            {}
func (NoOpObserver) ObserveOneShotBytes(uint64, uint64)    {}

// MetricsObserver implements Observer by recording into the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDataFrame(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDataFrame(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveAuxFrame(bytes uint64, success bool) {
	o.metrics.RecordAuxFrame(bytes, success)
}

func (o *MetricsObserver) ObserveSummaryFrame(success bool) {
	o.metrics.RecordSummaryFrame(success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveAgentSpawn(success bool) {
	o.metrics.RecordAgentSpawn(success)
}

func (o *MetricsObserver) ObserveAgentTerminate() {
	o.metrics.RecordAgentTerminate()
}

func (o *MetricsObserver) ObserveCPUStateChange(online bool) {
	if online {
		o.metrics.RecordCPUOnline()
	} else {
		o.metrics.RecordCPUOffline()
	}
}

func (o *MetricsObserver) ObserveOneShotBytes(n uint64, budget uint64) {
	o.metrics.RecordOneShotBytes(n, budget)
}

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
