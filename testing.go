package gator

import "sync"

// MockSink is a test double for interfaces.APCSink: it records every frame
// written instead of forwarding it anywhere, so consumers of this package
// can assert on capture output without a real host-analyzer connection.
type MockSink struct {
	mu sync.RWMutex

	summaryCalls int
	coreNames    []string
	counters     map[string]uint64
	dataFrames   [][][]byte
	auxFrames    []MockAuxFrame

	// failAfter, if > 0, makes the (failAfter)'th and every later call to
	// any Write* method return errSinkFailure; 0 disables the injected
	// failure.
	failAfter int
	calls     int
}

// MockAuxFrame records one WritePerfAux call.
type MockAuxFrame struct {
	CPU        int
	TailOffset uint64
	Data       []byte
}

// NewMockSink creates an empty MockSink.
func NewMockSink() *MockSink {
	return &MockSink{counters: make(map[string]uint64)}
}

var errSinkFailure = LegacyError("mock sink: injected failure")

func (s *MockSink) shouldFail() bool {
	s.calls++
	return s.failAfter > 0 && s.calls >= s.failAfter
}

func (s *MockSink) WriteSummaryFrame(monotonicRawStartNs, monotonicStartNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return errSinkFailure
	}
	s.summaryCalls++
	return nil
}

func (s *MockSink) WriteCoreNameFrame(cpu int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return errSinkFailure
	}
	s.coreNames = append(s.coreNames, name)
	return nil
}

func (s *MockSink) WriteCounterFrame(cpu int, name string, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return errSinkFailure
	}
	s.counters[name] = value
	return nil
}

func (s *MockSink) WritePerfData(cpu int, spans [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return errSinkFailure
	}
	cp := make([][]byte, len(spans))
	for i, span := range spans {
		b := make([]byte, len(span))
		copy(b, span)
		cp[i] = b
	}
	s.dataFrames = append(s.dataFrames, cp)
	return nil
}

func (s *MockSink) WritePerfAux(cpu int, tailOffset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return errSinkFailure
	}
	b := make([]byte, len(data))
	copy(b, data)
	s.auxFrames = append(s.auxFrames, MockAuxFrame{CPU: cpu, TailOffset: tailOffset, Data: b})
	return nil
}

// SetFailAfter arms an injected failure on the n'th Write* call (1-indexed)
// and every call after it; 0 disables it.
func (s *MockSink) SetFailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
}

// SummaryCalls returns how many times WriteSummaryFrame was called.
func (s *MockSink) SummaryCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryCalls
}

// CoreNames returns the core names written, in call order.
func (s *MockSink) CoreNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.coreNames))
	copy(out, s.coreNames)
	return out
}

// Counter returns the last value written for a named counter.
func (s *MockSink) Counter(name string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.counters[name]
	return v, ok
}

// DataFrames returns every PERF_DATA frame written, in call order. Each
// frame is its ordered list of byte spans.
func (s *MockSink) DataFrames() [][][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][][]byte, len(s.dataFrames))
	copy(out, s.dataFrames)
	return out
}

// AuxFrames returns every PERF_AUX frame written, in call order.
func (s *MockSink) AuxFrames() []MockAuxFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MockAuxFrame, len(s.auxFrames))
	copy(out, s.auxFrames)
	return out
}

// Reset clears every recorded call and counter.
func (s *MockSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaryCalls = 0
	s.coreNames = nil
	s.counters = make(map[string]uint64)
	s.dataFrames = nil
	s.auxFrames = nil
	s.calls = 0
}

// MockObserver is a test double for the root Observer interface: it counts
// every call instead of recording into Metrics.
type MockObserver struct {
	mu sync.Mutex

	DataFrames    int
	AuxFrames     int
	SummaryFrames int
	AgentSpawns   int
	AgentTerms    int
	CPUOnline     int
	CPUOffline    int
	OneShotCalls  int
}

func (o *MockObserver) ObserveDataFrame(bytes uint64, latencyNs uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.DataFrames++
}

func (o *MockObserver) ObserveAuxFrame(bytes uint64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.AuxFrames++
}

func (o *MockObserver) ObserveSummaryFrame(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.SummaryFrames++
}

func (o *MockObserver) ObserveQueueDepth(depth uint32) {}

func (o *MockObserver) ObserveAgentSpawn(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.AgentSpawns++
}

func (o *MockObserver) ObserveAgentTerminate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.AgentTerms++
}

func (o *MockObserver) ObserveCPUStateChange(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if online {
		o.CPUOnline++
	} else {
		o.CPUOffline++
	}
}

func (o *MockObserver) ObserveOneShotBytes(n uint64, budget uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OneShotCalls++
}

// Compile-time interface checks.
var (
	_ Observer = (*MockObserver)(nil)
)
