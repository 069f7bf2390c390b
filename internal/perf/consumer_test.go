package perf

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ARM-software/gator-sub000/internal/uapi"
)

type auxFrame struct {
	cpu  int
	tail uint64
	data []byte
}

type fakeSink struct {
	summaryCalled bool
	coreNames     []string
	counters      map[string]uint64
	dataFrames    [][][]byte
	auxFrames     []auxFrame
}

func newFakeSink() *fakeSink {
	return &fakeSink{counters: make(map[string]uint64)}
}

func (f *fakeSink) WriteSummaryFrame(int64, int64) error {
	f.summaryCalled = true
	return nil
}

func (f *fakeSink) WriteCoreNameFrame(cpu int, name string) error {
	f.coreNames = append(f.coreNames, name)
	return nil
}

func (f *fakeSink) WriteCounterFrame(cpu int, name string, value uint64) error {
	f.counters[name] = value
	return nil
}

func (f *fakeSink) WritePerfData(cpu int, spans [][]byte) error {
	cp := make([][]byte, len(spans))
	for i, s := range spans {
		b := make([]byte, len(s))
		copy(b, s)
		cp[i] = b
	}
	f.dataFrames = append(f.dataFrames, cp)
	return nil
}

func (f *fakeSink) WritePerfAux(cpu int, tail uint64, data []byte) error {
	b := make([]byte, len(data))
	copy(b, data)
	f.auxFrames = append(f.auxFrames, auxFrame{cpu: cpu, tail: tail, data: b})
	return nil
}

// newTestRing builds an mmap-shaped byte slice (header page + data region
// + aux region) and returns it alongside the header reinterpreted as an
// MmapPage, the same way a real perf_event mmap would be laid out.
func newTestRing(dataSize, auxSize int) ([]byte, *uapi.MmapPage) {
	pageSize := 4096
	mmap := make([]byte, pageSize+dataSize+auxSize)
	return mmap, uapi.PageFromMmap(mmap)
}

func writeRecordHeader(region []byte, offset int, typ uint32, misc, size uint16) {
	binary.LittleEndian.PutUint32(region[offset:], typ)
	binary.LittleEndian.PutUint16(region[offset+4:], misc)
	binary.LittleEndian.PutUint16(region[offset+6:], size)
}

func TestRingConfigValidateRejectsZeroPageSize(t *testing.T) {
	cfg := RingConfig{PageSize: 0, DataBufferSize: 4096}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero page size")
	}
}

func TestRingConfigValidateRejectsNonPowerOfTwo(t *testing.T) {
	cfg := RingConfig{PageSize: 4096, DataBufferSize: 4096 + 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-power-of-two buffer size")
	}
}

func TestRingConfigValidateRejectsSmallerThanPageSize(t *testing.T) {
	cfg := RingConfig{PageSize: 4096, DataBufferSize: 2048}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for buffer smaller than page size")
	}
}

func TestRingConfigValidateAllowsZeroAux(t *testing.T) {
	cfg := RingConfig{PageSize: 4096, DataBufferSize: 4096, AuxBufferSize: 0}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConsumerAddRingbufferRejectsUndersizedMmap(t *testing.T) {
	c := NewConsumer(newFakeSink(), nil, nil)
	mmap := make([]byte, 100)
	err := c.AddRingbuffer(0, mmap, RingConfig{PageSize: 4096, DataBufferSize: 4096})
	if err == nil {
		t.Fatal("expected error for undersized mmap")
	}
}

func TestConsumerPollDrainsSingleDataRecord(t *testing.T) {
	pageSize, dataSize := 4096, 8192
	mmap, page := newTestRing(dataSize, 0)
	writeRecordHeader(mmap[pageSize:], 0, 9, 0, 16)
	page.DataHead = 16

	sink := newFakeSink()
	c := NewConsumer(sink, nil, nil)
	if err := c.AddRingbuffer(7, mmap, RingConfig{PageSize: pageSize, DataBufferSize: dataSize}); err != nil {
		t.Fatalf("AddRingbuffer: %v", err)
	}
	if err := c.Poll(context.Background(), 7); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(sink.dataFrames) != 1 {
		t.Fatalf("dataFrames = %d, want 1", len(sink.dataFrames))
	}
	if got := len(sink.dataFrames[0][0]); got != 16 {
		t.Fatalf("record span length = %d, want 16", got)
	}
	if page.DataTail != 16 {
		t.Fatalf("DataTail = %d, want 16", page.DataTail)
	}
}

func TestConsumerPollDrainsWrappedRecord(t *testing.T) {
	pageSize, dataSize := 4096, 8192
	mmap, page := newTestRing(dataSize, 0)
	data := mmap[pageSize : pageSize+dataSize]

	// A 16-byte record starting 8 bytes before the buffer end wraps.
	tail := uint64(dataSize - 8)
	writeRecordHeader(data, int(tail)%dataSize, 9, 0, 16)
	page.DataHead = tail + 16

	sink := newFakeSink()
	c := NewConsumer(sink, nil, nil)
	if err := c.AddRingbuffer(0, mmap, RingConfig{PageSize: pageSize, DataBufferSize: dataSize}); err != nil {
		t.Fatalf("AddRingbuffer: %v", err)
	}
	// Simulate the ring already having advanced tail to the wrap point.
	page.DataTail = tail

	if err := c.Poll(context.Background(), 0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(sink.dataFrames) != 1 || len(sink.dataFrames[0]) != 2 {
		t.Fatalf("dataFrames = %+v, want one frame with two spans", sink.dataFrames)
	}
	total := len(sink.dataFrames[0][0]) + len(sink.dataFrames[0][1])
	if total != 16 {
		t.Fatalf("wrapped record total length = %d, want 16", total)
	}
}

func TestConsumerPollCoalescesWhenBusy(t *testing.T) {
	mmap, _ := newTestRing(4096, 0)
	sink := newFakeSink()
	c := NewConsumer(sink, nil, nil)
	if err := c.AddRingbuffer(0, mmap, RingConfig{PageSize: 4096, DataBufferSize: 4096}); err != nil {
		t.Fatalf("AddRingbuffer: %v", err)
	}

	r := c.rings[0]
	r.mu.Lock()
	r.busy = true
	r.mu.Unlock()

	if err := c.Poll(context.Background(), 0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(sink.dataFrames) != 0 {
		t.Fatal("expected a no-op poll while already busy")
	}
}

func TestConsumerPollDrainsAux(t *testing.T) {
	pageSize, dataSize, auxSize := 4096, 4096, 4096
	mmap, page := newTestRing(dataSize, auxSize)
	auxRegion := mmap[pageSize+dataSize : pageSize+dataSize+auxSize]
	payload := []byte("hello-aux-bytes")
	copy(auxRegion, payload)
	page.AuxHead = uint64(len(payload))
	page.AuxTail = 0

	sink := newFakeSink()
	c := NewConsumer(sink, nil, nil)
	if err := c.AddRingbuffer(2, mmap, RingConfig{PageSize: pageSize, DataBufferSize: dataSize, AuxBufferSize: auxSize}); err != nil {
		t.Fatalf("AddRingbuffer: %v", err)
	}
	if err := c.Poll(context.Background(), 2); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(sink.auxFrames) != 1 {
		t.Fatalf("auxFrames = %d, want 1", len(sink.auxFrames))
	}
	if string(sink.auxFrames[0].data) != string(payload) {
		t.Fatalf("aux data = %q, want %q", sink.auxFrames[0].data, payload)
	}
	if page.AuxTail != page.AuxHead {
		t.Fatalf("AuxTail = %d, want %d", page.AuxTail, page.AuxHead)
	}
}

func TestConsumerPollResyncsTailOnOverrun(t *testing.T) {
	pageSize, dataSize := 4096, 8192
	mmap, page := newTestRing(dataSize, 0)
	data := mmap[pageSize : pageSize+dataSize]

	// The kernel has wrapped all the way around the buffer since the last
	// drain: head - tail (16384) exceeds the buffer size (8192), so the
	// stale tail at 0 no longer points at anything the kernel kept. A
	// single record spans the whole buffer, positioned at the
	// resynchronized tail (head - bufferSize == 8192).
	writeRecordHeader(data, 0, 9, 0, uint16(dataSize))
	page.DataHead = 16384
	page.DataTail = 0

	sink := newFakeSink()
	c := NewConsumer(sink, nil, nil)
	if err := c.AddRingbuffer(0, mmap, RingConfig{PageSize: pageSize, DataBufferSize: dataSize}); err != nil {
		t.Fatalf("AddRingbuffer: %v", err)
	}

	if err := c.Poll(context.Background(), 0); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(sink.dataFrames) != 1 {
		t.Fatalf("dataFrames = %d, want 1", len(sink.dataFrames))
	}
	total := 0
	for _, span := range sink.dataFrames[0] {
		total += len(span)
	}
	if total != dataSize {
		t.Fatalf("drained %d bytes, want %d (one full resynced buffer)", total, dataSize)
	}
	if page.DataTail != page.DataHead {
		t.Fatalf("DataTail = %d, want %d (resynced to head, not left at the stale pre-wrap tail)", page.DataTail, page.DataHead)
	}
}

func TestConsumerPollAllSkipsBusyCPUs(t *testing.T) {
	mmap0, _ := newTestRing(4096, 0)
	mmap1, page1 := newTestRing(4096, 0)
	writeRecordHeader(mmap1[4096:], 0, 9, 0, 16)
	page1.DataHead = 16

	sink := newFakeSink()
	c := NewConsumer(sink, nil, nil)
	c.AddRingbuffer(0, mmap0, RingConfig{PageSize: 4096, DataBufferSize: 4096})
	c.AddRingbuffer(1, mmap1, RingConfig{PageSize: 4096, DataBufferSize: 4096})

	r0 := c.rings[0]
	r0.mu.Lock()
	r0.busy = true
	r0.mu.Unlock()

	if err := c.PollAll(context.Background()); err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if len(sink.dataFrames) != 1 {
		t.Fatalf("dataFrames = %d, want 1 (only cpu 1 should drain)", len(sink.dataFrames))
	}
}

func TestConsumerOneShotLimitSignalsWaiter(t *testing.T) {
	mmap, page := newTestRing(4096, 0)
	writeRecordHeader(mmap[4096:], 0, 9, 0, 16)
	page.DataHead = 16

	sink := newFakeSink()
	c := NewConsumer(sink, nil, nil)
	c.SetOneShotLimit(1)
	if err := c.AddRingbuffer(0, mmap, RingConfig{PageSize: 4096, DataBufferSize: 4096}); err != nil {
		t.Fatalf("AddRingbuffer: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.WaitOneShotFull(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	if err := c.Poll(context.Background(), 0); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitOneShotFull: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitOneShotFull never resumed")
	}
	if !c.IsOneShotFull() {
		t.Fatal("IsOneShotFull() = false after limit reached")
	}
}

func TestConsumerTriggerOneShotModeIsExplicit(t *testing.T) {
	c := NewConsumer(newFakeSink(), nil, nil)
	if c.IsOneShotFull() {
		t.Fatal("IsOneShotFull() = true before any trigger")
	}
	c.TriggerOneShotMode()
	if !c.IsOneShotFull() {
		t.Fatal("IsOneShotFull() = false after TriggerOneShotMode")
	}
}

func TestConsumerWaitOneShotFullRejectsSecondWaiter(t *testing.T) {
	c := NewConsumer(newFakeSink(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.WaitOneShotFull(ctx)
	time.Sleep(20 * time.Millisecond)

	if err := c.WaitOneShotFull(context.Background()); err == nil {
		t.Fatal("expected error registering a second one-shot waiter")
	}
}

func TestConsumerRemoveRingbufferDeferredWhileBusy(t *testing.T) {
	mmap, _ := newTestRing(4096, 0)
	c := NewConsumer(newFakeSink(), nil, nil)
	c.AddRingbuffer(3, mmap, RingConfig{PageSize: 4096, DataBufferSize: 4096})

	r := c.rings[3]
	r.mu.Lock()
	r.busy = true
	r.mu.Unlock()

	c.RemoveRingbuffer(3)
	if _, stillTracked := c.rings[3]; !stillTracked {
		t.Fatal("ring removed immediately despite being busy")
	}

	r.mu.Lock()
	r.busy = false
	removalPending := r.removalPending
	r.mu.Unlock()
	if !removalPending {
		t.Fatal("removalPending not set while busy")
	}
}
