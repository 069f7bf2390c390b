// Package perf implements the per-CPU kernel ring-buffer capture engine:
// a drain-queue driven observer of each perf_event fd (RingMonitor), the
// buffer-walking consumer that turns mmap'd bytes into framed output
// (Consumer), and the sequencing that binds the two to the agent and CPU
// subsystems for one capture (Orchestrator).
package perf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/uapi"
)

// RingConfig describes one CPU's mmap'd ring layout.
type RingConfig struct {
	PageSize       int
	DataBufferSize int
	AuxBufferSize  int
}

// Validate checks the buffer-configuration invariants the consumer
// requires before it will trust a ring's layout: page_size > 0, and
// data/aux buffer sizes that are either zero or powers of two no smaller
// than page_size.
func (c RingConfig) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("perf: page size must be positive, got %d", c.PageSize)
	}
	if err := validateBufferSize("data", c.DataBufferSize, c.PageSize); err != nil {
		return err
	}
	if err := validateBufferSize("aux", c.AuxBufferSize, c.PageSize); err != nil {
		return err
	}
	return nil
}

func validateBufferSize(name string, size, pageSize int) error {
	if size == 0 {
		return nil
	}
	if size < pageSize {
		return fmt.Errorf("perf: %s buffer size %d smaller than page size %d", name, size, pageSize)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("perf: %s buffer size %d is not a power of two", name, size)
	}
	return nil
}

// Representative batching limits for data-record frames; the exact
// numbers are an implementer's choice (spec leaves them open), chosen to
// keep a single frame well under the <100KiB per-CPU block bound.
const (
	dataBatchMaxRecords = 256
	dataBatchMaxBytes   = 4096

	// auxFrameMaxBytes bounds a single PERF_AUX frame's byte payload.
	// The exact host-transport max frame size is external; this is a
	// conservative stand-in so a single AUX chunk never approaches it.
	auxFrameMaxBytes = 64 * 1024
)

type ringState struct {
	mu sync.Mutex

	cpu    int
	mmap   []byte
	header *uapi.MmapPage

	dataRegion []byte
	dataMask   uint64
	auxRegion  []byte
	auxMask    uint64

	busy          bool
	removalPending bool
}

// Consumer is C11: it owns every tracked CPU's mmap'd ring and turns
// kernel-written bytes into framed APC output.
type Consumer struct {
	mu    sync.Mutex
	rings map[int]*ringState

	sink     interfaces.APCSink
	observer interfaces.Observer
	logger   interfaces.Logger

	oneShotBytes uint64 // atomic
	oneShotLimit uint64 // atomic; 0 disables one-shot accounting
	oneShotMu    sync.Mutex
	oneShotFull  bool
	oneShotCh    chan struct{}
}

// NewConsumer creates an empty Consumer writing framed output to sink.
func NewConsumer(sink interfaces.APCSink, observer interfaces.Observer, logger interfaces.Logger) *Consumer {
	if observer == nil {
		observer = interfaces.NoOpObserver{}
	}
	return &Consumer{
		rings:    make(map[int]*ringState),
		sink:     sink,
		observer: observer,
		logger:   logger,
	}
}

// SetOneShotLimit arms the one-shot byte budget; 0 disables it.
func (c *Consumer) SetOneShotLimit(n uint64) {
	atomic.StoreUint64(&c.oneShotLimit, n)
}

// AddRingbuffer registers cpu's mmap region under cfg. mmap must be at
// least pageSize + dataBufferSize + auxBufferSize bytes, laid out as the
// kernel's perf_event mmap ABI: page 0 is the header, then the data
// region, then (if auxBufferSize > 0) the AUX region.
func (c *Consumer) AddRingbuffer(cpu int, mmap []byte, cfg RingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(mmap) < cfg.PageSize+cfg.DataBufferSize+cfg.AuxBufferSize {
		return fmt.Errorf("perf: mmap region too small for cpu %d: have %d, need %d", cpu, len(mmap), cfg.PageSize+cfg.DataBufferSize+cfg.AuxBufferSize)
	}

	r := &ringState{
		cpu:    cpu,
		mmap:   mmap,
		header: uapi.PageFromMmap(mmap),
	}
	if cfg.DataBufferSize > 0 {
		r.dataRegion = mmap[cfg.PageSize : cfg.PageSize+cfg.DataBufferSize]
		r.dataMask = uint64(cfg.DataBufferSize - 1)
	}
	if cfg.AuxBufferSize > 0 {
		auxStart := cfg.PageSize + cfg.DataBufferSize
		r.auxRegion = mmap[auxStart : auxStart+cfg.AuxBufferSize]
		r.auxMask = uint64(cfg.AuxBufferSize - 1)
	}

	c.mu.Lock()
	c.rings[cpu] = r
	c.mu.Unlock()
	return nil
}

// Poll drains cpu's data and (if present) AUX region once. A poll already
// in flight for cpu makes this call a successful no-op (concurrent polls
// coalesce onto the one in progress).
func (c *Consumer) Poll(ctx context.Context, cpu int) error {
	c.mu.Lock()
	r := c.rings[cpu]
	c.mu.Unlock()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return nil
	}
	r.busy = true
	r.mu.Unlock()

	err := c.drain(r)

	r.mu.Lock()
	r.busy = false
	remove := r.removalPending
	r.mu.Unlock()
	if remove {
		c.forget(cpu)
	}
	return err
}

// PollAll polls every tracked CPU in ascending order. Already-busy CPUs
// are skipped without failing the call.
func (c *Consumer) PollAll(ctx context.Context) error {
	c.mu.Lock()
	cpus := make([]int, 0, len(c.rings))
	for cpu := range c.rings {
		cpus = append(cpus, cpu)
	}
	c.mu.Unlock()
	sortInts(cpus)

	for _, cpu := range cpus {
		if err := c.Poll(ctx, cpu); err != nil {
			if c.logger != nil {
				c.logger.Warnf("perf: poll cpu %d: %v", cpu, err)
			}
		}
	}
	return nil
}

// drain snapshots r's head/tail pointers and walks both regions. Data is
// snapshotted before AUX so that, once sent, a data record never refers
// to AUX bytes that have not been released yet.
func (c *Consumer) drain(r *ringState) error {
	dataHead := r.header.LoadDataHead()
	dataTail := r.header.DataTail // consumer-owned, plain load
	var auxHead, auxTail uint64
	if r.auxRegion != nil {
		auxHead = r.header.LoadAuxHead()
		auxTail = r.header.AuxTail
	}

	if r.auxRegion != nil && auxHead > auxTail {
		if err := c.drainAux(r, auxHead, auxTail); err != nil {
			return err
		}
	}
	if r.dataRegion != nil && dataHead != dataTail {
		if err := c.drainData(r, dataHead, dataTail); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) drainAux(r *ringState, head, tail uint64) error {
	total := head - tail
	if bufLen := uint64(len(r.auxRegion)); total > bufLen {
		// The kernel overwrote unread AUX data; resynchronize to the
		// newest window instead of reporting a bogus multi-wrap span.
		tail = head - bufLen
		total = bufLen
	}

	pos := tail & r.auxMask
	remaining := total
	tailOffset := tail
	for remaining > 0 {
		chunk := remaining
		if chunk > auxFrameMaxBytes {
			chunk = auxFrameMaxBytes
		}
		if pos+chunk > uint64(len(r.auxRegion)) {
			chunk = uint64(len(r.auxRegion)) - pos
		}
		data := r.auxRegion[pos : pos+chunk]
		if err := c.sink.WritePerfAux(r.cpu, tailOffset, data); err != nil {
			return fmt.Errorf("perf: write aux frame cpu %d: %w", r.cpu, err)
		}
		c.accountBytes(uint64(len(data)))

		tailOffset += chunk
		pos = (pos + chunk) & r.auxMask
		remaining -= chunk
	}

	r.header.StoreAuxTail(head)
	return nil
}

func (c *Consumer) drainData(r *ringState, head, tail uint64) error {
	bufLen := uint64(len(r.dataRegion))
	if total := head - tail; total > bufLen {
		// The kernel overwrote unread records; resynchronize to the
		// newest window instead of walking through stale memory.
		tail = head - bufLen
	}

	var spans [][]byte
	batchBytes := 0
	batchRecords := 0

	flush := func() error {
		if len(spans) == 0 {
			return nil
		}
		if err := c.sink.WritePerfData(r.cpu, spans); err != nil {
			return fmt.Errorf("perf: write data frame cpu %d: %w", r.cpu, err)
		}
		c.accountBytes(uint64(batchBytes))
		spans = spans[:0]
		batchBytes = 0
		batchRecords = 0
		return nil
	}

	pos := tail
	for pos != head {
		hdr := uapi.HeaderAt(r.dataRegion, pos, r.dataMask)
		size := uint64(hdr.Size)
		if size == 0 || size > head-pos {
			// A torn or zero-size header means the kernel has not
			// finished publishing this record yet; stop here and pick
			// it back up on the next poll.
			break
		}

		start := pos & r.dataMask
		end := start + size
		if end <= bufLen {
			spans = append(spans, r.dataRegion[start:end])
		} else {
			firstLen := bufLen - start
			spans = append(spans, r.dataRegion[start:], r.dataRegion[:size-firstLen])
		}

		batchBytes += int(size)
		batchRecords++
		pos += size

		if batchRecords >= dataBatchMaxRecords || batchBytes >= dataBatchMaxBytes {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	r.header.StoreDataTail(pos)
	return nil
}

func (c *Consumer) accountBytes(n uint64) {
	total := atomic.AddUint64(&c.oneShotBytes, n)
	c.observer.ObserveBytesSent("perf", n)
	limit := atomic.LoadUint64(&c.oneShotLimit)
	if limit > 0 && total >= limit {
		c.signalOneShotFull()
	}
}

func (c *Consumer) signalOneShotFull() {
	c.oneShotMu.Lock()
	defer c.oneShotMu.Unlock()
	if c.oneShotFull {
		return
	}
	c.oneShotFull = true
	if c.oneShotCh != nil {
		close(c.oneShotCh)
	}
	c.observer.ObserveOneShotFull()
}

// TriggerOneShotMode is the explicit external path into one-shot
// completion, used when every primary stream has closed (the traced
// app exited) regardless of whether a byte budget was ever armed.
func (c *Consumer) TriggerOneShotMode() {
	c.signalOneShotFull()
}

// IsOneShotFull reports whether one-shot mode has already completed.
func (c *Consumer) IsOneShotFull() bool {
	c.oneShotMu.Lock()
	defer c.oneShotMu.Unlock()
	return c.oneShotFull
}

// WaitOneShotFull blocks until one-shot mode completes, ctx is
// cancelled, or an error if a second waiter tries to register
// concurrently (at most one observer may be registered, per spec).
func (c *Consumer) WaitOneShotFull(ctx context.Context) error {
	c.oneShotMu.Lock()
	if c.oneShotFull {
		c.oneShotMu.Unlock()
		return nil
	}
	if c.oneShotCh != nil {
		c.oneShotMu.Unlock()
		return fmt.Errorf("perf: one-shot observer already registered")
	}
	ch := make(chan struct{})
	c.oneShotCh = ch
	c.oneShotMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveRingbuffer unregisters cpu. If a poll is in flight, removal is
// deferred until it completes (step 5 of the polling algorithm: "if the
// CPU has been marked for removal, unmap and forget it").
func (c *Consumer) RemoveRingbuffer(cpu int) {
	c.mu.Lock()
	r := c.rings[cpu]
	c.mu.Unlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.busy {
		r.removalPending = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	c.forget(cpu)
}

func (c *Consumer) forget(cpu int) {
	c.mu.Lock()
	r := c.rings[cpu]
	delete(c.rings, cpu)
	c.mu.Unlock()
	if r != nil {
		unmapRing(r.mmap, c.logger)
	}
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
