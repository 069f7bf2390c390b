//go:build !integration

// Package unit exercises the testable properties from the design's
// scenario list (E1, E3, E5, E6) against real package internals, without
// needing root privileges or a real perf_event/agent subprocess.
package unit

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ARM-software/gator-sub000/internal/cpumon"
	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/perf"
	"github.com/ARM-software/gator-sub000/internal/uapi"
)

// E1: a hot-plug burst (online, online, offline, online, offline) for one
// CPU, all delivered before any reader drains it, coalesces down to the
// single edge a reader observes: offline.
func TestHotPlugBurstCoalescesToSingleEdge(t *testing.T) {
	m := cpumon.NewCoalesceMonitor()
	defer m.Stop()

	for _, online := range []bool{true, true, false, true, false} {
		m.UpdateState(3, online)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := m.ReceiveOne(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, ev.CPUNo)
	require.False(t, ev.Online)

	// A second receive with nothing new pending must block until the
	// context deadline, confirming only one edge was ever queued.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = m.ReceiveOne(ctx2, 3)
	require.Error(t, err)
}

type countingSink struct {
	dataFrames [][][]byte
}

func (s *countingSink) WriteSummaryFrame(int64, int64) error { return nil }
func (s *countingSink) WriteCoreNameFrame(int, string) error { return nil }
func (s *countingSink) WriteCounterFrame(int, string, uint64) error {
	return nil
}
func (s *countingSink) WritePerfData(cpu int, spans [][]byte) error {
	cp := make([][]byte, len(spans))
	for i, sp := range spans {
		b := make([]byte, len(sp))
		copy(b, sp)
		cp[i] = b
	}
	s.dataFrames = append(s.dataFrames, cp)
	return nil
}
func (s *countingSink) WritePerfAux(int, uint64, []byte) error { return nil }

var _ interfaces.APCSink = (*countingSink)(nil)

func writeRecordHeader(region []byte, offset int, typ uint32, misc, size uint16) {
	binary.LittleEndian.PutUint32(region[offset:], typ)
	binary.LittleEndian.PutUint16(region[offset+4:], misc)
	binary.LittleEndian.PutUint16(region[offset+6:], size)
}

// E3: the kernel has overwritten data the consumer had not yet read
// (data_head - data_tail exceeds the buffer size). The consumer must
// resynchronize to the newest window (tail = head - buffer_size) rather
// than walk through stale memory, and it must end with data_tail == head.
func TestRingBufferWrapWithDataLossResynchronizes(t *testing.T) {
	const pageSize, dataSize = 4096, 8192
	mmap := make([]byte, pageSize+dataSize)
	page := uapi.PageFromMmap(mmap)
	dataRegion := mmap[pageSize:]

	// Fill the 8192-byte window with four back-to-back 2048-byte records,
	// positioned as if data_head were 16384 (i.e. two full wraps ahead).
	const recordSize = 2048
	for i := 0; i < dataSize/recordSize; i++ {
		writeRecordHeader(dataRegion, i*recordSize, 9, 0, recordSize)
	}

	page.DataHead = 16384
	page.DataTail = 0

	sink := &countingSink{}
	c := perf.NewConsumer(sink, nil, nil)
	require.NoError(t, c.AddRingbuffer(0, mmap, perf.RingConfig{PageSize: pageSize, DataBufferSize: dataSize}))

	require.NoError(t, c.Poll(context.Background(), 0))

	total := 0
	for _, frame := range sink.dataFrames {
		for _, span := range frame {
			total += len(span)
		}
	}
	require.Equal(t, dataSize, total)
	require.Equal(t, uint64(16384), page.DataTail)
}

// E5: a one-shot byte budget of 10000. Ten polls of 999 bytes each (9990
// total) must not resume the waiter; an eleventh poll of 16 bytes crossing
// the budget must resume it, and a later TriggerOneShotMode leaves one-shot
// mode complete.
func TestOneShotBudgetResumesExactlyOnceAtThreshold(t *testing.T) {
	const pageSize, dataSize = 4096, 4096
	mmap := make([]byte, pageSize+dataSize)
	page := uapi.PageFromMmap(mmap)
	dataRegion := mmap[pageSize:]

	sink := &countingSink{}
	c := perf.NewConsumer(sink, nil, nil)
	c.SetOneShotLimit(10000)
	require.NoError(t, c.AddRingbuffer(0, mmap, perf.RingConfig{PageSize: pageSize, DataBufferSize: dataSize}))

	done := make(chan error, 1)
	go func() { done <- c.WaitOneShotFull(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	pos := uint64(0)
	writeOneRecord := func(size uint16) {
		writeRecordHeader(dataRegion, int(pos)%dataSize, 9, 0, size)
		pos += uint64(size)
		page.DataHead = pos
		require.NoError(t, c.Poll(context.Background(), 0))
	}

	for i := 0; i < 10; i++ {
		writeOneRecord(999) // 9990 bytes total after this loop
	}

	select {
	case <-done:
		t.Fatal("waiter resumed before crossing the one-shot budget")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, c.IsOneShotFull())

	writeOneRecord(16) // crosses 10000

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed after crossing the one-shot budget")
	}
	require.True(t, c.IsOneShotFull())

	// Triggering one-shot completion again after the budget was crossed
	// must leave the consumer in the completed state.
	c.TriggerOneShotMode()
	require.True(t, c.IsOneShotFull())
}

// E6: when the raw netlink monitor is unavailable, the orchestrator falls
// through to sysfs polling, which must still discover every online CPU
// and let WaitForAllCoresReady complete.
func TestNetlinkUnavailableFallsBackToSysfsPolling(t *testing.T) {
	root := t.TempDir()
	const numCPUs = 4
	for cpu := 0; cpu < numCPUs; cpu++ {
		dir := filepath.Join(root, fmt.Sprintf("cpu%d", cpu))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		if cpu == 0 {
			continue // cpu0 commonly has no online file and is always online
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte("1\n"), 0o644))
	}

	sysfs := cpumon.NewSysfsMonitor(root, numCPUs)
	defer sysfs.Stop()

	coalesce := cpumon.NewCoalesceMonitor()
	defer coalesce.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cpumon.RunForwarder(ctx, sysfs, coalesce)

	require.True(t, coalesce.WaitForAllCoresReady(ctx, numCPUs))
}
