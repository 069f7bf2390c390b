package uapi

import "unsafe"

// Attr mirrors the portion of struct perf_event_attr (linux/perf_event.h)
// this engine configures. The kernel struct is versioned and extensible;
// Size must be set to sizeof(Attr) so perf_event_open can validate layout.
type Attr struct {
	Type        uint32 // PerfType*
	Size        uint32 // sizeof(Attr)
	Config      uint64 // event type-specific config
	SamplePeriod uint64 // sample_period / sample_freq (union in the kernel)
	SampleType  uint64 // PerfSample* bitmask
	ReadFormat  uint64 // PerfFormat* bitmask
	Flags       uint64 // packed bitfield: PerfAttrFlag*
	WakeupEvents uint32 // wakeup_events / wakeup_watermark (union)
	BPType      uint32 // breakpoint type
	Config1     uint64 // breakpoint address / kprobe func / uprobe path
	Config2     uint64 // breakpoint length / kprobe addr / probe offset
	BranchSampleType uint64
	SampleRegsUser   uint64
	SampleStackUser  uint32
	ClockID          int32
	SampleRegsIntr   uint64
	AuxWatermark     uint32
	SampleMaxStack   uint16
	Reserved2        uint16
	AuxSampleSize    uint32
	Reserved3        uint32
}

// Compile-time size check: this is the perf_event_attr layout as of the
// kernel ABI revision this engine targets.
var _ [120]byte = [unsafe.Sizeof(Attr{})]byte{}

// NewHardwareAttr builds an Attr for a PERF_TYPE_HARDWARE counter,
// disabled at open time so it can be enabled once binding completes.
func NewHardwareAttr(config uint64) Attr {
	a := Attr{
		Type:   PerfTypeHardware,
		Config: config,
		Flags:  PerfAttrFlagDisabled | PerfAttrFlagExclHv,
	}
	a.Size = uint32(unsafe.Sizeof(a))
	return a
}

// NewDummyAttr builds an Attr for PERF_COUNT_SW_DUMMY, used as the
// primary event a CPU's supplementary counters are multiplexed onto via
// PERF_EVENT_IOC_SET_OUTPUT, and as the AUX-area anchor event.
func NewDummyAttr() Attr {
	a := Attr{
		Type:   PerfTypeSoftware,
		Config: PerfCountSwDummy,
		Flags:  PerfAttrFlagDisabled | PerfAttrFlagExclHv | PerfAttrFlagWatermark,
	}
	a.Size = uint32(unsafe.Sizeof(a))
	return a
}

// MmapPage is the header page the kernel maps at offset 0 of a perf_event
// fd's mmap region (struct perf_event_mmap_page). DataHead/AuxHead are
// written by the kernel with release semantics; DataTail/AuxTail are
// owned exclusively by the consumer and must be stored with release
// semantics so the kernel's next acquire-load observes them. The kernel
// reserves the first 1024 bytes of the page for fields this engine never
// reads (lock, time_enabled/running, capabilities, ...); only the eight
// head/tail/offset/size words that follow matter here.
type MmapPage struct {
	Version       uint32
	CompatVersion uint32
	reserved      [1024 - 8]byte
	DataHead      uint64
	DataTail      uint64
	DataOffset    uint64
	DataSize      uint64
	AuxHead       uint64
	AuxTail       uint64
	AuxOffset     uint64
	AuxSize       uint64
}

// Compile-time size check: data_head must land at byte offset 1024.
var _ [1024 + 64]byte = [unsafe.Sizeof(MmapPage{})]byte{}

// RecordHeader is struct perf_event_header: every record in the data ring
// begins with one of these. Size includes the header itself and is always
// a multiple of 8.
type RecordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// Compile-time size check.
var _ [8]byte = [unsafe.Sizeof(RecordHeader{})]byte{}

// AlignRecordSize rounds n up to the next multiple of 8, matching the
// kernel's record alignment guarantee.
func AlignRecordSize(n uint16) uint16 {
	return (n + 7) &^ 7
}
