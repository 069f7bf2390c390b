// Package uapi provides Linux kernel UAPI definitions for perf_event_open
// and the kobject netlink uevent protocol.
package uapi

// perf_event_attr.type values (enum perf_type_id)
const (
	PerfTypeHardware   = 0
	PerfTypeSoftware   = 1
	PerfTypeTracepoint = 2
	PerfTypeHwCache    = 3
	PerfTypeRaw        = 4
	PerfTypeBreakpoint = 5
)

// perf_event_attr.config values for PERF_TYPE_SOFTWARE
const (
	PerfCountSwCpuClock  = 0
	PerfCountSwDummy     = 9
)

// perf_event_attr.sample_type bits
const (
	PerfSampleIP        = 1 << 0
	PerfSampleTID       = 1 << 1
	PerfSampleTime      = 1 << 2
	PerfSampleRaw       = 1 << 10
	PerfSampleCallchain = 1 << 5
)

// perf_event_attr.read_format bits
const (
	PerfFormatTotalTimeEnabled = 1 << 0
	PerfFormatTotalTimeRunning = 1 << 1
	PerfFormatID               = 1 << 2
	PerfFormatGroup            = 1 << 3
)

// perf_event_attr flag bits (bitfield packed as a uint64 in Attr.Flags)
const (
	PerfAttrFlagDisabled   = 1 << 0
	PerfAttrFlagInherit    = 1 << 1
	PerfAttrFlagExclUser   = 1 << 4
	PerfAttrFlagExclKernel = 1 << 5
	PerfAttrFlagExclHv     = 1 << 6
	PerfAttrFlagExclIdle   = 1 << 7
	PerfAttrFlagMmap       = 1 << 8
	PerfAttrFlagComm       = 1 << 9
	PerfAttrFlagWatermark  = 1 << 14
)

// perf_event_header.type values (enum perf_event_type), the subset the
// capture engine must recognise while walking the data ring.
const (
	PerfRecordMmap      = 1
	PerfRecordLost      = 2
	PerfRecordComm      = 3
	PerfRecordExit      = 4
	PerfRecordSample    = 9
	PerfRecordAux       = 11
	PerfRecordItraceStart = 12
	PerfRecordLostSamples = 13
)

// ioctl request numbers for an open perf_event fd.
const (
	PerfEventIocEnable    = 0x2400
	PerfEventIocDisable   = 0x2401
	PerfEventIocRefresh   = 0x2402
	PerfEventIocReset     = 0x2403
	PerfEventIocSetOutput = 0x2405
	PerfEventIocSetFilter = 0x2406
	PerfEventIocID        = 0x2407
)

// PERF_FLAG_* passed to perf_event_open(2)
const (
	PerfFlagFdNoGroup  = 1 << 0
	PerfFlagFdOutput   = 1 << 1
	PerfFlagPidCgroup  = 1 << 2
	PerfFlagFdCloexec  = 1 << 3
)

// Sentinel pid/cpu values for perf_event_open(2).
const (
	PerfAnyCPU  = -1
	PerfAnyPID  = -1
	PerfAllPIDs = -1
)

// Netlink kobject uevent protocol (NETLINK_KOBJECT_UEVENT). There is no
// request/response framing: the kernel broadcasts a single multicast
// group and every socket bound to it receives a copy of each uevent.
const (
	NetlinkKobjectUevent = 15
	UeventMulticastGroup = 1
)

// Well-known uevent ACTION values for the "cpu" subsystem.
const (
	UeventActionAdd     = "add"
	UeventActionRemove  = "remove"
	UeventActionOnline  = "online"
	UeventActionOffline = "offline"
)
