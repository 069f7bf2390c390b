package uapi

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Open issues the perf_event_open(2) syscall directly: golang.org/x/sys/unix
// does not wrap it. pid/cpu/groupFd/flags follow the kernel's own argument
// conventions (pid=-1, cpu=N monitors every thread on CPU N).
func Open(attr *Attr, pid, cpu, groupFd int, flags uint64) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)),
		uintptr(pid),
		uintptr(cpu),
		uintptr(groupFd),
		uintptr(flags),
		0,
	)
	if errno != 0 {
		return -1, errno
	}
	return int(r1), nil
}

// Enable issues PERF_EVENT_IOC_ENABLE on an open perf_event fd.
func Enable(fd int) error {
	return ioctlNoArg(fd, PerfEventIocEnable)
}

// Disable issues PERF_EVENT_IOC_DISABLE on an open perf_event fd.
func Disable(fd int) error {
	return ioctlNoArg(fd, PerfEventIocDisable)
}

// SetOutput multiplexes fd's samples into target's ring buffer via
// PERF_EVENT_IOC_SET_OUTPUT. Passing target = -1 detaches fd again.
func SetOutput(fd, target int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(PerfEventIocSetOutput), uintptr(target))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlNoArg(fd int, req uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// LoadDataHead reads the kernel-written data_head index with acquire
// semantics.
func (p *MmapPage) LoadDataHead() uint64 {
	return atomic.LoadUint64(&p.DataHead)
}

// StoreDataTail writes the consumer-owned data_tail index with release
// semantics so the kernel's subsequent acquire-load observes it.
func (p *MmapPage) StoreDataTail(v uint64) {
	atomic.StoreUint64(&p.DataTail, v)
}

// LoadAuxHead reads the kernel-written aux_head index with acquire
// semantics.
func (p *MmapPage) LoadAuxHead() uint64 {
	return atomic.LoadUint64(&p.AuxHead)
}

// StoreAuxTail writes the consumer-owned aux_tail index with release
// semantics.
func (p *MmapPage) StoreAuxTail(v uint64) {
	atomic.StoreUint64(&p.AuxTail, v)
}

// PageFromMmap reinterprets the first page of an mmap'd perf_event region
// as the kernel header. addr must be the address returned by a successful
// mmap of at least one page.
//
//go:noinline
func PageFromMmap(data []byte) *MmapPage {
	return (*MmapPage)(unsafe.Pointer(&data[0]))
}

// HeaderAt reinterprets a byte offset within the data region as a record
// header, for walking record boundaries during a drain.
func HeaderAt(data []byte, offset uint64, mask uint64) *RecordHeader {
	return (*RecordHeader)(unsafe.Pointer(&data[offset&mask]))
}
