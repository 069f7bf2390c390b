package perf

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/uapi"
)

// EventBinder builds and tears down the kernel-side event set for one CPU
// coming online or going offline. The orchestrator drives it; everything
// it returns (fds, mmap) is handed straight to a RingMonitor.
type EventBinder interface {
	// BindCPU opens the primary dummy event (the AUX/output anchor),
	// multiplexes any supplementary hardware counters onto it via
	// PERF_EVENT_IOC_SET_OUTPUT, and mmaps the primary's ring. It
	// returns ErrCPUWentOffline if the CPU was observed to go offline
	// again while binding was in progress.
	BindCPU(cpu int) (primaryFds, supplementaryFds []int, auxFd int, mmap []byte, cfg RingConfig, err error)
	UnbindCPU(cpu int)
}

// ErrCPUWentOffline signals that a CPU offered for binding went offline
// again before the bind completed; the orchestrator falls back to the
// offline path when it sees this.
var ErrCPUWentOffline = fmt.Errorf("perf: cpu went offline during activation")

// DefaultBinder opens a PERF_TYPE_SOFTWARE/PERF_COUNT_SW_DUMMY primary
// event per CPU (the conventional anchor for AUX tracing and for
// multiplexing supplementary hardware counters via SET_OUTPUT), plus one
// PERF_TYPE_HARDWARE event per configured counter.
type DefaultBinder struct {
	// DataBufferPages and AuxBufferPages must be powers of two (0 disables
	// AUX) so the resulting byte sizes satisfy Consumer's RingConfig.
	DataBufferPages int
	AuxBufferPages  int
	HardwareConfigs []uint64

	IsOnline func(cpu int) (bool, error)

	logger interfaces.Logger

	// mu guards open. The orchestrator runs one goroutine per CPU, and
	// each calls BindCPU/UnbindCPU for its own CPU index as hotplug
	// events arrive, so the map is shared across goroutines even though
	// every individual key is only ever touched by its owning CPU.
	mu   sync.Mutex
	open map[int]boundCPU
}

type boundCPU struct {
	primaryFd        int
	supplementaryFds []int
	auxFd            int
	mmap             []byte
}

// NewDefaultBinder creates a binder. dataBufferPages/auxBufferPages are
// page counts (powers of two, auxBufferPages may be 0 to disable AUX).
func NewDefaultBinder(dataBufferPages, auxBufferPages int, hardwareConfigs []uint64, isOnline func(int) (bool, error), logger interfaces.Logger) *DefaultBinder {
	return &DefaultBinder{
		DataBufferPages: dataBufferPages,
		AuxBufferPages:  auxBufferPages,
		HardwareConfigs: hardwareConfigs,
		IsOnline:        isOnline,
		logger:          logger,
		open:            make(map[int]boundCPU),
	}
}

// rawOpenCPU performs the syscall-level work of opening one CPU's primary
// and supplementary perf events and mmapping the primary's ring. It is a
// package variable so tests can substitute a fake and exercise
// DefaultBinder's open-map bookkeeping and locking without needing
// perf_event support in the test environment.
var rawOpenCPU = func(cpu, dataBufferPages, auxBufferPages int, hardwareConfigs []uint64) (primaryFd int, supplementaryFds []int, auxFd int, mmap []byte, cfg RingConfig, err error) {
	pageSize := os.Getpagesize()
	attr := uapi.NewDummyAttr()
	primaryFd, err = uapi.Open(&attr, uapi.PerfAnyPID, cpu, -1, uapi.PerfFlagFdCloexec)
	if err != nil {
		return 0, nil, 0, nil, RingConfig{}, fmt.Errorf("perf: open primary event cpu %d: %w", cpu, err)
	}

	var supplementary []int
	for _, config := range hardwareConfigs {
		hwAttr := uapi.NewHardwareAttr(config)
		fd, err := uapi.Open(&hwAttr, uapi.PerfAnyPID, cpu, -1, uapi.PerfFlagFdCloexec)
		if err != nil {
			closeAll(append(supplementary, primaryFd))
			return 0, nil, 0, nil, RingConfig{}, fmt.Errorf("perf: open hardware event cpu %d config %d: %w", cpu, config, err)
		}
		if err := uapi.SetOutput(fd, primaryFd); err != nil {
			closeAll(append(supplementary, primaryFd, fd))
			return 0, nil, 0, nil, RingConfig{}, fmt.Errorf("perf: multiplex hardware event cpu %d: %w", cpu, err)
		}
		supplementary = append(supplementary, fd)
	}

	dataSize := pageSize * dataBufferPages
	auxSize := pageSize * auxBufferPages
	mmapLen := pageSize + dataSize + auxSize
	data, err := unix.Mmap(primaryFd, 0, mmapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		closeAll(append(supplementary, primaryFd))
		return 0, nil, 0, nil, RingConfig{}, fmt.Errorf("perf: mmap cpu %d: %w", cpu, err)
	}

	var aux int
	if auxSize > 0 {
		page := uapi.PageFromMmap(data)
		page.AuxOffset = uint64(pageSize + dataSize)
		page.AuxSize = uint64(auxSize)
		aux = primaryFd // same fd backs the AUX region once aux_offset/aux_size are set
	}

	cfg = RingConfig{PageSize: pageSize, DataBufferSize: dataSize, AuxBufferSize: auxSize}
	return primaryFd, supplementary, aux, data, cfg, nil
}

func (b *DefaultBinder) BindCPU(cpu int) (primaryFds, supplementaryFds []int, auxFd int, mmap []byte, cfg RingConfig, err error) {
	primaryFd, supplementary, aux, data, cfg, err := rawOpenCPU(cpu, b.DataBufferPages, b.AuxBufferPages, b.HardwareConfigs)
	if err != nil {
		return nil, nil, 0, nil, RingConfig{}, err
	}

	if b.IsOnline != nil {
		online, checkErr := b.IsOnline(cpu)
		if checkErr == nil && !online {
			unix.Munmap(data)
			closeAll(append(supplementary, primaryFd))
			return nil, nil, 0, nil, RingConfig{}, ErrCPUWentOffline
		}
	}

	b.mu.Lock()
	b.open[cpu] = boundCPU{primaryFd: primaryFd, supplementaryFds: supplementary, auxFd: aux, mmap: data}
	b.mu.Unlock()

	for _, fd := range append([]int{primaryFd}, supplementary...) {
		if err := uapi.Enable(fd); err != nil && b.logger != nil {
			b.logger.Warnf("perf: enable fd %d cpu %d: %v", fd, cpu, err)
		}
	}

	return []int{primaryFd}, supplementary, aux, data, cfg, nil
}

func (b *DefaultBinder) UnbindCPU(cpu int) {
	b.mu.Lock()
	bound, ok := b.open[cpu]
	if ok {
		delete(b.open, cpu)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	unix.Close(bound.primaryFd)
	closeAll(bound.supplementaryFds)
	// mmap is unmapped by the consumer once it has finished draining and
	// the ring monitor runs its removal queue; the binder only owns fds.
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
