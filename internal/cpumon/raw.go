// Package cpumon tracks per-CPU online/offline transitions: a raw
// producer (netlink uevents, falling back to sysfs polling) feeds a
// coalescing monitor that lets multiple independent consumers each read
// one edge at a time without missing a fast flip.
package cpumon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Event is one observed CPU state edge. A CPUNo of -1 is the sentinel a
// raw monitor emits when it stops.
type Event struct {
	CPUNo  int
	Online bool
}

const stopSentinelCPU = -1

// StopEvent is the sentinel raw producers emit when they stop.
var StopEvent = Event{CPUNo: stopSentinelCPU}

// RawMonitor produces raw per-CPU online/offline events.
type RawMonitor interface {
	// ReceiveOne blocks for the next event, or returns StopEvent once
	// the monitor has been stopped.
	ReceiveOne(ctx context.Context) (Event, error)
	Stop()
}

// NetlinkMonitor subscribes to the kernel object uevent multicast group
// and filters for subsystem=cpu events.
type NetlinkMonitor struct {
	conn   *netlink.Conn
	events chan Event
	stop   chan struct{}
}

// NewNetlinkMonitor opens the kobject uevent netlink socket. Returns an
// error if the socket cannot be opened (no CAP_NET_ADMIN, kernel support
// missing, etc.) so the orchestrator can fall back to sysfs polling.
func NewNetlinkMonitor() (*NetlinkMonitor, error) {
	conn, err := netlink.Dial(unix.NETLINK_KOBJECT_UEVENT, &netlink.Config{Groups: 1})
	if err != nil {
		return nil, fmt.Errorf("cpumon: netlink dial: %w", err)
	}
	m := &NetlinkMonitor{
		conn:   conn,
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
	}
	go m.recvLoop()
	return m, nil
}

func (m *NetlinkMonitor) recvLoop() {
	defer close(m.events)
	for {
		msgs, err := m.conn.Receive()
		if err != nil {
			return
		}
		for _, msg := range msgs {
			if ev, ok := parseUevent(msg.Data); ok {
				select {
				case m.events <- ev:
				case <-m.stop:
					return
				}
			}
		}
		select {
		case <-m.stop:
			return
		default:
		}
	}
}

// parseUevent parses a kobject uevent payload of NUL-separated
// "KEY=VALUE" fields (the first field is "ACTION@DEVPATH") and extracts
// a cpu online/offline edge, if the subsystem is cpu.
func parseUevent(data []byte) (Event, bool) {
	fields := strings.Split(strings.Trim(string(data), "\x00"), "\x00")
	if len(fields) == 0 {
		return Event{}, false
	}

	actionDevpath := fields[0]
	at := strings.IndexByte(actionDevpath, '@')
	if at < 0 {
		return Event{}, false
	}
	action := actionDevpath[:at]
	devpath := actionDevpath[at+1:]

	var subsystem string
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "SUBSYSTEM=") {
			subsystem = strings.TrimPrefix(f, "SUBSYSTEM=")
		}
	}
	if subsystem != "cpu" {
		return Event{}, false
	}

	cpuNo, ok := parseCPUNoFromDevpath(devpath)
	if !ok {
		return Event{}, false
	}

	switch action {
	case "online", "add":
		return Event{CPUNo: cpuNo, Online: true}, true
	case "offline", "remove":
		return Event{CPUNo: cpuNo, Online: false}, true
	default:
		return Event{}, false
	}
}

func parseCPUNoFromDevpath(devpath string) (int, bool) {
	idx := strings.LastIndex(devpath, "/cpu")
	if idx < 0 {
		return 0, false
	}
	rest := devpath[idx+len("/cpu"):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (m *NetlinkMonitor) ReceiveOne(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-m.events:
		if !ok {
			return StopEvent, nil
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Stop closes the netlink socket, unblocking recvLoop.
func (m *NetlinkMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.conn.Close()
}

// SysfsMonitor polls /sys/devices/system/cpu/cpuN/online on a timer,
// issuing an event whenever a CPU's observed state changes (and for
// every CPU on the first pass).
type SysfsMonitor struct {
	root     string
	numCPUs  int
	events   chan Event
	stop     chan struct{}
	lastSeen []int8 // -1 unknown, 0 offline, 1 online
}

// FastPollInterval is used while any tracked CPU is offline, to catch a
// re-online quickly.
const FastPollInterval = 200 * time.Microsecond

// SlowPollInterval is used once every tracked CPU is online.
const SlowPollInterval = 1000 * time.Microsecond

// NewSysfsMonitor starts polling numCPUs cpu directories under root
// (normally "/sys/devices/system/cpu").
func NewSysfsMonitor(root string, numCPUs int) *SysfsMonitor {
	m := &SysfsMonitor{
		root:     root,
		numCPUs:  numCPUs,
		events:   make(chan Event, 64),
		stop:     make(chan struct{}),
		lastSeen: make([]int8, numCPUs),
	}
	for i := range m.lastSeen {
		m.lastSeen[i] = -1
	}
	go m.pollLoop()
	return m
}

func (m *SysfsMonitor) onlinePath(cpu int) string {
	return fmt.Sprintf("%s/cpu%d/online", m.root, cpu)
}

func (m *SysfsMonitor) readOnline(cpu int) (bool, error) {
	if cpu == 0 {
		// cpu0 commonly has no online file and is always online.
		if _, err := os.Stat(fmt.Sprintf("%s/cpu0", m.root)); err != nil {
			return false, err
		}
		if _, err := os.Stat(m.onlinePath(0)); os.IsNotExist(err) {
			return true, nil
		}
	}
	data, err := os.ReadFile(m.onlinePath(cpu))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

func (m *SysfsMonitor) pollLoop() {
	defer close(m.events)
	interval := SlowPollInterval
	for {
		anyOffline := false
		for cpu := 0; cpu < m.numCPUs; cpu++ {
			online, err := m.readOnline(cpu)
			if err != nil {
				continue
			}
			if !online {
				anyOffline = true
			}
			var cur int8
			if online {
				cur = 1
			}
			if m.lastSeen[cpu] != cur {
				m.lastSeen[cpu] = cur
				select {
				case m.events <- Event{CPUNo: cpu, Online: online}:
				case <-m.stop:
					return
				}
			}
		}
		if anyOffline {
			interval = FastPollInterval
		} else {
			interval = SlowPollInterval
		}
		select {
		case <-m.stop:
			return
		case <-time.After(interval):
		}
	}
}

func (m *SysfsMonitor) ReceiveOne(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-m.events:
		if !ok {
			return StopEvent, nil
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Stop halts the poll loop.
func (m *SysfsMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}
