// Package net is the glue spec.md §4.9 describes as "the network
// condition task": a route table (§3's linear-scan, longest-prefix-match
// Route record) and the single cooperative task that drains every
// registered device's inbound queue and services every TCP port's
// retransmission/TIME_WAIT timers and every device's IPv4 fragment/ARP
// expiry, all from one serialized context so net/tcp, net/ipv4 and
// net/arp never need their own locks against each other.
package net

import (
	"sync"

	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/net/arp"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
	"github.com/kestrel-rtos/kestrel/net/tcp"
)

// Route is one routing table entry, per spec.md §3: a destination
// network (destinationIP/subnetMask), the device to send through, and
// an optional gateway for anything off-link. Metric breaks ties between
// two routes of equal prefix length.
type Route struct {
	InterfaceFD   *fs.FD
	DestinationIP [4]byte
	GatewayIP     [4]byte
	SourceIP      [4]byte
	SubnetMask    [4]byte
	Metric        int
}

func maskLen(mask [4]byte) int {
	n := 0
	for _, b := range mask {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

func matches(dst, network, mask [4]byte) bool {
	for i := 0; i < 4; i++ {
		if dst[i]&mask[i] != network[i]&mask[i] {
			return false
		}
	}
	return true
}

var (
	routeMu sync.Mutex
	routes  []Route
)

// AddRoute inserts r into the routing table (spec.md §3's
// ipv4_set_device_address inserts a host route this way, with a /32
// mask and no gateway).
func AddRoute(r Route) {
	routeMu.Lock()
	defer routeMu.Unlock()
	routes = append(routes, r)
}

// RemoveRoutesFor drops every route through fd, e.g. when a device is
// torn down.
func RemoveRoutesFor(fd *fs.FD) {
	routeMu.Lock()
	defer routeMu.Unlock()
	kept := routes[:0]
	for _, r := range routes {
		if r.InterfaceFD != fd {
			kept = append(kept, r)
		}
	}
	routes = kept
}

// Lookup performs spec.md §3's linear scan for the best route to dst:
// among every route whose network/mask matches dst, the longest prefix
// wins; ties break on the lower Metric.
func Lookup(dst [4]byte) (Route, bool) {
	routeMu.Lock()
	candidates := append([]Route(nil), routes...)
	routeMu.Unlock()

	best := -1
	for i, r := range candidates {
		if !matches(dst, r.DestinationIP, r.SubnetMask) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		bl, cl := maskLen(candidates[best].SubnetMask), maskLen(r.SubnetMask)
		if cl > bl || (cl == bl && r.Metric < candidates[best].Metric) {
			best = i
		}
	}
	if best == -1 {
		return Route{}, false
	}
	return candidates[best], true
}

// Device is the union of collaborators the network condition task polls:
// an ipv4.Device whose inbound queue it must drain, and (optionally) an
// ARP-capable device whose pending-resolution entries it must expire.
type Device struct {
	ipv4.Device
	ARP arp.Device // nil if this device has no ARP cache (e.g. a PPP link)
}

var (
	devicesMu sync.Mutex
	devices   []Device
)

// RegisterDevice adds dev to the set the network condition task polls
// every pass, alongside every TCP port's own timers.
func RegisterDevice(dev Device) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	devices = append(devices, dev)
}

func registeredDevices() []Device {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	return append([]Device(nil), devices...)
}

// drainDevice pulls every queued inbound frame off dev's FD and hands
// each to ipv4.Receive, draining the RX queue completely rather than one
// frame per pass so a burst does not starve behind the network task's
// own polling period.
func drainDevice(dev Device) {
	fd := dev.FD()
	for {
		frame := fd.Pool().GetRx(0)
		if frame == nil {
			return
		}
		_ = ipv4.Receive(dev, frame)
	}
}

// Run is the body of the single network condition task (spec.md §4.9):
// each pass drains every device's inbound queue, services every TCP
// port's retransmission and TIME_WAIT timers, and expires stale IPv4
// reassembly slots and ARP cache entries, then blocks on the compound
// wait of every device's read condition until the next frame, timer
// tick, or PendingPing wakes it.
func Run(t *kernel.Task) {
	for {
		devs := registeredDevices()

		for _, dev := range devs {
			drainDevice(dev)
		}

		now := kernel.Now()
		tcp.ServiceRetransmitTimers(now)
		tcp.ExpireEventTimers(now)
		for _, dev := range devs {
			ipv4.ExpireSlots(dev, now)
			if dev.ARP != nil {
				arp.ExpirePending(dev.ARP, now)
			}
		}

		waits := make([]kernel.ConditionWait, 0, len(devs))
		for _, dev := range devs {
			waits = append(waits, kernel.ConditionWait{Cond: dev.FD().ReadCond()})
		}
		if len(waits) == 0 {
			t.Sleep(pollPeriod)
			continue
		}

		_ = kernel.Wait(t, waits, pollPeriod)
	}
}

// pollPeriod bounds how long the network task may sleep with no device
// registered, or waiting for the next device read or timer event, so
// retransmission and fragment/ARP expiry are still serviced promptly
// even on an otherwise idle link.
var pollPeriod = kernel.Ticks(config.TickPeriod * 10)

// StartTask registers and starts the network condition task at
// config.NetPriority, per spec.md §4.9.
func StartTask(stackSize int) *kernel.Task {
	return kernel.Create("net", config.NetPriority, stackSize, Run)
}
