// Package vpnroute implements the §4.4 VPN / Route Monitor: it fuses
// the OS VPN subsystem's status with a scan for tunnel-shaped
// interfaces, answers "is host H reached via a VPN interface?" against
// the routing table, and caches route answers for 2s; every Tick drops
// that route cache.
package vpnroute

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/sharewatch/sharewatchd/pkg/share"
)

// RouteProvider resolves the route the kernel would use to reach host,
// the moral equivalent of the platform's route-get command. Backed by
// vishvananda/netlink's RouteGet in production (netlink_linux.go).
type RouteProvider interface {
	RouteGet(ctx context.Context, host string) (share.RouteInfo, error)
}

// InterfaceLister enumerates current network interface names, used for
// the tunnel-interface safety-net scan.
type InterfaceLister interface {
	ListInterfaceNames(ctx context.Context) ([]string, error)
}

// VPNSubsystem reports the OS VPN subsystem's own status, independent of
// interface presence. Backed by NetworkManager over D-Bus in production
// (networkmanager_linux.go).
type VPNSubsystem interface {
	Status(ctx context.Context) (connected bool, protocolLabel, serverAddress string, err error)
}

// Signal is published on Subscribe when the fused VPN status changes.
type Signal string

const (
	VPNConnected    Signal = "vpn-connected"
	VPNDisconnected Signal = "vpn-disconnected"
)

// VPNStatus is the currentVPNStatus() result.
type VPNStatus struct {
	Connected     bool
	ProtocolLabel string
	ServerAddress string
}

const (
	routeCacheTTL    = 2 * time.Second
	interfaceScanTTL = 5 * time.Second
	routeRetryDelay  = 1 * time.Second
)

type routeCacheEntry struct {
	accessible bool
	queried    time.Time
}

// Monitor is the §4.4 contract.
type Monitor struct {
	routes     RouteProvider
	interfaces InterfaceLister
	subsystem  VPNSubsystem

	mu          sync.Mutex
	routeCache  map[string]routeCacheEntry
	lastFused   bool // last fused connected/disconnected value published
	initialized chan struct{}
	initOnce    sync.Once

	listeners []chan Signal
}

// New builds a Monitor over the given collaborators.
func New(routes RouteProvider, interfaces InterfaceLister, subsystem VPNSubsystem) *Monitor {
	return &Monitor{
		routes:      routes,
		interfaces:  interfaces,
		subsystem:   subsystem,
		routeCache:  make(map[string]routeCacheEntry),
		initialized: make(chan struct{}),
	}
}

// WaitForInitialization blocks until the first fused status has been
// computed (by Start's first tick), or ctx is done.
func (m *Monitor) WaitForInitialization(ctx context.Context) error {
	select {
	case <-m.initialized:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) markInitialized() {
	m.initOnce.Do(func() { close(m.initialized) })
}

// Subscribe returns a channel that receives a Signal every time the
// fused VPN status transitions. The channel is buffered; a slow
// consumer may miss an intermediate value but never blocks the Monitor.
func (m *Monitor) Subscribe() <-chan Signal {
	ch := make(chan Signal, 4)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) publish(sig Signal) {
	m.mu.Lock()
	listeners := append([]chan Signal(nil), m.listeners...)
	m.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- sig:
		default:
		}
	}
}

func hasTunnelInterface(names []string) bool {
	probe := share.RouteInfo{}
	for _, n := range names {
		probe.Interface = n
		if probe.IsVPNInterface() {
			return true
		}
	}
	return false
}

// evaluate computes the fused connected/disconnected signal: either
// signal present ⇒ connected, both absent ⇒ disconnected, per §4.4.
func (m *Monitor) evaluate(ctx context.Context) bool {
	subsystemConnected := false
	if m.subsystem != nil {
		if c, _, _, err := m.subsystem.Status(ctx); err == nil {
			subsystemConnected = c
		}
	}
	ifaceConnected := false
	if m.interfaces != nil {
		if names, err := m.interfaces.ListInterfaceNames(ctx); err == nil {
			ifaceConnected = hasTunnelInterface(names)
		}
	}
	return subsystemConnected || ifaceConnected
}

// Tick re-evaluates the fused status once, publishing a Signal if it
// changed since the last Tick. Run calls this on the 5s safety-net
// timer, and the daemon's netlink subscription calls it on every
// link/address/route update.
func (m *Monitor) Tick(ctx context.Context) {
	fused := m.evaluate(ctx)

	m.mu.Lock()
	changed := fused != m.lastFused
	m.lastFused = fused
	m.routeCache = make(map[string]routeCacheEntry) // any VPN/interface signal drops the route cache, §9
	m.mu.Unlock()

	m.markInitialized()

	if changed {
		if fused {
			dlog.Info(ctx, "vpnroute: VPN connected")
			m.publish(VPNConnected)
		} else {
			dlog.Info(ctx, "vpnroute: VPN disconnected")
			m.publish(VPNDisconnected)
		}
	}
}

// Run starts the 5s safety-net scan loop; it returns when ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Tick(ctx)
	ticker := time.NewTicker(interfaceScanTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// CurrentVPNStatus returns the last fused status along with whatever
// protocol label / server address the VPN subsystem currently reports.
func (m *Monitor) CurrentVPNStatus(ctx context.Context) VPNStatus {
	status := VPNStatus{}
	if m.subsystem != nil {
		if c, label, server, err := m.subsystem.Status(ctx); err == nil {
			status.Connected = c
			status.ProtocolLabel = label
			status.ServerAddress = server
		}
	}
	m.mu.Lock()
	fused := m.lastFused
	m.mu.Unlock()
	status.Connected = status.Connected || fused
	return status
}

func (m *Monitor) cachedRoute(host string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.routeCache[host]
	if !ok || time.Since(e.queried) > routeCacheTTL {
		return false, false
	}
	return e.accessible, true
}

func (m *Monitor) storeRoute(host string, accessible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routeCache[host] = routeCacheEntry{accessible: accessible, queried: time.Now()}
}

func (m *Monitor) checkRouteOnce(ctx context.Context, host string) bool {
	if m.routes == nil {
		return false
	}
	info, err := m.routes.RouteGet(ctx, host)
	if err != nil {
		return false
	}
	return info.IsVPNInterface() && info.HasGateway()
}

// IsServerAccessibleViaVPN invokes the system route lookup and returns
// true iff the chosen interface is a VPN interface AND there is a real
// gateway. Results are cached 2s by host. On a first negative answer
// within a single evaluation, retries once after 1s to tolerate slow
// tunnel-route installation (WireGuard in particular).
func (m *Monitor) IsServerAccessibleViaVPN(ctx context.Context, host string) bool {
	if cached, ok := m.cachedRoute(host); ok {
		return cached
	}

	accessible := m.checkRouteOnce(ctx, host)
	if !accessible {
		select {
		case <-time.After(routeRetryDelay):
		case <-ctx.Done():
			m.storeRoute(host, false)
			return false
		}
		accessible = m.checkRouteOnce(ctx, host)
	}

	m.storeRoute(host, accessible)
	return accessible
}

// ClearCaches drops the route cache immediately, ahead of the next Tick.
func (m *Monitor) ClearCaches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routeCache = make(map[string]routeCacheEntry)
}
