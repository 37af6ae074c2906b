package vpnroute_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/vpnroute"
)

type fakeRoutes struct {
	mu    sync.Mutex
	calls int
	seq   []share.RouteInfo
	err   error
}

func (f *fakeRoutes) RouteGet(context.Context, string) (share.RouteInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return share.RouteInfo{}, f.err
	}
	idx := f.calls
	if idx >= len(f.seq) {
		idx = len(f.seq) - 1
	}
	f.calls++
	return f.seq[idx], nil
}

type fakeInterfaces struct{ names []string }

func (f fakeInterfaces) ListInterfaceNames(context.Context) ([]string, error) { return f.names, nil }

type fakeSubsystem struct {
	connected bool
	label     string
}

func (f fakeSubsystem) Status(context.Context) (bool, string, string, error) {
	return f.connected, f.label, "", nil
}

func TestTickPublishesConnectedOnInterfaceAppearance(t *testing.T) {
	ctx := context.Background()
	ifaces := &mutableInterfaces{}
	m := vpnroute.New(&fakeRoutes{}, ifaces, fakeSubsystem{})
	sig := m.Subscribe()

	m.Tick(ctx) // no interfaces yet: stays disconnected, no signal (initial state already disconnected)
	select {
	case s := <-sig:
		t.Fatalf("unexpected signal on first tick: %v", s)
	default:
	}

	ifaces.set([]string{"eth0", "utun7"})
	m.Tick(ctx)
	select {
	case s := <-sig:
		require.Equal(t, vpnroute.VPNConnected, s)
	case <-time.After(time.Second):
		t.Fatal("expected VPNConnected signal")
	}

	ifaces.set([]string{"eth0"})
	m.Tick(ctx)
	select {
	case s := <-sig:
		require.Equal(t, vpnroute.VPNDisconnected, s)
	case <-time.After(time.Second):
		t.Fatal("expected VPNDisconnected signal")
	}
}

type mutableInterfaces struct {
	mu    sync.Mutex
	names []string
}

func (m *mutableInterfaces) set(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = names
}

func (m *mutableInterfaces) ListInterfaceNames(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...), nil
}

func TestVPNSubsystemAloneTriggersConnected(t *testing.T) {
	ctx := context.Background()
	m := vpnroute.New(&fakeRoutes{}, fakeInterfaces{}, fakeSubsystem{connected: true, label: "corp-vpn"})
	sig := m.Subscribe()
	m.Tick(ctx)

	select {
	case s := <-sig:
		require.Equal(t, vpnroute.VPNConnected, s)
	case <-time.After(time.Second):
		t.Fatal("expected VPNConnected from subsystem signal alone")
	}

	status := m.CurrentVPNStatus(ctx)
	require.True(t, status.Connected)
	require.Equal(t, "corp-vpn", status.ProtocolLabel)
}

func TestIsServerAccessibleViaVPNRequiresInterfaceAndGateway(t *testing.T) {
	ctx := context.Background()
	routes := &fakeRoutes{seq: []share.RouteInfo{{Interface: "utun7", Gateway: "10.10.0.1"}}}
	m := vpnroute.New(routes, fakeInterfaces{}, fakeSubsystem{})
	require.True(t, m.IsServerAccessibleViaVPN(ctx, "10.10.0.2"))
}

func TestIsServerAccessibleViaVPNFalseWithoutGateway(t *testing.T) {
	ctx := context.Background()
	routes := &fakeRoutes{seq: []share.RouteInfo{
		{Interface: "utun7", Gateway: ""},
		{Interface: "utun7", Gateway: ""},
	}}
	m := vpnroute.New(routes, fakeInterfaces{}, fakeSubsystem{})
	require.False(t, m.IsServerAccessibleViaVPN(ctx, "10.10.0.2"))
	require.Equal(t, 2, routes.calls, "a first negative answer must retry once after the settle delay")
}

func TestIsServerAccessibleViaVPNRetrySucceedsOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	routes := &fakeRoutes{seq: []share.RouteInfo{
		{Interface: "eth0", Gateway: "192.168.1.1"}, // not a VPN interface yet
		{Interface: "utun7", Gateway: "10.10.0.1"},  // tunnel route installed by the retry
	}}
	m := vpnroute.New(routes, fakeInterfaces{}, fakeSubsystem{})
	require.True(t, m.IsServerAccessibleViaVPN(ctx, "10.10.0.2"))
}

func TestIsServerAccessibleViaVPNCaches(t *testing.T) {
	ctx := context.Background()
	routes := &fakeRoutes{seq: []share.RouteInfo{{Interface: "utun7", Gateway: "10.10.0.1"}}}
	m := vpnroute.New(routes, fakeInterfaces{}, fakeSubsystem{})
	require.True(t, m.IsServerAccessibleViaVPN(ctx, "10.10.0.2"))
	require.True(t, m.IsServerAccessibleViaVPN(ctx, "10.10.0.2"))
	require.Equal(t, 1, routes.calls, "second call within the cache TTL must not re-query")
}

func TestWaitForInitializationUnblocksAfterFirstTick(t *testing.T) {
	ctx := context.Background()
	m := vpnroute.New(&fakeRoutes{}, fakeInterfaces{}, fakeSubsystem{})
	done := make(chan error, 1)
	go func() { done <- m.WaitForInitialization(ctx) }()

	select {
	case <-done:
		t.Fatal("must not resolve before the first Tick runs")
	case <-time.After(50 * time.Millisecond):
	}

	m.Tick(ctx)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForInitialization should unblock after Tick")
	}
}
