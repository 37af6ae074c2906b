package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/require"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/errcat"
	"github.com/sharewatch/sharewatchd/pkg/share/keystore"
	"github.com/sharewatch/sharewatchd/pkg/share/lifecycle"
	"github.com/sharewatch/sharewatchd/pkg/share/retry"
)

func testContext(t *testing.T) context.Context {
	return dlog.NewTestContext(t, false)
}

type fakeDriver struct {
	mountErr   error
	mountCalls int
	unmountErr error
}

func (f *fakeDriver) Mount(context.Context, share.ShareConfig, string, *share.Credential, time.Duration) error {
	f.mountCalls++
	return f.mountErr
}

func (f *fakeDriver) Unmount(context.Context, string) error { return f.unmountErr }

type fakeInspector struct{ networkMount bool }

func (f *fakeInspector) IsNetworkMount(context.Context, string) (bool, error) {
	return f.networkMount, nil
}

type fakeProber struct{ reachable bool }

func (f *fakeProber) IsReachable(context.Context, string, int, time.Duration) bool { return f.reachable }

type fakeRoutes struct{ accessible bool }

func (f *fakeRoutes) IsServerAccessibleViaVPN(context.Context, string) bool { return f.accessible }

type fakeKeystore struct {
	password string
	err      error
}

func (f *fakeKeystore) Read(context.Context, keystore.Key) (string, error) {
	return f.password, f.err
}

func testCfg() share.ShareConfig {
	return share.ShareConfig{
		ID:                "share-1",
		Protocol:          share.SMB,
		ServerAddress:     "10.0.0.5",
		ShareName:         "data",
		Username:          "alice",
		SaveCredentials:   true,
		RetryStrategyName: share.Normal,
		ManagementState:   share.Enabled,
	}
}

func newMachine(driver *fakeDriver, inspector *fakeInspector, prober *fakeProber, ks *fakeKeystore) *lifecycle.Machine {
	return lifecycle.New(lifecycle.Deps{
		Driver:    driver,
		Inspector: inspector,
		Prober:    prober,
		Routes:    &fakeRoutes{accessible: true},
		Keystore:  ks,
		Governors: retry.NewRegistry(),
		Home:      "/home/alice",
	})
}

func TestHappyPathReachesMountedConnected(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false)

	state := m.State()
	require.Equal(t, share.StatusMounted, state.Status)
	require.Equal(t, share.Connected, state.Health)
	require.Equal(t, 1, driver.mountCalls)
	require.NotNil(t, state.LastSuccessAt)
	require.Equal(t, 0, state.ConsecutiveFailures)
}

func TestAuthFailureGoesTerminalWithoutRetry(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{mountErr: errcat.AuthFailed.New(nil)}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false)

	state := m.State()
	require.Equal(t, share.StatusError, state.Status)
	require.Equal(t, 1, driver.mountCalls, "auth failures must not be retried within the episode")
	require.True(t, errcat.Is(state.LastError, errcat.AuthFailed))
}

func TestMissingCredentialIsAuthFailedBeforeDriverInvoked(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{err: keystore.ErrNotFound}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false)

	state := m.State()
	require.Equal(t, share.StatusError, state.Status)
	require.Equal(t, 0, driver.mountCalls)
}

func TestUnreachableServerStaysUnmountedWithoutMounting(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: false}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false)

	state := m.State()
	require.Equal(t, share.StatusUnmounted, state.Status)
	require.Equal(t, 0, driver.mountCalls)
}

func TestAlreadyLiveMountShortCircuitsToMountedConnected(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: true}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false)

	state := m.State()
	require.Equal(t, share.StatusMounted, state.Status)
	require.Equal(t, share.Connected, state.Health)
	require.Equal(t, 0, driver.mountCalls, "an already-live mount must not invoke the driver again")
}

func TestAlreadyLiveMountUnreachableGoesDegradedWithoutUnmounting(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: true}
	prober := &fakeProber{reachable: false}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false)

	state := m.State()
	require.Equal(t, share.StatusMounted, state.Status)
	require.Equal(t, share.Degraded, state.Health)
	require.Equal(t, 0, driver.mountCalls, "degraded must never trigger a remount or unmount")
}

func TestDisabledShareIsSkippedUnlessUserInitiated(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	cfg := testCfg()
	cfg.ManagementState = share.Disabled
	m.Evaluate(ctx, cfg, false)
	require.Equal(t, 0, driver.mountCalls)

	m.Evaluate(ctx, cfg, true)
	require.Equal(t, 1, driver.mountCalls, "a user-initiated evaluation must still run for a disabled share")
}

func TestSuspendedShareIsSkipped(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Suspend(time.Now(), 5*time.Minute)
	m.Evaluate(ctx, testCfg(), false)
	require.Equal(t, 0, driver.mountCalls)
}

func TestHealthProbeGraceWindowSkipsInspectorAndProber(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	// The inspector reports no live mount: a probe that consulted it would
	// report the share unhealthy, so only a skipped probe reports healthy.
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false) // mount episode reaches Mounted(Connected), sets lastSuccessAt

	unhealthy, needsEval := m.RunHealthProbe(ctx, testCfg())
	require.False(t, unhealthy)
	require.False(t, needsEval)
}

func TestHealthProbeDetectsGoneMount(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: true}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)
	m.Evaluate(ctx, testCfg(), false)

	inspector.networkMount = false
	m.SetClockForTest(func() time.Time { return time.Now().Add(time.Hour) })
	unhealthy, needsEval := m.RunHealthProbe(ctx, testCfg())
	require.True(t, unhealthy)
	require.True(t, needsEval)
	require.Equal(t, share.StatusUnmounted, m.State().Status)
}

func TestStopRetryingDisablesShare(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Disable(ctx, "share-1")
	require.Equal(t, share.StatusDisabled, m.State().Status)
}

func TestResetErrorReturnsToUnmounted(t *testing.T) {
	ctx := testContext(t)
	driver := &fakeDriver{mountErr: errcat.AuthFailed.New(nil)}
	inspector := &fakeInspector{networkMount: false}
	prober := &fakeProber{reachable: true}
	ks := &fakeKeystore{password: "p@ss"}
	m := newMachine(driver, inspector, prober, ks)

	m.Evaluate(ctx, testCfg(), false)
	require.Equal(t, share.StatusError, m.State().Status)

	m.ResetError(ctx, "share-1")
	require.Equal(t, share.StatusUnmounted, m.State().Status)
}
