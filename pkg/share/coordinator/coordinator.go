// Package coordinator implements the §4.8 Coordinator: it owns every
// share's lifecycle.Machine and ShareConfig, subscribes to external
// stimuli (config changes, VPN transitions, network changes, system
// wake), fans evaluations out through the Evaluation Scheduler, and
// exposes the CLI/UI-facing operations of §6.
package coordinator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/config"
	"github.com/sharewatch/sharewatchd/pkg/share/keystore"
	"github.com/sharewatch/sharewatchd/pkg/share/lifecycle"
	"github.com/sharewatch/sharewatchd/pkg/share/logging"
	"github.com/sharewatch/sharewatchd/pkg/share/metrics"
	"github.com/sharewatch/sharewatchd/pkg/share/mountdrv"
	"github.com/sharewatch/sharewatchd/pkg/share/retry"
	"github.com/sharewatch/sharewatchd/pkg/share/schedule"
	"github.com/sharewatch/sharewatchd/pkg/share/vpnroute"
)

const (
	userSuspendWindow = 5 * time.Minute
	observerDebounce  = 100 * time.Millisecond
)

// ChangeSource is a generic external-stimulus subscription: network
// up/down and system wake/sleep both reduce to "something happened,
// re-evaluate everything", so one interface covers both.
type ChangeSource interface {
	Subscribe() <-chan struct{}
}

// Deps bundles every collaborator the Coordinator wires together. The
// concrete values (mountdrv.Driver, inspect.UnixInspector, probe.Prober,
// vpnroute.Monitor's netlink/D-Bus backends, keystore's Secret Service
// adapter) are assembled by cmd/sharewatchd's main and passed in here.
type Deps struct {
	Repository     config.Repository
	ChangeNotifier config.ChangeNotifier // optional; nil disables the file-watch path
	Driver         lifecycle.Driver
	Inspector      lifecycle.Inspector
	Prober         lifecycle.Prober
	VPN            *vpnroute.Monitor
	Keystore       keystore.Adapter
	Metrics        *metrics.Registry
	NetworkChanges ChangeSource // optional
	SystemWake     ChangeSource // optional
	Home           string

	// Logger, when non-nil, is handed to every share's lifecycle.Machine
	// so §6 structured log records (and the ring buffers behind them) are
	// populated from real state transitions rather than only from raw
	// dlog output.
	Logger *logging.Logger

	// InspectorCache, when non-nil, is cleared before evaluations are
	// dispatched on any VPN/network-change signal, per §9's
	// stale-cache-interactions note. The concrete *inspect.UnixInspector
	// satisfies this; narrowed here so the coordinator package doesn't
	// need to import pkg/share/inspect.
	InspectorCache interface{ Clear() }
}

// shareEntry bundles a config snapshot with its Machine so a single
// xsync.MapOf lookup yields both.
type shareEntry struct {
	cfg     share.ShareConfig
	machine *lifecycle.Machine

	// lastProbeUnhealthy records the most recent health-probe outcome for
	// this share, set by runEvaluation's HealthCheck branch and read by
	// runHealthProbes once every share's scheduled probe has settled.
	// It is an atomic.Bool (rather than a plain bool) because the health
	// probe tick for one share and, e.g., a VPN-change reset for the same
	// share can in principle race on this field even though the
	// lifecycle.Machine state itself stays serialized through c.scheduler.
	lastProbeUnhealthy atomic.Bool
}

// Coordinator is the §4.8 contract.
type Coordinator struct {
	deps       Deps
	governors  *retry.Registry
	scheduler  *schedule.Scheduler
	shares     *xsync.MapOf[string, *shareEntry]
	observers  []func(map[string]share.ShareState)
	notifyTimer *time.Timer
}

// New builds a Coordinator; call Start to begin processing events.
func New(deps Deps) *Coordinator {
	c := &Coordinator{
		deps:      deps,
		governors: retry.NewRegistry(),
		shares:    xsync.NewMapOf[string, *shareEntry](),
	}
	c.scheduler = schedule.New(c.runEvaluation)
	return c
}

func (c *Coordinator) machineDeps() lifecycle.Deps {
	return lifecycle.Deps{
		Driver:    c.deps.Driver,
		Inspector: c.deps.Inspector,
		Prober:    c.deps.Prober,
		Routes:    c.deps.VPN,
		Keystore:  c.deps.Keystore,
		Governors: c.governors,
		Home:      c.deps.Home,
		Logger:    c.deps.Logger,
	}
}

// Start loads the persisted configuration, recovers from an unclean
// shutdown if needed (left to pkg/share/recovery, called by main before
// Start), schedules a Startup evaluation per share, and runs the
// long-lived subscription loops under a dgroup.Group until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	cfgs, err := c.deps.Repository.FetchAll(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		c.registerShare(ctx, cfg)
	}

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})

	for _, cfg := range cfgs {
		c.scheduler.Schedule(ctx, cfg.ID, schedule.Startup)
	}

	g.Go("health-probe", c.healthProbeLoop)
	g.Go("vpn-events", c.vpnEventLoop)
	if c.deps.NetworkChanges != nil {
		g.Go("network-events", c.networkEventLoop)
	}
	if c.deps.SystemWake != nil {
		g.Go("wake-events", c.wakeEventLoop)
	}
	if c.deps.ChangeNotifier != nil {
		g.Go("config-watch", c.configWatchLoop)
	}

	return g.Wait()
}

func (c *Coordinator) registerShare(ctx context.Context, cfg share.ShareConfig) *shareEntry {
	entry := &shareEntry{cfg: cfg, machine: lifecycle.New(c.machineDeps())}
	c.shares.Store(cfg.ID, entry)
	return entry
}

// runEvaluation is the Scheduler's single EvalFunc: every event for every
// share funnels through here, which is what gives §5's "per share,
// evaluations ... are strictly serial" guarantee teeth. A HealthCheck
// event runs the §4.7 health probe instead of a full Evaluate; when the
// probe decides the share needs a full re-evaluation (mount gone, e.g.),
// that Evaluate call happens right here, inline, rather than via a
// second Schedule call — this is still "re-scheduled for evaluation via
// the Scheduler" in effect, since it runs inside the very slot the
// Scheduler serialized for this share, without opening a window for a
// concurrent probe or evaluation on the same Machine.
func (c *Coordinator) runEvaluation(ctx context.Context, shareID string, event schedule.Event) {
	entry, ok := c.shares.Load(shareID)
	if !ok {
		return
	}
	if event == schedule.HealthCheck {
		unhealthy, needsEval := entry.machine.RunHealthProbe(ctx, entry.cfg)
		entry.lastProbeUnhealthy.Store(unhealthy)
		if needsEval {
			entry.machine.Evaluate(ctx, entry.cfg, false)
		}
	} else {
		isUserInitiated := event == schedule.UserInitiated
		entry.machine.Evaluate(ctx, entry.cfg, isUserInitiated)
	}
	if c.deps.Metrics != nil {
		st := entry.machine.State()
		c.deps.Metrics.ObserveState(shareID, st.Status)
		c.deps.Metrics.ObserveRetryFailures(shareID, st.ConsecutiveFailures)
	}
	c.notifyObservers()
}

// healthProbeLoop implements §4.7's health-probe ticker: 30s normally,
// 20s while any share is unhealthy.
func (c *Coordinator) healthProbeLoop(ctx context.Context) error {
	period := lifecycle.HealthyPeriod
	timer := time.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			anyUnhealthy := c.runHealthProbes(ctx)
			if anyUnhealthy {
				period = lifecycle.DegradedPeriod
			} else {
				period = lifecycle.HealthyPeriod
			}
			timer.Reset(period)
		}
	}
}

// runHealthProbes dispatches one HealthCheck event per enabled share
// through c.scheduler — never by calling lifecycle.Machine methods
// directly off a bare goroutine — so a probe can never run concurrently
// with an in-flight Evaluate/runMountEpisode for the same share; that
// serialization is exactly what the Scheduler's per-share queue exists
// to provide (§5's "Serial per share" guarantee). It then waits for
// every scheduled probe to settle before reading back the aggregated
// unhealthy flag runEvaluation recorded per share.
func (c *Coordinator) runHealthProbes(ctx context.Context) bool {
	var ids []string
	c.shares.Range(func(id string, e *shareEntry) bool {
		if e.cfg.ManagementState == share.Enabled {
			ids = append(ids, id)
		}
		return true
	})

	for _, id := range ids {
		c.scheduler.Schedule(ctx, id, schedule.HealthCheck)
	}
	for _, id := range ids {
		c.scheduler.WaitIdle(ctx, id)
	}

	anyUnhealthy := false
	for _, id := range ids {
		if entry, ok := c.shares.Load(id); ok && entry.lastProbeUnhealthy.Load() {
			anyUnhealthy = true
		}
	}
	if len(ids) > 0 {
		c.notifyObservers()
	}
	return anyUnhealthy
}

// vpnEventLoop applies §4.8's VPN-transition policy.
func (c *Coordinator) vpnEventLoop(ctx context.Context) error {
	sig := c.deps.VPN.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-sig:
			switch s {
			case vpnroute.VPNDisconnected:
				c.onVPNDisconnected(ctx)
			case vpnroute.VPNConnected:
				c.onVPNConnected(ctx)
			}
		}
	}
}

func (c *Coordinator) onVPNDisconnected(ctx context.Context) {
	c.clearInspectorCache()
	c.shares.Range(func(id string, e *shareEntry) bool {
		if e.cfg.RequiresVPN && e.cfg.ManagementState == share.Enabled {
			c.unmountLocked(ctx, id, false)
		}
		return true
	})
	c.scheduler.ScheduleAll(ctx, schedule.VPNChange)
}

func (c *Coordinator) onVPNConnected(ctx context.Context) {
	c.clearInspectorCache()
	c.shares.Range(func(id string, e *shareEntry) bool {
		if e.cfg.RequiresVPN {
			e.machine.ResetError(ctx, id)
		}
		return true
	})
	c.scheduler.ScheduleAll(ctx, schedule.VPNChange)
}

// clearInspectorCache drops the Mount Inspector's 5s path cache ahead of
// the next evaluation fan-out, per §9: the Coordinator invalidates
// Inspector/Route Monitor caches BEFORE dispatching evaluations on any
// external-world signal. The Route Monitor clears its own route cache
// inside Tick/evaluate, so only the Inspector needs an explicit nudge
// here.
func (c *Coordinator) clearInspectorCache() {
	if c.deps.InspectorCache != nil {
		c.deps.InspectorCache.Clear()
	}
}

func (c *Coordinator) networkEventLoop(ctx context.Context) error {
	ch := c.deps.NetworkChanges.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			c.onNetworkChanged(ctx)
		}
	}
}

func (c *Coordinator) onNetworkChanged(ctx context.Context) {
	c.clearInspectorCache()
	c.governors.ClearAll()
	c.shares.Range(func(id string, e *shareEntry) bool {
		if e.cfg.ManagementState == share.Enabled {
			e.machine.ResetError(ctx, id)
		}
		return true
	})
	c.scheduler.ScheduleAll(ctx, schedule.NetworkChange)
}

func (c *Coordinator) wakeEventLoop(ctx context.Context) error {
	ch := c.deps.SystemWake.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			c.scheduler.ScheduleAll(ctx, schedule.SystemWake)
		}
	}
}

func (c *Coordinator) configWatchLoop(ctx context.Context) error {
	ch, err := c.deps.ChangeNotifier.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			c.reloadFromRepository(ctx)
		}
	}
}

func (c *Coordinator) reloadFromRepository(ctx context.Context) {
	cfgs, err := c.deps.Repository.FetchAll(ctx)
	if err != nil {
		dlog.Errorf(ctx, "coordinator: reload failed: %v", err)
		return
	}
	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		seen[cfg.ID] = true
		if entry, ok := c.shares.Load(cfg.ID); ok {
			entry.cfg = cfg
		} else {
			c.registerShare(ctx, cfg)
		}
		c.scheduler.Schedule(ctx, cfg.ID, schedule.UserInitiated)
	}
	c.shares.Range(func(id string, _ *shareEntry) bool {
		if !seen[id] {
			c.forgetShare(id)
		}
		return true
	})
	c.notifyObservers()
}

func (c *Coordinator) forgetShare(id string) {
	c.shares.Delete(id)
	c.scheduler.Forget(id)
	c.governors.Delete(id)
}

// AddShare persists a new ShareConfig and schedules its first evaluation.
func (c *Coordinator) AddShare(ctx context.Context, cfg share.ShareConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.deps.Repository.Save(ctx, cfg); err != nil {
		return err
	}
	c.registerShare(ctx, cfg)
	c.scheduler.Schedule(ctx, cfg.ID, schedule.UserInitiated)
	c.notifyObservers()
	return nil
}

// UpdateShare persists an edited ShareConfig and re-evaluates it.
func (c *Coordinator) UpdateShare(ctx context.Context, cfg share.ShareConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.deps.Repository.Save(ctx, cfg); err != nil {
		return err
	}
	if entry, ok := c.shares.Load(cfg.ID); ok {
		entry.cfg = cfg
	} else {
		c.registerShare(ctx, cfg)
	}
	c.scheduler.Schedule(ctx, cfg.ID, schedule.UserInitiated)
	c.notifyObservers()
	return nil
}

// RemoveShare best-effort unmounts the share, deletes its persisted
// record, and deletes its credential, per §3's destruction lifecycle.
func (c *Coordinator) RemoveShare(ctx context.Context, id string) error {
	entry, ok := c.shares.Load(id)
	if !ok {
		return nil
	}
	c.unmountLocked(ctx, id, true)
	if err := c.deps.Repository.Delete(ctx, id); err != nil {
		return err
	}
	if entry.cfg.Username != "" {
		_ = c.deps.Keystore.Delete(ctx, keystore.Key{
			Server: entry.cfg.ServerAddress, Username: entry.cfg.Username,
			Protocol: entry.cfg.Protocol, Port: entry.cfg.Protocol.DefaultPort(),
		})
	}
	c.forgetShare(id)
	c.notifyObservers()
	return nil
}

// SetManagementState flips a share's Enabled/Disabled flag and persists
// it, re-evaluating immediately.
func (c *Coordinator) SetManagementState(ctx context.Context, id string, state share.ManagementState) error {
	entry, ok := c.shares.Load(id)
	if !ok {
		return nil
	}
	entry.cfg.ManagementState = state
	if err := c.deps.Repository.Save(ctx, entry.cfg); err != nil {
		return err
	}
	if state == share.Disabled {
		entry.machine.Disable(ctx, id)
		c.scheduler.Cancel(id)
	} else {
		c.scheduler.Schedule(ctx, id, schedule.UserInitiated)
	}
	c.notifyObservers()
	return nil
}

// ToggleEnabled flips Enabled<->Disabled.
func (c *Coordinator) ToggleEnabled(ctx context.Context, id string) error {
	entry, ok := c.shares.Load(id)
	if !ok {
		return nil
	}
	next := share.Enabled
	if entry.cfg.ManagementState == share.Enabled {
		next = share.Disabled
	}
	return c.SetManagementState(ctx, id, next)
}

// MountShare requests an immediate (UserInitiated, zero settle delay)
// evaluation, bypassing suspension since the user explicitly asked.
func (c *Coordinator) MountShare(ctx context.Context, id string) error {
	entry, ok := c.shares.Load(id)
	if !ok {
		return nil
	}
	entry.machine.Suspend(time.Now(), 0) // clears any prior suspension window
	c.scheduler.Schedule(ctx, id, schedule.UserInitiated)
	return nil
}

// UnmountShare drives the Machine/Driver unmount path directly (not
// through the Scheduler, since an unmount is synchronous from the
// caller's point of view). isUserInitiated records a 5-minute
// suspension window so auto-evaluation won't immediately remount.
func (c *Coordinator) UnmountShare(ctx context.Context, id string, isUserInitiated bool) error {
	c.scheduler.Cancel(id)
	return c.unmountLocked(ctx, id, isUserInitiated)
}

func (c *Coordinator) unmountLocked(ctx context.Context, id string, isUserInitiated bool) error {
	entry, ok := c.shares.Load(id)
	if !ok {
		return nil
	}
	mountPath := entry.cfg.EffectiveMountPath(c.deps.Home)
	entry.machine.StartUnmount(ctx, id)
	err := c.deps.Driver.Unmount(ctx, mountPath)
	entry.machine.FinishUnmount(ctx, id, err)
	if isUserInitiated {
		entry.machine.Suspend(time.Now(), userSuspendWindow)
	}
	c.notifyObservers()
	return err
}

// ToggleMount mounts an unmounted share or unmounts a mounted one.
func (c *Coordinator) ToggleMount(ctx context.Context, id string) error {
	entry, ok := c.shares.Load(id)
	if !ok {
		return nil
	}
	if entry.machine.State().Status == share.StatusMounted {
		return c.UnmountShare(ctx, id, true)
	}
	return c.MountShare(ctx, id)
}

// StopRetrying sets managementState=Disabled and cancels any pending
// evaluation, per §6's CLI surface.
func (c *Coordinator) StopRetrying(ctx context.Context, id string) error {
	return c.SetManagementState(ctx, id, share.Disabled)
}

// RefreshAllStates fans a UserInitiated evaluation out to every share.
func (c *Coordinator) RefreshAllStates(ctx context.Context) {
	c.scheduler.ScheduleAll(ctx, schedule.UserInitiated)
}

// EvaluateAll is an alias for RefreshAllStates matching §4.8's naming.
func (c *Coordinator) EvaluateAll(ctx context.Context) { c.RefreshAllStates(ctx) }

// States returns a snapshot of every share's current state, keyed by ID.
func (c *Coordinator) States() map[string]share.ShareState {
	out := make(map[string]share.ShareState)
	c.shares.Range(func(id string, e *shareEntry) bool {
		out[id] = e.machine.State()
		return true
	})
	return out
}

// ObserveStates registers callback to receive a snapshot of every
// share's state on each debounced change, per §4.8.
func (c *Coordinator) ObserveStates(callback func(map[string]share.ShareState)) {
	c.observers = append(c.observers, callback)
}

// notifyObservers debounces a burst of transitions into one callback
// invocation per §4.8's "debounced 100ms" requirement.
func (c *Coordinator) notifyObservers() {
	if len(c.observers) == 0 {
		return
	}
	if c.notifyTimer != nil {
		c.notifyTimer.Stop()
	}
	c.notifyTimer = time.AfterFunc(observerDebounce, func() {
		snapshot := c.States()
		for _, cb := range c.observers {
			cb(snapshot)
		}
	})
}

// RecentLogs returns the global §6 log ring buffer, or nil if no Logger
// was configured.
func (c *Coordinator) RecentLogs() []logging.Record {
	if c.deps.Logger == nil {
		return nil
	}
	return c.deps.Logger.Recent()
}

// RecentLogsForShare returns one share's §6 log ring buffer, or nil if no
// Logger was configured.
func (c *Coordinator) RecentLogsForShare(shareID string) []logging.Record {
	if c.deps.Logger == nil {
		return nil
	}
	return c.deps.Logger.RecentForShare(shareID)
}

// AggregateStatus is the §7 menu-bar aggregate: AllConnected iff every
// enabled share is Mounted(Connected); Connecting if any share is
// Mounting; PartiallyConnected if at least one but not all healthy;
// Disconnected otherwise.
type AggregateStatus string

const (
	AllConnected       AggregateStatus = "all-connected"
	Connecting         AggregateStatus = "connecting"
	PartiallyConnected AggregateStatus = "partially-connected"
	Disconnected       AggregateStatus = "disconnected"
)

// Aggregate computes the §7 AggregateStatus over every enabled share.
func (c *Coordinator) Aggregate() AggregateStatus {
	var ids []string
	c.shares.Range(func(id string, e *shareEntry) bool {
		if e.cfg.ManagementState == share.Enabled {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids) // deterministic iteration for tests; Range order is not

	total, connected, mounting := 0, 0, 0
	for _, id := range ids {
		e, ok := c.shares.Load(id)
		if !ok {
			continue
		}
		total++
		st := e.machine.State()
		switch {
		case st.Status == share.StatusMounted && st.Health == share.Connected:
			connected++
		case st.Status == share.StatusMounting:
			mounting++
		}
	}

	switch {
	case total == 0:
		return Disconnected
	case connected == total:
		return AllConnected
	case mounting > 0:
		return Connecting
	case connected > 0:
		return PartiallyConnected
	default:
		return Disconnected
	}
}
