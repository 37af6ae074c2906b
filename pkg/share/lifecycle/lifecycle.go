// Package lifecycle implements the §4.7 per-share state machine: the
// Mount Episode loop, stuck-operation detection, and the health probe.
// It consumes the Mount Driver, Mount Inspector, Network Prober, VPN/
// Route Monitor and Retry Governor but owns none of their lifetimes —
// the Coordinator wires concrete instances in.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/errcat"
	"github.com/sharewatch/sharewatchd/pkg/share/keystore"
	"github.com/sharewatch/sharewatchd/pkg/share/logging"
	"github.com/sharewatch/sharewatchd/pkg/share/mountdrv"
	"github.com/sharewatch/sharewatchd/pkg/share/retry"
)

const (
	healthGraceWindow  = 60 * time.Second
	stuckMountLimit    = 120 * time.Second
	stuckUnmountLimit  = 60 * time.Second
	healthReachTimeout = 3 * time.Second
	// HealthyPeriod and DegradedPeriod are the two health-probe ticker
	// periods: normal cadence, and the faster cadence used while any
	// share is unhealthy.
	HealthyPeriod  = 30 * time.Second
	DegradedPeriod = 20 * time.Second
)

// Driver is the subset of mountdrv.Driver the state machine needs.
type Driver interface {
	Mount(ctx context.Context, cfg share.ShareConfig, mountPath string, cred *share.Credential, timeout time.Duration) error
	Unmount(ctx context.Context, mountPath string) error
}

// Inspector is the subset of inspect.Inspector the state machine needs.
type Inspector interface {
	IsNetworkMount(ctx context.Context, path string) (bool, error)
}

// Prober is the subset of probe.Prober the state machine needs.
type Prober interface {
	IsReachable(ctx context.Context, host string, port int, timeout time.Duration) bool
}

// RouteMonitor is the subset of vpnroute.Monitor the state machine needs.
type RouteMonitor interface {
	IsServerAccessibleViaVPN(ctx context.Context, host string) bool
}

// Keystore is the subset of keystore.Adapter the state machine needs.
type Keystore interface {
	Read(ctx context.Context, key keystore.Key) (string, error)
}

// Deps bundles the collaborators a Machine evaluates against. All are
// shared across every share's Machine; none are owned by the Machine.
type Deps struct {
	Driver    Driver
	Inspector Inspector
	Prober    Prober
	Routes    RouteMonitor
	Keystore  Keystore
	Governors *retry.Registry
	Home      string // for ShareConfig.EffectiveMountPath

	// Logger, when non-nil, receives the §6 structured log records this
	// package would otherwise only send straight to dlog; nil falls back
	// to the old direct-dlog behavior so existing tests need no changes.
	Logger *logging.Logger
}

// Machine holds one share's runtime state and evaluates it against a
// ShareConfig snapshot. It is not safe for concurrent evaluation of the
// same share — the Scheduler's per-share serialization is what makes
// that guarantee hold; Machine itself does no locking.
type Machine struct {
	deps        Deps
	state       *share.ShareState
	now         func() time.Time
	displayName string // cfg.DisplayName as of the last Evaluate call; log-only
}

// New builds a Machine starting from Unmounted.
func New(deps Deps) *Machine {
	return &Machine{deps: deps, state: share.NewShareState(), now: time.Now}
}

// SetClockForTest overrides the Machine's notion of "now", for
// deterministic grace-window and stuck-operation tests (mirrors
// retry.Governor.SetClockForTest).
func (m *Machine) SetClockForTest(now func() time.Time) { m.now = now }

// State returns a race-safe snapshot of the current runtime state.
func (m *Machine) State() share.ShareState { return m.state.Clone() }

// logEvent emits a §6 structured log record through deps.Logger when one
// is wired; with no Logger configured it falls back to the package's
// original direct-dlog behavior, so Machines built without one (as every
// pre-existing test does) keep working unchanged.
func (m *Machine) logEvent(ctx context.Context, shareID string, level logging.Level, msg string, err error) {
	if m.deps.Logger != nil {
		m.deps.Logger.Log(ctx, logging.Record{
			ServerID:   shareID,
			ServerName: m.displayName,
			Level:      level,
			Message:    msg,
			Err:        err,
		})
		return
	}
	switch level {
	case logging.Warning:
		if err != nil {
			dlog.Warnf(ctx, "%s: %v", msg, err)
		} else {
			dlog.Warn(ctx, msg)
		}
	case logging.Error:
		if err != nil {
			dlog.Errorf(ctx, "%s: %v", msg, err)
		} else {
			dlog.Error(ctx, msg)
		}
	default:
		dlog.Info(ctx, msg)
	}
}

// transition moves to a new status, logging and enforcing §4.7's edge
// table. An edge not present in the table is dropped (logged, ignored)
// rather than applied — the machine never panics on a forbidden edge.
var allowedEdges = map[share.Status]map[share.Status]bool{
	share.StatusUnmounted:  {share.StatusMounting: true, share.StatusDisabled: true},
	share.StatusMounting:   {share.StatusMounted: true, share.StatusError: true, share.StatusUnmounted: true, share.StatusDisabled: true},
	share.StatusMounted:    {share.StatusMounted: true, share.StatusUnmounting: true, share.StatusError: true, share.StatusDisabled: true},
	share.StatusUnmounting: {share.StatusUnmounted: true, share.StatusError: true},
	share.StatusError:      {share.StatusMounting: true, share.StatusUnmounted: true, share.StatusDisabled: true},
	share.StatusDisabled:   {share.StatusUnmounted: true, share.StatusMounting: true},
}

func (m *Machine) transition(ctx context.Context, shareID string, to share.Status, health share.Health) {
	from := m.state.Status
	fromHealth := m.state.Health
	unchanged := from == to && (to != share.StatusMounted || fromHealth == health)
	if unchanged {
		return
	}
	if edges, ok := allowedEdges[from]; !ok || !edges[to] {
		m.logEvent(ctx, shareID, logging.Warning,
			"dropping forbidden transition "+string(from)+" -> "+string(to), nil)
		return
	}
	m.state.Status = to
	if to == share.StatusMounted {
		m.state.Health = health
	} else {
		m.state.Health = ""
	}
	if to == share.StatusMounting || to == share.StatusUnmounting {
		now := m.now()
		m.state.OperationStart = &now
	} else {
		m.state.OperationStart = nil
	}
	if to == share.StatusMounted {
		m.logEvent(ctx, shareID, logging.Info,
			string(from)+" -> "+string(to)+"("+string(health)+")", nil)
	} else {
		m.logEvent(ctx, shareID, logging.Info, string(from)+" -> "+string(to), nil)
	}
}

// Disable requests a transition to Disabled; per the §4.7 edge table
// this is allowed from every state except Unmounting, where it is
// dropped like any other forbidden edge until the unmount completes.
func (m *Machine) Disable(ctx context.Context, shareID string) {
	m.transition(ctx, shareID, share.StatusDisabled, "")
}

// Suspend records a user-initiated disconnect: no auto-evaluation will
// act on this share again until now+window.
func (m *Machine) Suspend(now time.Time, window time.Duration) {
	until := now.Add(window)
	m.state.SuspendedUntil = &until
}

// detectStuck handles the Mounting half of §4.7's stuck-operation
// detection; the Unmounting half needs the Inspector and lives in
// resolveStuckUnmount.
func (m *Machine) detectStuck(ctx context.Context, shareID string, now time.Time) {
	if m.state.OperationStart == nil || m.state.Status != share.StatusMounting {
		return
	}
	if elapsed := now.Sub(*m.state.OperationStart); elapsed > stuckMountLimit {
		m.logEvent(ctx, shareID, logging.Warning,
			fmt.Sprintf("mount timed out after %s, forcing Unmounted", elapsed), nil)
		m.state.OperationStart = nil
		m.state.Status = share.StatusUnmounted
	}
}

// resolveStuckUnmount consults the Inspector to pick the forced state
// for a share stuck past stuckUnmountLimit in Unmounting, per §4.7.
func (m *Machine) resolveStuckUnmount(ctx context.Context, shareID, mountPath string) {
	if m.state.OperationStart == nil || m.state.Status != share.StatusUnmounting {
		return
	}
	if m.now().Sub(*m.state.OperationStart) <= stuckUnmountLimit {
		return
	}
	m.state.OperationStart = nil
	if mounted, err := m.deps.Inspector.IsNetworkMount(ctx, mountPath); err == nil && mounted {
		m.logEvent(ctx, shareID, logging.Warning, "stuck in Unmounting, kernel still shows it mounted", nil)
		m.state.Status = share.StatusMounted
		m.state.Health = share.Connected
	} else {
		m.logEvent(ctx, shareID, logging.Warning, "stuck in Unmounting, forcing Unmounted", nil)
		m.state.Status = share.StatusUnmounted
	}
}

// Evaluate runs the §4.7 "Evaluation algorithm (per share)".
// isUserInitiated is used only to decide whether a Disabled share should
// be skipped; cfg is the ShareConfig snapshot for this evaluation.
func (m *Machine) Evaluate(ctx context.Context, cfg share.ShareConfig, isUserInitiated bool) {
	shareID := cfg.ID
	now := m.now()
	m.displayName = cfg.DisplayName

	if cfg.ManagementState == share.Disabled && !isUserInitiated {
		return
	}
	if m.state.IsSuspended(now) {
		return
	}

	mountPath := cfg.EffectiveMountPath(m.deps.Home)

	if mounted, err := m.deps.Inspector.IsNetworkMount(ctx, mountPath); err == nil && mounted {
		reachable := m.deps.Prober.IsReachable(ctx, cfg.ServerAddress, cfg.Protocol.DefaultPort(), healthReachTimeout)
		if reachable {
			m.transition(ctx, shareID, share.StatusMounted, share.Connected)
		} else {
			m.transition(ctx, shareID, share.StatusMounted, share.Degraded)
		}
		return
	}

	if m.state.Status == share.StatusMounted {
		m.transition(ctx, shareID, share.StatusUnmounted, "")
	}
	m.resolveStuckUnmount(ctx, shareID, mountPath)
	m.detectStuck(ctx, shareID, now)

	connected := m.deps.Prober.IsReachable(ctx, cfg.ServerAddress, cfg.Protocol.DefaultPort(), healthReachTimeout)
	if connected && cfg.RequiresVPN && m.deps.Routes != nil {
		connected = m.deps.Routes.IsServerAccessibleViaVPN(ctx, cfg.ServerAddress)
	}

	if !connected {
		m.transition(ctx, shareID, share.StatusUnmounted, "")
		return
	}

	m.runMountEpisode(ctx, cfg, mountPath)
}

// runMountEpisode is §4.7's "Mount Episode": the attempt/backoff loop
// driving the Mount Driver, honoring the Retry Governor's circuit
// breaker and the per-strategy delay schedule.
func (m *Machine) runMountEpisode(ctx context.Context, cfg share.ShareConfig, mountPath string) {
	shareID := cfg.ID
	gov := m.deps.Governors.Get(shareID)
	maxAttempts := retry.MaxAttempts(cfg.RetryStrategyName, cfg.MaxRetryAttempts)

	m.state.Attempt = 1
	m.state.MaxAttempts = maxAttempts
	m.transition(ctx, shareID, share.StatusMounting, "")

	for m.state.Attempt <= maxAttempts {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !gov.ShouldRetry() {
			m.state.LastError = errcat.TimeoutExceeded.New(nil)
			m.transition(ctx, shareID, share.StatusError, "")
			return
		}

		_ = m.deps.Prober.IsReachable(ctx, cfg.ServerAddress, cfg.Protocol.DefaultPort(), healthReachTimeout)

		var cred *share.Credential
		if cfg.WantsCredentialLookup() {
			password, err := m.deps.Keystore.Read(ctx, keystore.Key{
				Server: cfg.ServerAddress, Username: cfg.Username,
				Protocol: cfg.Protocol, Port: cfg.Protocol.DefaultPort(),
			})
			if err != nil {
				m.state.LastError = errcat.AuthFailed.New(err)
				m.transition(ctx, shareID, share.StatusError, "")
				return
			}
			cred = &share.Credential{Server: cfg.ServerAddress, Username: cfg.Username, Password: password,
				Port: cfg.Protocol.DefaultPort(), Protocol: cfg.Protocol}
		} else if cfg.Username != "" {
			m.state.LastError = errcat.AuthFailed.New(nil)
			m.transition(ctx, shareID, share.StatusError, "")
			return
		}

		err := m.deps.Driver.Mount(ctx, cfg, mountPath, cred, mountdrv.DefaultTimeout)
		if err == nil {
			now := m.now()
			gov.RecordSuccess()
			m.state.ConsecutiveFailures = 0
			m.state.LastSuccessAt = &now
			m.transition(ctx, shareID, share.StatusMounted, share.Connected)
			return
		}

		if errcat.Is(err, errcat.AuthFailed) || errcat.IsTerminal(err) {
			m.state.LastError = err
			m.transition(ctx, shareID, share.StatusError, "")
			return
		}

		gov.RecordFailure()
		m.state.ConsecutiveFailures = gov.Failures()
		m.state.LastError = err

		if m.state.Attempt >= maxAttempts {
			m.transition(ctx, shareID, share.StatusError, "")
			return
		}

		delay, _ := gov.NextDelay(cfg.RetryStrategyName, cfg.CustomRetryInterval)
		m.state.Attempt++
		// Stay in Mounting while we sleep out the backoff; re-assert the
		// transition's bookkeeping (attempt/lastError) without resetting
		// OperationStart, which must track the whole episode's duration
		// for stuck-op detection.
		m.logEvent(ctx, shareID, logging.Warning,
			fmt.Sprintf("retrying (attempt %d/%d) after %s", m.state.Attempt, maxAttempts, delay), err)
		if werr := dtime.SleepWithContext(ctx, delay); werr != nil {
			return
		}
	}
}

// RunHealthProbe implements §4.7's health probe for a single share: the
// Coordinator calls this for every enabled share on its 30s/20s ticker.
// It returns true if this share is now unhealthy (driving the faster
// 20s ticker period) and whether the Scheduler should be asked to
// re-evaluate the share (true for Unmounted/Error/Stale outcomes).
func (m *Machine) RunHealthProbe(ctx context.Context, cfg share.ShareConfig) (unhealthy bool, needsEvaluation bool) {
	shareID := cfg.ID
	now := m.now()

	if m.state.Status == share.StatusMounted && m.state.Health == share.Connected &&
		m.state.LastSuccessAt != nil && now.Sub(*m.state.LastSuccessAt) < healthGraceWindow {
		return false, false
	}

	mountPath := cfg.EffectiveMountPath(m.deps.Home)
	mounted, err := m.deps.Inspector.IsNetworkMount(ctx, mountPath)
	if err != nil || !mounted {
		if m.state.Status == share.StatusMounted {
			m.transition(ctx, shareID, share.StatusUnmounted, "")
		}
		return true, true
	}

	reachable := m.deps.Prober.IsReachable(ctx, cfg.ServerAddress, cfg.Protocol.DefaultPort(), healthReachTimeout)
	if !reachable {
		m.state.HealthFailures++
		m.transition(ctx, shareID, share.StatusMounted, share.Degraded)
		return true, false
	}

	m.state.HealthFailures = 0
	successAt := m.now()
	m.state.LastSuccessAt = &successAt
	m.transition(ctx, shareID, share.StatusMounted, share.Connected)
	return false, false
}

// StartUnmount begins a user- or VPN-disconnect-initiated unmount: the
// Coordinator calls this, then runs the Driver's Unmount outside the
// Machine (the Machine only owns state transitions, not subprocess
// execution lifetime, keeping this symmetric with runMountEpisode which
// does own it because it's a retry loop the Machine must drive itself).
// Only valid from Mounted, per the §4.7 edge table; if the share is
// still Mounting, the Coordinator must cancel that episode's context
// first and let reconciliation on the next evaluation settle the state.
func (m *Machine) StartUnmount(ctx context.Context, shareID string) {
	m.transition(ctx, shareID, share.StatusUnmounting, "")
}

// FinishUnmount records the outcome of an unmount driven by the
// Coordinator via StartUnmount.
func (m *Machine) FinishUnmount(ctx context.Context, shareID string, err error) {
	if err != nil {
		m.state.LastError = err
		m.transition(ctx, shareID, share.StatusError, "")
		return
	}
	m.transition(ctx, shareID, share.StatusUnmounted, "")
}

// ResetError drops an Error state back to Unmounted, for the
// Coordinator's NetworkChanged/VPNChanged reset policy (§4.8).
func (m *Machine) ResetError(ctx context.Context, shareID string) {
	if m.state.Status != share.StatusError {
		return
	}
	m.state.ConsecutiveFailures = 0
	m.transition(ctx, shareID, share.StatusUnmounted, "")
}
