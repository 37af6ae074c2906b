//go:build linux

package netchange

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/datawire/dlib/dlog"
)

const (
	logindDest   = "org.freedesktop.login1"
	logindPath   = dbus.ObjectPath("/org/freedesktop/login1")
	logindSignal = "org.freedesktop.login1.Manager.PrepareForSleep"
)

// SleepWatcher is the Coordinator's SystemWake ChangeSource: it
// subscribes to systemd-logind's PrepareForSleep signal (emitted once
// with argument true just before suspend, once with false just after
// resume) over the system bus, the Linux equivalent of the platform's
// wake/sleep notification named in §6.
type SleepWatcher struct {
	fanout
	conn *dbus.Conn
}

// NewSleepWatcher connects to the system bus and arms the
// PrepareForSleep match rule.
func NewSleepWatcher() (*SleepWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("netchange: connect system bus: %w", err)
	}
	call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0,
		fmt.Sprintf("type='signal',interface='org.freedesktop.login1.Manager',member='PrepareForSleep',path='%s'", logindPath))
	if call.Err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("netchange: add match: %w", call.Err)
	}
	return &SleepWatcher{conn: conn}, nil
}

// Close releases the system-bus connection.
func (w *SleepWatcher) Close() error { return w.conn.Close() }

// Subscribe implements coordinator.ChangeSource.
func (w *SleepWatcher) Subscribe() <-chan struct{} { return w.subscribe() }

// Run drains the bus's signal channel, publishing a SystemWake stimulus
// each time PrepareForSleep fires with argument false (resume, as
// opposed to true for "about to suspend" which the Coordinator has no
// use for — there is nothing to re-evaluate until the host is back).
func (w *SleepWatcher) Run(ctx context.Context) error {
	sigCh := make(chan *dbus.Signal, 8)
	w.conn.Signal(sigCh)
	defer w.conn.RemoveSignal(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return nil
			}
			if sig.Name != logindSignal || len(sig.Body) != 1 {
				continue
			}
			sleeping, ok := sig.Body[0].(bool)
			if !ok {
				continue
			}
			if sleeping {
				dlog.Debug(ctx, "netchange: host entering sleep")
				continue
			}
			dlog.Info(ctx, "netchange: host woke from sleep")
			w.publish()
		}
	}
}
