//go:build linux

package netchange

import (
	"context"

	"github.com/sharewatch/sharewatchd/pkg/share/vpnroute"
)

// LinkWatcher is the Coordinator's NetworkChanges ChangeSource: it
// forwards vpnroute.SubscribeLinkChanges (netlink link/addr/route
// updates) as NetworkChange stimuli. It is deliberately distinct from
// the VPN Monitor's own subscription to the same netlink feed — the
// Monitor re-evaluates VPN status on every update, while this publishes
// a plain NetworkChanged signal so the Coordinator clears retry
// counters and re-evaluates every share, per §4.8.
type LinkWatcher struct {
	fanout
}

// NewLinkWatcher returns a LinkWatcher; call Run to start forwarding.
func NewLinkWatcher() *LinkWatcher { return &LinkWatcher{} }

// Subscribe implements coordinator.ChangeSource.
func (w *LinkWatcher) Subscribe() <-chan struct{} { return w.subscribe() }

// Run subscribes to netlink updates and republishes each as a signal
// until ctx is done.
func (w *LinkWatcher) Run(ctx context.Context) error {
	return vpnroute.SubscribeLinkChanges(ctx, w.publish)
}
