// Package netchange adapts the kernel-level signals §4.3 and §4.4 name
// ("the presence of interfaces...", "the kernel's dynamic-configuration
// notification on routing, link, or global IPv4 changes") and the OS
// sleep/wake notification into the coordinator.ChangeSource shape the
// Coordinator subscribes to for its NetworkChanges and SystemWake
// stimuli.
package netchange

import "sync"

// fanout is a small single-producer, multi-subscriber struct{} signal
// bus shared by LinkWatcher and SleepWatcher: each published event is
// coalesced (a non-blocking send, dropped if a subscriber hasn't drained
// the last one) since the Coordinator only cares that a change
// happened, not how many.
type fanout struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (f *fanout) subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fanout) publish() {
	f.mu.Lock()
	subs := append([]chan struct{}(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
